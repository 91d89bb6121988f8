package order

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/internal/platform/clock"
)

// RecordSource lists a user's prescriptions
type RecordSource interface {
	ListByUser(ctx context.Context, userID string) ([]prescription.Record, error)
}

// Service builds carts and invoices for users
type Service struct {
	records RecordSource
	clock   clock.Clock
	ids     IDSource
	logger  *zap.Logger
}

// NewService creates a Service. ids may be nil for random invoice numbers
func NewService(records RecordSource, clk clock.Clock, ids IDSource, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{records: records, clock: clk, ids: ids, logger: logger}
}

// Cart returns the user's cart with every prescribed medication
func (s *Service) Cart(ctx context.Context, userID string) (*Cart, error) {
	records, err := s.records.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	cart, failures := BuildCart(records)
	for _, f := range failures {
		s.logger.Warn("prescription left out of cart", zap.String("record_id", f.RecordID), zap.Error(f))
	}
	return cart, nil
}

// Checkout applies selections to the user's cart and issues an invoice
func (s *Service) Checkout(ctx context.Context, userID string, selections []Selection) (*Invoice, error) {
	cart, err := s.Cart(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := cart.Apply(selections); err != nil {
		return nil, err
	}
	inv, err := Checkout(cart, s.clock.Now(), s.ids)
	if err != nil {
		return nil, err
	}
	s.logger.Info("order checked out",
		zap.String("user_id", userID),
		zap.Int("invoice_id", inv.ID),
		zap.Int("items", len(inv.Items)),
		zap.Float64("total", inv.GrandTotal))
	return inv, nil
}
