// Package extraction calls the prescription-reading service that turns a
// photo into doctor, hospital and medication fields.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/pkg/circuitbreaker"
)

var (
	// ErrExtractionFailed is returned when the service could not read the image
	ErrExtractionFailed = errors.New("prescription could not be read")
	// ErrEmptyImage is returned for a request without image data
	ErrEmptyImage = errors.New("image is required")
)

// maxResponseBytes bounds how much of a response body is read
const maxResponseBytes = 4 << 20

// Observer receives call latencies. *metrics.Metrics satisfies it
type Observer interface {
	ObserveExtraction(d time.Duration)
}

// Config holds client configuration
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Client posts images to the extraction service
type Client struct {
	config   Config
	http     *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	observer Observer
	logger   *zap.Logger
}

// NewClient creates a client. breaker and observer may be nil
func NewClient(cfg Config, breaker *circuitbreaker.CircuitBreaker, observer Observer, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 40 * time.Second
	}
	return &Client{
		config:   cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		breaker:  breaker,
		observer: observer,
		logger:   logger,
	}
}

// IsRejection reports errors that mean the service answered but could not
// read the image. These do not indicate an outage
func IsRejection(err error) bool {
	return errors.Is(err, ErrExtractionFailed)
}

type analyzeRequest struct {
	Image string `json:"image"`
}

type analyzeResponse struct {
	Success      *bool                     `json:"success"`
	Error        string                    `json:"error"`
	DoctorName   string                    `json:"doctor_name"`
	HospitalName string                    `json:"hospital_name"`
	Medications  []prescription.Medication `json:"medications"`
}

// Analyze sends a base64-encoded image and returns the extracted draft.
// Every medication gets a fresh ID, and instructions other than "before meal"
// become "after meal"
func (c *Client) Analyze(ctx context.Context, imageBase64 string) (*prescription.Draft, error) {
	if strings.TrimSpace(imageBase64) == "" {
		return nil, ErrEmptyImage
	}
	if c.breaker == nil {
		return c.analyze(ctx, imageBase64)
	}
	return circuitbreaker.Do(ctx, c.breaker, func(ctx context.Context) (*prescription.Draft, error) {
		return c.analyze(ctx, imageBase64)
	})
}

func (c *Client) analyze(ctx context.Context, imageBase64 string) (*prescription.Draft, error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ObserveExtraction(time.Since(start))
		}
	}()

	payload, err := json.Marshal(analyzeRequest{Image: imageBase64})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call extraction service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read extraction response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extraction service status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out analyzeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode extraction response: %w", err)
	}
	if out.Success != nil && !*out.Success {
		msg := out.Error
		if msg == "" {
			msg = "AI could not read the prescription"
		}
		c.logger.Info("extraction rejected image", zap.String("reason", msg))
		return nil, fmt.Errorf("%w: %s", ErrExtractionFailed, msg)
	}

	meds := make([]prescription.Medication, 0, len(out.Medications))
	for _, med := range out.Medications {
		med.ID = uuid.NewString()
		med.Instruction = NormalizeInstruction(med.Instruction)
		if med.Slots == nil {
			med.Slots = []string{}
		}
		meds = append(meds, med)
	}

	c.logger.Debug("prescription extracted",
		zap.Int("medications", len(meds)),
		zap.Duration("duration", time.Since(start)))

	return &prescription.Draft{
		DoctorName:   out.DoctorName,
		HospitalName: out.HospitalName,
		Medications:  meds,
	}, nil
}

// NormalizeInstruction maps anything but exactly "before meal" to "after meal"
func NormalizeInstruction(s string) string {
	if s == prescription.InstructionBeforeMeal {
		return s
	}
	return prescription.InstructionAfterMeal
}
