package dose

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/domain/prescription"
)

// Expansion is the outcome of expanding a batch of records
type Expansion struct {
	Events   []Event
	Failures []*prescription.ParseError
}

// Expand flattens records into dose events sorted by slot rank. A record whose
// medications cannot be parsed contributes nothing and is reported in
// Failures; the remaining records are still expanded
func Expand(records []prescription.Record) Expansion {
	var out Expansion
	for _, rec := range records {
		parsed := rec.ParseMedications()
		if !parsed.Valid() {
			out.Failures = append(out.Failures, parsed.Err)
			continue
		}
		for _, med := range parsed.Medications {
			for _, s := range med.Slots {
				slot := Slot(s)
				out.Events = append(out.Events, Event{
					Identity:     Identity(rec.ID, med.Name, slot),
					RecordID:     rec.ID,
					MedicineName: med.Name,
					DoctorName:   rec.DoctorName,
					TimeSlot:     slot,
					Instruction:  med.Instruction,
					SortRank:     slot.Rank(),
				})
			}
		}
	}

	sort.SliceStable(out.Events, func(i, j int) bool {
		return out.Events[i].SortRank < out.Events[j].SortRank
	})
	return out
}

// Observer receives expansion counts. *metrics.Metrics satisfies it
type Observer interface {
	ObserveExpansion(events, failures int)
}

// Expander wraps Expand with logging, tracing and metrics
type Expander struct {
	logger   *zap.Logger
	observer Observer
	tracer   trace.Tracer
}

// NewExpander creates an expander. Both arguments may be nil
func NewExpander(logger *zap.Logger, observer Observer) *Expander {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Expander{
		logger:   logger,
		observer: observer,
		tracer:   otel.Tracer("dose-expander"),
	}
}

// Expand expands records, logging each record that failed to parse
func (e *Expander) Expand(ctx context.Context, records []prescription.Record) []Event {
	_, span := e.tracer.Start(ctx, "expand_doses",
		trace.WithAttributes(attribute.Int("records", len(records))))
	defer span.End()

	result := Expand(records)
	for _, failure := range result.Failures {
		e.logger.Error("skipping prescription with malformed medications",
			zap.String("record_id", failure.RecordID),
			zap.Error(failure))
	}

	span.SetAttributes(
		attribute.Int("events", len(result.Events)),
		attribute.Int("parse_failures", len(result.Failures)),
	)
	if e.observer != nil {
		e.observer.ObserveExpansion(len(result.Events), len(result.Failures))
	}
	return result.Events
}
