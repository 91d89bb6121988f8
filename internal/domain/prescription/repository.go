package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/infrastructure/postgres"
	"github.com/medtrack/go-medtrack/internal/infrastructure/redpanda"
)

// ErrNotFound is returned when a prescription does not exist for the user
var ErrNotFound = errors.New("prescription not found")

// Repository provides prescription document persistence
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Create stores a confirmed draft and enqueues a PrescriptionCreated event in
// the same transaction
func (r *Repository) Create(ctx context.Context, userID string, draft Draft, correlationID string) (*Record, error) {
	meds, err := EncodeMedications(draft.Medications)
	if err != nil {
		return nil, fmt.Errorf("encode medications: %w", err)
	}

	rec := &Record{
		ID:           uuid.New().String(),
		UserID:       userID,
		DoctorName:   draft.DoctorName,
		HospitalName: draft.HospitalName,
		ImageURL:     draft.ImageURL,
		Medications:  meds,
		CreatedAt:    time.Now().UTC(),
	}

	event, err := NewEvent(rec.ID, userID, EventPrescriptionCreated, &PrescriptionCreatedData{
		PrescriptionID:  rec.ID,
		UserID:          userID,
		DoctorName:      rec.DoctorName,
		HospitalName:    rec.HospitalName,
		MedicationCount: len(draft.Medications),
		CreatedAt:       rec.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	event.WithCorrelationID(correlationID)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO prescriptions
		(id, user_id, doctor_name, hospital_name, image_url, medications, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = tx.Exec(ctx, query,
		rec.ID,
		rec.UserID,
		rec.DoctorName,
		rec.HospitalName,
		rec.ImageURL,
		[]byte(rec.Medications),
		rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert prescription: %w", err)
	}

	if err := postgres.WriteEntry(ctx, tx, eventEntry(event, redpanda.TopicPrescriptionEvents)); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// ListByUser returns every prescription owned by the user, in no particular order
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]Record, error) {
	query := `
		SELECT id, user_id, doctor_name, hospital_name, image_url, medications, created_at
		FROM prescriptions
		WHERE user_id = $1
	`
	return r.queryRecords(ctx, query, userID)
}

// History returns the user's prescriptions newest first, filtered by a doctor
// or hospital search term
func (r *Repository) History(ctx context.Context, userID, search string) ([]Record, error) {
	query := `
		SELECT id, user_id, doctor_name, hospital_name, image_url, medications, created_at
		FROM prescriptions
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	records, err := r.queryRecords(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return FilterHistory(records, search), nil
}

// Get retrieves one prescription owned by the user
func (r *Repository) Get(ctx context.Context, userID, id string) (*Record, error) {
	query := `
		SELECT id, user_id, doctor_name, hospital_name, image_url, medications, created_at
		FROM prescriptions
		WHERE user_id = $1 AND id = $2
	`
	rec := &Record{}
	var meds []byte
	err := r.pool.QueryRow(ctx, query, userID, id).Scan(
		&rec.ID, &rec.UserID, &rec.DoctorName, &rec.HospitalName,
		&rec.ImageURL, &meds, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Medications = meds
	return rec, nil
}

// ListUserIDs returns every user owning at least one prescription
func (r *Repository) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT user_id FROM prescriptions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordStatusChange enqueues a DoseStatusChanged event for the audit stream
func (r *Repository) RecordStatusChange(ctx context.Context, data DoseStatusChangedData) error {
	event, err := NewEvent("", data.UserID, EventDoseStatusChanged, &data)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := postgres.WriteEntry(ctx, tx, eventEntry(event, redpanda.TopicDoseStatus)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) queryRecords(ctx context.Context, query string, args ...interface{}) ([]Record, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var meds []byte
		err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.DoctorName, &rec.HospitalName,
			&rec.ImageURL, &meds, &rec.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		rec.Medications = meds
		records = append(records, rec)
	}
	return records, rows.Err()
}

func eventEntry(event *Event, topic string) *postgres.OutboxEntry {
	payload, _ := json.Marshal(event)
	return &postgres.OutboxEntry{
		AggregateID:   event.UserID,
		AggregateType: "Prescription",
		EventType:     string(event.EventType),
		Payload:       payload,
		KafkaTopic:    topic,
		KafkaKey:      event.UserID,
	}
}
