package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionCreated EventType = "PrescriptionCreated"
	EventDoseStatusChanged   EventType = "DoseStatusChanged"
)

// Event represents a domain event published through the outbox
type Event struct {
	ID            string          `json:"id"`
	RecordID      string          `json:"record_id"`
	UserID        string          `json:"user_id"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(recordID, userID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		RecordID:  recordID,
		UserID:    userID,
		EventType: eventType,
		EventData: eventData,
		Timestamp: time.Now().UTC(),
	}, nil
}

// WithCorrelationID sets the correlation ID, usually the HTTP request ID
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// PrescriptionCreatedData contains the stored prescription summary
type PrescriptionCreatedData struct {
	PrescriptionID  string    `json:"prescription_id"`
	UserID          string    `json:"user_id"`
	DoctorName      string    `json:"doctor_name"`
	HospitalName    string    `json:"hospital_name"`
	MedicationCount int       `json:"medication_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// DoseStatusChangedData records a user action against a dose
type DoseStatusChangedData struct {
	UserID    string    `json:"user_id"`
	Identity  string    `json:"identity"`
	Status    string    `json:"status"`
	Date      string    `json:"date"`
	ChangedAt time.Time `json:"changed_at"`
}
