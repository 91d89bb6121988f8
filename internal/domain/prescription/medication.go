// Package prescription holds prescription records as stored by the document
// store, the medication payload they carry, and the repository over them.
package prescription

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Instruction values the extraction service is asked to produce
const (
	InstructionBeforeMeal = "before meal"
	InstructionAfterMeal  = "after meal"
)

// Record is one stored prescription. Medications is kept raw because the
// document store may hand it back either as a JSON string or as a JSON array
type Record struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	DoctorName   string          `json:"doctor_name"`
	HospitalName string          `json:"hospital_name"`
	ImageURL     string          `json:"image_url,omitempty"`
	Medications  json.RawMessage `json:"medications"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Medication is a single drug line on a prescription
type Medication struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Slots       []string `json:"doses_time_01"`
	Instruction string   `json:"doses_time_02"`
}

// ParseError reports a malformed medications payload for one record
type ParseError struct {
	RecordID string
	Reason   string
	Cause    error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("record %s: %s (%s)", e.RecordID, e.Reason, e.Cause.Error())
	}
	return fmt.Sprintf("record %s: %s", e.RecordID, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// ParsedMedications is the result of parsing a record's payload: either a
// valid list (possibly empty) or a parse error, never both
type ParsedMedications struct {
	Medications []Medication
	Err         *ParseError
}

// Valid reports whether the payload parsed
func (p ParsedMedications) Valid() bool { return p.Err == nil }

// ParseMedications parses r.Medications
func (r Record) ParseMedications() ParsedMedications {
	return ParseMedications(r.ID, r.Medications)
}

// rawMedication mirrors Medication but defers the slot field, which is
// silently ignored when it is not an array
type rawMedication struct {
	ID          json.RawMessage `json:"id"`
	Name        *string         `json:"name"`
	Slots       json.RawMessage `json:"doses_time_01"`
	Instruction string          `json:"doses_time_02"`
}

// ParseMedications decodes a medications payload. A JSON string is unwrapped
// and decoded again; null or an empty payload is an empty list
func ParseMedications(recordID string, payload json.RawMessage) ParsedMedications {
	data := bytes.TrimSpace(payload)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ParsedMedications{}
	}

	if data[0] == '"' {
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return invalid(recordID, "medications string is not valid JSON", err)
		}
		data = bytes.TrimSpace([]byte(encoded))
		if len(data) == 0 {
			return invalid(recordID, "medications string is empty", nil)
		}
	}

	var raws []rawMedication
	if err := json.Unmarshal(data, &raws); err != nil {
		return invalid(recordID, "medications is not a list of medication objects", err)
	}

	meds := make([]Medication, 0, len(raws))
	for i, raw := range raws {
		if raw.Name == nil {
			return invalid(recordID, fmt.Sprintf("medication %d has no name", i), nil)
		}
		slots, err := decodeSlots(raw.Slots)
		if err != nil {
			return invalid(recordID, fmt.Sprintf("medication %q has malformed slots", *raw.Name), err)
		}
		meds = append(meds, Medication{
			ID:          decodeID(raw.ID),
			Name:        *raw.Name,
			Slots:       slots,
			Instruction: raw.Instruction,
		})
	}
	return ParsedMedications{Medications: meds}
}

func invalid(recordID, reason string, cause error) ParsedMedications {
	return ParsedMedications{Err: &ParseError{RecordID: recordID, Reason: reason, Cause: cause}}
}

// decodeSlots returns the slot set in first-seen order. Anything other than an
// array yields no slots; an array holding non-strings is an error
func decodeSlots(raw json.RawMessage) ([]string, error) {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 || data[0] != '[' {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(values))
	slots := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		slots = append(slots, v)
	}
	return slots, nil
}

// decodeID accepts the client-assigned medication id as a string or number
func decodeID(raw json.RawMessage) string {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return string(data)
}

// EncodeMedications serializes meds as a structured JSON array
func EncodeMedications(meds []Medication) (json.RawMessage, error) {
	out := make([]Medication, len(meds))
	copy(out, meds)
	for i := range out {
		if out[i].Slots == nil {
			out[i].Slots = []string{}
		}
	}
	return json.Marshal(out)
}
