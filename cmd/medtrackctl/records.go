package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/medtrack/go-medtrack/internal/domain/prescription"
)

// recordsFile is the on-disk shape of a records fixture. JSON files parse
// as YAML too
type recordsFile struct {
	Prescriptions []recordEntry `yaml:"prescriptions"`
}

type recordEntry struct {
	ID           string    `yaml:"id"`
	DoctorName   string    `yaml:"doctor_name"`
	HospitalName string    `yaml:"hospital_name"`
	CreatedAt    time.Time `yaml:"created_at"`
	// Medications is kept loose: a list, or a JSON document in a string
	Medications interface{} `yaml:"medications"`
}

// fileRecords serves the records of one fixture file to a single user
type fileRecords struct {
	records []prescription.Record
}

func loadRecords(path, userID string) (*fileRecords, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	var file recordsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse records %s: %w", path, err)
	}

	out := &fileRecords{records: make([]prescription.Record, 0, len(file.Prescriptions))}
	for i, e := range file.Prescriptions {
		if e.ID == "" {
			e.ID = fmt.Sprintf("rx%d", i+1)
		}
		meds, err := encodeMedications(e.Medications)
		if err != nil {
			return nil, fmt.Errorf("record %s medications: %w", e.ID, err)
		}
		out.records = append(out.records, prescription.Record{
			ID:           e.ID,
			UserID:       userID,
			DoctorName:   e.DoctorName,
			HospitalName: e.HospitalName,
			Medications:  meds,
			CreatedAt:    e.CreatedAt,
		})
	}
	return out, nil
}

// encodeMedications converts the YAML value to JSON. A value JSON cannot
// represent, such as a mapping with non-string keys, becomes a string payload
// that fails to parse, so only that record reports a parse error
func encodeMedications(v interface{}) (json.RawMessage, error) {
	meds, err := json.Marshal(v)
	if err == nil {
		return meds, nil
	}
	return json.Marshal(fmt.Sprintf("unencodable medications: %v", err))
}

func (f *fileRecords) ListByUser(context.Context, string) ([]prescription.Record, error) {
	return f.records, nil
}
