// Package dose derives a day's dose events from prescription records and
// classifies them against the day's status ledger.
package dose

import (
	"strings"
	"unicode"
)

// Slot is a time of day a dose may be scheduled for. Records may carry
// values outside the known set; those are kept as-is
type Slot string

const (
	SlotMorning Slot = "morning"
	SlotNoon    Slot = "noon"
	SlotNight   Slot = "night"

	// SlotNone is returned by CurrentSlot outside every dose window
	SlotNone Slot = ""
)

// rankUnknown orders unrecognized slots after night
const rankUnknown = 4

// Rank returns the display order of s: morning=1, noon=2, night=3, anything
// else 4. Matching is case-insensitive
func (s Slot) Rank() int {
	switch Slot(strings.ToLower(string(s))) {
	case SlotMorning:
		return 1
	case SlotNoon:
		return 2
	case SlotNight:
		return 3
	default:
		return rankUnknown
	}
}

// Event is one (prescription, medication, slot) occurrence for today
type Event struct {
	Identity     string `json:"identity"`
	RecordID     string `json:"record_id"`
	MedicineName string `json:"medicine_name"`
	DoctorName   string `json:"doctor_name"`
	TimeSlot     Slot   `json:"time_slot"`
	Instruction  string `json:"instruction"`
	SortRank     int    `json:"sort_rank"`
}

// Identity builds the status-ledger key for a dose. It depends only on its
// inputs, so the key survives re-fetches and restarts. Names that differ
// only in whitespace share an identity
func Identity(recordID, medicationName string, slot Slot) string {
	return recordID + "_" + stripSpace(medicationName) + "_" + string(slot)
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
