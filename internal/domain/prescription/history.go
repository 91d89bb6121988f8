package prescription

import (
	"sort"
	"strings"
)

// FilterHistory returns the records whose doctor or hospital name contains
// query, case-insensitively, newest first. An empty query keeps everything
func FilterHistory(records []Record, query string) []Record {
	q := strings.ToLower(strings.TrimSpace(query))

	out := make([]Record, 0, len(records))
	for _, r := range records {
		if q == "" ||
			strings.Contains(strings.ToLower(r.DoctorName), q) ||
			strings.Contains(strings.ToLower(r.HospitalName), q) {
			out = append(out, r)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Draft is a prescription as extracted and confirmed by the user, before it
// is stored
type Draft struct {
	DoctorName   string       `json:"doctor_name"`
	HospitalName string       `json:"hospital_name"`
	ImageURL     string       `json:"image_url,omitempty"`
	Medications  []Medication `json:"medications"`
}
