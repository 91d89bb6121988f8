package dose

import "fmt"

// Status is a user's verdict on a dose for today. The zero value means the
// dose is still pending
type Status string

const (
	StatusNone      Status = ""
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
)

// ParseStatus accepts "completed", "skipped", or "" (clear)
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusNone, StatusCompleted, StatusSkipped:
		return Status(s), nil
	default:
		return StatusNone, fmt.Errorf("unknown dose status %q", s)
	}
}

// StatusMap maps dose identities to their status. Pending doses are absent
type StatusMap map[string]Status

// Clone returns an independent copy of m, never nil
func (m StatusMap) Clone() StatusMap {
	out := make(StatusMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Buckets is a dashboard view of a day's doses
type Buckets struct {
	Upcoming  []Event `json:"upcoming"`
	Completed []Event `json:"completed"`
	Missed    []Event `json:"missed"`
}

// Partition splits events by status: no entry is upcoming, completed is
// completed, skipped is missed. Input order is kept within each bucket.
//
// A status value outside the known set would leave its event in no bucket;
// such values are treated as pending so every event lands exactly once
func Partition(events []Event, statuses StatusMap) Buckets {
	b := Buckets{
		Upcoming:  []Event{},
		Completed: []Event{},
		Missed:    []Event{},
	}
	for _, ev := range events {
		switch statuses[ev.Identity] {
		case StatusCompleted:
			b.Completed = append(b.Completed, ev)
		case StatusSkipped:
			b.Missed = append(b.Missed, ev)
		default:
			b.Upcoming = append(b.Upcoming, ev)
		}
	}
	return b
}

// InvariantViolation reports a broken partition invariant
type InvariantViolation struct {
	Detail string
}

func (e *InvariantViolation) Error() string {
	return "dose invariant violated: " + e.Detail
}

// CheckPartition verifies that b holds exactly the given events, each once.
// Events are compared by position, so duplicate identities in the input are
// allowed
func CheckPartition(events []Event, b Buckets) error {
	total := len(b.Upcoming) + len(b.Completed) + len(b.Missed)
	if total != len(events) {
		return &InvariantViolation{Detail: fmt.Sprintf("buckets hold %d events, input has %d", total, len(events))}
	}

	want := make(map[Event]int, len(events))
	for _, ev := range events {
		want[ev]++
	}
	for _, bucket := range [][]Event{b.Upcoming, b.Completed, b.Missed} {
		for _, ev := range bucket {
			if want[ev] == 0 {
				return &InvariantViolation{Detail: fmt.Sprintf("event %s appears more often than in input", ev.Identity)}
			}
			want[ev]--
		}
	}
	return nil
}
