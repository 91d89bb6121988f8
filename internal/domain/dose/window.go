package dose

// window is a half-open hour range [from, to)
type window struct {
	slot     Slot
	from, to int
	label    string
}

var windows = []window{
	{slot: SlotMorning, from: 8, to: 11, label: "Morning Reminder (8 AM - 11 AM)"},
	{slot: SlotNoon, from: 12, to: 15, label: "Noon Reminder (12 PM - 3 PM)"},
	{slot: SlotNight, from: 20, to: 23, label: "Night Reminder (8 PM - 11 PM)"},
}

// CurrentSlot returns the slot whose reminder window contains hour, or
// SlotNone
func CurrentSlot(hour int) Slot {
	for _, w := range windows {
		if hour >= w.from && hour < w.to {
			return w.slot
		}
	}
	return SlotNone
}

// WindowLabel describes the reminder window for slot
func WindowLabel(slot Slot) string {
	for _, w := range windows {
		if w.slot == slot {
			return w.label
		}
	}
	return "No Active Reminders"
}

// ActiveNotifications returns the pending events scheduled for slot. Outside
// every window (SlotNone) it returns nothing
func ActiveNotifications(events []Event, statuses StatusMap, slot Slot) []Event {
	active := []Event{}
	if slot == SlotNone {
		return active
	}
	for _, ev := range events {
		if ev.TimeSlot != slot {
			continue
		}
		if _, ok := statuses[ev.Identity]; ok {
			continue
		}
		active = append(active, ev)
	}
	return active
}
