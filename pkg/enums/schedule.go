package enums

import "fmt"

// ScheduleStatus is the lifecycle state of a recurring schedule.
type ScheduleStatus string

const (
	ScheduleStatusActive    ScheduleStatus = "active"
	ScheduleStatusPaused    ScheduleStatus = "paused"
	ScheduleStatusCancelled ScheduleStatus = "cancelled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
)

var validScheduleStatuses = []ScheduleStatus{
	ScheduleStatusActive,
	ScheduleStatusPaused,
	ScheduleStatusCancelled,
	ScheduleStatusFailed,
}

// String implements fmt.Stringer.
func (s ScheduleStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known ScheduleStatus.
func (s ScheduleStatus) IsValid() bool {
	for _, candidate := range validScheduleStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseScheduleStatus converts raw input into a ScheduleStatus.
func ParseScheduleStatus(value string) (ScheduleStatus, error) {
	for _, candidate := range validScheduleStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid schedule status %q", value)
}

// Cadence is the billing period of a recurring schedule.
type Cadence string

const (
	CadenceWeekly    Cadence = "weekly"
	CadenceMonthly   Cadence = "monthly"
	CadenceQuarterly Cadence = "quarterly"
	CadenceYearly    Cadence = "yearly"
)

var validCadences = []Cadence{
	CadenceWeekly,
	CadenceMonthly,
	CadenceQuarterly,
	CadenceYearly,
}

// String implements fmt.Stringer.
func (c Cadence) String() string {
	return string(c)
}

// IsValid reports whether the value is a known Cadence.
func (c Cadence) IsValid() bool {
	for _, candidate := range validCadences {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseCadence converts raw input into a Cadence.
func ParseCadence(value string) (Cadence, error) {
	for _, candidate := range validCadences {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid cadence %q", value)
}
