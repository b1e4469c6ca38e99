package engine

import (
	"fmt"
	"time"

	"weather-processor/internal/models"
)

// Mode selects which aggregate a work unit produces.
type Mode string

const (
	ModeDaily   Mode = "daily"
	ModeMonthly Mode = "monthly"
)

// WorkUnit is one schedulable (station, date-or-month) task. Units are
// ephemeral: constructed by the Scheduler, executed once, never persisted.
// Units within a phase are independent of each other.
type WorkUnit struct {
	Station *models.WeatherStation
	Mode    Mode
	DryRun  bool

	// Daily units: the calendar date to aggregate.
	Date time.Time

	// Monthly units: the month to aggregate.
	Year  int
	Month int

	// Set when the unit was produced by draining the pending queue; the
	// entry is acked only after the monthly upsert succeeds.
	QueueEntry *models.MonthlyUpdateEntry
}

// Period renders the unit's date or month for logs and error context.
func (u WorkUnit) Period() string {
	if u.Mode == ModeDaily {
		return u.Date.Format("2006-01-02")
	}
	return fmt.Sprintf("%04d-%02d", u.Year, u.Month)
}

// OutcomeStatus is the per-unit result classification.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped" // no data for the unit's period
)

// Outcome captures the result of one work unit. A unit's failure never
// propagates beyond its own outcome.
type Outcome struct {
	Unit     WorkUnit
	Status   OutcomeStatus
	Err      error
	Duration time.Duration
}

// Summary aggregates per-unit outcomes for a whole run.
type Summary struct {
	Succeeded int
	Failed    int
	Skipped   int
}

// Add folds one outcome into the summary.
func (s *Summary) Add(o Outcome) {
	switch o.Status {
	case OutcomeSucceeded:
		s.Succeeded++
	case OutcomeFailed:
		s.Failed++
	case OutcomeSkipped:
		s.Skipped++
	}
}

// Total returns the number of units accounted for.
func (s Summary) Total() int {
	return s.Succeeded + s.Failed + s.Skipped
}

// OK reports whether the run can exit with a zero status: every unit either
// succeeded or was legitimately skipped for having no data.
func (s Summary) OK() bool {
	return s.Failed == 0
}

// NoDataError marks a unit whose period has no input rows. It classifies the
// unit as skipped, not failed.
type NoDataError struct {
	StationID string
	Period    string
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("no data for station %s in period %s", e.StationID, e.Period)
}

// IsTransient returns false; the skip is legitimate, not retryable
func (e *NoDataError) IsTransient() bool {
	return false
}
