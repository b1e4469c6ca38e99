package repository

import (
	"context"
	"fmt"
	"time"

	"weather-processor/internal/models"
)

// Store provides data access for the processing engine. WeatherStation and
// WeatherRecord rows are read-only inputs owned by upstream ingestion; the
// engine exclusively owns daily_records, monthly_records and
// monthly_update_queue.
type Store interface {
	// Station operations (read-only)
	GetStation(ctx context.Context, stationID string) (*models.WeatherStation, error)
	ListActiveStations(ctx context.Context) ([]*models.WeatherStation, error)

	// Record loads. GetWeatherRecords returns observations in the half-open
	// interval [from, to).
	GetWeatherRecords(ctx context.Context, stationID string, from, to time.Time) ([]*models.WeatherRecord, error)
	GetDailyRecords(ctx context.Context, stationID string, year, month int) ([]*models.DailyRecord, error)

	// Aggregate writes. SaveDailyRecord upserts the daily row and enqueues a
	// monthly update for its month in one transaction; it reports false when
	// the manual-edit guard blocked the write (the enqueue still happens so
	// the edit propagates). SaveMonthlyRecord upserts the monthly row and,
	// when ack is non-nil, deletes the originating queue entry in the same
	// transaction.
	SaveDailyRecord(ctx context.Context, record *models.DailyRecord) (bool, error)
	SaveMonthlyRecord(ctx context.Context, record *models.MonthlyRecord, ack *models.MonthlyUpdateEntry) error

	// Monthly update queue
	EnqueueMonthlyUpdate(ctx context.Context, stationID string, year, month int) error
	ClaimMonthlyUpdates(ctx context.Context, runID string, limit int) ([]*models.MonthlyUpdateEntry, error)
	PendingMonthlyUpdates(ctx context.Context, limit int) ([]*models.MonthlyUpdateEntry, error)
	AckMonthlyUpdate(ctx context.Context, entry *models.MonthlyUpdateEntry) error
	ReleaseMonthlyUpdate(ctx context.Context, entry *models.MonthlyUpdateEntry) error
	QueueDepth(ctx context.Context) (int, error)

	// Run audit
	RecordRun(ctx context.Context, run *models.ProcessorRun) error

	// Utility operations
	HealthCheck(ctx context.Context) error
}

// NotFoundError represents a resource not found error
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// IsTransient returns false as missing resources are not retryable as-is
func (e *NotFoundError) IsTransient() bool {
	return false
}

// PersistenceError represents a transient I/O or storage failure. Units that
// hit one are marked failed and are eligible for retry on a later run.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsTransient returns true; a re-run may succeed
func (e *PersistenceError) IsTransient() bool {
	return true
}

// QueueClaimConflictError indicates another worker or run already owns a
// queue entry. Treated as a no-op by callers, never as a failure.
type QueueClaimConflictError struct {
	EntryID int64
	RunID   string
}

func (e *QueueClaimConflictError) Error() string {
	return fmt.Sprintf("queue entry %d is not claimed by run %s", e.EntryID, e.RunID)
}

// IsTransient returns false; the entry is being handled elsewhere
func (e *QueueClaimConflictError) IsTransient() bool {
	return false
}
