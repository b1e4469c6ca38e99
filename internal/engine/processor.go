package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"weather-processor/internal/builders"
	"weather-processor/internal/config"
	"weather-processor/internal/repository"
	"weather-processor/pkg/logging"
	"weather-processor/pkg/metrics"
)

// Processor executes one work unit end-to-end: load, build, persist, and
// enqueue or ack the follow-up queue mutation. All side effects of a unit
// are confined to one transactional save in the store.
type Processor struct {
	store   repository.Store
	cfg     config.ProcessingConfig
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	runID   string
}

// NewProcessor creates a processor bound to one run ID.
func NewProcessor(
	store repository.Store,
	cfg config.ProcessingConfig,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
	runID string,
) *Processor {
	return &Processor{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: metricsCollector,
		runID:   runID,
	}
}

// Process runs a single unit and resolves its errors into an Outcome.
// Errors never propagate to sibling units.
func (p *Processor) Process(ctx context.Context, unit WorkUnit) Outcome {
	start := time.Now()

	var outcome Outcome
	switch unit.Mode {
	case ModeDaily:
		outcome = p.processDaily(ctx, unit)
	case ModeMonthly:
		outcome = p.processMonthly(ctx, unit)
	default:
		outcome = Outcome{
			Unit:   unit,
			Status: OutcomeFailed,
			Err:    fmt.Errorf("unknown work unit mode %q", unit.Mode),
		}
	}

	outcome.Duration = time.Since(start)
	p.metrics.RecordUnitOutcome(string(unit.Mode), string(outcome.Status), outcome.Duration)

	unitLogger := p.logger.WithFields(logging.Fields{
		"station_id": unit.Station.StationID,
		"period":     unit.Period(),
		"mode":       unit.Mode,
	})

	switch outcome.Status {
	case OutcomeSucceeded:
		unitLogger.Info(ctx, "[UNIT_DONE] Work unit processed", logging.Fields{
			"duration_ms": outcome.Duration.Milliseconds(),
			"dry_run":     unit.DryRun,
		})
	case OutcomeSkipped:
		unitLogger.Warn(ctx, "[UNIT_SKIPPED] No data for work unit", logging.Fields{})
	case OutcomeFailed:
		unitLogger.Error(ctx, "[UNIT_FAILED] Work unit failed", logging.Fields{
			"error_kind": errorKind(outcome.Err),
		}, outcome.Err)
	}

	return outcome
}

// processDaily loads the raw observations of one station-local day, builds
// the daily aggregate, and persists it together with the monthly enqueue.
func (p *Processor) processDaily(ctx context.Context, unit WorkUnit) Outcome {
	loc, err := unit.Station.Location()
	if err != nil {
		return Outcome{Unit: unit, Status: OutcomeFailed, Err: err}
	}

	// The day window is half-open: [local midnight, next local midnight).
	// AddDate follows the wall clock, so DST transition days span their real
	// 23 or 25 hours.
	dayStart := time.Date(unit.Date.Year(), unit.Date.Month(), unit.Date.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	records, err := p.store.GetWeatherRecords(ctx, unit.Station.StationID, dayStart, dayEnd)
	if err != nil {
		return Outcome{Unit: unit, Status: OutcomeFailed, Err: err}
	}

	if len(records) == 0 {
		return Outcome{
			Unit:   unit,
			Status: OutcomeSkipped,
			Err:    &NoDataError{StationID: unit.Station.StationID, Period: unit.Period()},
		}
	}

	builder := builders.NewDailyBuilder(
		unit.Station,
		records,
		dayStart,
		p.runID,
		p.cfg.ExpectedObservationsPerDay,
		p.cfg.CompletenessThreshold,
	)

	record, err := builder.Build()
	if err != nil {
		p.metrics.RecordBuildError(errorKind(err))
		return Outcome{Unit: unit, Status: OutcomeFailed, Err: err}
	}

	if unit.DryRun {
		p.logger.Debug(ctx, "[UNIT_DRY_RUN] Daily record not persisted", logging.Fields{
			"station_id": unit.Station.StationID,
			"date":       unit.Period(),
			"quality":    record.Quality,
		})
		return Outcome{Unit: unit, Status: OutcomeSucceeded}
	}

	// Upsert and monthly enqueue happen in one transaction.
	if _, err := p.store.SaveDailyRecord(ctx, record); err != nil {
		return Outcome{Unit: unit, Status: OutcomeFailed, Err: err}
	}

	return Outcome{Unit: unit, Status: OutcomeSucceeded}
}

// processMonthly loads one station-month of daily aggregates, builds the
// monthly record, and persists it. For units claimed from the pending queue
// the queue entry is acked in the same transaction as the upsert; on failure
// the claim is released so a later pass or run retries the entry.
func (p *Processor) processMonthly(ctx context.Context, unit WorkUnit) Outcome {
	days, err := p.store.GetDailyRecords(ctx, unit.Station.StationID, unit.Year, unit.Month)
	if err != nil {
		p.releaseEntry(ctx, unit)
		return Outcome{Unit: unit, Status: OutcomeFailed, Err: err}
	}

	if len(days) == 0 {
		// A queue entry pointing at an empty month has nothing to propagate;
		// ack it so it does not circulate through every drain pass.
		if unit.QueueEntry != nil && !unit.DryRun {
			if err := p.store.AckMonthlyUpdate(ctx, unit.QueueEntry); err != nil {
				var conflict *repository.QueueClaimConflictError
				if !errors.As(err, &conflict) {
					return Outcome{Unit: unit, Status: OutcomeFailed, Err: err}
				}
			}
		}
		return Outcome{
			Unit:   unit,
			Status: OutcomeSkipped,
			Err:    &NoDataError{StationID: unit.Station.StationID, Period: unit.Period()},
		}
	}

	builder := builders.NewMonthlyBuilder(unit.Station, days, unit.Year, unit.Month, p.runID)

	record, err := builder.Build()
	if err != nil {
		p.metrics.RecordBuildError(errorKind(err))
		p.releaseEntry(ctx, unit)
		return Outcome{Unit: unit, Status: OutcomeFailed, Err: err}
	}

	if unit.DryRun {
		p.logger.Debug(ctx, "[UNIT_DRY_RUN] Monthly record not persisted", logging.Fields{
			"station_id": unit.Station.StationID,
			"month":      unit.Period(),
			"quality":    record.Quality,
		})
		return Outcome{Unit: unit, Status: OutcomeSucceeded}
	}

	if err := p.store.SaveMonthlyRecord(ctx, record, unit.QueueEntry); err != nil {
		p.releaseEntry(ctx, unit)
		return Outcome{Unit: unit, Status: OutcomeFailed, Err: err}
	}

	return Outcome{Unit: unit, Status: OutcomeSucceeded}
}

// releaseEntry returns a claimed queue entry to the unclaimed state after a
// failed drain attempt. Best effort: a lost release only delays the retry
// until the claim is considered stale.
func (p *Processor) releaseEntry(ctx context.Context, unit WorkUnit) {
	if unit.QueueEntry == nil || unit.DryRun {
		return
	}

	if err := p.store.ReleaseMonthlyUpdate(ctx, unit.QueueEntry); err != nil {
		var conflict *repository.QueueClaimConflictError
		if errors.As(err, &conflict) {
			return
		}
		p.logger.Error(ctx, "[QUEUE_RELEASE_ERROR] Failed to release queue entry", logging.Fields{
			"entry_id":   unit.QueueEntry.ID,
			"station_id": unit.Station.StationID,
		}, err)
	}
}

// errorKind classifies an error for logs and metrics labels.
func errorKind(err error) string {
	if err == nil {
		return "none"
	}

	var noData *NoDataError
	if errors.As(err, &noData) {
		return "no_data"
	}

	var invariant *builders.AggregationInvariantError
	if errors.As(err, &invariant) {
		return "aggregation_invariant"
	}

	var persistence *repository.PersistenceError
	if errors.As(err, &persistence) {
		return "persistence"
	}

	var conflict *repository.QueueClaimConflictError
	if errors.As(err, &conflict) {
		return "queue_claim_conflict"
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}

	return "other"
}
