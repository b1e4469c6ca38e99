package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"weather-processor/internal/config"
	"weather-processor/internal/models"
	"weather-processor/internal/repository"
	"weather-processor/pkg/logging"
	"weather-processor/pkg/metrics"
)

// Request describes one processing run, as assembled by the external
// invocation surface.
type Request struct {
	Mode Mode

	// StationID selects a single station; empty means all active stations.
	StationID string

	// From and To bound the run (inclusive). Daily mode expands to one unit
	// per station per calendar day; monthly mode to one per station per
	// month touched by the range.
	From time.Time
	To   time.Time

	// DryRun suppresses every persistence side effect while still
	// exercising loads and aggregation.
	DryRun bool

	// ProcessPending drains the monthly update queue after the primary pass.
	ProcessPending bool

	// Workers overrides the configured pool size when positive.
	Workers int

	// Command is recorded in the run audit row.
	Command string
}

// Scheduler expands a Request into work units, dispatches them through the
// worker pool, and drains the pending queue. It holds no mutable state
// across runs.
type Scheduler struct {
	store   repository.Store
	cfg     config.ProcessingConfig
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewScheduler creates a scheduler over the given store and configuration.
func NewScheduler(
	store repository.Store,
	cfg config.ProcessingConfig,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *Scheduler {
	return &Scheduler{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// Run executes one processing run and returns the aggregate summary. A
// failing unit is recorded in the summary and never aborts the run; the
// returned error covers only failures to set the run up at all.
func (s *Scheduler) Run(ctx context.Context, req Request) (Summary, error) {
	if err := validateRequest(req); err != nil {
		return Summary{}, err
	}

	runID := uuid.NewString()
	ctx = context.WithValue(ctx, logging.RunIDKey, runID)
	start := time.Now()

	stations, err := s.resolveStations(ctx, req)
	if err != nil {
		return Summary{}, err
	}

	units := s.expand(req, stations)

	s.logger.Info(ctx, "[RUN_START] Processing run starting", logging.Fields{
		"run_id":          runID,
		"mode":            req.Mode,
		"stations":        len(stations),
		"units":           len(units),
		"from":            req.From.Format("2006-01-02"),
		"to":              req.To.Format("2006-01-02"),
		"dry_run":         req.DryRun,
		"process_pending": req.ProcessPending,
	})

	if !req.DryRun {
		run := &models.ProcessorRun{
			RunID:         runID,
			StartedAt:     time.Now().UTC(),
			Command:       req.Command,
			Mode:          string(req.Mode),
			ProcessedDate: req.From,
		}
		if err := s.store.RecordRun(ctx, run); err != nil {
			return Summary{}, fmt.Errorf("failed to record run: %w", err)
		}
	}

	workers := req.Workers
	if workers <= 0 {
		workers = s.cfg.MaxWorkers
	}

	processor := NewProcessor(s.store, s.cfg, s.logger, s.metrics, runID)
	pool := NewWorkerPool(workers, processor, s.logger)

	var summary Summary
	for _, outcome := range pool.Execute(ctx, units) {
		summary.Add(outcome)
	}

	// The primary pass has fully completed here (the pool is a synchronous
	// barrier), so drained months observe every daily write of this run.
	if req.ProcessPending {
		drained := s.drainPending(ctx, req, runID, pool)
		summary.Succeeded += drained.Succeeded
		summary.Failed += drained.Failed
		summary.Skipped += drained.Skipped
	}

	if depth, err := s.store.QueueDepth(ctx); err == nil {
		s.logger.Info(ctx, "[RUN_QUEUE_DEPTH] Pending monthly updates remaining", logging.Fields{
			"depth": depth,
		})
	}

	duration := time.Since(start)
	s.metrics.RunDuration.Observe(duration.Seconds())
	s.metrics.RunUnitsTotal.Observe(float64(summary.Total()))

	s.logger.Info(ctx, "[RUN_COMPLETE] Processing run finished", logging.Fields{
		"run_id":           runID,
		"succeeded":        summary.Succeeded,
		"failed":           summary.Failed,
		"skipped":          summary.Skipped,
		"duration_seconds": duration.Seconds(),
	})

	return summary, nil
}

func validateRequest(req Request) error {
	if req.Mode != ModeDaily && req.Mode != ModeMonthly {
		return fmt.Errorf("invalid mode %q", req.Mode)
	}
	if req.From.IsZero() || req.To.IsZero() {
		return fmt.Errorf("date range is required")
	}
	if req.From.After(req.To) {
		return fmt.Errorf("range start %s is after range end %s",
			req.From.Format("2006-01-02"), req.To.Format("2006-01-02"))
	}
	return nil
}

func (s *Scheduler) resolveStations(ctx context.Context, req Request) ([]*models.WeatherStation, error) {
	if req.StationID != "" {
		station, err := s.store.GetStation(ctx, req.StationID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve station %s: %w", req.StationID, err)
		}
		return []*models.WeatherStation{station}, nil
	}

	stations, err := s.store.ListActiveStations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active stations: %w", err)
	}
	if len(stations) == 0 {
		return nil, fmt.Errorf("no active stations found")
	}
	return stations, nil
}

// expand builds the ordered unit list: stations in ID order (as loaded),
// dates or months chronologically within each station. Determinism makes
// logs reproducible; correctness does not depend on order since units are
// independent.
func (s *Scheduler) expand(req Request, stations []*models.WeatherStation) []WorkUnit {
	var units []WorkUnit

	for _, station := range stations {
		switch req.Mode {
		case ModeDaily:
			for d := truncateToDay(req.From); !d.After(req.To); d = d.AddDate(0, 0, 1) {
				units = append(units, WorkUnit{
					Station: station,
					Mode:    ModeDaily,
					Date:    d,
					DryRun:  req.DryRun,
				})
			}
		case ModeMonthly:
			last := time.Date(req.To.Year(), req.To.Month(), 1, 0, 0, 0, 0, time.UTC)
			for m := time.Date(req.From.Year(), req.From.Month(), 1, 0, 0, 0, 0, time.UTC); !m.After(last); m = m.AddDate(0, 1, 0) {
				units = append(units, WorkUnit{
					Station: station,
					Mode:    ModeMonthly,
					Year:    m.Year(),
					Month:   int(m.Month()),
					DryRun:  req.DryRun,
				})
			}
		}
	}

	return units
}

// drainPending repeatedly claims queue batches and runs them as monthly
// units until the queue is empty or the pass bound is hit. The bound keeps
// entries that fail and re-release from looping forever within one run. Dry
// runs peek instead of claiming and stop after one pass, so the drain path
// is exercised without a single queue mutation.
func (s *Scheduler) drainPending(ctx context.Context, req Request, runID string, pool *WorkerPool) Summary {
	var summary Summary

	for pass := 1; pass <= s.cfg.MaxDrainPasses; pass++ {
		if ctx.Err() != nil {
			break
		}

		var entries []*models.MonthlyUpdateEntry
		var err error
		if req.DryRun {
			entries, err = s.store.PendingMonthlyUpdates(ctx, s.cfg.QueueBatchSize)
		} else {
			entries, err = s.store.ClaimMonthlyUpdates(ctx, runID, s.cfg.QueueBatchSize)
		}
		if err != nil {
			s.logger.Error(ctx, "[DRAIN_ERROR] Failed to fetch pending queue batch", logging.Fields{
				"pass": pass,
			}, err)
			break
		}

		if len(entries) == 0 {
			break
		}

		s.metrics.DrainPassesTotal.Inc()
		s.logger.Info(ctx, "[DRAIN_PASS] Draining pending monthly updates", logging.Fields{
			"pass":    pass,
			"entries": len(entries),
		})

		units := make([]WorkUnit, 0, len(entries))
		for _, entry := range entries {
			station, err := s.store.GetStation(ctx, entry.StationID)
			if err != nil {
				s.logger.Error(ctx, "[DRAIN_STATION_ERROR] Station for pending entry not found", logging.Fields{
					"entry_id":   entry.ID,
					"station_id": entry.StationID,
				}, err)
				if !req.DryRun {
					if relErr := s.store.ReleaseMonthlyUpdate(ctx, entry); relErr != nil {
						s.logger.Error(ctx, "[DRAIN_RELEASE_ERROR] Failed to release pending entry", logging.Fields{
							"entry_id": entry.ID,
						}, relErr)
					}
				}
				summary.Failed++
				continue
			}

			unit := WorkUnit{
				Station: station,
				Mode:    ModeMonthly,
				Year:    entry.Year,
				Month:   entry.Month,
				DryRun:  req.DryRun,
			}
			if !req.DryRun {
				unit.QueueEntry = entry
			}
			units = append(units, unit)
		}

		for _, outcome := range pool.Execute(ctx, units) {
			summary.Add(outcome)
		}

		if req.DryRun {
			break
		}
	}

	return summary
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
