package engine

import (
	"context"
	"sync"

	"weather-processor/pkg/logging"
)

// UnitProcessor executes a single work unit end-to-end.
type UnitProcessor interface {
	Process(ctx context.Context, unit WorkUnit) Outcome
}

// WorkerPool fans work units out to a bounded set of workers and collects
// one outcome per unit. It owns no persistent state.
type WorkerPool struct {
	workers   int
	processor UnitProcessor
	logger    *logging.StructuredLogger
}

// NewWorkerPool creates a pool with the given concurrency bound.
func NewWorkerPool(workers int, processor UnitProcessor, logger *logging.StructuredLogger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool{
		workers:   workers,
		processor: processor,
		logger:    logger,
	}
}

type poolJob struct {
	index int
	unit  WorkUnit
}

// Execute processes all units and blocks until every unit has an outcome.
// Outcomes are returned in input order. One unit's failure never aborts or
// blocks its siblings. After ctx is cancelled no new unit starts; units not
// yet started are marked failed with the context error, while in-flight
// units run to completion (their side effects are transactionally scoped).
func (p *WorkerPool) Execute(ctx context.Context, units []WorkUnit) []Outcome {
	outcomes := make([]Outcome, len(units))
	if len(units) == 0 {
		return outcomes
	}

	workers := p.workers
	if len(units) < workers {
		workers = len(units)
	}

	p.logger.Debug(ctx, "[POOL_START] Dispatching work units", logging.Fields{
		"units":   len(units),
		"workers": workers,
	})

	jobs := make(chan poolJob, len(units))
	for i, u := range units {
		jobs <- poolJob{index: i, unit: u}
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				select {
				case <-ctx.Done():
					outcomes[job.index] = Outcome{
						Unit:   job.unit,
						Status: OutcomeFailed,
						Err:    ctx.Err(),
					}
					continue
				default:
				}

				outcomes[job.index] = p.processor.Process(ctx, job.unit)
			}
		}()
	}

	wg.Wait()

	return outcomes
}
