package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// countingProcessor tracks concurrent executions and fails selected units.
type countingProcessor struct {
	current  int32
	peak     int32
	failDays map[int]bool
	delay    time.Duration
}

func (p *countingProcessor) Process(ctx context.Context, unit WorkUnit) Outcome {
	cur := atomic.AddInt32(&p.current, 1)
	for {
		peak := atomic.LoadInt32(&p.peak)
		if cur <= peak || atomic.CompareAndSwapInt32(&p.peak, peak, cur) {
			break
		}
	}

	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	atomic.AddInt32(&p.current, -1)

	if p.failDays[unit.Date.Day()] {
		return Outcome{Unit: unit, Status: OutcomeFailed, Err: errors.New("unit failed")}
	}
	return Outcome{Unit: unit, Status: OutcomeSucceeded}
}

func dailyUnits(count int) []WorkUnit {
	units := make([]WorkUnit, count)
	for i := range units {
		units[i] = WorkUnit{
			Mode: ModeDaily,
			Date: time.Date(2024, 6, i+1, 0, 0, 0, 0, time.UTC),
		}
	}
	return units
}

func TestWorkerPool_ConcurrencyBound(t *testing.T) {
	processor := &countingProcessor{delay: 5 * time.Millisecond}
	pool := NewWorkerPool(3, processor, testLogger())

	outcomes := pool.Execute(context.Background(), dailyUnits(12))

	if len(outcomes) != 12 {
		t.Fatalf("got %d outcomes, want 12", len(outcomes))
	}
	if peak := atomic.LoadInt32(&processor.peak); peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak)
	}
	for i, o := range outcomes {
		if o.Status != OutcomeSucceeded {
			t.Errorf("outcome %d status = %v, want succeeded", i, o.Status)
		}
	}
}

func TestWorkerPool_FailureIsolation(t *testing.T) {
	processor := &countingProcessor{failDays: map[int]bool{3: true, 7: true}}
	pool := NewWorkerPool(4, processor, testLogger())

	outcomes := pool.Execute(context.Background(), dailyUnits(10))

	for i, o := range outcomes {
		day := i + 1
		if o.Unit.Date.Day() != day {
			t.Errorf("outcome %d is for day %d, want input order preserved", i, o.Unit.Date.Day())
		}
		wantStatus := OutcomeSucceeded
		if day == 3 || day == 7 {
			wantStatus = OutcomeFailed
		}
		if o.Status != wantStatus {
			t.Errorf("day %d status = %v, want %v", day, o.Status, wantStatus)
		}
	}
}

func TestWorkerPool_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	processor := &countingProcessor{}
	pool := NewWorkerPool(2, processor, testLogger())

	outcomes := pool.Execute(ctx, dailyUnits(5))

	for i, o := range outcomes {
		if o.Status != OutcomeFailed {
			t.Errorf("outcome %d status = %v, want failed after cancellation", i, o.Status)
		}
		if !errors.Is(o.Err, context.Canceled) {
			t.Errorf("outcome %d err = %v, want context.Canceled", i, o.Err)
		}
	}
	if peak := atomic.LoadInt32(&processor.peak); peak != 0 {
		t.Errorf("peak concurrency = %d, want 0 (no unit should start)", peak)
	}
}

func TestWorkerPool_NoUnits(t *testing.T) {
	pool := NewWorkerPool(2, &countingProcessor{}, testLogger())
	outcomes := pool.Execute(context.Background(), nil)
	if len(outcomes) != 0 {
		t.Errorf("got %d outcomes, want 0", len(outcomes))
	}
}

func TestNewWorkerPool_MinimumOneWorker(t *testing.T) {
	pool := NewWorkerPool(0, &countingProcessor{}, testLogger())
	if pool.workers != 1 {
		t.Errorf("workers = %d, want 1", pool.workers)
	}
}

func TestSummary(t *testing.T) {
	var summary Summary
	summary.Add(Outcome{Status: OutcomeSucceeded})
	summary.Add(Outcome{Status: OutcomeSucceeded})
	summary.Add(Outcome{Status: OutcomeFailed})
	summary.Add(Outcome{Status: OutcomeSkipped})

	if summary.Succeeded != 2 || summary.Failed != 1 || summary.Skipped != 1 {
		t.Errorf("summary = %+v, want 2/1/1", summary)
	}
	if summary.Total() != 4 {
		t.Errorf("Total() = %d, want 4", summary.Total())
	}
	if summary.OK() {
		t.Error("OK() = true with a failed unit, want false")
	}
}
