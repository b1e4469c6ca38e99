package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"weather-processor/internal/models"
	"weather-processor/pkg/logging"
)

// EnqueueMonthlyUpdate inserts a pending-update marker for (station, year,
// month). Dedup is on the natural key: enqueueing an already-pending month is
// a no-op, not a new row.
func (s *postgresStore) EnqueueMonthlyUpdate(ctx context.Context, stationID string, year, month int) error {
	enqueued := false
	err := s.db.WithinTx(ctx, func(tx *sqlx.Tx) error {
		inserted, err := s.enqueueMonthlyUpdateTx(ctx, tx, stationID, year, month)
		if err != nil {
			return err
		}
		enqueued = inserted
		return nil
	})
	if err != nil {
		return &PersistenceError{Op: "enqueue_monthly_update", Err: err}
	}

	if enqueued {
		s.metrics.RecordQueueOperation("enqueue")
	}
	return nil
}

// enqueueMonthlyUpdateTx is the transaction-scoped enqueue shared with
// SaveDailyRecord. It reports whether a new row was inserted; a deduplicated
// enqueue returns false so the enqueue metric counts real insertions only.
func (s *postgresStore) enqueueMonthlyUpdateTx(ctx context.Context, tx *sqlx.Tx, stationID string, year, month int) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO monthly_update_queue (station_id, year, month, enqueued_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (station_id, year, month) DO NOTHING
	`, stationID, year, month, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to enqueue monthly update for %s %d-%02d: %w", stationID, year, month, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read enqueue result for %s %d-%02d: %w", stationID, year, month, err)
	}
	return affected > 0, nil
}

// ClaimMonthlyUpdates atomically claims up to limit unclaimed entries for
// runID. The claim is a single conditional UPDATE over SKIP LOCKED rows so
// two concurrent drains (in-process or cross-process) can never claim the
// same entry.
func (s *postgresStore) ClaimMonthlyUpdates(ctx context.Context, runID string, limit int) ([]*models.MonthlyUpdateEntry, error) {
	query := `
		UPDATE monthly_update_queue
		SET claimed_by = $1, claimed_at = $2, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM monthly_update_queue
			WHERE claimed_by IS NULL
			ORDER BY enqueued_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, station_id, year, month, enqueued_at, attempts, claimed_by, claimed_at
	`

	var entries []*models.MonthlyUpdateEntry
	if err := s.db.SelectContext(ctx, "claim_monthly_updates", &entries, query, runID, time.Now().UTC(), limit); err != nil {
		return nil, &PersistenceError{Op: "claim_monthly_updates", Err: err}
	}

	if len(entries) > 0 {
		s.metrics.RecordQueueOperation("claim")
		s.logger.Debug(ctx, "[QUEUE_CLAIM] Claimed pending monthly updates", logging.Fields{
			"run_id": runID,
			"count":  len(entries),
		})
	}

	return entries, nil
}

// PendingMonthlyUpdates reads up to limit unclaimed entries without claiming
// them. Used by dry runs to exercise the drain path without queue mutations.
func (s *postgresStore) PendingMonthlyUpdates(ctx context.Context, limit int) ([]*models.MonthlyUpdateEntry, error) {
	query := `
		SELECT id, station_id, year, month, enqueued_at, attempts, claimed_by, claimed_at
		FROM monthly_update_queue
		WHERE claimed_by IS NULL
		ORDER BY enqueued_at ASC
		LIMIT $1
	`

	var entries []*models.MonthlyUpdateEntry
	if err := s.db.SelectContext(ctx, "pending_monthly_updates", &entries, query, limit); err != nil {
		return nil, &PersistenceError{Op: "pending_monthly_updates", Err: err}
	}

	return entries, nil
}

// AckMonthlyUpdate deletes a claimed entry outside any record transaction.
// Used when a drained month turned out to have no daily data left; the
// transactional ack inside SaveMonthlyRecord covers the normal path.
func (s *postgresStore) AckMonthlyUpdate(ctx context.Context, entry *models.MonthlyUpdateEntry) error {
	if entry.ClaimedBy == nil {
		return &QueueClaimConflictError{EntryID: entry.ID, RunID: ""}
	}

	result, err := s.db.ExecContext(ctx, "ack_monthly_update", `
		DELETE FROM monthly_update_queue
		WHERE id = $1 AND claimed_by = $2
	`, entry.ID, *entry.ClaimedBy)
	if err != nil {
		return &PersistenceError{Op: "ack_monthly_update", Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: "ack_monthly_update", Err: err}
	}
	if affected == 0 {
		return &QueueClaimConflictError{EntryID: entry.ID, RunID: *entry.ClaimedBy}
	}

	s.metrics.RecordQueueOperation("ack")
	return nil
}

// ReleaseMonthlyUpdate returns a claimed-but-failed entry to the unclaimed
// state so a later drain pass or run retries it.
func (s *postgresStore) ReleaseMonthlyUpdate(ctx context.Context, entry *models.MonthlyUpdateEntry) error {
	if entry.ClaimedBy == nil {
		return &QueueClaimConflictError{EntryID: entry.ID, RunID: ""}
	}

	result, err := s.db.ExecContext(ctx, "release_monthly_update", `
		UPDATE monthly_update_queue
		SET claimed_by = NULL, claimed_at = NULL
		WHERE id = $1 AND claimed_by = $2
	`, entry.ID, *entry.ClaimedBy)
	if err != nil {
		return &PersistenceError{Op: "release_monthly_update", Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: "release_monthly_update", Err: err}
	}
	if affected == 0 {
		return &QueueClaimConflictError{EntryID: entry.ID, RunID: *entry.ClaimedBy}
	}

	entry.ClaimedBy = nil
	entry.ClaimedAt = nil
	s.metrics.RecordQueueOperation("release")

	return nil
}

// QueueDepth counts entries still waiting to be drained
func (s *postgresStore) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	if err := s.db.GetContext(ctx, "queue_depth", &depth,
		`SELECT COUNT(*) FROM monthly_update_queue`); err != nil {
		return 0, &PersistenceError{Op: "queue_depth", Err: err}
	}

	s.metrics.SetQueueDepth(depth)
	return depth, nil
}
