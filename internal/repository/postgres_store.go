package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"weather-processor/internal/models"
	"weather-processor/pkg/database"
	"weather-processor/pkg/logging"
	"weather-processor/pkg/metrics"
)

// postgresStore implements Store on top of PostgreSQL
type postgresStore struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewPostgresStore creates a new PostgreSQL-backed store
func NewPostgresStore(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) Store {
	return &postgresStore{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// GetStation retrieves an active weather station by ID
func (s *postgresStore) GetStation(ctx context.Context, stationID string) (*models.WeatherStation, error) {
	query := `
		SELECT station_id, name, latitude, longitude, timezone, status, created_at
		FROM weather_stations
		WHERE station_id = $1 AND status = 'active'
	`

	var station models.WeatherStation
	err := s.db.GetContext(ctx, "get_station", &station, query, stationID)

	if err == sql.ErrNoRows {
		return nil, &NotFoundError{
			Resource: "weather_station",
			ID:       stationID,
		}
	}

	if err != nil {
		return nil, &PersistenceError{Op: "get_station", Err: err}
	}

	return &station, nil
}

// ListActiveStations retrieves all active weather stations ordered by ID
func (s *postgresStore) ListActiveStations(ctx context.Context) ([]*models.WeatherStation, error) {
	query := `
		SELECT station_id, name, latitude, longitude, timezone, status, created_at
		FROM weather_stations
		WHERE status = 'active'
		ORDER BY station_id
	`

	var stations []*models.WeatherStation
	if err := s.db.SelectContext(ctx, "list_active_stations", &stations, query); err != nil {
		return nil, &PersistenceError{Op: "list_active_stations", Err: err}
	}

	return stations, nil
}

// GetWeatherRecords retrieves raw observations for a station within the
// half-open interval [from, to)
func (s *postgresStore) GetWeatherRecords(ctx context.Context, stationID string, from, to time.Time) ([]*models.WeatherRecord, error) {
	query := `
		SELECT id, station_id, observed_at,
		       temperature, humidity, pressure,
		       wind_speed, wind_gust, cumulative_precipitation,
		       flagged, created_at
		FROM weather_records
		WHERE station_id = $1 AND observed_at >= $2 AND observed_at < $3
		ORDER BY observed_at ASC
	`

	var records []*models.WeatherRecord
	if err := s.db.SelectContext(ctx, "get_weather_records", &records, query, stationID, from, to); err != nil {
		return nil, &PersistenceError{Op: "get_weather_records", Err: err}
	}

	return records, nil
}

// GetDailyRecords retrieves the daily aggregates of one station-month
func (s *postgresStore) GetDailyRecords(ctx context.Context, stationID string, year, month int) ([]*models.DailyRecord, error) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)

	query := `
		SELECT id, station_id, date,
		       min_temperature, max_temperature, avg_temperature,
		       min_humidity, max_humidity, avg_humidity,
		       min_pressure, max_pressure, avg_pressure,
		       max_wind_speed, max_wind_gust, total_precipitation,
		       observation_count, completeness, quality, flagged,
		       run_id, was_manually_edited, created_at, updated_at
		FROM daily_records
		WHERE station_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date ASC
	`

	var records []*models.DailyRecord
	if err := s.db.SelectContext(ctx, "get_daily_records", &records, query, stationID, start, end); err != nil {
		return nil, &PersistenceError{Op: "get_daily_records", Err: err}
	}

	return records, nil
}

// SaveDailyRecord upserts a daily aggregate and enqueues the monthly update
// for its month inside one transaction. Rows marked was_manually_edited are
// never overwritten, but the enqueue still happens so the manual edit
// propagates to the monthly aggregate.
func (s *postgresStore) SaveDailyRecord(ctx context.Context, record *models.DailyRecord) (bool, error) {
	upsert := `
		INSERT INTO daily_records (
			station_id, date,
			min_temperature, max_temperature, avg_temperature,
			min_humidity, max_humidity, avg_humidity,
			min_pressure, max_pressure, avg_pressure,
			max_wind_speed, max_wind_gust, total_precipitation,
			observation_count, completeness, quality, flagged,
			run_id, was_manually_edited, created_at, updated_at
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		       $15, $16, $17, $18, $19, FALSE, $20, $20
		WHERE NOT EXISTS (
			SELECT 1 FROM daily_records
			WHERE station_id = $1 AND date = $2 AND was_manually_edited = TRUE
		)
		ON CONFLICT (station_id, date) DO UPDATE SET
			min_temperature = EXCLUDED.min_temperature,
			max_temperature = EXCLUDED.max_temperature,
			avg_temperature = EXCLUDED.avg_temperature,
			min_humidity = EXCLUDED.min_humidity,
			max_humidity = EXCLUDED.max_humidity,
			avg_humidity = EXCLUDED.avg_humidity,
			min_pressure = EXCLUDED.min_pressure,
			max_pressure = EXCLUDED.max_pressure,
			avg_pressure = EXCLUDED.avg_pressure,
			max_wind_speed = EXCLUDED.max_wind_speed,
			max_wind_gust = EXCLUDED.max_wind_gust,
			total_precipitation = EXCLUDED.total_precipitation,
			observation_count = EXCLUDED.observation_count,
			completeness = EXCLUDED.completeness,
			quality = EXCLUDED.quality,
			flagged = EXCLUDED.flagged,
			run_id = EXCLUDED.run_id,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`

	saved := true
	enqueued := false
	now := time.Now().UTC()

	err := s.db.WithinTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowContext(ctx, upsert,
			record.StationID,
			record.Date,
			record.MinTemperature,
			record.MaxTemperature,
			record.AvgTemperature,
			record.MinHumidity,
			record.MaxHumidity,
			record.AvgHumidity,
			record.MinPressure,
			record.MaxPressure,
			record.AvgPressure,
			record.MaxWindSpeed,
			record.MaxWindGust,
			record.TotalPrecipitation,
			record.ObservationCount,
			record.Completeness,
			record.Quality,
			record.Flagged,
			record.RunID,
			now,
		).Scan(&record.ID)

		if err == sql.ErrNoRows {
			// Manual-edit guard blocked the write.
			saved = false
		} else if err != nil {
			return fmt.Errorf("failed to upsert daily record: %w", err)
		}

		inserted, err := s.enqueueMonthlyUpdateTx(ctx, tx, record.StationID, record.Year(), record.Month())
		if err != nil {
			return err
		}
		enqueued = inserted

		return nil
	})

	if err != nil {
		return false, &PersistenceError{Op: "save_daily_record", Err: err}
	}

	if !saved {
		s.logger.Warn(ctx, "[REPO_DAILY_GUARD] Daily record was manually edited, write skipped", logging.Fields{
			"station_id": record.StationID,
			"date":       record.Date.Format("2006-01-02"),
		})
	}

	if enqueued {
		s.metrics.RecordQueueOperation("enqueue")
	}

	return saved, nil
}

// SaveMonthlyRecord upserts a monthly aggregate and, when ack is non-nil,
// deletes the originating queue entry in the same transaction so a failed
// upsert can never lose the entry.
func (s *postgresStore) SaveMonthlyRecord(ctx context.Context, record *models.MonthlyRecord, ack *models.MonthlyUpdateEntry) error {
	upsert := `
		INSERT INTO monthly_records (
			station_id, year, month,
			min_temperature, max_temperature, avg_temperature,
			avg_min_temperature, avg_max_temperature,
			min_humidity, max_humidity, avg_humidity,
			min_pressure, max_pressure, avg_pressure,
			max_wind_gust, avg_max_wind_gust, total_precipitation,
			days_with_data, quality, run_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $21)
		ON CONFLICT (station_id, year, month) DO UPDATE SET
			min_temperature = EXCLUDED.min_temperature,
			max_temperature = EXCLUDED.max_temperature,
			avg_temperature = EXCLUDED.avg_temperature,
			avg_min_temperature = EXCLUDED.avg_min_temperature,
			avg_max_temperature = EXCLUDED.avg_max_temperature,
			min_humidity = EXCLUDED.min_humidity,
			max_humidity = EXCLUDED.max_humidity,
			avg_humidity = EXCLUDED.avg_humidity,
			min_pressure = EXCLUDED.min_pressure,
			max_pressure = EXCLUDED.max_pressure,
			avg_pressure = EXCLUDED.avg_pressure,
			max_wind_gust = EXCLUDED.max_wind_gust,
			avg_max_wind_gust = EXCLUDED.avg_max_wind_gust,
			total_precipitation = EXCLUDED.total_precipitation,
			days_with_data = EXCLUDED.days_with_data,
			quality = EXCLUDED.quality,
			run_id = EXCLUDED.run_id,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`

	now := time.Now().UTC()
	var conflict *QueueClaimConflictError

	err := s.db.WithinTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowContext(ctx, upsert,
			record.StationID,
			record.Year,
			record.Month,
			record.MinTemperature,
			record.MaxTemperature,
			record.AvgTemperature,
			record.AvgMinTemperature,
			record.AvgMaxTemperature,
			record.MinHumidity,
			record.MaxHumidity,
			record.AvgHumidity,
			record.MinPressure,
			record.MaxPressure,
			record.AvgPressure,
			record.MaxWindGust,
			record.AvgMaxWindGust,
			record.TotalPrecipitation,
			record.DaysWithData,
			record.Quality,
			record.RunID,
			now,
		).Scan(&record.ID)
		if err != nil {
			return fmt.Errorf("failed to upsert monthly record: %w", err)
		}

		if ack == nil {
			return nil
		}

		if ack.ClaimedBy == nil {
			return fmt.Errorf("cannot ack unclaimed queue entry %d", ack.ID)
		}

		result, err := tx.ExecContext(ctx,
			`DELETE FROM monthly_update_queue WHERE id = $1 AND claimed_by = $2`,
			ack.ID, *ack.ClaimedBy,
		)
		if err != nil {
			return fmt.Errorf("failed to ack queue entry %d: %w", ack.ID, err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read ack result for entry %d: %w", ack.ID, err)
		}
		if affected == 0 {
			// Claim was taken over or released; the record is still written.
			conflict = &QueueClaimConflictError{EntryID: ack.ID, RunID: *ack.ClaimedBy}
		}

		return nil
	})

	if err != nil {
		return &PersistenceError{Op: "save_monthly_record", Err: err}
	}

	if conflict != nil {
		s.logger.Warn(ctx, "[REPO_QUEUE_CONFLICT] Queue entry no longer claimed by this run", logging.Fields{
			"entry_id": conflict.EntryID,
			"run_id":   conflict.RunID,
		})
	} else if ack != nil {
		s.metrics.RecordQueueOperation("ack")
	}

	return nil
}

// RecordRun stores the audit row for one engine invocation
func (s *postgresStore) RecordRun(ctx context.Context, run *models.ProcessorRun) error {
	query := `
		INSERT INTO processor_runs (run_id, started_at, command, mode, processed_date)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.db.ExecContext(ctx, "record_run", query,
		run.RunID,
		run.StartedAt,
		run.Command,
		run.Mode,
		run.ProcessedDate,
	)
	if err != nil {
		return &PersistenceError{Op: "record_run", Err: err}
	}

	return nil
}

// HealthCheck performs a store health check
func (s *postgresStore) HealthCheck(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}
