package repository

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"weather-processor/internal/models"
	"weather-processor/pkg/database"
	"weather-processor/pkg/logging"
	"weather-processor/pkg/metrics"
)

// One collector for the whole test binary; promauto registers globally.
var storeMetrics = metrics.NewCollector("repository_test")

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// testStore connects to the database named by the WEATHER_TEST_DB_* variables
// and skips the test when none is configured. The migrations/ schema must be
// applied to that database.
func testStore(t *testing.T) (Store, *database.PostgresDB) {
	t.Helper()

	host := os.Getenv("WEATHER_TEST_DB_HOST")
	if host == "" {
		t.Skip("WEATHER_TEST_DB_HOST not set, skipping database-backed test")
	}

	port := 5432
	if v := os.Getenv("WEATHER_TEST_DB_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			t.Fatalf("invalid WEATHER_TEST_DB_PORT: %v", err)
		}
		port = p
	}

	logger := logging.NewStructuredLogger("repository-test", "test", logging.FatalLevel)
	logger.SetOutput(io.Discard)

	db, err := database.NewPostgresDB(&database.Config{
		Host:         host,
		Port:         port,
		User:         envOr("WEATHER_TEST_DB_USER", "postgres"),
		Password:     os.Getenv("WEATHER_TEST_DB_PASSWORD"),
		Database:     envOr("WEATHER_TEST_DB_NAME", "weather_test"),
		SSLMode:      "disable",
		MaxOpenConns: 2,
		MaxIdleConns: 1,
	}, logger, storeMetrics)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewPostgresStore(db, logger, storeMetrics), db
}

// seedStation inserts an active station and registers cleanup of every row
// the test creates for it.
func seedStation(t *testing.T, db *database.PostgresDB, stationID string) {
	t.Helper()

	_, err := db.DB().Exec(`
		INSERT INTO weather_stations (station_id, name, latitude, longitude, timezone, status)
		VALUES ($1, $1, 0, 0, 'UTC', 'active')
	`, stationID)
	if err != nil {
		t.Fatalf("seed station: %v", err)
	}

	t.Cleanup(func() {
		for _, table := range []string{"monthly_update_queue", "monthly_records", "daily_records", "weather_records", "weather_stations"} {
			db.DB().Exec(fmt.Sprintf("DELETE FROM %s WHERE station_id = $1", table), stationID)
		}
	})
}

func uniqueStationID() string {
	return fmt.Sprintf("IT%d", time.Now().UnixNano())
}

func enqueueCount() float64 {
	return testutil.ToFloat64(storeMetrics.QueueOperationsTotal.WithLabelValues("enqueue"))
}

// TestPostgresStore_EnqueueMetricCountsInsertionsOnly checks that a
// deduplicated enqueue, whether standalone or piggybacked on a daily save,
// does not increment the enqueue counter.
func TestPostgresStore_EnqueueMetricCountsInsertionsOnly(t *testing.T) {
	store, db := testStore(t)
	ctx := context.Background()

	stationID := uniqueStationID()
	seedStation(t, db, stationID)

	before := enqueueCount()

	if err := store.EnqueueMonthlyUpdate(ctx, stationID, 2024, 6); err != nil {
		t.Fatalf("EnqueueMonthlyUpdate: %v", err)
	}
	if got := enqueueCount(); got != before+1 {
		t.Fatalf("enqueue count after first enqueue = %v, want %v", got, before+1)
	}

	if err := store.EnqueueMonthlyUpdate(ctx, stationID, 2024, 6); err != nil {
		t.Fatalf("EnqueueMonthlyUpdate (dedup): %v", err)
	}
	if got := enqueueCount(); got != before+1 {
		t.Errorf("enqueue count after deduplicated enqueue = %v, want %v", got, before+1)
	}

	record := &models.DailyRecord{
		StationID: stationID,
		Date:      time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Quality:   models.QualityPartial,
		RunID:     "run-test",
	}
	if _, err := store.SaveDailyRecord(ctx, record); err != nil {
		t.Fatalf("SaveDailyRecord: %v", err)
	}
	if got := enqueueCount(); got != before+1 {
		t.Errorf("enqueue count after daily save into pending month = %v, want %v", got, before+1)
	}
}

// TestPostgresStore_WeatherRecordWindowIsHalfOpen checks that a reading in
// the final second of a day is returned and a reading at the next midnight
// is not.
func TestPostgresStore_WeatherRecordWindowIsHalfOpen(t *testing.T) {
	store, db := testStore(t)
	ctx := context.Background()

	stationID := uniqueStationID()
	seedStation(t, db, stationID)

	dayStart := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	lastInstant := dayStart.Add(24*time.Hour - 500*time.Millisecond)
	nextMidnight := dayStart.Add(24 * time.Hour)

	for _, at := range []time.Time{lastInstant, nextMidnight} {
		_, err := db.DB().Exec(`
			INSERT INTO weather_records (station_id, observed_at, temperature)
			VALUES ($1, $2, 15.0)
		`, stationID, at)
		if err != nil {
			t.Fatalf("seed observation: %v", err)
		}
	}

	records, err := store.GetWeatherRecords(ctx, stationID, dayStart, nextMidnight)
	if err != nil {
		t.Fatalf("GetWeatherRecords: %v", err)
	}

	if len(records) != 1 {
		t.Fatalf("records = %d, want 1 (next midnight excluded)", len(records))
	}
	if !records[0].ObservedAt.Equal(lastInstant) {
		t.Errorf("ObservedAt = %v, want %v", records[0].ObservedAt, lastInstant)
	}
}
