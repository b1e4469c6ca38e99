package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"weather-processor/internal/config"
	"weather-processor/internal/models"
	"weather-processor/internal/repository"
	"weather-processor/pkg/logging"
	"weather-processor/pkg/metrics"
)

// One collector for the whole test binary; promauto registers globally.
var testMetrics = metrics.NewCollector("engine_test")

func testLogger() *logging.StructuredLogger {
	logger := logging.NewStructuredLogger("test", "test", logging.FatalLevel)
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() config.ProcessingConfig {
	return config.ProcessingConfig{
		ExpectedObservationsPerDay: 24,
		CompletenessThreshold:      0.9,
		MaxWorkers:                 2,
		QueueBatchSize:             10,
		MaxDrainPasses:             3,
	}
}

func fp(v float64) *float64 { return &v }

// fakeStore is an in-memory Store with the same transactional semantics as
// the PostgreSQL implementation: daily saves enqueue in the same call, monthly
// saves ack in the same call, claims are exclusive.
type fakeStore struct {
	mu       sync.Mutex
	stations map[string]*models.WeatherStation
	weather  map[string][]*models.WeatherRecord
	daily    map[string]*models.DailyRecord
	monthly  map[string]*models.MonthlyRecord
	queue    []*models.MonthlyUpdateEntry
	runs     []*models.ProcessorRun
	nextID   int64

	failSaveMonthly bool
	failGetWeather  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		stations: make(map[string]*models.WeatherStation),
		weather:  make(map[string][]*models.WeatherRecord),
		daily:    make(map[string]*models.DailyRecord),
		monthly:  make(map[string]*models.MonthlyRecord),
	}
}

func (f *fakeStore) addStation(id, timezone string) *models.WeatherStation {
	station := &models.WeatherStation{
		StationID: id,
		Name:      "Station " + id,
		Timezone:  timezone,
		Status:    "active",
	}
	f.stations[id] = station
	return station
}

func (f *fakeStore) addObservation(stationID string, at time.Time, temp float64) {
	f.weather[stationID] = append(f.weather[stationID], &models.WeatherRecord{
		StationID:   stationID,
		ObservedAt:  at,
		Temperature: fp(temp),
	})
}

// fillDay adds one observation per hour of the given UTC day.
func (f *fakeStore) fillDay(stationID string, date time.Time) {
	for h := 0; h < 24; h++ {
		f.addObservation(stationID, date.Add(time.Duration(h)*time.Hour), 15.0)
	}
}

func dailyKey(stationID string, date time.Time) string {
	return stationID + "|" + date.Format("2006-01-02")
}

func monthlyKey(stationID string, year, month int) string {
	return fmt.Sprintf("%s|%04d-%02d", stationID, year, month)
}

func (f *fakeStore) GetStation(ctx context.Context, stationID string) (*models.WeatherStation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	station, ok := f.stations[stationID]
	if !ok || !station.Active() {
		return nil, &repository.NotFoundError{Resource: "weather_station", ID: stationID}
	}
	return station, nil
}

func (f *fakeStore) ListActiveStations(ctx context.Context) ([]*models.WeatherStation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stations []*models.WeatherStation
	for _, s := range f.stations {
		if s.Active() {
			stations = append(stations, s)
		}
	}
	sort.Slice(stations, func(i, j int) bool { return stations[i].StationID < stations[j].StationID })
	return stations, nil
}

func (f *fakeStore) GetWeatherRecords(ctx context.Context, stationID string, from, to time.Time) ([]*models.WeatherRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGetWeather {
		return nil, &repository.PersistenceError{Op: "get_weather_records", Err: errors.New("connection reset")}
	}
	var records []*models.WeatherRecord
	for _, r := range f.weather[stationID] {
		if !r.ObservedAt.Before(from) && r.ObservedAt.Before(to) {
			records = append(records, r)
		}
	}
	return records, nil
}

func (f *fakeStore) GetDailyRecords(ctx context.Context, stationID string, year, month int) ([]*models.DailyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var records []*models.DailyRecord
	for _, d := range f.daily {
		if d.StationID == stationID && d.Year() == year && d.Month() == month {
			records = append(records, d)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Date.Before(records[j].Date) })
	return records, nil
}

func (f *fakeStore) SaveDailyRecord(ctx context.Context, record *models.DailyRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	saved := true
	key := dailyKey(record.StationID, record.Date)
	if existing, ok := f.daily[key]; ok && existing.WasManuallyEdited {
		saved = false
	} else {
		f.nextID++
		record.ID = f.nextID
		f.daily[key] = record
	}

	f.enqueueLocked(record.StationID, record.Year(), record.Month())
	return saved, nil
}

func (f *fakeStore) SaveMonthlyRecord(ctx context.Context, record *models.MonthlyRecord, ack *models.MonthlyUpdateEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failSaveMonthly {
		return &repository.PersistenceError{Op: "save_monthly_record", Err: errors.New("connection reset")}
	}

	f.nextID++
	record.ID = f.nextID
	f.monthly[monthlyKey(record.StationID, record.Year, record.Month)] = record

	if ack != nil {
		f.removeEntryLocked(ack)
	}
	return nil
}

func (f *fakeStore) enqueueLocked(stationID string, year, month int) {
	for _, e := range f.queue {
		if e.StationID == stationID && e.Year == year && e.Month == month {
			return
		}
	}
	f.nextID++
	f.queue = append(f.queue, &models.MonthlyUpdateEntry{
		ID:         f.nextID,
		StationID:  stationID,
		Year:       year,
		Month:      month,
		EnqueuedAt: time.Now().UTC(),
	})
}

func (f *fakeStore) removeEntryLocked(entry *models.MonthlyUpdateEntry) bool {
	for i, e := range f.queue {
		if e.ID == entry.ID && e.ClaimedBy != nil && entry.ClaimedBy != nil && *e.ClaimedBy == *entry.ClaimedBy {
			f.queue = append(f.queue[:i], f.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (f *fakeStore) EnqueueMonthlyUpdate(ctx context.Context, stationID string, year, month int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueueLocked(stationID, year, month)
	return nil
}

func (f *fakeStore) ClaimMonthlyUpdates(ctx context.Context, runID string, limit int) ([]*models.MonthlyUpdateEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var claimed []*models.MonthlyUpdateEntry
	now := time.Now().UTC()
	for _, e := range f.queue {
		if len(claimed) == limit {
			break
		}
		if e.ClaimedBy == nil {
			id := runID
			e.ClaimedBy = &id
			e.ClaimedAt = &now
			e.Attempts++
			claimed = append(claimed, e)
		}
	}
	return claimed, nil
}

func (f *fakeStore) PendingMonthlyUpdates(ctx context.Context, limit int) ([]*models.MonthlyUpdateEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pending []*models.MonthlyUpdateEntry
	for _, e := range f.queue {
		if len(pending) == limit {
			break
		}
		if e.ClaimedBy == nil {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

func (f *fakeStore) AckMonthlyUpdate(ctx context.Context, entry *models.MonthlyUpdateEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.removeEntryLocked(entry) {
		return &repository.QueueClaimConflictError{EntryID: entry.ID}
	}
	return nil
}

func (f *fakeStore) ReleaseMonthlyUpdate(ctx context.Context, entry *models.MonthlyUpdateEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.queue {
		if e.ID == entry.ID {
			e.ClaimedBy = nil
			e.ClaimedAt = nil
			entry.ClaimedBy = nil
			entry.ClaimedAt = nil
			return nil
		}
	}
	return &repository.QueueClaimConflictError{EntryID: entry.ID}
}

func (f *fakeStore) QueueDepth(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue), nil
}

func (f *fakeStore) RecordRun(ctx context.Context, run *models.ProcessorRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeStore) HealthCheck(ctx context.Context) error { return nil }

func TestProcessor_DailyUnit(t *testing.T) {
	store := newFakeStore()
	station := store.addStation("ST001", "UTC")
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	store.fillDay("ST001", date)

	processor := NewProcessor(store, testConfig(), testLogger(), testMetrics, "run-1")
	outcome := processor.Process(context.Background(), WorkUnit{
		Station: station,
		Mode:    ModeDaily,
		Date:    date,
	})

	if outcome.Status != OutcomeSucceeded {
		t.Fatalf("Status = %v (err %v), want succeeded", outcome.Status, outcome.Err)
	}

	record, ok := store.daily[dailyKey("ST001", date)]
	if !ok {
		t.Fatal("daily record was not persisted")
	}
	if record.Quality != models.QualityComplete {
		t.Errorf("Quality = %v, want complete", record.Quality)
	}
	if record.RunID != "run-1" {
		t.Errorf("RunID = %v, want run-1", record.RunID)
	}

	if len(store.queue) != 1 {
		t.Fatalf("queue length = %d, want 1", len(store.queue))
	}
	entry := store.queue[0]
	if entry.StationID != "ST001" || entry.Year != 2024 || entry.Month != 6 {
		t.Errorf("queue entry = %s %d-%02d, want ST001 2024-06", entry.StationID, entry.Year, entry.Month)
	}
}

func TestProcessor_DailyUnitEnqueueIsIdempotent(t *testing.T) {
	store := newFakeStore()
	station := store.addStation("ST001", "UTC")
	first := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	second := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	store.fillDay("ST001", first)
	store.fillDay("ST001", second)

	processor := NewProcessor(store, testConfig(), testLogger(), testMetrics, "run-1")
	for _, date := range []time.Time{first, second} {
		outcome := processor.Process(context.Background(), WorkUnit{Station: station, Mode: ModeDaily, Date: date})
		if outcome.Status != OutcomeSucceeded {
			t.Fatalf("Status = %v (err %v), want succeeded", outcome.Status, outcome.Err)
		}
	}

	if len(store.queue) != 1 {
		t.Errorf("queue length = %d, want 1 entry for the shared month", len(store.queue))
	}
}

func TestProcessor_DailyPartialDay(t *testing.T) {
	store := newFakeStore()
	station := store.addStation("ST001", "UTC")
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	// 20 of 24 hourly readings, half at 10 and half at 22 degrees.
	for h := 0; h < 20; h++ {
		temp := 10.0
		if h%2 == 1 {
			temp = 22.0
		}
		store.addObservation("ST001", date.Add(time.Duration(h)*time.Hour), temp)
	}

	processor := NewProcessor(store, testConfig(), testLogger(), testMetrics, "run-1")
	outcome := processor.Process(context.Background(), WorkUnit{Station: station, Mode: ModeDaily, Date: date})
	if outcome.Status != OutcomeSucceeded {
		t.Fatalf("Status = %v (err %v), want succeeded", outcome.Status, outcome.Err)
	}

	record := store.daily[dailyKey("ST001", date)]
	if record == nil {
		t.Fatal("daily record was not persisted")
	}
	if *record.MinTemperature != 10.0 || *record.MaxTemperature != 22.0 || *record.AvgTemperature != 16.0 {
		t.Errorf("temperature aggregates = %v/%v/%v, want 10/22/16",
			*record.MinTemperature, *record.MaxTemperature, *record.AvgTemperature)
	}
	if want := 20.0 / 24.0; record.Completeness != want {
		t.Errorf("Completeness = %v, want %v", record.Completeness, want)
	}
	if record.Quality != models.QualityPartial {
		t.Errorf("Quality = %v, want partial below the 0.9 threshold", record.Quality)
	}
	if len(store.queue) != 1 || store.queue[0].Year != 2024 || store.queue[0].Month != 6 {
		t.Errorf("queue = %+v, want one entry for 2024-06", store.queue)
	}
}

// TestProcessor_DailyWindowBoundary checks the half-open day window: a
// reading in the final second of the day belongs to it, a reading at the next
// midnight does not.
func TestProcessor_DailyWindowBoundary(t *testing.T) {
	store := newFakeStore()
	station := store.addStation("ST001", "UTC")
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	store.addObservation("ST001", date, 15.0)
	store.addObservation("ST001", date.Add(24*time.Hour-500*time.Millisecond), 19.0)
	store.addObservation("ST001", date.Add(24*time.Hour), 30.0)

	processor := NewProcessor(store, testConfig(), testLogger(), testMetrics, "run-1")
	outcome := processor.Process(context.Background(), WorkUnit{Station: station, Mode: ModeDaily, Date: date})
	if outcome.Status != OutcomeSucceeded {
		t.Fatalf("Status = %v (err %v), want succeeded", outcome.Status, outcome.Err)
	}

	record := store.daily[dailyKey("ST001", date)]
	if record == nil {
		t.Fatal("daily record was not persisted")
	}
	if record.ObservationCount != 2 {
		t.Errorf("ObservationCount = %v, want 2", record.ObservationCount)
	}
	if record.MaxTemperature == nil || *record.MaxTemperature != 19.0 {
		t.Errorf("MaxTemperature = %v, want 19.0 (next midnight excluded)", record.MaxTemperature)
	}
}

func TestProcessor_DailyRerunIsIdempotent(t *testing.T) {
	store := newFakeStore()
	station := store.addStation("ST001", "UTC")
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	store.fillDay("ST001", date)

	processor := NewProcessor(store, testConfig(), testLogger(), testMetrics, "run-1")
	unit := WorkUnit{Station: station, Mode: ModeDaily, Date: date}
	for i := 0; i < 2; i++ {
		if outcome := processor.Process(context.Background(), unit); outcome.Status != OutcomeSucceeded {
			t.Fatalf("run %d status = %v (err %v), want succeeded", i, outcome.Status, outcome.Err)
		}
	}

	if len(store.daily) != 1 {
		t.Errorf("daily records = %d, want 1 (upsert, not duplicate)", len(store.daily))
	}
	if len(store.queue) != 1 {
		t.Errorf("queue entries = %d, want 1", len(store.queue))
	}
}

func TestProcessor_DailyNoData(t *testing.T) {
	store := newFakeStore()
	station := store.addStation("ST001", "UTC")

	processor := NewProcessor(store, testConfig(), testLogger(), testMetrics, "run-1")
	outcome := processor.Process(context.Background(), WorkUnit{
		Station: station,
		Mode:    ModeDaily,
		Date:    time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	})

	if outcome.Status != OutcomeSkipped {
		t.Fatalf("Status = %v, want skipped", outcome.Status)
	}
	var noData *NoDataError
	if !errors.As(outcome.Err, &noData) {
		t.Errorf("Err = %T, want *NoDataError", outcome.Err)
	}
	if len(store.daily) != 0 || len(store.queue) != 0 {
		t.Error("skipped unit must not write records or enqueue updates")
	}
}

func TestProcessor_DailyDryRun(t *testing.T) {
	store := newFakeStore()
	station := store.addStation("ST001", "UTC")
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	store.fillDay("ST001", date)

	processor := NewProcessor(store, testConfig(), testLogger(), testMetrics, "run-1")
	outcome := processor.Process(context.Background(), WorkUnit{
		Station: station,
		Mode:    ModeDaily,
		Date:    date,
		DryRun:  true,
	})

	if outcome.Status != OutcomeSucceeded {
		t.Fatalf("Status = %v (err %v), want succeeded", outcome.Status, outcome.Err)
	}
	if len(store.daily) != 0 {
		t.Error("dry run must not persist daily records")
	}
	if len(store.queue) != 0 {
		t.Error("dry run must not enqueue monthly updates")
	}
}

func TestProcessor_DailyTransientFailure(t *testing.T) {
	store := newFakeStore()
	station := store.addStation("ST001", "UTC")
	store.failGetWeather = true

	processor := NewProcessor(store, testConfig(), testLogger(), testMetrics, "run-1")
	outcome := processor.Process(context.Background(), WorkUnit{
		Station: station,
		Mode:    ModeDaily,
		Date:    time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	})

	if outcome.Status != OutcomeFailed {
		t.Fatalf("Status = %v, want failed", outcome.Status)
	}
	var persistence *repository.PersistenceError
	if !errors.As(outcome.Err, &persistence) {
		t.Errorf("Err = %T, want *PersistenceError", outcome.Err)
	}
}

func TestProcessor_MonthlyUnit(t *testing.T) {
	store := newFakeStore()
	station := store.addStation("ST001", "UTC")
	for d := 1; d <= 30; d++ {
		date := time.Date(2024, 6, d, 0, 0, 0, 0, time.UTC)
		store.daily[dailyKey("ST001", date)] = &models.DailyRecord{
			StationID:      "ST001",
			Date:           date,
			MinTemperature: fp(10.0),
			MaxTemperature: fp(20.0),
			AvgTemperature: fp(15.0),
			Quality:        models.QualityComplete,
		}
	}

	processor := NewProcessor(store, testConfig(), testLogger(), testMetrics, "run-1")
	outcome := processor.Process(context.Background(), WorkUnit{
		Station: station,
		Mode:    ModeMonthly,
		Year:    2024,
		Month:   6,
	})

	if outcome.Status != OutcomeSucceeded {
		t.Fatalf("Status = %v (err %v), want succeeded", outcome.Status, outcome.Err)
	}

	record, ok := store.monthly[monthlyKey("ST001", 2024, 6)]
	if !ok {
		t.Fatal("monthly record was not persisted")
	}
	if record.DaysWithData != 30 {
		t.Errorf("DaysWithData = %d, want 30", record.DaysWithData)
	}
	if record.Quality != models.QualityComplete {
		t.Errorf("Quality = %v, want complete", record.Quality)
	}
}

func TestProcessor_MonthlyDrainedUnitAcksEntry(t *testing.T) {
	store := newFakeStore()
	station := store.addStation("ST001", "UTC")
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	store.daily[dailyKey("ST001", date)] = &models.DailyRecord{
		StationID: "ST001", Date: date, AvgTemperature: fp(15.0), Quality: models.QualityComplete,
	}
	store.enqueueLocked("ST001", 2024, 6)

	entries, _ := store.ClaimMonthlyUpdates(context.Background(), "run-1", 10)
	if len(entries) != 1 {
		t.Fatalf("claimed %d entries, want 1", len(entries))
	}

	processor := NewProcessor(store, testConfig(), testLogger(), testMetrics, "run-1")
	outcome := processor.Process(context.Background(), WorkUnit{
		Station:    station,
		Mode:       ModeMonthly,
		Year:       2024,
		Month:      6,
		QueueEntry: entries[0],
	})

	if outcome.Status != OutcomeSucceeded {
		t.Fatalf("Status = %v (err %v), want succeeded", outcome.Status, outcome.Err)
	}
	if len(store.queue) != 0 {
		t.Errorf("queue length = %d, want 0 after ack", len(store.queue))
	}
}

func TestProcessor_MonthlyFailureReleasesEntry(t *testing.T) {
	store := newFakeStore()
	station := store.addStation("ST001", "UTC")
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	store.daily[dailyKey("ST001", date)] = &models.DailyRecord{
		StationID: "ST001", Date: date, AvgTemperature: fp(15.0), Quality: models.QualityComplete,
	}
	store.enqueueLocked("ST001", 2024, 6)
	store.failSaveMonthly = true

	entries, _ := store.ClaimMonthlyUpdates(context.Background(), "run-1", 10)

	processor := NewProcessor(store, testConfig(), testLogger(), testMetrics, "run-1")
	outcome := processor.Process(context.Background(), WorkUnit{
		Station:    station,
		Mode:       ModeMonthly,
		Year:       2024,
		Month:      6,
		QueueEntry: entries[0],
	})

	if outcome.Status != OutcomeFailed {
		t.Fatalf("Status = %v, want failed", outcome.Status)
	}
	if len(store.queue) != 1 {
		t.Fatalf("queue length = %d, want 1 (entry retained)", len(store.queue))
	}
	if store.queue[0].ClaimedBy != nil {
		t.Error("failed entry must be released for retry")
	}
	if store.queue[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", store.queue[0].Attempts)
	}
}

func TestProcessor_MonthlyEmptyMonthAcksEntry(t *testing.T) {
	store := newFakeStore()
	station := store.addStation("ST001", "UTC")
	store.enqueueLocked("ST001", 2024, 6)

	entries, _ := store.ClaimMonthlyUpdates(context.Background(), "run-1", 10)

	processor := NewProcessor(store, testConfig(), testLogger(), testMetrics, "run-1")
	outcome := processor.Process(context.Background(), WorkUnit{
		Station:    station,
		Mode:       ModeMonthly,
		Year:       2024,
		Month:      6,
		QueueEntry: entries[0],
	})

	if outcome.Status != OutcomeSkipped {
		t.Fatalf("Status = %v, want skipped", outcome.Status)
	}
	if len(store.queue) != 0 {
		t.Errorf("queue length = %d, want 0 (empty month acked)", len(store.queue))
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "none"},
		{"no data", &NoDataError{StationID: "ST001", Period: "2024-06-01"}, "no_data"},
		{"persistence", &repository.PersistenceError{Op: "save", Err: errors.New("x")}, "persistence"},
		{"claim conflict", &repository.QueueClaimConflictError{EntryID: 1}, "queue_claim_conflict"},
		{"cancelled", context.Canceled, "cancelled"},
		{"other", errors.New("boom"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorKind(tt.err); got != tt.want {
				t.Errorf("errorKind() = %v, want %v", got, tt.want)
			}
		})
	}
}
