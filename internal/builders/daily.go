package builders

import (
	"fmt"
	"time"

	"weather-processor/internal/models"
)

// DailyBuilder aggregates the raw observations of one station-local day into
// a DailyRecord.
type DailyBuilder struct {
	station  *models.WeatherStation
	records  []*models.WeatherRecord
	dayStart time.Time // midnight of the day in station-local time
	runID    string

	expectedObservations  int
	completenessThreshold float64
}

// NewDailyBuilder creates a builder for one station-local day. dayStart is
// midnight of that day in the station's timezone; expectedObservations and
// completenessThreshold come from configuration.
func NewDailyBuilder(
	station *models.WeatherStation,
	records []*models.WeatherRecord,
	dayStart time.Time,
	runID string,
	expectedObservations int,
	completenessThreshold float64,
) *DailyBuilder {
	return &DailyBuilder{
		station:               station,
		records:               records,
		dayStart:              dayStart,
		runID:                 runID,
		expectedObservations:  expectedObservations,
		completenessThreshold: completenessThreshold,
	}
}

// Build computes per-quantity min/max/avg over the non-missing readings, the
// completeness ratio, and the quality flag. A quantity with zero non-missing
// readings aggregates to nil.
func (b *DailyBuilder) Build() (*models.DailyRecord, error) {
	period := b.dayStart.Format("2006-01-02")

	if len(b.records) == 0 {
		return nil, &AggregationInvariantError{
			StationID: b.station.StationID,
			Period:    period,
			Reason:    "builder invoked with no input records",
		}
	}

	n := len(b.records)
	temps := collect(n, func(i int) *float64 { return b.records[i].Temperature })
	humidities := collect(n, func(i int) *float64 { return b.records[i].Humidity })
	pressures := collect(n, func(i int) *float64 { return b.records[i].Pressure })
	windSpeeds := collect(n, func(i int) *float64 { return b.records[i].WindSpeed })
	windGusts := collect(n, func(i int) *float64 { return b.records[i].WindGust })
	cumRain := collect(n, func(i int) *float64 { return b.records[i].CumulativePrecipitation })

	record := &models.DailyRecord{
		StationID:      b.station.StationID,
		Date:           localDate(b.dayStart),
		MinTemperature: minOf(temps),
		MaxTemperature: maxOf(temps),
		AvgTemperature: avgOf(temps),
		MinHumidity:    minOf(humidities),
		MaxHumidity:    maxOf(humidities),
		AvgHumidity:    avgOf(humidities),
		MinPressure:    minOf(pressures),
		MaxPressure:    maxOf(pressures),
		AvgPressure:    avgOf(pressures),
		MaxWindSpeed:   maxOf(windSpeeds),
		MaxWindGust:    maxOf(windGusts),
		// The precipitation sensor reports a cumulative counter; the day's
		// total is its maximum over the day.
		TotalPrecipitation: maxOf(cumRain),
		ObservationCount:   n,
		Flagged:            b.anyFlagged(),
		RunID:              b.runID,
	}

	completeness, err := b.completeness()
	if err != nil {
		return nil, err
	}
	record.Completeness = completeness

	if completeness >= b.completenessThreshold {
		record.Quality = models.QualityComplete
	} else {
		record.Quality = models.QualityPartial
	}

	if err := checkMinMax(b.station.StationID, period, "temperature", record.MinTemperature, record.MaxTemperature); err != nil {
		return nil, err
	}
	if err := checkMinMax(b.station.StationID, period, "humidity", record.MinHumidity, record.MaxHumidity); err != nil {
		return nil, err
	}
	if err := checkMinMax(b.station.StationID, period, "pressure", record.MinPressure, record.MaxPressure); err != nil {
		return nil, err
	}

	return record, nil
}

// completeness computes the fraction of expected observation slots that have
// at least one reading. Slots are equal subdivisions of the actual local day
// length, so a DST transition day (23 or 25 real hours) still yields a ratio
// in [0,1].
func (b *DailyBuilder) completeness() (float64, error) {
	dayLength := b.dayStart.AddDate(0, 0, 1).Sub(b.dayStart)
	slot := dayLength / time.Duration(b.expectedObservations)
	present := make(map[int]struct{}, b.expectedObservations)

	for _, r := range b.records {
		idx := int(r.ObservedAt.Sub(b.dayStart) / slot)
		present[idx] = struct{}{}
	}

	ratio := float64(len(present)) / float64(b.expectedObservations)
	if ratio < 0 || ratio > 1 {
		// Observations landed outside the requested day window.
		return 0, &AggregationInvariantError{
			StationID: b.station.StationID,
			Period:    b.dayStart.Format("2006-01-02"),
			Reason:    fmt.Sprintf("completeness ratio %.4f outside [0,1]", ratio),
		}
	}

	return ratio, nil
}

func (b *DailyBuilder) anyFlagged() bool {
	for _, r := range b.records {
		if r.Flagged {
			return true
		}
	}
	return false
}

// localDate normalizes a station-local midnight to the UTC date value stored
// in the daily_records date column.
func localDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
