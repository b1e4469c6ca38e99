package builders

import (
	"fmt"

	"weather-processor/internal/models"
)

// MonthlyBuilder aggregates one station-month of DailyRecords into a
// MonthlyRecord. It is strictly a function of the daily aggregates and never
// re-reads raw observations; corrections at the daily level reach it through
// the monthly update queue.
type MonthlyBuilder struct {
	station *models.WeatherStation
	days    []*models.DailyRecord
	year    int
	month   int
	runID   string
}

// NewMonthlyBuilder creates a builder for one station-month.
func NewMonthlyBuilder(
	station *models.WeatherStation,
	days []*models.DailyRecord,
	year, month int,
	runID string,
) *MonthlyBuilder {
	return &MonthlyBuilder{
		station: station,
		days:    days,
		year:    year,
		month:   month,
		runID:   runID,
	}
}

// Build computes the monthly aggregates: min of daily mins, max of daily
// maxes, mean of daily means with equal weight per day regardless of that
// day's completeness, and total precipitation as the sum across days.
func (b *MonthlyBuilder) Build() (*models.MonthlyRecord, error) {
	period := fmt.Sprintf("%04d-%02d", b.year, b.month)
	calendarDays := models.DaysInMonth(b.year, b.month)

	if len(b.days) == 0 {
		return nil, &AggregationInvariantError{
			StationID: b.station.StationID,
			Period:    period,
			Reason:    "builder invoked with no daily records",
		}
	}
	if len(b.days) > calendarDays {
		return nil, &AggregationInvariantError{
			StationID: b.station.StationID,
			Period:    period,
			Reason:    fmt.Sprintf("%d daily records exceed %d calendar days", len(b.days), calendarDays),
		}
	}

	n := len(b.days)
	minTemps := collect(n, func(i int) *float64 { return b.days[i].MinTemperature })
	maxTemps := collect(n, func(i int) *float64 { return b.days[i].MaxTemperature })
	avgTemps := collect(n, func(i int) *float64 { return b.days[i].AvgTemperature })
	minHumidities := collect(n, func(i int) *float64 { return b.days[i].MinHumidity })
	maxHumidities := collect(n, func(i int) *float64 { return b.days[i].MaxHumidity })
	avgHumidities := collect(n, func(i int) *float64 { return b.days[i].AvgHumidity })
	minPressures := collect(n, func(i int) *float64 { return b.days[i].MinPressure })
	maxPressures := collect(n, func(i int) *float64 { return b.days[i].MaxPressure })
	avgPressures := collect(n, func(i int) *float64 { return b.days[i].AvgPressure })
	windGusts := collect(n, func(i int) *float64 { return b.days[i].MaxWindGust })
	precip := collect(n, func(i int) *float64 { return b.days[i].TotalPrecipitation })

	record := &models.MonthlyRecord{
		StationID:          b.station.StationID,
		Year:               b.year,
		Month:              b.month,
		MinTemperature:     minOf(minTemps),
		MaxTemperature:     maxOf(maxTemps),
		AvgTemperature:     avgOf(avgTemps),
		AvgMinTemperature:  avgOf(minTemps),
		AvgMaxTemperature:  avgOf(maxTemps),
		MinHumidity:        minOf(minHumidities),
		MaxHumidity:        maxOf(maxHumidities),
		AvgHumidity:        avgOf(avgHumidities),
		MinPressure:        minOf(minPressures),
		MaxPressure:        maxOf(maxPressures),
		AvgPressure:        avgOf(avgPressures),
		MaxWindGust:        maxOf(windGusts),
		AvgMaxWindGust:     avgOf(windGusts),
		TotalPrecipitation: sumOf(precip),
		DaysWithData:       n,
		Quality:            b.quality(calendarDays),
		RunID:              b.runID,
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

// quality is complete only when every calendar day of the month has a daily
// record and every one of them is itself complete.
func (b *MonthlyBuilder) quality(calendarDays int) models.QualityFlag {
	if len(b.days) != calendarDays {
		return models.QualityPartial
	}
	for _, d := range b.days {
		if d.Quality != models.QualityComplete {
			return models.QualityPartial
		}
	}
	return models.QualityComplete
}
