package models

import (
	"fmt"
	"time"
)

// QualityFlag classifies how complete the underlying data of an aggregate is.
type QualityFlag string

const (
	QualityComplete QualityFlag = "complete"
	QualityPartial  QualityFlag = "partial"
)

// WeatherStation represents a weather monitoring station.
// Reference data owned by the upstream registration process; the engine
// only ever reads these rows.
type WeatherStation struct {
	StationID string    `json:"station_id" db:"station_id"`
	Name      string    `json:"name" db:"name"`
	Latitude  float64   `json:"latitude" db:"latitude"`
	Longitude float64   `json:"longitude" db:"longitude"`
	Timezone  string    `json:"timezone" db:"timezone"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Active reports whether the station should be picked up by processing runs.
func (s *WeatherStation) Active() bool {
	return s.Status == "active"
}

// Location resolves the station's IANA timezone. Daily aggregation windows
// are computed in station-local time.
func (s *WeatherStation) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("station %s has invalid timezone %q: %w", s.StationID, s.Timezone, err)
	}
	return loc, nil
}

// WeatherRecord represents a single raw observation from a station sensor.
// Immutable once ingested; NULL sensor readings are represented as nil
// pointers and must never be coerced to zero.
type WeatherRecord struct {
	ID                      int64     `json:"id" db:"id"`
	StationID               string    `json:"station_id" db:"station_id"`
	ObservedAt              time.Time `json:"observed_at" db:"observed_at"`
	Temperature             *float64  `json:"temperature,omitempty" db:"temperature"`
	Humidity                *float64  `json:"humidity,omitempty" db:"humidity"`
	Pressure                *float64  `json:"pressure,omitempty" db:"pressure"`
	WindSpeed               *float64  `json:"wind_speed,omitempty" db:"wind_speed"`
	WindGust                *float64  `json:"wind_gust,omitempty" db:"wind_gust"`
	CumulativePrecipitation *float64  `json:"cumulative_precipitation,omitempty" db:"cumulative_precipitation"`
	Flagged                 bool      `json:"flagged" db:"flagged"`
	CreatedAt               time.Time `json:"created_at" db:"created_at"`
}

// DailyRecord is the per-(station, calendar date) aggregate derived from raw
// weather records. Created or overwritten by the daily builder via upsert.
type DailyRecord struct {
	ID                 int64       `json:"id" db:"id"`
	StationID          string      `json:"station_id" db:"station_id"`
	Date               time.Time   `json:"date" db:"date"`
	MinTemperature     *float64    `json:"min_temperature,omitempty" db:"min_temperature"`
	MaxTemperature     *float64    `json:"max_temperature,omitempty" db:"max_temperature"`
	AvgTemperature     *float64    `json:"avg_temperature,omitempty" db:"avg_temperature"`
	MinHumidity        *float64    `json:"min_humidity,omitempty" db:"min_humidity"`
	MaxHumidity        *float64    `json:"max_humidity,omitempty" db:"max_humidity"`
	AvgHumidity        *float64    `json:"avg_humidity,omitempty" db:"avg_humidity"`
	MinPressure        *float64    `json:"min_pressure,omitempty" db:"min_pressure"`
	MaxPressure        *float64    `json:"max_pressure,omitempty" db:"max_pressure"`
	AvgPressure        *float64    `json:"avg_pressure,omitempty" db:"avg_pressure"`
	MaxWindSpeed       *float64    `json:"max_wind_speed,omitempty" db:"max_wind_speed"`
	MaxWindGust        *float64    `json:"max_wind_gust,omitempty" db:"max_wind_gust"`
	TotalPrecipitation *float64    `json:"total_precipitation,omitempty" db:"total_precipitation"`
	ObservationCount   int         `json:"observation_count" db:"observation_count"`
	Completeness       float64     `json:"completeness" db:"completeness"`
	Quality            QualityFlag `json:"quality" db:"quality"`
	Flagged            bool        `json:"flagged" db:"flagged"`
	RunID              string      `json:"run_id" db:"run_id"`
	WasManuallyEdited  bool        `json:"was_manually_edited" db:"was_manually_edited"`
	CreatedAt          time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at" db:"updated_at"`
}

// Year returns the calendar year the record belongs to.
func (d *DailyRecord) Year() int { return d.Date.Year() }

// Month returns the calendar month the record belongs to.
func (d *DailyRecord) Month() int { return int(d.Date.Month()) }

// MonthlyRecord is the per-(station, year, month) aggregate. It is strictly a
// function of that month's DailyRecords and never re-reads raw observations.
type MonthlyRecord struct {
	ID                 int64       `json:"id" db:"id"`
	StationID          string      `json:"station_id" db:"station_id"`
	Year               int         `json:"year" db:"year"`
	Month              int         `json:"month" db:"month"`
	MinTemperature     *float64    `json:"min_temperature,omitempty" db:"min_temperature"`
	MaxTemperature     *float64    `json:"max_temperature,omitempty" db:"max_temperature"`
	AvgTemperature     *float64    `json:"avg_temperature,omitempty" db:"avg_temperature"`
	AvgMinTemperature  *float64    `json:"avg_min_temperature,omitempty" db:"avg_min_temperature"`
	AvgMaxTemperature  *float64    `json:"avg_max_temperature,omitempty" db:"avg_max_temperature"`
	MinHumidity        *float64    `json:"min_humidity,omitempty" db:"min_humidity"`
	MaxHumidity        *float64    `json:"max_humidity,omitempty" db:"max_humidity"`
	AvgHumidity        *float64    `json:"avg_humidity,omitempty" db:"avg_humidity"`
	MinPressure        *float64    `json:"min_pressure,omitempty" db:"min_pressure"`
	MaxPressure        *float64    `json:"max_pressure,omitempty" db:"max_pressure"`
	AvgPressure        *float64    `json:"avg_pressure,omitempty" db:"avg_pressure"`
	MaxWindGust        *float64    `json:"max_wind_gust,omitempty" db:"max_wind_gust"`
	AvgMaxWindGust     *float64    `json:"avg_max_wind_gust,omitempty" db:"avg_max_wind_gust"`
	TotalPrecipitation *float64    `json:"total_precipitation,omitempty" db:"total_precipitation"`
	DaysWithData       int         `json:"days_with_data" db:"days_with_data"`
	Quality            QualityFlag `json:"quality" db:"quality"`
	RunID              string      `json:"run_id" db:"run_id"`
	CreatedAt          time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at" db:"updated_at"`
}

// MonthlyUpdateEntry marks a (station, year, month) whose monthly aggregate
// may be stale. At most one undrained entry exists per natural key; duplicate
// enqueues are no-ops. An entry is deleted only after the corresponding
// monthly rebuild has been persisted.
type MonthlyUpdateEntry struct {
	ID         int64      `json:"id" db:"id"`
	StationID  string     `json:"station_id" db:"station_id"`
	Year       int        `json:"year" db:"year"`
	Month      int        `json:"month" db:"month"`
	EnqueuedAt time.Time  `json:"enqueued_at" db:"enqueued_at"`
	Attempts   int        `json:"attempts" db:"attempts"`
	ClaimedBy  *string    `json:"claimed_by,omitempty" db:"claimed_by"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
}

// ProcessorRun is the audit row written once per engine invocation.
type ProcessorRun struct {
	RunID         string    `json:"run_id" db:"run_id"`
	StartedAt     time.Time `json:"started_at" db:"started_at"`
	Command       string    `json:"command" db:"command"`
	Mode          string    `json:"mode" db:"mode"`
	ProcessedDate time.Time `json:"processed_date" db:"processed_date"`
}

// DaysInMonth returns the number of calendar days in the given month.
func DaysInMonth(year, month int) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
