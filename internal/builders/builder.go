// Package builders contains the aggregation algorithms that turn raw
// observations into daily records and daily records into monthly records.
// Missing readings are nil pointers and propagate as nil aggregates; they
// are never treated as zero.
package builders

import (
	"fmt"

	"weather-processor/internal/models"
)

// DailyRecordBuilder produces the per-(station, date) aggregate.
type DailyRecordBuilder interface {
	Build() (*models.DailyRecord, error)
}

// MonthlyRecordBuilder produces the per-(station, year, month) aggregate.
type MonthlyRecordBuilder interface {
	Build() (*models.MonthlyRecord, error)
}

// AggregationInvariantError reports a logically impossible aggregate (for
// example min > max, or a completeness ratio outside [0,1]). It can only
// arise from a construction bug or corrupt input and the offending record is
// never written.
type AggregationInvariantError struct {
	StationID string
	Period    string
	Reason    string
}

func (e *AggregationInvariantError) Error() string {
	return fmt.Sprintf("aggregation invariant violated for station %s period %s: %s", e.StationID, e.Period, e.Reason)
}

// IsTransient returns false; re-running the same input fails the same way
func (e *AggregationInvariantError) IsTransient() bool {
	return false
}

// collect extracts the non-missing values of one quantity.
func collect(n int, get func(int) *float64) []float64 {
	vals := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if v := get(i); v != nil {
			vals = append(vals, *v)
		}
	}
	return vals
}

// minOf returns the minimum of vals, or nil when no readings are present.
func minOf(vals []float64) *float64 {
	if len(vals) == 0 {
		return nil
	}
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return &m
}

// maxOf returns the maximum of vals, or nil when no readings are present.
func maxOf(vals []float64) *float64 {
	if len(vals) == 0 {
		return nil
	}
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return &m
}

// avgOf returns the arithmetic mean of vals, or nil when no readings are
// present.
func avgOf(vals []float64) *float64 {
	if len(vals) == 0 {
		return nil
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	return &mean
}

// sumOf returns the sum of vals, or nil when no readings are present.
func sumOf(vals []float64) *float64 {
	if len(vals) == 0 {
		return nil
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return &sum
}

// checkMinMax verifies the min <= max ordering of an aggregated quantity.
func checkMinMax(stationID, period, quantity string, min, max *float64) error {
	if min != nil && max != nil && *min > *max {
		return &AggregationInvariantError{
			StationID: stationID,
			Period:    period,
			Reason:    fmt.Sprintf("%s min %.4f exceeds max %.4f", quantity, *min, *max),
		}
	}
	return nil
}
