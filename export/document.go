// Package export builds the public JSON document from stored
// telemetry and uploads it to object storage. Keys in the aggregate
// series are deliberately short (t, m, s, n) because the document is
// fetched by browsers on every page load.
package export

import (
	"math"
	"time"

	"github.com/sbma44/treelemetry/season"
	"github.com/sbma44/treelemetry/store"
)

// SeasonInfo describes the configured season in the document
type SeasonInfo struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	IsActive bool   `json:"is_active"`
}

// MeasurementPoint is a raw reading in the document
type MeasurementPoint struct {
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"water_level_mm"`
}

// Stats summarizes the raw measurement window
type Stats struct {
	Min    float64 `json:"min_level"`
	Max    float64 `json:"max_level"`
	Mean   float64 `json:"avg_level"`
	Stddev float64 `json:"stddev"`
	Count  int     `json:"measurement_count"`
}

// AggregatePoint is one bucket of an aggregate series
type AggregatePoint struct {
	Time   string  `json:"t"`
	Mean   float64 `json:"m"`
	Stddev float64 `json:"s"`
	Count  int     `json:"n"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// AggregateSeries is a tier of bucketed data. LookbackHours 0 means
// the series covers all stored data.
type AggregateSeries struct {
	IntervalMinutes int              `json:"interval_minutes"`
	LookbackHours   int              `json:"lookback_hours,omitempty"`
	Data            []AggregatePoint `json:"data"`
}

// SensorStats holds one statistic set within a sensor bucket
type SensorStats struct {
	Mean   float64 `json:"m"`
	Stddev float64 `json:"s"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// SensorPoint is one bucket of sensor aggregates. Humidity is present
// only for sensors that report it.
type SensorPoint struct {
	Time        string       `json:"t"`
	Temperature SensorStats  `json:"temp"`
	Humidity    *SensorStats `json:"humidity,omitempty"`
	Count       int          `json:"n"`
}

// SensorSeries is a tier of sensor aggregates split by device type
type SensorSeries struct {
	IntervalMinutes int           `json:"interval_minutes"`
	LookbackHours   int           `json:"lookback_hours,omitempty"`
	Air             []SensorPoint `json:"air,omitempty"`
	Water           []SensorPoint `json:"water,omitempty"`
}

// Document is the full JSON payload published to object storage
type Document struct {
	GeneratedAt        string             `json:"generated_at"`
	Season             SeasonInfo         `json:"season"`
	Measurements       []MeasurementPoint `json:"measurements"`
	ReplayDelaySeconds int                `json:"replay_delay_seconds"`
	Stats              *Stats             `json:"stats,omitempty"`

	Agg1m *AggregateSeries `json:"agg_1m,omitempty"`
	Agg5m *AggregateSeries `json:"agg_5m,omitempty"`
	Agg1h *AggregateSeries `json:"agg_1h,omitempty"`

	Sensors map[string]*SensorSeries `json:"sensors,omitempty"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func measurementPoints(measurements []store.Measurement) []MeasurementPoint {
	points := make([]MeasurementPoint, 0, len(measurements))
	for _, m := range measurements {
		points = append(points, MeasurementPoint{
			Timestamp: m.Timestamp.Format(time.RFC3339),
			Value:     m.Value,
		})
	}
	return points
}

func computeStats(measurements []store.Measurement) *Stats {
	if len(measurements) == 0 {
		return nil
	}

	minVal := measurements[0].Value
	maxVal := measurements[0].Value
	var sum, sumSquares float64
	for _, m := range measurements {
		if m.Value < minVal {
			minVal = m.Value
		}
		if m.Value > maxVal {
			maxVal = m.Value
		}
		sum += m.Value
		sumSquares += m.Value * m.Value
	}

	n := float64(len(measurements))
	mean := sum / n
	variance := sumSquares/n - mean*mean
	if variance < 0 {
		variance = 0
	}

	return &Stats{
		Min:    minVal,
		Max:    maxVal,
		Mean:   mean,
		Stddev: math.Sqrt(variance),
		Count:  len(measurements),
	}
}

func aggregateSeries(buckets []store.Bucket, intervalMinutes, lookbackHours int) *AggregateSeries {
	if len(buckets) == 0 {
		return nil
	}

	points := make([]AggregatePoint, 0, len(buckets))
	for _, b := range buckets {
		points = append(points, AggregatePoint{
			Time:   b.Start.Format(time.RFC3339),
			Mean:   round2(b.Mean),
			Stddev: round3(b.Stddev),
			Count:  b.Count,
			Min:    round2(b.Min),
			Max:    round2(b.Max),
		})
	}
	return &AggregateSeries{
		IntervalMinutes: intervalMinutes,
		LookbackHours:   lookbackHours,
		Data:            points,
	}
}

func sensorPoints(buckets []store.SensorBucket) []SensorPoint {
	points := make([]SensorPoint, 0, len(buckets))
	for _, b := range buckets {
		point := SensorPoint{
			Time: b.Start.Format(time.RFC3339),
			Temperature: SensorStats{
				Mean:   round2(b.Temperature.Mean),
				Stddev: round3(b.Temperature.Stddev),
				Min:    round2(b.Temperature.Min),
				Max:    round2(b.Temperature.Max),
			},
			Count: b.Count,
		}
		if b.Humidity != nil {
			point.Humidity = &SensorStats{
				Mean:   round2(b.Humidity.Mean),
				Stddev: round3(b.Humidity.Stddev),
				Min:    round2(b.Humidity.Min),
				Max:    round2(b.Humidity.Max),
			}
		}
		points = append(points, point)
	}
	return points
}

func sensorSeries(air, water []store.SensorBucket, intervalMinutes, lookbackHours int) *SensorSeries {
	if len(air) == 0 && len(water) == 0 {
		return nil
	}
	return &SensorSeries{
		IntervalMinutes: intervalMinutes,
		LookbackHours:   lookbackHours,
		Air:             sensorPoints(air),
		Water:           sensorPoints(water),
	}
}

func seasonInfo(window season.Window, now time.Time) SeasonInfo {
	return SeasonInfo{
		Start:    window.Start.Format("2006-01-02"),
		End:      window.End.Format("2006-01-02"),
		IsActive: window.Contains(now),
	}
}
