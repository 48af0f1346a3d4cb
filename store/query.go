package store

import (
	"context"
	"fmt"
	"math"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sbma44/treelemetry/errors"
)

// Measurement is a single numeric reading from a raw destination
type Measurement struct {
	Timestamp time.Time
	Value     float64
}

// Bucket is an aggregated interval of numeric readings
type Bucket struct {
	Start  time.Time
	Mean   float64
	Stddev float64
	Min    float64
	Max    float64
	Count  int
}

// SensorBucket is an aggregated interval of normalized sensor
// readings. Humidity is nil when no reading in the interval carried
// humidity.
type SensorBucket struct {
	Start       time.Time
	Temperature Bucket
	Humidity    *Bucket
	Count       int
}

// Queries anchor their lookback window on the newest stored row
// rather than the wall clock, so a stalled sensor still yields its
// last data instead of an empty window.
func (s *Store) latestTimestamp(conn *sqlite.Conn, destination, topicFilter string) (int64, bool, error) {
	query := fmt.Sprintf("SELECT MAX(ts) FROM %s", destination)
	args := []any{}
	if topicFilter != "" {
		query += " WHERE topic = ?"
		args = append(args, topicFilter)
	}

	var maxTS int64
	var found bool
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if stmt.ColumnType(0) != sqlite.TypeNull {
				maxTS = stmt.ColumnInt64(0)
				found = true
			}
			return nil
		},
	})
	return maxTS, found, err
}

func (s *Store) destinationKindOf(destination string) (destinationKind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.WrapFatal(errors.ErrStoreClosed, componentName, "query", "store is closed")
	}
	kind, ok := s.destinations[destination]
	if !ok {
		return 0, errors.WrapInvalid(errors.ErrUnknownDestination, componentName, "query", "destination "+destination)
	}
	return kind, nil
}

func (s *Store) checkDestination(destination string, kind destinationKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.WrapFatal(errors.ErrStoreClosed, componentName, "query", "store is closed")
	}
	existing, ok := s.destinations[destination]
	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownDestination, componentName, "query", "destination "+destination)
	}
	if existing != kind {
		return errors.WrapInvalid(
			fmt.Errorf("destination %s is not a %s destination", destination, kindName(kind)),
			componentName, "query", "destination kind check")
	}
	return nil
}

// Recent returns numeric readings from a raw destination within the
// given window, ordered oldest first. SQLite coerces non-numeric
// payloads to zero, so callers should only point this at topics that
// carry numeric payloads.
func (s *Store) Recent(ctx context.Context, destination, topicFilter string, window time.Duration) ([]Measurement, error) {
	if err := s.checkDestination(destination, kindRaw); err != nil {
		return nil, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, componentName, "Recent", "take connection")
	}
	defer s.pool.Put(conn)

	maxTS, found, err := s.latestTimestamp(conn, destination, topicFilter)
	if err != nil {
		return nil, errors.WrapTransient(err, componentName, "Recent", "query latest timestamp")
	}
	if !found {
		return nil, nil
	}

	cutoff := maxTS - window.Milliseconds()
	query := fmt.Sprintf(`
		SELECT ts, CAST(payload AS REAL)
		FROM %s
		WHERE ts >= ? AND payload IS NOT NULL`, destination)
	args := []any{cutoff}
	if topicFilter != "" {
		query += " AND topic = ?"
		args = append(args, topicFilter)
	}
	query += " ORDER BY ts ASC"

	var measurements []Measurement
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			measurements = append(measurements, Measurement{
				Timestamp: time.UnixMilli(stmt.ColumnInt64(0)).UTC(),
				Value:     stmt.ColumnFloat(1),
			})
			return nil
		},
	})
	if err != nil {
		return nil, errors.WrapTransient(err, componentName, "Recent", "query measurements")
	}
	return measurements, nil
}

// Stats summarize one destination table. UniqueTopics counts distinct
// topics for raw destinations and distinct device IDs for sensor
// destinations.
type Stats struct {
	Count        int
	FirstTS      time.Time
	LastTS       time.Time
	UniqueTopics int
}

// Stats returns row count, timestamp range, and topic cardinality for
// a destination. A zero-count Stats is returned for an empty table.
func (s *Store) Stats(ctx context.Context, destination string) (Stats, error) {
	kind, err := s.destinationKindOf(destination)
	if err != nil {
		return Stats{}, err
	}

	distinctCol := "topic"
	if kind == kindSensor {
		distinctCol = "device_id"
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Stats{}, errors.WrapTransient(err, componentName, "Stats", "take connection")
	}
	defer s.pool.Put(conn)

	query := fmt.Sprintf(
		"SELECT COUNT(*), MIN(ts), MAX(ts), COUNT(DISTINCT %s) FROM %s",
		distinctCol, destination)

	var stats Stats
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.Count = int(stmt.ColumnInt64(0))
			if stats.Count > 0 {
				stats.FirstTS = time.UnixMilli(stmt.ColumnInt64(1)).UTC()
				stats.LastTS = time.UnixMilli(stmt.ColumnInt64(2)).UTC()
			}
			stats.UniqueTopics = int(stmt.ColumnInt64(3))
			return nil
		},
	})
	if err != nil {
		return Stats{}, errors.WrapTransient(err, componentName, "Stats", "query destination stats")
	}
	return stats, nil
}

// populationStddev computes the population standard deviation from
// running sums. Floating point cancellation can push the variance
// slightly negative for near-constant series; clamp at zero.
func populationStddev(sum, sumSquares float64, count int) float64 {
	if count == 0 {
		return 0
	}
	n := float64(count)
	mean := sum / n
	variance := sumSquares/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// Aggregate buckets numeric readings from a raw destination into
// fixed intervals with mean, population stddev, min, max, and count.
// A zero lookback aggregates all stored data.
func (s *Store) Aggregate(ctx context.Context, destination, topicFilter string, interval, lookback time.Duration) ([]Bucket, error) {
	if err := s.checkDestination(destination, kindRaw); err != nil {
		return nil, err
	}
	if interval <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("interval must be positive"),
			componentName, "Aggregate", "interval validation")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, componentName, "Aggregate", "take connection")
	}
	defer s.pool.Put(conn)

	maxTS, found, err := s.latestTimestamp(conn, destination, topicFilter)
	if err != nil {
		return nil, errors.WrapTransient(err, componentName, "Aggregate", "query latest timestamp")
	}
	if !found {
		return nil, nil
	}

	bucketMillis := interval.Milliseconds()
	query := fmt.Sprintf(`
		SELECT
			(ts / %[2]d) * %[2]d AS bucket,
			AVG(CAST(payload AS REAL)),
			MIN(CAST(payload AS REAL)),
			MAX(CAST(payload AS REAL)),
			SUM(CAST(payload AS REAL)),
			SUM(CAST(payload AS REAL) * CAST(payload AS REAL)),
			COUNT(*)
		FROM %[1]s
		WHERE payload IS NOT NULL`, destination, bucketMillis)

	args := []any{}
	if lookback > 0 {
		query += " AND ts >= ?"
		args = append(args, maxTS-lookback.Milliseconds())
	}
	if topicFilter != "" {
		query += " AND topic = ?"
		args = append(args, topicFilter)
	}
	query += " GROUP BY bucket ORDER BY bucket ASC"

	var buckets []Bucket
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count := int(stmt.ColumnInt64(6))
			buckets = append(buckets, Bucket{
				Start:  time.UnixMilli(stmt.ColumnInt64(0)).UTC(),
				Mean:   stmt.ColumnFloat(1),
				Min:    stmt.ColumnFloat(2),
				Max:    stmt.ColumnFloat(3),
				Stddev: populationStddev(stmt.ColumnFloat(4), stmt.ColumnFloat(5), count),
				Count:  count,
			})
			return nil
		},
	})
	if err != nil {
		return nil, errors.WrapTransient(err, componentName, "Aggregate", "query aggregates")
	}
	return buckets, nil
}

// AggregateSensor buckets normalized sensor readings for one device
// type. Humidity statistics are included only when the interval has
// humidity readings.
func (s *Store) AggregateSensor(ctx context.Context, destination, deviceType string, interval, lookback time.Duration) ([]SensorBucket, error) {
	if err := s.checkDestination(destination, kindSensor); err != nil {
		return nil, err
	}
	if interval <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("interval must be positive"),
			componentName, "AggregateSensor", "interval validation")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, componentName, "AggregateSensor", "take connection")
	}
	defer s.pool.Put(conn)

	maxTS, found, err := s.latestTimestamp(conn, destination, "")
	if err != nil {
		return nil, errors.WrapTransient(err, componentName, "AggregateSensor", "query latest timestamp")
	}
	if !found {
		return nil, nil
	}

	bucketMillis := interval.Milliseconds()
	query := fmt.Sprintf(`
		SELECT
			(ts / %[2]d) * %[2]d AS bucket,
			AVG(temperature), MIN(temperature), MAX(temperature),
			SUM(temperature), SUM(temperature * temperature),
			AVG(humidity), MIN(humidity), MAX(humidity),
			SUM(humidity), SUM(humidity * humidity),
			COUNT(humidity),
			COUNT(*)
		FROM %[1]s
		WHERE device_type = ?`, destination, bucketMillis)

	args := []any{deviceType}
	if lookback > 0 {
		query += " AND ts >= ?"
		args = append(args, maxTS-lookback.Milliseconds())
	}
	query += " GROUP BY bucket ORDER BY bucket ASC"

	var buckets []SensorBucket
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count := int(stmt.ColumnInt64(12))
			start := time.UnixMilli(stmt.ColumnInt64(0)).UTC()

			bucket := SensorBucket{
				Start: start,
				Temperature: Bucket{
					Start:  start,
					Mean:   stmt.ColumnFloat(1),
					Min:    stmt.ColumnFloat(2),
					Max:    stmt.ColumnFloat(3),
					Stddev: populationStddev(stmt.ColumnFloat(4), stmt.ColumnFloat(5), count),
					Count:  count,
				},
				Count: count,
			}

			if humidityCount := int(stmt.ColumnInt64(11)); humidityCount > 0 {
				bucket.Humidity = &Bucket{
					Start:  start,
					Mean:   stmt.ColumnFloat(6),
					Min:    stmt.ColumnFloat(7),
					Max:    stmt.ColumnFloat(8),
					Stddev: populationStddev(stmt.ColumnFloat(9), stmt.ColumnFloat(10), humidityCount),
					Count:  humidityCount,
				}
			}

			buckets = append(buckets, bucket)
			return nil
		},
	})
	if err != nil {
		return nil, errors.WrapTransient(err, componentName, "AggregateSensor", "query sensor aggregates")
	}
	return buckets, nil
}
