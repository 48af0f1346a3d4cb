// Package store persists telemetry readings to SQLite with batched
// writes. Incoming rows accumulate in memory and are flushed in a
// single transaction when the batch size is reached or the flush
// interval elapses, whichever comes first.
package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sbma44/treelemetry/errors"
	"github.com/sbma44/treelemetry/metric"
)

const componentName = "store"

// SensorReading is a normalized reading from a cloud sensor. Humidity,
// Battery, and Signal are optional; nil means the device did not report
// the field.
type SensorReading struct {
	DeviceID    string
	DeviceType  string
	Temperature float64
	Humidity    *float64
	Battery     *int
	Signal      *int
}

// pendingRow is a buffered write awaiting flush. Exactly one of
// (topic, payload) or reading is populated, depending on whether the
// destination is a raw topic log or a normalized sensor table.
type pendingRow struct {
	destination string
	topic       string
	payload     string
	qos         byte
	retained    bool
	reading     *SensorReading
	ts          time.Time
}

// destinationKind distinguishes raw topic logs from sensor tables
type destinationKind int

const (
	kindRaw destinationKind = iota
	kindSensor
)

// Config holds the parameters for opening a store
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// file is created if it does not exist. For an in-memory database
	// use "file::memory:?mode=memory&cache=shared"; plain ":memory:"
	// is rejected by the connection pool.
	Path string

	// BatchSize is the number of buffered rows that triggers a flush
	BatchSize int

	// FlushInterval is the maximum age of the oldest buffered row
	// before a write triggers a flush regardless of batch size
	FlushInterval time.Duration

	// PoolSize is the number of SQLite connections. Defaults to 4.
	PoolSize int
}

// Deps holds the runtime dependencies for a store
type Deps struct {
	Logger  *slog.Logger
	Metrics metric.Registrar
}

// Store is a batched SQLite telemetry store. Safe for concurrent use.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger

	path          string
	batchSize     int
	flushInterval time.Duration

	mu           sync.Mutex
	buffer       []pendingRow
	lastFlush    time.Time
	destinations map[string]destinationKind
	closed       bool

	rowsWritten   prometheus.Counter
	flushCount    prometheus.Counter
	flushFailures prometheus.Counter
	bufferSize    prometheus.Gauge
}

// Open creates or opens the database at cfg.Path. Standard pragmas
// (WAL, NORMAL sync, busy timeout) are applied to every connection.
func Open(cfg Config, deps Deps) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, componentName, "Open", "database path is required")
	}
	if cfg.BatchSize < 1 {
		return nil, errors.WrapFatal(
			fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize),
			componentName, "Open", "batch size validation")
	}
	if cfg.FlushInterval <= 0 {
		return nil, errors.WrapFatal(
			fmt.Errorf("flush interval must be positive"),
			componentName, "Open", "flush interval validation")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", componentName)

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return applyPragmas(conn)
		},
	})
	if err != nil {
		return nil, errors.WrapFatal(err, componentName, "Open", "open sqlite pool")
	}

	s := &Store{
		pool:          pool,
		logger:        logger,
		path:          cfg.Path,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		buffer:        make([]pendingRow, 0, cfg.BatchSize),
		lastFlush:     time.Now(),
		destinations:  make(map[string]destinationKind),
	}

	if deps.Metrics != nil {
		if err := s.registerMetrics(deps.Metrics); err != nil {
			pool.Close()
			return nil, err
		}
	}

	logger.Info("store opened",
		"path", cfg.Path,
		"batch_size", cfg.BatchSize,
		"flush_interval", cfg.FlushInterval,
	)

	return s, nil
}

func applyPragmas(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) registerMetrics(registrar metric.Registrar) error {
	s.rowsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "store_rows_written_total",
		Help: "Total rows flushed to SQLite",
	})
	s.flushCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "store_flushes_total",
		Help: "Total successful flush operations",
	})
	s.flushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "store_flush_failures_total",
		Help: "Total failed flush operations",
	})
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "store_buffer_rows",
		Help: "Rows currently buffered awaiting flush",
	})

	registrations := []struct {
		name string
		err  error
	}{
		{"rows_written", registrar.RegisterCounter(componentName, "rows_written", s.rowsWritten)},
		{"flushes", registrar.RegisterCounter(componentName, "flushes", s.flushCount)},
		{"flush_failures", registrar.RegisterCounter(componentName, "flush_failures", s.flushFailures)},
		{"buffer_rows", registrar.RegisterGauge(componentName, "buffer_rows", s.bufferSize)},
	}
	for _, reg := range registrations {
		if reg.err != nil {
			return errors.WrapFatal(reg.err, componentName, "registerMetrics", "register "+reg.name)
		}
	}
	return nil
}

// UnregisterMetrics removes a previous store's collectors from the
// registry so a replacement store can register under the same names.
func UnregisterMetrics(registry *metric.Registry) {
	for _, name := range []string{"rows_written", "flushes", "flush_failures", "buffer_rows"} {
		registry.Unregister(componentName, name)
	}
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// validDestinationName reports whether name is safe to interpolate
// into SQL as a table name. Letters, digits, and underscores only,
// and the first character must not be a digit.
func validDestinationName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// CreateDestination creates a raw topic-log table for the named
// destination if it does not exist. Must be called before Write.
func (s *Store) CreateDestination(ctx context.Context, name string) error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			ts      INTEGER NOT NULL,
			topic   TEXT NOT NULL,
			payload TEXT,
			qos     INTEGER NOT NULL DEFAULT 0,
			retain  BOOLEAN NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_ts ON %[1]s(ts);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_topic ON %[1]s(topic, ts);
	`, name)
	return s.createDestination(ctx, name, kindRaw, schema)
}

// CreateSensorDestination creates a normalized sensor-reading table
// for the named destination if it does not exist.
func (s *Store) CreateSensorDestination(ctx context.Context, name string) error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			ts          INTEGER NOT NULL,
			device_id   TEXT NOT NULL,
			device_type TEXT NOT NULL,
			temperature REAL NOT NULL,
			humidity    REAL,
			battery     INTEGER,
			signal      INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_ts ON %[1]s(ts);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_type ON %[1]s(device_type, ts);
	`, name)
	return s.createDestination(ctx, name, kindSensor, schema)
}

func (s *Store) createDestination(ctx context.Context, name string, kind destinationKind, schema string) error {
	if !validDestinationName(name) {
		return errors.WrapInvalid(errors.ErrInvalidDestination, componentName, "createDestination", "validate name "+name)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.WrapFatal(errors.ErrStoreClosed, componentName, "createDestination", "store is closed")
	}
	if existing, ok := s.destinations[name]; ok {
		s.mu.Unlock()
		if existing != kind {
			return errors.WrapInvalid(
				fmt.Errorf("destination %s already exists with a different schema", name),
				componentName, "createDestination", "schema kind check")
		}
		return nil
	}
	s.mu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return errors.WrapTransient(err, componentName, "createDestination", "take connection")
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return errors.WrapFatal(err, componentName, "createDestination", "create table "+name)
	}

	s.mu.Lock()
	s.destinations[name] = kind
	s.mu.Unlock()

	s.logger.Info("destination ready", "destination", name)
	return nil
}

// normalizePayload returns payload as a string, hex-encoding it when
// it is not valid UTF-8 so that binary payloads survive the TEXT
// column round trip.
func normalizePayload(payload []byte) string {
	if utf8.Valid(payload) {
		return string(payload)
	}
	return hex.EncodeToString(payload)
}

// Write buffers a raw message for the named destination. The write
// is durable only after a flush; a flush is triggered inline when the
// batch size is reached or the flush interval has elapsed.
func (s *Store) Write(ctx context.Context, destination, topic string, payload []byte, qos byte, retained bool) error {
	return s.append(ctx, pendingRow{
		destination: destination,
		topic:       topic,
		payload:     normalizePayload(payload),
		qos:         qos,
		retained:    retained,
		ts:          time.Now(),
	}, kindRaw)
}

// WriteSensor buffers a normalized sensor reading for the named
// destination.
func (s *Store) WriteSensor(ctx context.Context, destination string, reading SensorReading) error {
	r := reading
	return s.append(ctx, pendingRow{
		destination: destination,
		reading:     &r,
		ts:          time.Now(),
	}, kindSensor)
}

func (s *Store) append(ctx context.Context, row pendingRow, kind destinationKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.WrapFatal(errors.ErrStoreClosed, componentName, "append", "store is closed")
	}
	existing, ok := s.destinations[row.destination]
	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownDestination, componentName, "append", "destination "+row.destination)
	}
	if existing != kind {
		return errors.WrapInvalid(
			fmt.Errorf("destination %s is not a %s destination", row.destination, kindName(kind)),
			componentName, "append", "destination kind check")
	}

	s.buffer = append(s.buffer, row)
	if s.bufferSize != nil {
		s.bufferSize.Set(float64(len(s.buffer)))
	}

	if len(s.buffer) >= s.batchSize || time.Since(s.lastFlush) >= s.flushInterval {
		return s.flushLocked(ctx)
	}
	return nil
}

func kindName(kind destinationKind) string {
	if kind == kindSensor {
		return "sensor"
	}
	return "raw"
}

// Flush writes all buffered rows in a single transaction. On failure
// the buffer is retained so the rows are retried on the next flush.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.WrapFatal(errors.ErrStoreClosed, componentName, "Flush", "store is closed")
	}
	return s.flushLocked(ctx)
}

// flushLocked writes the buffer inside s.mu. The buffer is cleared
// only after the transaction commits; any error leaves it intact.
func (s *Store) flushLocked(ctx context.Context) error {
	if len(s.buffer) == 0 {
		s.lastFlush = time.Now()
		return nil
	}

	start := time.Now()
	count := len(s.buffer)

	if err := s.writeRows(ctx, s.buffer); err != nil {
		if s.flushFailures != nil {
			s.flushFailures.Inc()
		}
		s.logger.Error("flush failed, retaining buffer",
			"rows", count,
			"error", err,
		)
		return err
	}

	s.buffer = s.buffer[:0]
	s.lastFlush = time.Now()
	if s.rowsWritten != nil {
		s.rowsWritten.Add(float64(count))
	}
	if s.flushCount != nil {
		s.flushCount.Inc()
	}
	if s.bufferSize != nil {
		s.bufferSize.Set(0)
	}

	s.logger.Debug("flushed batch",
		"rows", count,
		"duration", time.Since(start),
	)

	// Checkpoint after each flush keeps the WAL from growing
	// unbounded on a host that runs for months between restarts.
	if err := s.checkpoint(ctx, "PASSIVE"); err != nil {
		s.logger.Warn("wal checkpoint failed", "error", err)
	}

	return nil
}

func (s *Store) writeRows(ctx context.Context, rows []pendingRow) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return errors.WrapTransient(err, componentName, "writeRows", "take connection")
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return errors.WrapTransient(err, componentName, "writeRows", "begin transaction")
	}
	defer endTransaction(&err)

	for i := range rows {
		if insertErr := s.insertRow(conn, &rows[i]); insertErr != nil {
			err = insertErr
			return err
		}
	}
	return nil
}

func (s *Store) insertRow(conn *sqlite.Conn, row *pendingRow) error {
	ts := row.ts.UnixMilli()

	if row.reading != nil {
		query := fmt.Sprintf(`INSERT INTO %s
			(ts, device_id, device_type, temperature, humidity, battery, signal)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, row.destination)

		var humidity, battery, signal any
		if row.reading.Humidity != nil {
			humidity = *row.reading.Humidity
		}
		if row.reading.Battery != nil {
			battery = *row.reading.Battery
		}
		if row.reading.Signal != nil {
			signal = *row.reading.Signal
		}

		err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: []any{
				ts,
				row.reading.DeviceID,
				row.reading.DeviceType,
				row.reading.Temperature,
				humidity,
				battery,
				signal,
			},
		})
		if err != nil {
			return errors.WrapTransient(err, componentName, "insertRow", "insert sensor reading")
		}
		return nil
	}

	query := fmt.Sprintf(`INSERT INTO %s (ts, topic, payload, qos, retain) VALUES (?, ?, ?, ?, ?)`, row.destination)
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{ts, row.topic, row.payload, int64(row.qos), row.retained},
	})
	if err != nil {
		return errors.WrapTransient(err, componentName, "insertRow", "insert message")
	}
	return nil
}

func (s *Store) checkpoint(ctx context.Context, mode string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode), nil)
}

// BufferLen returns the number of rows awaiting flush
func (s *Store) BufferLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Close flushes pending rows, truncates the WAL, and closes the pool.
// Safe to call more than once; later calls are no-ops.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	flushErr := s.flushLocked(ctx)
	if flushErr != nil {
		s.logger.Error("final flush failed, buffered rows lost",
			"rows", len(s.buffer),
			"error", flushErr,
		)
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.checkpoint(ctx, "TRUNCATE"); err != nil {
		s.logger.Warn("final wal checkpoint failed", "error", err)
	}

	if err := s.pool.Close(); err != nil {
		return errors.WrapFatal(err, componentName, "Close", "close sqlite pool")
	}

	s.logger.Info("store closed", "path", s.path)
	return flushErr
}
