package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func testConfig(t *testing.T, batchSize int, flushInterval time.Duration) Config {
	t.Helper()
	return Config{
		Path:          filepath.Join(t.TempDir(), "store_test.db"),
		BatchSize:     batchSize,
		FlushInterval: flushInterval,
		PoolSize:      1,
	}
}

func openTestStore(t *testing.T, batchSize int, flushInterval time.Duration) *Store {
	t.Helper()
	s, err := Open(testConfig(t, batchSize, flushInterval), Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestOpen_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{
			name: "missing path",
			cfg:  Config{BatchSize: 10, FlushInterval: time.Minute},
		},
		{
			name: "zero batch size",
			cfg:  Config{Path: "test.db", FlushInterval: time.Minute},
		},
		{
			name: "zero flush interval",
			cfg:  Config{Path: "test.db", BatchSize: 10},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.cfg, Deps{})
			assert.Error(t, err)
		})
	}
}

func TestValidDestinationName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"sensor_readings", true},
		{"SensorReadings2", true},
		{"_private", true},
		{"", false},
		{"2fast", false},
		{"drop table", false},
		{"a;b", false},
		{"a-b", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.valid, validDestinationName(tt.name), "name %q", tt.name)
	}
}

func TestWrite_UnknownDestination(t *testing.T) {
	s := openTestStore(t, 10, time.Minute)

	err := s.Write(context.Background(), "nope", "a/b", []byte("1"), 0, false)
	assert.Error(t, err)
}

func TestWrite_BatchSizeTriggersFlush(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 3, time.Hour)
	require.NoError(t, s.CreateDestination(ctx, "readings"))

	require.NoError(t, s.Write(ctx, "readings", "sensors/a", []byte("1.5"), 0, false))
	require.NoError(t, s.Write(ctx, "readings", "sensors/a", []byte("2.5"), 0, false))
	assert.Equal(t, 2, s.BufferLen())

	require.NoError(t, s.Write(ctx, "readings", "sensors/a", []byte("3.5"), 0, false))
	assert.Equal(t, 0, s.BufferLen())

	measurements, err := s.Recent(ctx, "readings", "sensors/a", time.Hour)
	require.NoError(t, err)
	require.Len(t, measurements, 3)
	assert.Equal(t, 1.5, measurements[0].Value)
	assert.Equal(t, 3.5, measurements[2].Value)
}

func TestWrite_ElapsedIntervalTriggersFlush(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 1000, 20*time.Millisecond)
	require.NoError(t, s.CreateDestination(ctx, "readings"))

	require.NoError(t, s.Write(ctx, "readings", "sensors/a", []byte("1"), 0, false))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.Write(ctx, "readings", "sensors/a", []byte("2"), 0, false))

	assert.Equal(t, 0, s.BufferLen())
}

func TestFlush_EmptyBufferSucceeds(t *testing.T) {
	s := openTestStore(t, 10, time.Minute)
	assert.NoError(t, s.Flush(context.Background()))
}

func TestCreateDestination_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 10, time.Minute)

	require.NoError(t, s.CreateDestination(ctx, "readings"))
	assert.NoError(t, s.CreateDestination(ctx, "readings"))
}

func TestCreateDestination_KindConflict(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 10, time.Minute)

	require.NoError(t, s.CreateDestination(ctx, "readings"))
	assert.Error(t, s.CreateSensorDestination(ctx, "readings"))
}

func TestWriteSensor_KindMismatch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 10, time.Minute)
	require.NoError(t, s.CreateDestination(ctx, "readings"))

	err := s.WriteSensor(ctx, "readings", SensorReading{DeviceID: "d1", DeviceType: "air", Temperature: 20})
	assert.Error(t, err)
}

func TestNormalizePayload(t *testing.T) {
	assert.Equal(t, "42.5", normalizePayload([]byte("42.5")))
	assert.Equal(t, "fffe01", normalizePayload([]byte{0xff, 0xfe, 0x01}))
}

func TestClose_Idempotent(t *testing.T) {
	ctx := context.Background()
	s, err := Open(testConfig(t, 10, time.Minute), Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)

	require.NoError(t, s.Close(ctx))
	assert.NoError(t, s.Close(ctx))
}

func TestClose_FlushesPendingRows(t *testing.T) {
	ctx := context.Background()
	s, err := Open(testConfig(t, 1000, time.Hour), Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	require.NoError(t, s.CreateDestination(ctx, "readings"))

	require.NoError(t, s.Write(ctx, "readings", "sensors/a", []byte("9"), 0, false))
	require.Equal(t, 1, s.BufferLen())

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, 0, s.BufferLen())
}

func TestWrite_PersistsQosAndRetain(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 10, time.Minute)
	require.NoError(t, s.CreateDestination(ctx, "readings"))

	require.NoError(t, s.Write(ctx, "readings", "sensors/a", []byte("21.5"), 1, true))
	require.NoError(t, s.Flush(ctx))

	conn, err := s.pool.Take(ctx)
	require.NoError(t, err)
	defer s.pool.Put(conn)

	var qos int64
	var retain bool
	var rows int
	err = sqlitex.Execute(conn, "SELECT qos, retain FROM readings", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			qos = stmt.ColumnInt64(0)
			retain = stmt.ColumnBool(1)
			rows++
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, rows)
	assert.Equal(t, int64(1), qos)
	assert.True(t, retain)
}

func TestFlush_FailureRetainsBuffer(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 1000, time.Hour)
	require.NoError(t, s.CreateDestination(ctx, "readings"))

	require.NoError(t, s.Write(ctx, "readings", "sensors/a", []byte("1"), 0, false))
	require.NoError(t, s.Write(ctx, "readings", "sensors/a", []byte("2"), 0, false))

	// Drop the table out from under the store so the bulk insert fails.
	conn, err := s.pool.Take(ctx)
	require.NoError(t, err)
	require.NoError(t, sqlitex.ExecuteTransient(conn, "DROP TABLE readings", nil))
	s.pool.Put(conn)

	require.Error(t, s.Flush(ctx))
	assert.Equal(t, 2, s.BufferLen())

	// Restore the table; the retained rows flush in full.
	conn, err = s.pool.Take(ctx)
	require.NoError(t, err)
	require.NoError(t, sqlitex.ExecuteScript(conn, `
		CREATE TABLE readings (
			ts      INTEGER NOT NULL,
			topic   TEXT NOT NULL,
			payload TEXT,
			qos     INTEGER NOT NULL DEFAULT 0,
			retain  BOOLEAN NOT NULL DEFAULT 0
		);
	`, nil))
	s.pool.Put(conn)

	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 0, s.BufferLen())

	stats, err := s.Stats(ctx, "readings")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)
}

func TestWrite_AfterCloseFails(t *testing.T) {
	ctx := context.Background()
	s, err := Open(testConfig(t, 10, time.Minute), Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	require.NoError(t, s.CreateDestination(ctx, "readings"))
	require.NoError(t, s.Close(ctx))

	assert.Error(t, s.Write(ctx, "readings", "sensors/a", []byte("1"), 0, false))
	assert.Error(t, s.Flush(ctx))
}
