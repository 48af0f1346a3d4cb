package export

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbma44/treelemetry/pkg/retry"
	"github.com/sbma44/treelemetry/season"
	"github.com/sbma44/treelemetry/store"
)

type fakeSource struct {
	measurements []store.Measurement
	buckets      []store.Bucket
	sensor       map[string][]store.SensorBucket
}

func (f *fakeSource) Recent(ctx context.Context, destination, topicFilter string, window time.Duration) ([]store.Measurement, error) {
	return f.measurements, nil
}

func (f *fakeSource) Aggregate(ctx context.Context, destination, topicFilter string, interval, lookback time.Duration) ([]store.Bucket, error) {
	return f.buckets, nil
}

func (f *fakeSource) AggregateSensor(ctx context.Context, destination, deviceType string, interval, lookback time.Duration) ([]store.SensorBucket, error) {
	return f.sensor[deviceType], nil
}

type fakeUploader struct {
	uploads  []string
	bodies   [][]byte
	failures int
}

func (f *fakeUploader) UploadJSON(ctx context.Context, key string, body []byte) error {
	if f.failures > 0 {
		f.failures--
		return assert.AnError
	}
	f.uploads = append(f.uploads, key)
	f.bodies = append(f.bodies, body)
	return nil
}

func mustWindow(t *testing.T, start, end string) season.Window {
	t.Helper()
	w, err := season.Parse(start, end)
	require.NoError(t, err)
	return w
}

func newTestExporter(t *testing.T, source DataSource, uploader Uploader) *Exporter {
	t.Helper()
	e, err := New(Config{
		SourceDestination: "water_level",
		SourceTopic:       "trees/water/raw",
		SensorDestination: "cloud_sensors",
		Key:               "water-level.json",
		WindowMinutes:     10,
		Season:            mustWindow(t, "2026-04-01", "2026-11-15"),
	}, Deps{
		Source:   source,
		Uploader: uploader,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	e.retryCfg = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return e
}

func TestNew_Validation(t *testing.T) {
	source := &fakeSource{}
	uploader := &fakeUploader{}

	_, err := New(Config{Key: "k"}, Deps{Source: source, Uploader: uploader})
	assert.Error(t, err, "missing destination")

	_, err = New(Config{SourceDestination: "d"}, Deps{Source: source, Uploader: uploader})
	assert.Error(t, err, "missing key")

	_, err = New(Config{SourceDestination: "d", Key: "k"}, Deps{})
	assert.Error(t, err, "missing deps")
}

func TestExport_DocumentShape(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	humidity := 40.0

	source := &fakeSource{
		measurements: []store.Measurement{
			{Timestamp: now.Add(-2 * time.Minute), Value: 100},
			{Timestamp: now.Add(-time.Minute), Value: 110},
		},
		buckets: []store.Bucket{
			{Start: now.Add(-time.Minute), Mean: 105.123, Stddev: 5.0005, Min: 100, Max: 110, Count: 2},
		},
		sensor: map[string][]store.SensorBucket{
			"air": {{
				Start:       now.Add(-time.Minute),
				Temperature: store.Bucket{Mean: 71.555, Min: 70, Max: 73, Count: 3},
				Humidity:    &store.Bucket{Mean: humidity, Min: 38, Max: 42, Count: 3},
				Count:       3,
			}},
			"water": {{
				Start:       now.Add(-time.Minute),
				Temperature: store.Bucket{Mean: 41.2, Min: 41, Max: 42, Count: 3},
				Count:       3,
			}},
		},
	}
	uploader := &fakeUploader{}

	e := newTestExporter(t, source, uploader)
	e.now = func() time.Time { return now }

	require.NoError(t, e.Export(context.Background()))
	require.Len(t, uploader.uploads, 1)
	assert.Equal(t, "water-level.json", uploader.uploads[0])

	var doc Document
	require.NoError(t, json.Unmarshal(uploader.bodies[0], &doc))

	assert.Equal(t, "2026-06-15T12:00:00Z", doc.GeneratedAt)
	assert.True(t, doc.Season.IsActive)
	assert.Equal(t, "2026-04-01", doc.Season.Start)
	require.Len(t, doc.Measurements, 2)
	assert.Equal(t, 100.0, doc.Measurements[0].Value)

	require.NotNil(t, doc.Stats)
	assert.Equal(t, 105.0, doc.Stats.Mean)
	assert.Equal(t, 2, doc.Stats.Count)

	require.NotNil(t, doc.Agg1m)
	assert.Equal(t, 1, doc.Agg1m.IntervalMinutes)
	assert.Equal(t, 105.12, doc.Agg1m.Data[0].Mean)
	assert.Equal(t, 5.001, doc.Agg1m.Data[0].Stddev)

	require.NotNil(t, doc.Agg1h)
	assert.Equal(t, 60, doc.Agg1h.IntervalMinutes)
	assert.Zero(t, doc.Agg1h.LookbackHours)

	require.Contains(t, doc.Sensors, "agg_1m")
	airSeries := doc.Sensors["agg_1m"].Air
	require.Len(t, airSeries, 1)
	assert.Equal(t, 71.56, airSeries[0].Temperature.Mean)
	require.NotNil(t, airSeries[0].Humidity)
	assert.Equal(t, 40.0, airSeries[0].Humidity.Mean)

	waterSeries := doc.Sensors["agg_1m"].Water
	require.Len(t, waterSeries, 1)
	assert.Nil(t, waterSeries[0].Humidity)
}

func TestExport_OffSeasonFlag(t *testing.T) {
	source := &fakeSource{}
	uploader := &fakeUploader{}

	e := newTestExporter(t, source, uploader)
	e.now = func() time.Time { return time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, e.Export(context.Background()))

	var doc Document
	require.NoError(t, json.Unmarshal(uploader.bodies[0], &doc))
	assert.False(t, doc.Season.IsActive)
	assert.Nil(t, doc.Stats)
	assert.Empty(t, doc.Measurements)
}

func TestExport_RetriesUploadFailures(t *testing.T) {
	uploader := &fakeUploader{failures: 2}
	e := newTestExporter(t, &fakeSource{}, uploader)

	require.NoError(t, e.Export(context.Background()))
	assert.Len(t, uploader.uploads, 1)
}

func TestExport_SurfacesPersistentUploadFailure(t *testing.T) {
	uploader := &fakeUploader{failures: 10}
	e := newTestExporter(t, &fakeSource{}, uploader)

	assert.Error(t, e.Export(context.Background()))
}
