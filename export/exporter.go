package export

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sbma44/treelemetry/errors"
	"github.com/sbma44/treelemetry/pkg/retry"
	"github.com/sbma44/treelemetry/season"
	"github.com/sbma44/treelemetry/store"
)

// The document carries three fixed aggregation tiers: fine-grained
// for the last hour, medium for the last day, and hourly for the full
// history.
var tiers = []struct {
	interval time.Duration
	lookback time.Duration
	minutes  int
	hours    int
}{
	{time.Minute, time.Hour, 1, 1},
	{5 * time.Minute, 24 * time.Hour, 5, 24},
	{time.Hour, 0, 60, 0},
}

// DataSource is the slice of the store the exporter reads from
type DataSource interface {
	Recent(ctx context.Context, destination, topicFilter string, window time.Duration) ([]store.Measurement, error)
	Aggregate(ctx context.Context, destination, topicFilter string, interval, lookback time.Duration) ([]store.Bucket, error)
	AggregateSensor(ctx context.Context, destination, deviceType string, interval, lookback time.Duration) ([]store.SensorBucket, error)
}

// Config holds exporter settings
type Config struct {
	// SourceDestination and SourceTopic select the raw numeric series
	// the document is built around.
	SourceDestination string
	SourceTopic       string

	// SensorDestination is the normalized sensor table; empty
	// disables the sensor series.
	SensorDestination string

	// Key is the object storage key the document is published under
	Key string

	// WindowMinutes is how many minutes of raw measurements the
	// document carries.
	WindowMinutes int

	// ReplayDelaySeconds is passed through to the document for
	// client-side replay rendering.
	ReplayDelaySeconds int

	Season season.Window
}

// Deps holds the runtime dependencies for an exporter
type Deps struct {
	Source   DataSource
	Uploader Uploader
	Logger   *slog.Logger
}

// Exporter assembles the JSON document from stored telemetry and
// publishes it.
type Exporter struct {
	cfg      Config
	source   DataSource
	uploader Uploader
	logger   *slog.Logger
	retryCfg retry.Config
	now      func() time.Time
}

// New creates an exporter
func New(cfg Config, deps Deps) (*Exporter, error) {
	if cfg.SourceDestination == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "export", "New", "source destination is required")
	}
	if cfg.Key == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "export", "New", "object key is required")
	}
	if deps.Source == nil || deps.Uploader == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "export", "New", "source and uploader are required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	windowMinutes := cfg.WindowMinutes
	if windowMinutes <= 0 {
		windowMinutes = 10
	}
	cfg.WindowMinutes = windowMinutes

	if cfg.ReplayDelaySeconds <= 0 {
		cfg.ReplayDelaySeconds = 300
	}

	return &Exporter{
		cfg:      cfg,
		source:   deps.Source,
		uploader: deps.Uploader,
		logger:   logger.With("component", "export"),
		retryCfg: retry.DefaultConfig(),
		now:      time.Now,
	}, nil
}

// Export builds the document from the store and uploads it. Upload
// failures are retried with backoff before the error is surfaced.
func (e *Exporter) Export(ctx context.Context) error {
	doc, err := e.buildDocument(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return errors.WrapFatal(err, "export", "Export", "marshal document")
	}

	err = retry.Do(ctx, e.retryCfg, func() error {
		return e.uploader.UploadJSON(ctx, e.cfg.Key, body)
	})
	if err != nil {
		return err
	}

	e.logger.Debug("export complete",
		"key", e.cfg.Key,
		"measurements", len(doc.Measurements),
	)
	return nil
}

func (e *Exporter) buildDocument(ctx context.Context) (*Document, error) {
	now := e.now().UTC()

	measurements, err := e.source.Recent(ctx, e.cfg.SourceDestination, e.cfg.SourceTopic,
		time.Duration(e.cfg.WindowMinutes)*time.Minute)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		GeneratedAt:        now.Format(time.RFC3339),
		Season:             seasonInfo(e.cfg.Season, now),
		Measurements:       measurementPoints(measurements),
		ReplayDelaySeconds: e.cfg.ReplayDelaySeconds,
		Stats:              computeStats(measurements),
	}

	series := make([]*AggregateSeries, len(tiers))
	for i, tier := range tiers {
		buckets, err := e.source.Aggregate(ctx, e.cfg.SourceDestination, e.cfg.SourceTopic,
			tier.interval, tier.lookback)
		if err != nil {
			return nil, err
		}
		series[i] = aggregateSeries(buckets, tier.minutes, tier.hours)
	}
	doc.Agg1m, doc.Agg5m, doc.Agg1h = series[0], series[1], series[2]

	if e.cfg.SensorDestination != "" {
		sensors, err := e.buildSensorSeries(ctx)
		if err != nil {
			return nil, err
		}
		doc.Sensors = sensors
	}

	return doc, nil
}

func (e *Exporter) buildSensorSeries(ctx context.Context) (map[string]*SensorSeries, error) {
	keys := []string{"agg_1m", "agg_5m", "agg_1h"}
	sensors := make(map[string]*SensorSeries)

	for i, tier := range tiers {
		air, err := e.source.AggregateSensor(ctx, e.cfg.SensorDestination, "air",
			tier.interval, tier.lookback)
		if err != nil {
			return nil, err
		}
		water, err := e.source.AggregateSensor(ctx, e.cfg.SensorDestination, "water",
			tier.interval, tier.lookback)
		if err != nil {
			return nil, err
		}
		if s := sensorSeries(air, water, tier.minutes, tier.hours); s != nil {
			sensors[keys[i]] = s
		}
	}

	if len(sensors) == 0 {
		return nil, nil
	}
	return sensors, nil
}
