// Package app wires the telemetry pipeline together: broker messages
// flow through the topic router into the batched store, cloud sensor
// readings land in their own table, and background loops handle
// flushing, in-season exports, and off-season archival.
package app

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sbma44/treelemetry/archive"
	"github.com/sbma44/treelemetry/broker"
	"github.com/sbma44/treelemetry/cloud"
	"github.com/sbma44/treelemetry/config"
	"github.com/sbma44/treelemetry/errors"
	"github.com/sbma44/treelemetry/export"
	"github.com/sbma44/treelemetry/metric"
	"github.com/sbma44/treelemetry/router"
	"github.com/sbma44/treelemetry/season"
	"github.com/sbma44/treelemetry/store"
)

const componentName = "app"

const (
	cloudStopTimeout     = 5 * time.Second
	archiveCheckInterval = time.Hour
	shutdownTimeout      = 10 * time.Second
)

// Orchestrator owns the lifecycle of every component. Run blocks
// until the context is cancelled or Shutdown is called; both paths
// perform the same ordered teardown exactly once.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	seasonWindow season.Window
	routes       *router.Router

	metrics       *metric.Registry
	metricsServer *metric.Server

	storeMu sync.RWMutex
	db      *store.Store

	brokerClient *broker.Client
	cloudClient  *cloud.Client
	exporter     *export.Exporter
	archiver     *archive.Manager

	running      atomic.Bool
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	loopCancel   context.CancelFunc
	loopWG       sync.WaitGroup
	now          func() time.Time
}

// New validates the configuration and creates the orchestrator.
// Components are constructed in Run.
func New(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, componentName, "New", "configuration is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	window, err := cfg.Season.Window()
	if err != nil {
		return nil, errors.WrapFatal(err, componentName, "New", "parse season dates")
	}

	routes := make([]router.Route, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes = append(routes, router.Route{Pattern: r.Pattern, Destination: r.Destination})
	}

	return &Orchestrator{
		cfg:          cfg,
		logger:       logger.With("component", componentName),
		seasonWindow: window,
		routes:       router.New(routes),
		shutdownCh:   make(chan struct{}),
		now:          time.Now,
	}, nil
}

// IsInSeason reports whether the current date is inside the
// configured season.
func (o *Orchestrator) IsInSeason() bool {
	return o.seasonWindow.Contains(o.now())
}

// currentStore returns the active store. The store is swapped during
// monthly archival, so callers must not hold the returned pointer
// across blocking operations.
func (o *Orchestrator) currentStore() *store.Store {
	o.storeMu.RLock()
	defer o.storeMu.RUnlock()
	return o.db
}

// HandleMessage implements broker.Handler: route the topic to its
// destination table and buffer the write.
func (o *Orchestrator) HandleMessage(topic string, payload []byte, qos byte, retained bool) {
	destination, ok := o.routes.Resolve(topic)
	if !ok {
		o.logger.Warn("no route for topic", "topic", topic)
		return
	}

	db := o.currentStore()
	if db == nil {
		return
	}
	if err := db.Write(context.Background(), destination, topic, payload, qos, retained); err != nil {
		o.logger.Error("failed to store message",
			"topic", topic,
			"destination", destination,
			"error", err,
		)
	}
}

// HandleReading implements cloud.ReadingSink
func (o *Orchestrator) HandleReading(reading cloud.Reading) {
	db := o.currentStore()
	if db == nil {
		return
	}

	err := db.WriteSensor(context.Background(), o.cfg.Cloud.Destination, store.SensorReading{
		DeviceID:    reading.DeviceID,
		DeviceType:  reading.DeviceType,
		Temperature: reading.Temperature,
		Humidity:    reading.Humidity,
		Battery:     reading.Battery,
		Signal:      reading.Signal,
	})
	if err != nil {
		o.logger.Error("failed to store sensor reading",
			"device_id", reading.DeviceID,
			"error", err,
		)
	}
}

// Recent implements export.DataSource against the active store
func (o *Orchestrator) Recent(ctx context.Context, destination, topicFilter string, window time.Duration) ([]store.Measurement, error) {
	db := o.currentStore()
	if db == nil {
		return nil, errors.WrapTransient(errors.ErrStorageUnavailable, componentName, "Recent", "store rotating")
	}
	return db.Recent(ctx, destination, topicFilter, window)
}

// Aggregate implements export.DataSource against the active store
func (o *Orchestrator) Aggregate(ctx context.Context, destination, topicFilter string, interval, lookback time.Duration) ([]store.Bucket, error) {
	db := o.currentStore()
	if db == nil {
		return nil, errors.WrapTransient(errors.ErrStorageUnavailable, componentName, "Aggregate", "store rotating")
	}
	return db.Aggregate(ctx, destination, topicFilter, interval, lookback)
}

// AggregateSensor implements export.DataSource against the active store
func (o *Orchestrator) AggregateSensor(ctx context.Context, destination, deviceType string, interval, lookback time.Duration) ([]store.SensorBucket, error) {
	db := o.currentStore()
	if db == nil {
		return nil, errors.WrapTransient(errors.ErrStorageUnavailable, componentName, "AggregateSensor", "store rotating")
	}
	return db.AggregateSensor(ctx, destination, deviceType, interval, lookback)
}

// Run initializes every component, starts the background loops, and
// blocks until shutdown. Initialization order matters: storage first
// so inbound messages always have somewhere to land, then clients,
// then the loops.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, componentName, "Run", "start orchestrator")
	}

	o.metrics = metric.NewRegistry()

	if err := o.initStorage(ctx); err != nil {
		return err
	}
	if err := o.initUploads(ctx); err != nil {
		return err
	}
	if err := o.initMetricsServer(); err != nil {
		return err
	}
	if err := o.initCloud(ctx); err != nil {
		return err
	}
	if err := o.initBroker(); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	o.loopCancel = cancel
	o.startLoop(loopCtx, "flush", o.flushLoop)
	if o.exporter != nil {
		o.startLoop(loopCtx, "export", o.exportLoop)
	}
	if o.archiver != nil {
		o.startLoop(loopCtx, "archive", o.archiveLoop)
	}

	o.logger.Info("telemetry pipeline running",
		"in_season", o.IsInSeason(),
		"routes", len(o.cfg.Routes),
		"cloud_enabled", o.cloudClient != nil,
	)

	select {
	case <-ctx.Done():
	case <-o.shutdownCh:
	}

	o.teardown()
	return nil
}

// Shutdown triggers teardown from outside Run, typically from a
// signal handler. Safe to call more than once.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		close(o.shutdownCh)
	})
}

func (o *Orchestrator) initStorage(ctx context.Context) error {
	db, err := o.openStore(ctx, o.metrics)
	if err != nil {
		return err
	}

	o.storeMu.Lock()
	o.db = db
	o.storeMu.Unlock()
	return nil
}

// openStore opens the database and ensures every destination table
// exists. Also used to reopen a fresh database after archival.
func (o *Orchestrator) openStore(ctx context.Context, registry *metric.Registry) (*store.Store, error) {
	var registrar metric.Registrar
	if registry != nil {
		registrar = registry
	}
	db, err := store.Open(store.Config{
		Path:          o.cfg.Database.Path,
		BatchSize:     o.cfg.Database.BatchSize,
		FlushInterval: o.cfg.Database.FlushInterval.Std(),
	}, store.Deps{
		Logger:  o.logger,
		Metrics: registrar,
	})
	if err != nil {
		return nil, err
	}

	for _, route := range o.cfg.Routes {
		if err := db.CreateDestination(ctx, route.Destination); err != nil {
			db.Close(ctx)
			return nil, err
		}
	}
	if o.cfg.Cloud.Enabled {
		if err := db.CreateSensorDestination(ctx, o.cfg.Cloud.Destination); err != nil {
			db.Close(ctx)
			return nil, err
		}
	}
	return db, nil
}

func (o *Orchestrator) initUploads(ctx context.Context) error {
	if o.cfg.S3.Bucket == "" {
		o.logger.Info("no s3 bucket configured, exports and archival disabled")
		return nil
	}

	uploader, err := export.NewS3Uploader(ctx, export.S3Config{
		Bucket:          o.cfg.S3.Bucket,
		Region:          o.cfg.S3.Region,
		AccessKeyID:     o.cfg.S3.AccessKeyID,
		SecretAccessKey: o.cfg.S3.SecretAccessKey,
	}, o.logger)
	if err != nil {
		return err
	}

	sensorDestination := ""
	if o.cfg.Cloud.Enabled {
		sensorDestination = o.cfg.Cloud.Destination
	}

	// The primary numeric series is the first route: by convention the
	// water level sensor's raw topic.
	o.exporter, err = export.New(export.Config{
		SourceDestination: o.cfg.Routes[0].Destination,
		SourceTopic:       o.cfg.Export.SourceTopic,
		SensorDestination: sensorDestination,
		Key:               o.cfg.S3.JSONKey,
		WindowMinutes:     o.cfg.Export.WindowMinutes,
		Season:            o.seasonWindow,
	}, export.Deps{
		Source:   o,
		Uploader: uploader,
		Logger:   o.logger,
	})
	if err != nil {
		return err
	}

	fileUploader, err := archive.NewS3FileUploader(ctx, archive.S3Config{
		Bucket:          o.cfg.S3.Bucket,
		Region:          o.cfg.S3.Region,
		AccessKeyID:     o.cfg.S3.AccessKeyID,
		SecretAccessKey: o.cfg.S3.SecretAccessKey,
	}, o.logger)
	if err != nil {
		return err
	}

	o.archiver, err = archive.New(archive.Config{
		DayOfMonth: o.cfg.Archive.DayOfMonth,
		Hour:       o.cfg.Archive.Hour,
		Prefix:     o.cfg.S3.ArchivePrefix,
	}, archive.Deps{
		Uploader: fileUploader,
		Logger:   o.logger,
	})
	return err
}

func (o *Orchestrator) initMetricsServer() error {
	if o.cfg.Metrics.Port <= 0 {
		return nil
	}
	o.metricsServer = metric.NewServer(o.cfg.Metrics.Port, o.cfg.Metrics.Path, o.metrics)
	return o.metricsServer.Start()
}

func (o *Orchestrator) initCloud(ctx context.Context) error {
	if !o.cfg.Cloud.Enabled {
		o.logger.Info("cloud sensor integration disabled")
		return nil
	}
	if len(o.cfg.Cloud.DeviceIDs()) == 0 {
		o.logger.Info("cloud sensor integration enabled but no devices configured, skipping")
		return nil
	}

	echoPrefix := ""
	if o.cfg.Echo.Enabled {
		echoPrefix = o.cfg.Echo.TopicPrefix
	}

	client, err := cloud.New(cloud.Config{
		UAID:              o.cfg.Cloud.UAID,
		SecretKey:         o.cfg.Cloud.SecretKey,
		Devices:           o.cfg.Cloud.DeviceIDs(),
		TokenURL:          o.cfg.Cloud.TokenURL,
		APIURL:            o.cfg.Cloud.APIURL,
		BrokerHost:        o.cfg.Cloud.BrokerHost,
		BrokerPort:        o.cfg.Cloud.BrokerPort,
		ReconnectDelay:    o.cfg.Cloud.ReconnectDelay.Std(),
		MaxReconnectDelay: o.cfg.Cloud.MaxReconnectDelay.Std(),
		EchoPrefix:        echoPrefix,
		EchoQoS:           o.cfg.Echo.QoS,
	}, cloud.Deps{
		Sink:    o,
		Echo:    o.echoPublisher(),
		Logger:  o.logger,
		Metrics: o.metrics,
	})
	if err != nil {
		return err
	}

	o.cloudClient = client
	return client.Start(ctx)
}

// echoPublisher returns the broker client once it exists. The cloud
// client is built first, so hand it an indirection instead.
func (o *Orchestrator) echoPublisher() cloud.EchoPublisher {
	return echoFunc(func(topic string, qos byte, retained bool, payload []byte) error {
		if o.brokerClient == nil {
			return errors.ErrNoConnection
		}
		return o.brokerClient.Publish(topic, qos, retained, payload)
	})
}

type echoFunc func(topic string, qos byte, retained bool, payload []byte) error

func (f echoFunc) Publish(topic string, qos byte, retained bool, payload []byte) error {
	return f(topic, qos, retained, payload)
}

func (o *Orchestrator) initBroker() error {
	client, err := broker.New(broker.Config{
		Host:      o.cfg.Broker.Host,
		Port:      o.cfg.Broker.Port,
		Username:  o.cfg.Broker.Username,
		Password:  o.cfg.Broker.Password,
		ClientID:  o.cfg.Broker.ClientID,
		Keepalive: o.cfg.Broker.Keepalive.Std(),
		QoS:       o.cfg.Broker.QoS,
	}, broker.Deps{
		Handler: o,
		Logger:  o.logger,
		Metrics: o.metrics,
	})
	if err != nil {
		return err
	}

	for _, route := range o.cfg.Routes {
		if err := client.Subscribe(route.Pattern, o.cfg.Broker.QoS); err != nil {
			return err
		}
	}

	o.brokerClient = client
	return client.Connect()
}

// startLoop runs a background loop under the wait group with panic
// recovery, so one crashing loop cannot take the process down or
// leave the wait group hanging.
func (o *Orchestrator) startLoop(ctx context.Context, name string, loop func(ctx context.Context)) {
	o.loopWG.Add(1)
	go func() {
		defer o.loopWG.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("background loop panicked", "loop", name, "panic", r)
			}
		}()
		loop(ctx)
	}()
}

// flushLoop periodically pushes buffered rows to disk so data is
// durable even on a quiet broker.
func (o *Orchestrator) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Database.FlushInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			db := o.currentStore()
			if db == nil {
				continue
			}
			if err := db.Flush(ctx); err != nil {
				o.logger.Error("periodic flush failed", "error", err)
			}
		}
	}
}

// exportLoop publishes the JSON document on a fixed cadence, but only
// in season. Off-season ticks are skipped silently.
func (o *Orchestrator) exportLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Export.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !o.IsInSeason() {
				continue
			}
			if err := o.exporter.Export(ctx); err != nil {
				o.logger.Error("export failed", "error", err)
			}
		}
	}
}

// exportLoop's counterpart for the off-season: once an hour, check
// whether the monthly archive is due and rotate the database.
func (o *Orchestrator) archiveLoop(ctx context.Context) {
	ticker := time.NewTicker(archiveCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.IsInSeason() {
				continue
			}
			now := o.now()
			if !o.archiver.Due(now) {
				continue
			}
			if err := o.rotateDatabase(ctx, now); err != nil {
				o.logger.Error("monthly archive failed", "error", err)
			}
		}
	}
}

// rotateDatabase closes the store, ships the file to object storage,
// and reopens a fresh database at the same path. Message handlers see
// a nil store for the duration and drop writes; the monthly rotation
// happens off-season when only slow housekeeping traffic arrives.
func (o *Orchestrator) rotateDatabase(ctx context.Context, now time.Time) error {
	o.storeMu.Lock()
	db := o.db
	o.db = nil
	o.storeMu.Unlock()

	if err := db.Close(ctx); err != nil {
		o.logger.Warn("store close before archive reported error", "error", err)
	}

	// The replacement store re-registers the same collectors, so the
	// closed store's must come out of the registry first.
	if o.metrics != nil {
		store.UnregisterMetrics(o.metrics)
	}

	if _, err := o.archiver.Archive(ctx, o.cfg.Database.Path, now); err != nil {
		// Reopen the existing database; nothing was moved.
		reopened, reopenErr := o.openStore(ctx, o.metrics)
		if reopenErr != nil {
			return reopenErr
		}
		o.storeMu.Lock()
		o.db = reopened
		o.storeMu.Unlock()
		return err
	}

	fresh, err := o.openStore(ctx, o.metrics)
	if err != nil {
		return err
	}

	o.storeMu.Lock()
	o.db = fresh
	o.storeMu.Unlock()

	o.logger.Info("storage rotated after monthly archive", "path", o.cfg.Database.Path)
	return nil
}

// teardown stops everything in reverse dependency order: inbound
// clients first so no new writes arrive, then the loops, then the
// store last so every buffered row gets its final flush.
func (o *Orchestrator) teardown() {
	o.logger.Info("shutting down")

	if o.brokerClient != nil {
		o.brokerClient.Disconnect()
	}
	if o.cloudClient != nil {
		if err := o.cloudClient.Stop(cloudStopTimeout); err != nil {
			o.logger.Warn("cloud client stop reported error", "error", err)
		}
	}

	if o.loopCancel != nil {
		o.loopCancel()
	}
	o.loopWG.Wait()

	if o.metricsServer != nil {
		if err := o.metricsServer.Stop(shutdownTimeout); err != nil {
			o.logger.Warn("metrics server stop reported error", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	db := o.currentStore()
	if db != nil {
		if err := db.Close(ctx); err != nil {
			o.logger.Error("store close reported error", "error", err)
		}
	}

	o.running.Store(false)
	o.logger.Info("shutdown complete")
}
