// Package cloud maintains the connection to the cloud sensor service.
// Each session authenticates with OAuth2 client credentials, resolves
// the account's home ID, and subscribes to the home's report topic on
// the service's MQTT broker using the access token as the username.
// Sessions that fail are retried with exponential backoff.
package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sbma44/treelemetry/errors"
	"github.com/sbma44/treelemetry/metric"
	"github.com/sbma44/treelemetry/pkg/backoff"
)

const componentName = "cloud"

const (
	connectTimeout   = 30 * time.Second
	reportEvent      = "THSensor.Report"
	deviceTypeAir    = "air"
	reportTopicParts = 4
)

// Reading is a parsed sensor report. Humidity is nil for sensors that
// do not report it; Battery and Signal are nil when absent from the
// payload.
type Reading struct {
	DeviceID    string
	DeviceType  string
	Temperature float64
	Humidity    *float64
	Battery     *int
	Signal      *int
	Raw         []byte
}

// ReadingSink receives every accepted sensor reading
type ReadingSink interface {
	HandleReading(reading Reading)
}

// EchoPublisher republishes raw cloud payloads to the local broker so
// other local consumers can see them. broker.Client satisfies this.
type EchoPublisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Config holds cloud sensor service settings
type Config struct {
	UAID      string
	SecretKey string

	// Devices maps allowed device IDs to their type ("air" or
	// "water"). Reports from any other device are dropped.
	Devices map[string]string

	TokenURL   string
	APIURL     string
	BrokerHost string
	BrokerPort int

	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// EchoPrefix, when non-empty, enables republishing raw payloads
	// from tracked devices to "{EchoPrefix}/{deviceID}/report".
	EchoPrefix string
	EchoQoS    byte
}

// Deps holds the runtime dependencies for a cloud client
type Deps struct {
	Sink       ReadingSink
	Echo       EchoPublisher
	Logger     *slog.Logger
	Metrics    metric.Registrar
	HTTPClient *http.Client
}

// Client consumes sensor reports from the cloud service. Start runs
// the session loop on a dedicated goroutine; Stop cancels it and
// waits for it to exit.
type Client struct {
	cfg    Config
	sink   ReadingSink
	echo   EchoPublisher
	logger *slog.Logger

	tokens     *tokenManager
	httpClient *http.Client
	delay      *backoff.Backoff

	running   atomic.Bool
	connected atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	readings   prometheus.Counter
	sessions   prometheus.Counter
	dropped    prometheus.Counter
	echoErrors prometheus.Counter
}

// New creates a cloud client. Start must be called to begin receiving
// reports.
func New(cfg Config, deps Deps) (*Client, error) {
	if cfg.UAID == "" || cfg.SecretKey == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, componentName, "New", "uaid and secret key are required")
	}
	if len(cfg.Devices) == 0 {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, componentName, "New", "at least one device id is required")
	}
	if deps.Sink == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, componentName, "New", "reading sink is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	c := &Client{
		cfg:        cfg,
		sink:       deps.Sink,
		echo:       deps.Echo,
		logger:     logger.With("component", componentName),
		tokens:     newTokenManager(cfg.TokenURL, cfg.UAID, cfg.SecretKey, httpClient),
		httpClient: httpClient,
		delay:      backoff.New(cfg.ReconnectDelay, cfg.MaxReconnectDelay),
	}

	if deps.Metrics != nil {
		if err := c.registerMetrics(deps.Metrics); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Client) registerMetrics(registrar metric.Registrar) error {
	c.readings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloud_readings_total",
		Help: "Total accepted sensor readings",
	})
	c.sessions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloud_sessions_total",
		Help: "Total sessions established with the cloud broker",
	})
	c.dropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloud_dropped_messages_total",
		Help: "Total messages dropped by filtering or parse failures",
	})
	c.echoErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloud_echo_errors_total",
		Help: "Total failed republishes to the local broker",
	})

	registrations := []struct {
		name string
		err  error
	}{
		{"readings", registrar.RegisterCounter(componentName, "readings", c.readings)},
		{"sessions", registrar.RegisterCounter(componentName, "sessions", c.sessions)},
		{"dropped_messages", registrar.RegisterCounter(componentName, "dropped_messages", c.dropped)},
		{"echo_errors", registrar.RegisterCounter(componentName, "echo_errors", c.echoErrors)},
	}
	for _, reg := range registrations {
		if reg.err != nil {
			return errors.WrapFatal(reg.err, componentName, "registerMetrics", "register "+reg.name)
		}
	}
	return nil
}

// Start launches the session loop. Returns ErrAlreadyStarted if the
// client is already running.
func (c *Client) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, componentName, "Start", "start session loop")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(runCtx)

	c.logger.Info("cloud client started", "devices", len(c.cfg.Devices))
	return nil
}

// Stop cancels the session loop and waits up to timeout for it to
// exit. A timeout is logged and reported but the client is still
// marked stopped.
func (c *Client) Stop(timeout time.Duration) error {
	if !c.running.CompareAndSwap(true, false) {
		return errors.WrapInvalid(errors.ErrNotStarted, componentName, "Stop", "stop session loop")
	}

	c.cancel()

	select {
	case <-c.done:
		c.logger.Info("cloud client stopped")
		return nil
	case <-time.After(timeout):
		c.logger.Warn("cloud client did not stop within timeout", "timeout", timeout)
		return errors.WrapTransient(errors.ErrConnectionTimeout, componentName, "Stop", "wait for session loop")
	}
}

// IsConnected reports whether a broker session is currently up
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// run is the session loop. Every iteration builds a complete session
// from scratch; any failure tears the session down and the loop
// reconnects after a backoff delay that doubles on repeated failures.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	for ctx.Err() == nil {
		err := c.session(ctx)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return
		}

		delay := c.delay.Delay()
		c.delay.OnFailure()
		c.logger.Warn("session ended, reconnecting",
			"error", err,
			"delay", delay,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session runs one full connect-and-consume cycle. It returns when
// the connection is lost or ctx is cancelled.
func (c *Client) session(ctx context.Context) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	homeID, homeName, err := fetchHomeID(ctx, c.httpClient, c.cfg.APIURL, token)
	if err != nil {
		return err
	}
	c.logger.Info("resolved cloud home", "home", homeName, "home_id", homeID)

	topic := fmt.Sprintf("yl-home/%s/+/report", homeID)
	lost := make(chan error, 1)

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.BrokerHost, c.cfg.BrokerPort)).
		SetClientID("treelemetry-cloud-" + uuid.NewString()[:8]).
		SetUsername(token).
		SetPassword("").
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case lost <- err:
			default:
			}
		})

	client := mqtt.NewClient(opts)

	connectToken := client.Connect()
	if !connectToken.WaitTimeout(connectTimeout) {
		return errors.WrapTransient(errors.ErrConnectionTimeout, componentName, "session", "connect to cloud broker")
	}
	if err := connectToken.Error(); err != nil {
		// The token may have been revoked server-side; force a
		// fresh one on the next attempt.
		c.tokens.Invalidate()
		return errors.WrapTransient(err, componentName, "session", "connect to cloud broker")
	}
	defer client.Disconnect(250)

	subToken := client.Subscribe(topic, 0, c.onMessage)
	if !subToken.WaitTimeout(connectTimeout) || subToken.Error() != nil {
		return errors.WrapTransient(errors.ErrSubscriptionFailed, componentName, "session", "subscribe "+topic)
	}

	c.connected.Store(true)
	c.delay.OnSuccess()
	if c.sessions != nil {
		c.sessions.Inc()
	}
	c.logger.Info("cloud session established", "topic", topic)

	select {
	case <-ctx.Done():
		return nil
	case err := <-lost:
		return errors.WrapTransient(err, componentName, "session", "connection lost")
	}
}

// onMessage guards the processing pipeline with a recover so a
// panicking sink cannot take down the paho message router.
func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			if c.dropped != nil {
				c.dropped.Inc()
			}
			c.logger.Error("message processing panicked",
				"topic", msg.Topic(),
				"panic", r,
			)
		}
	}()

	c.processMessage(msg.Topic(), msg.Payload())
}

type reportPayload struct {
	Event    string `json:"event"`
	DeviceID string `json:"deviceId"`
	Data     struct {
		Temperature *float64 `json:"temperature"`
		Humidity    *float64 `json:"humidity"`
		Battery     *int     `json:"battery"`
		LoraInfo    struct {
			Signal *int `json:"signal"`
		} `json:"loraInfo"`
	} `json:"data"`
}

// processMessage parses a report message, applies the device
// allow-list and event filters, and dispatches the reading. The
// device ID comes from the topic, which has the form
// "yl-home/{homeID}/{deviceID}/report".
func (c *Client) processMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < reportTopicParts {
		c.drop("malformed topic", "topic", topic)
		return
	}
	deviceID := parts[2]

	deviceType, tracked := c.cfg.Devices[deviceID]
	if !tracked {
		c.drop("untracked device", "device_id", deviceID)
		return
	}

	c.echoRaw(deviceID, payload)

	var report reportPayload
	if err := json.Unmarshal(payload, &report); err != nil {
		c.drop("unparseable payload", "device_id", deviceID, "error", err)
		return
	}

	if report.Event != reportEvent {
		c.drop("ignored event", "device_id", deviceID, "event", report.Event)
		return
	}

	if report.Data.Temperature == nil {
		c.logger.Warn("report without temperature", "device_id", deviceID)
		if c.dropped != nil {
			c.dropped.Inc()
		}
		return
	}

	reading := Reading{
		DeviceID:    deviceID,
		DeviceType:  deviceType,
		Temperature: *report.Data.Temperature,
		Battery:     report.Data.Battery,
		Signal:      report.Data.LoraInfo.Signal,
		Raw:         payload,
	}
	// Water sensors report humidity as a constant zero; only the air
	// sensor's humidity is meaningful.
	if deviceType == deviceTypeAir {
		reading.Humidity = report.Data.Humidity
	}

	if c.readings != nil {
		c.readings.Inc()
	}
	c.logger.Debug("sensor reading",
		"device_type", deviceType,
		"device_id", deviceID,
		"temperature", reading.Temperature,
	)

	c.sink.HandleReading(reading)
}

func (c *Client) drop(reason string, args ...any) {
	if c.dropped != nil {
		c.dropped.Inc()
	}
	c.logger.Debug("dropped cloud message: "+reason, args...)
}

// echoRaw republishes the raw payload from a tracked device to the
// local broker under the echo prefix.
func (c *Client) echoRaw(deviceID string, payload []byte) {
	if c.echo == nil || c.cfg.EchoPrefix == "" {
		return
	}

	topic := fmt.Sprintf("%s/%s/report", c.cfg.EchoPrefix, deviceID)
	if err := c.echo.Publish(topic, c.cfg.EchoQoS, false, payload); err != nil {
		if c.echoErrors != nil {
			c.echoErrors.Inc()
		}
		c.logger.Warn("echo publish failed", "topic", topic, "error", err)
	}
}
