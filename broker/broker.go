// Package broker wraps the MQTT connection to the local broker. It
// owns the subscription registry so that every subscription is
// re-issued after an automatic reconnect, and it shields the message
// pipeline from handler panics.
package broker

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sbma44/treelemetry/errors"
	"github.com/sbma44/treelemetry/metric"
)

const componentName = "broker"

const connectTimeout = 30 * time.Second

// Handler receives every message delivered on a subscribed topic
type Handler interface {
	HandleMessage(topic string, payload []byte, qos byte, retained bool)
}

// Subscription is a registered topic pattern with its QoS level
type Subscription struct {
	Pattern string
	QoS     byte
}

// Config holds the connection parameters for the local broker
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	ClientID  string
	Keepalive time.Duration
	QoS       byte
}

// Deps holds the runtime dependencies for a broker client
type Deps struct {
	Handler Handler
	Logger  *slog.Logger
	Metrics metric.Registrar
}

// Client is an MQTT client for the local broker. Safe for concurrent
// use once constructed.
type Client struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	mu            sync.Mutex
	subscriptions []Subscription
	client        mqtt.Client

	connected       atomic.Bool
	cleanDisconnect atomic.Bool

	messagesReceived prometheus.Counter
	reconnects       prometheus.Counter
	handlerPanics    prometheus.Counter
}

// New creates a broker client. Connect must be called before messages
// flow.
func New(cfg Config, deps Deps) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, componentName, "New", "broker host is required")
	}
	if deps.Handler == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, componentName, "New", "message handler is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:     cfg,
		handler: deps.Handler,
		logger:  logger.With("component", componentName),
	}

	if deps.Metrics != nil {
		if err := c.registerMetrics(deps.Metrics); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Client) registerMetrics(registrar metric.Registrar) error {
	c.messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_messages_received_total",
		Help: "Total messages received from the local broker",
	})
	c.reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_reconnects_total",
		Help: "Total broker connections established, including reconnects",
	})
	c.handlerPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_handler_panics_total",
		Help: "Total panics recovered from the message handler",
	})

	registrations := []struct {
		name string
		err  error
	}{
		{"messages_received", registrar.RegisterCounter(componentName, "messages_received", c.messagesReceived)},
		{"reconnects", registrar.RegisterCounter(componentName, "reconnects", c.reconnects)},
		{"handler_panics", registrar.RegisterCounter(componentName, "handler_panics", c.handlerPanics)},
	}
	for _, reg := range registrations {
		if reg.err != nil {
			return errors.WrapFatal(reg.err, componentName, "registerMetrics", "register "+reg.name)
		}
	}
	return nil
}

// Subscribe registers a topic pattern. If the client is already
// connected the subscription is issued immediately; either way it is
// replayed on every reconnect.
func (c *Client) Subscribe(pattern string, qos byte) error {
	if pattern == "" {
		return errors.WrapInvalid(
			fmt.Errorf("empty topic pattern"),
			componentName, "Subscribe", "pattern validation")
	}

	c.mu.Lock()
	c.subscriptions = append(c.subscriptions, Subscription{Pattern: pattern, QoS: qos})
	client := c.client
	c.mu.Unlock()

	if client != nil && c.connected.Load() {
		token := client.Subscribe(pattern, qos, c.onMessage)
		if !token.WaitTimeout(connectTimeout) || token.Error() != nil {
			return errors.WrapTransient(errors.ErrSubscriptionFailed, componentName, "Subscribe", "subscribe "+pattern)
		}
		c.logger.Info("subscribed", "pattern", pattern, "qos", qos)
	}
	return nil
}

// Connect establishes the broker connection. The paho client handles
// reconnection afterwards; registered subscriptions are re-issued
// from the connect callback each time.
func (c *Client) Connect() error {
	clientID := c.cfg.ClientID
	if clientID == "" {
		// Random suffix so two instances pointed at the same broker
		// cannot steal each other's session.
		clientID = "treelemetry-" + uuid.NewString()[:8]
	}

	keepalive := c.cfg.Keepalive
	if keepalive <= 0 {
		keepalive = 60 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.Host, c.cfg.Port)).
		SetClientID(clientID).
		SetKeepAlive(keepalive).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(5 * time.Minute).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	c.mu.Lock()
	c.client = mqtt.NewClient(opts)
	client := c.client
	c.mu.Unlock()

	c.logger.Info("connecting to broker",
		"host", c.cfg.Host,
		"port", c.cfg.Port,
		"client_id", clientID,
	)

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.WrapTransient(errors.ErrConnectionTimeout, componentName, "Connect", "connect to broker")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, componentName, "Connect", "connect to broker")
	}
	return nil
}

// Publish sends a message through the broker connection
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil || !c.connected.Load() {
		return errors.WrapTransient(errors.ErrNoConnection, componentName, "Publish", "publish to "+topic)
	}

	token := client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(connectTimeout) || token.Error() != nil {
		return errors.WrapTransient(errors.ErrConnectionLost, componentName, "Publish", "publish to "+topic)
	}
	return nil
}

// IsConnected reports whether the broker connection is currently up
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Disconnect cleanly closes the broker connection. The connection
// lost handler treats this as expected and does not warn.
func (c *Client) Disconnect() {
	c.cleanDisconnect.Store(true)

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	c.connected.Store(false)
	c.logger.Info("disconnected from broker")
}

// onConnect runs on every successful connection, including automatic
// reconnects. All registered subscriptions are re-issued because the
// broker may have dropped session state.
func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	if c.reconnects != nil {
		c.reconnects.Inc()
	}
	c.logger.Info("connected to broker")

	c.mu.Lock()
	subscriptions := make([]Subscription, len(c.subscriptions))
	copy(subscriptions, c.subscriptions)
	c.mu.Unlock()

	for _, sub := range subscriptions {
		token := client.Subscribe(sub.Pattern, sub.QoS, c.onMessage)
		if !token.WaitTimeout(connectTimeout) || token.Error() != nil {
			c.logger.Error("subscription failed",
				"pattern", sub.Pattern,
				"error", token.Error(),
			)
			continue
		}
		c.logger.Info("subscribed", "pattern", sub.Pattern, "qos", sub.QoS)
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)

	if c.cleanDisconnect.Load() {
		c.logger.Info("broker connection closed")
		return
	}
	c.logger.Warn("broker connection lost, automatic reconnect will be attempted",
		"error", err,
	)
}

// onMessage dispatches a delivered message to the handler. A handler
// panic is recovered so a single bad payload cannot take down the
// paho message router.
func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if c.messagesReceived != nil {
		c.messagesReceived.Inc()
	}

	defer func() {
		if r := recover(); r != nil {
			if c.handlerPanics != nil {
				c.handlerPanics.Inc()
			}
			c.logger.Error("message handler panicked",
				"topic", msg.Topic(),
				"panic", r,
			)
		}
	}()

	c.handler.HandleMessage(msg.Topic(), msg.Payload(), msg.Qos(), msg.Retained())
}
