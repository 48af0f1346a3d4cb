package cloud

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu       sync.Mutex
	readings []Reading
}

func (s *captureSink) HandleReading(reading Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, reading)
}

func (s *captureSink) all() []Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Reading(nil), s.readings...)
}

type captureEcho struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (e *captureEcho) Publish(topic string, qos byte, retained bool, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.topics = append(e.topics, topic)
	return e.err
}

func testConfig() Config {
	return Config{
		UAID:      "ua-123",
		SecretKey: "sec-456",
		Devices: map[string]string{
			"dev-air":   "air",
			"dev-water": "water",
		},
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 5 * time.Minute,
	}
}

func newTestCloudClient(t *testing.T, cfg Config, sink ReadingSink, echo EchoPublisher) *Client {
	t.Helper()
	c, err := New(cfg, Deps{
		Sink:   sink,
		Echo:   echo,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	sink := &captureSink{}

	_, err := New(Config{SecretKey: "s", Devices: map[string]string{"d": "air"}}, Deps{Sink: sink})
	assert.Error(t, err, "missing uaid")

	_, err = New(Config{UAID: "u", SecretKey: "s"}, Deps{Sink: sink})
	assert.Error(t, err, "missing devices")

	_, err = New(testConfig(), Deps{})
	assert.Error(t, err, "missing sink")
}

func reportJSON(temp, humidity float64) []byte {
	return fmt.Appendf(nil,
		`{"event":"THSensor.Report","data":{"temperature":%.1f,"humidity":%.1f,"battery":4,"loraInfo":{"signal":-67}}}`,
		temp, humidity)
}

func TestProcessMessage_AirSensor(t *testing.T) {
	sink := &captureSink{}
	c := newTestCloudClient(t, testConfig(), sink, nil)

	c.processMessage("yl-home/home-1/dev-air/report", reportJSON(71.6, 38.0))

	readings := sink.all()
	require.Len(t, readings, 1)
	r := readings[0]
	assert.Equal(t, "dev-air", r.DeviceID)
	assert.Equal(t, "air", r.DeviceType)
	assert.Equal(t, 71.6, r.Temperature)
	require.NotNil(t, r.Humidity)
	assert.Equal(t, 38.0, *r.Humidity)
	require.NotNil(t, r.Battery)
	assert.Equal(t, 4, *r.Battery)
	require.NotNil(t, r.Signal)
	assert.Equal(t, -67, *r.Signal)
}

func TestProcessMessage_WaterSensorDropsHumidity(t *testing.T) {
	sink := &captureSink{}
	c := newTestCloudClient(t, testConfig(), sink, nil)

	c.processMessage("yl-home/home-1/dev-water/report", reportJSON(41.2, 0))

	readings := sink.all()
	require.Len(t, readings, 1)
	assert.Equal(t, "water", readings[0].DeviceType)
	assert.Nil(t, readings[0].Humidity)
}

func TestProcessMessage_Filtering(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{
			name:    "untracked device",
			topic:   "yl-home/home-1/dev-unknown/report",
			payload: `{"event":"THSensor.Report","data":{"temperature":70}}`,
		},
		{
			name:    "malformed topic",
			topic:   "yl-home/home-1",
			payload: `{"event":"THSensor.Report","data":{"temperature":70}}`,
		},
		{
			name:    "non-report event",
			topic:   "yl-home/home-1/dev-air/report",
			payload: `{"event":"THSensor.DataRecord","data":{"temperature":70}}`,
		},
		{
			name:    "missing temperature",
			topic:   "yl-home/home-1/dev-air/report",
			payload: `{"event":"THSensor.Report","data":{"humidity":40}}`,
		},
		{
			name:    "invalid json",
			topic:   "yl-home/home-1/dev-air/report",
			payload: `not json`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &captureSink{}
			c := newTestCloudClient(t, testConfig(), sink, nil)

			c.processMessage(tt.topic, []byte(tt.payload))
			assert.Empty(t, sink.all())
		})
	}
}

func TestProcessMessage_EchoesTrackedDevices(t *testing.T) {
	cfg := testConfig()
	cfg.EchoPrefix = "yolink"

	echo := &captureEcho{}
	sink := &captureSink{}
	c := newTestCloudClient(t, cfg, sink, echo)

	// Echo fires for tracked devices even on non-report events.
	c.processMessage("yl-home/home-1/dev-air/report", []byte(`{"event":"THSensor.DataRecord"}`))
	c.processMessage("yl-home/home-1/dev-unknown/report", reportJSON(70, 40))

	require.Len(t, echo.topics, 1)
	assert.Equal(t, "yolink/dev-air/report", echo.topics[0])
}

func TestProcessMessage_EchoFailureDoesNotBlockReading(t *testing.T) {
	cfg := testConfig()
	cfg.EchoPrefix = "yolink"

	echo := &captureEcho{err: assert.AnError}
	sink := &captureSink{}
	c := newTestCloudClient(t, cfg, sink, echo)

	c.processMessage("yl-home/home-1/dev-air/report", reportJSON(70, 40))
	assert.Len(t, sink.all(), 1)
}

type panicSink struct{}

func (panicSink) HandleReading(Reading) { panic("sink failure") }

// reportMessage implements the paho message interface for callback tests
type reportMessage struct {
	topic   string
	payload []byte
}

func (m *reportMessage) Duplicate() bool   { return false }
func (m *reportMessage) Qos() byte         { return 0 }
func (m *reportMessage) Retained() bool    { return false }
func (m *reportMessage) Topic() string     { return m.topic }
func (m *reportMessage) MessageID() uint16 { return 0 }
func (m *reportMessage) Payload() []byte   { return m.payload }
func (m *reportMessage) Ack()              {}

func TestOnMessage_RecoversSinkPanic(t *testing.T) {
	c := newTestCloudClient(t, testConfig(), panicSink{}, nil)

	assert.NotPanics(t, func() {
		c.onMessage(nil, &reportMessage{
			topic:   "yl-home/home-1/dev-air/report",
			payload: reportJSON(70, 40),
		})
	})
}

func TestStartStop_Lifecycle(t *testing.T) {
	// Token endpoint that always fails keeps the session loop in its
	// retry path; Stop must still interrupt it promptly.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"unavailable"}`)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.TokenURL = server.URL
	cfg.APIURL = server.URL
	cfg.ReconnectDelay = 10 * time.Millisecond

	c := newTestCloudClient(t, cfg, &captureSink{}, nil)

	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()), "double start")

	time.Sleep(50 * time.Millisecond)
	assert.False(t, c.IsConnected())

	require.NoError(t, c.Stop(2*time.Second))
	assert.Error(t, c.Stop(time.Second), "double stop")
}
