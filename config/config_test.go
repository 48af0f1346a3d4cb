package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const validYAML = `
broker:
  host: localhost
  port: 1883
  qos: 1
routes:
  - pattern: "sensors/#"
    destination: sensor_readings
  - pattern: "devices/+/status"
    destination: device_status
database:
  path: /var/lib/treelemetry/telemetry.db
  batch_size: 500
  flush_interval: 30
season:
  start: "2026-04-01"
  end: "2026-11-15"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Broker.Host)
	assert.Equal(t, 1883, cfg.Broker.Port)
	assert.Len(t, cfg.Routes, 2)
	assert.Equal(t, "sensor_readings", cfg.Routes[0].Destination)
	assert.Equal(t, 500, cfg.Database.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Database.FlushInterval.Std())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.Broker.Keepalive.Std())
	assert.Equal(t, "cloud_sensors", cfg.Cloud.Destination)
	assert.Equal(t, 5*time.Second, cfg.Cloud.ReconnectDelay.Std())
	assert.Equal(t, 300*time.Second, cfg.Cloud.MaxReconnectDelay.Std())
	assert.Equal(t, 8003, cfg.Cloud.BrokerPort)
	assert.Equal(t, 30*time.Second, cfg.Export.Interval.Std())
	assert.Equal(t, 10, cfg.Export.WindowMinutes)
	assert.Equal(t, 1, cfg.Archive.DayOfMonth)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MQTT_BROKER", "broker.example.com")
	t.Setenv("DB_BATCH_SIZE", "2000")
	t.Setenv("DB_FLUSH_INTERVAL", "90")
	t.Setenv("SEASON_START", "2026-05-01")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "broker.example.com", cfg.Broker.Host)
	assert.Equal(t, 2000, cfg.Database.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.Database.FlushInterval.Std())
	assert.Equal(t, "2026-05-01", cfg.Season.Start)
}

func TestLoad_CredentialsAutoEnableCloud(t *testing.T) {
	t.Setenv("YOLINK_UAID", "ua-123")
	t.Setenv("YOLINK_SECRET_KEY", "sec-456")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.True(t, cfg.Cloud.Enabled)
	assert.True(t, cfg.Cloud.HasCredentials())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "missing broker host",
			mutate: func(c *Config) { c.Broker.Host = "" },
		},
		{
			name:   "invalid port",
			mutate: func(c *Config) { c.Broker.Port = 70000 },
		},
		{
			name:   "invalid qos",
			mutate: func(c *Config) { c.Broker.QoS = 3 },
		},
		{
			name:   "no routes",
			mutate: func(c *Config) { c.Routes = nil },
		},
		{
			name:   "route without destination",
			mutate: func(c *Config) { c.Routes[0].Destination = "" },
		},
		{
			name:   "zero batch size",
			mutate: func(c *Config) { c.Database.BatchSize = 0 },
		},
		{
			name:   "season end before start",
			mutate: func(c *Config) { c.Season.Start = "2026-12-01"; c.Season.End = "2026-04-01" },
		},
		{
			name:   "archive day out of range",
			mutate: func(c *Config) { c.Archive.DayOfMonth = 32 },
		},
		{
			name: "cloud enabled without credentials",
			mutate: func(c *Config) {
				c.Cloud.Enabled = true
				c.Cloud.UAID = ""
				c.Cloud.SecretKey = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validYAML))
			require.NoError(t, err)

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDuration_UnmarshalForms(t *testing.T) {
	var doc struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
	}
	path := writeConfig(t, "a: 45\nb: 2m30s\n")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, 45*time.Second, doc.A.Std())
	assert.Equal(t, 150*time.Second, doc.B.Std())
}

func TestCloudConfig_DeviceIDs(t *testing.T) {
	c := CloudConfig{AirSensorDeviceID: "dev-air", WaterSensorDeviceID: "dev-water"}
	ids := c.DeviceIDs()
	assert.Equal(t, "air", ids["dev-air"])
	assert.Equal(t, "water", ids["dev-water"])

	empty := CloudConfig{}
	assert.Empty(t, empty.DeviceIDs())
}
