// Package config loads and validates the treelemetry configuration from a
// YAML file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sbma44/treelemetry/errors"
	"github.com/sbma44/treelemetry/season"
)

// Duration wraps time.Duration with YAML support for both duration strings
// ("30s", "5m") and bare integers interpreted as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// BrokerConfig holds local MQTT broker connection settings
type BrokerConfig struct {
	Host      string   `yaml:"host"`
	Port      int      `yaml:"port"`
	Username  string   `yaml:"username,omitempty"`
	Password  string   `yaml:"password,omitempty"`
	ClientID  string   `yaml:"client_id,omitempty"`
	Keepalive Duration `yaml:"keepalive,omitempty"`
	QoS       byte     `yaml:"qos"`
}

// Validate checks broker settings
func (c BrokerConfig) Validate() error {
	if c.Host == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "BrokerConfig", "Validate", "broker.host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.WrapFatal(
			fmt.Errorf("invalid broker port %d", c.Port),
			"BrokerConfig", "Validate", "port range check")
	}
	if c.QoS > 2 {
		return errors.WrapFatal(
			fmt.Errorf("invalid qos %d", c.QoS),
			"BrokerConfig", "Validate", "qos range check")
	}
	return nil
}

// RouteConfig binds an MQTT subscription pattern to a storage destination
type RouteConfig struct {
	Pattern     string `yaml:"pattern"`
	Destination string `yaml:"destination"`
	Description string `yaml:"description,omitempty"`
}

// DatabaseConfig holds storage settings
type DatabaseConfig struct {
	Path          string   `yaml:"path"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// Validate checks storage settings
func (c DatabaseConfig) Validate() error {
	if c.Path == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "DatabaseConfig", "Validate", "database.path is required")
	}
	if c.BatchSize < 1 {
		return errors.WrapFatal(
			fmt.Errorf("batch_size must be positive, got %d", c.BatchSize),
			"DatabaseConfig", "Validate", "batch size check")
	}
	if c.FlushInterval.Std() <= 0 {
		return errors.WrapFatal(
			fmt.Errorf("flush_interval must be positive"),
			"DatabaseConfig", "Validate", "flush interval check")
	}
	return nil
}

// CloudConfig holds cloud sensor service settings. The integration is
// enabled when credentials and at least one device ID are present.
type CloudConfig struct {
	Enabled             bool     `yaml:"enabled"`
	UAID                string   `yaml:"uaid,omitempty"`
	SecretKey           string   `yaml:"secret_key,omitempty"`
	AirSensorDeviceID   string   `yaml:"air_sensor_device_id,omitempty"`
	WaterSensorDeviceID string   `yaml:"water_sensor_device_id,omitempty"`
	Destination         string   `yaml:"destination,omitempty"`
	ReconnectDelay      Duration `yaml:"reconnect_delay,omitempty"`
	MaxReconnectDelay   Duration `yaml:"max_reconnect_delay,omitempty"`

	// Service endpoints, overridable for testing
	TokenURL   string `yaml:"token_url,omitempty"`
	APIURL     string `yaml:"api_url,omitempty"`
	BrokerHost string `yaml:"broker_host,omitempty"`
	BrokerPort int    `yaml:"broker_port,omitempty"`
}

// HasCredentials reports whether both credential halves are present
func (c CloudConfig) HasCredentials() bool {
	return c.UAID != "" && c.SecretKey != ""
}

// DeviceIDs returns the configured device allow-list keyed by device ID,
// with "air" or "water" as values.
func (c CloudConfig) DeviceIDs() map[string]string {
	ids := make(map[string]string, 2)
	if c.AirSensorDeviceID != "" {
		ids[c.AirSensorDeviceID] = "air"
	}
	if c.WaterSensorDeviceID != "" {
		ids[c.WaterSensorDeviceID] = "water"
	}
	return ids
}

// Validate checks cloud settings when the feature is enabled
func (c CloudConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !c.HasCredentials() {
		return errors.WrapFatal(errors.ErrMissingConfig,
			"CloudConfig", "Validate", "cloud enabled without uaid/secret_key")
	}
	return nil
}

// EchoConfig controls republishing of raw cloud sensor payloads to the
// local broker for other consumers.
type EchoConfig struct {
	Enabled     bool   `yaml:"enabled"`
	TopicPrefix string `yaml:"topic_prefix,omitempty"`
	QoS         byte   `yaml:"qos,omitempty"`
}

// SeasonConfig holds the inclusive season date range as ISO dates
type SeasonConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// Window parses the configured dates into a season.Window
func (c SeasonConfig) Window() (season.Window, error) {
	return season.Parse(c.Start, c.End)
}

// S3Config holds object storage settings shared by export and archival
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region,omitempty"`
	JSONKey         string `yaml:"json_key,omitempty"`
	ArchivePrefix   string `yaml:"archive_prefix,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
}

// ExportConfig controls the in-season export loop. SourceTopic
// narrows the exported series when the source destination table
// collects more than one topic.
type ExportConfig struct {
	Interval      Duration `yaml:"interval,omitempty"`
	WindowMinutes int      `yaml:"window_minutes,omitempty"`
	SourceTopic   string   `yaml:"source_topic,omitempty"`
}

// ArchiveConfig controls the off-season monthly archival trigger
type ArchiveConfig struct {
	DayOfMonth int `yaml:"day_of_month,omitempty"`
	Hour       int `yaml:"hour,omitempty"`
}

// Validate checks the archival trigger window
func (c ArchiveConfig) Validate() error {
	if c.DayOfMonth < 1 || c.DayOfMonth > 31 {
		return errors.WrapFatal(
			fmt.Errorf("archive day_of_month %d out of range", c.DayOfMonth),
			"ArchiveConfig", "Validate", "day of month check")
	}
	if c.Hour < 0 || c.Hour > 23 {
		return errors.WrapFatal(
			fmt.Errorf("archive hour %d out of range", c.Hour),
			"ArchiveConfig", "Validate", "hour check")
	}
	return nil
}

// MetricsConfig controls the Prometheus scrape endpoint
type MetricsConfig struct {
	Port int    `yaml:"port,omitempty"`
	Path string `yaml:"path,omitempty"`
}

// Config is the complete application configuration
type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	Routes   []RouteConfig  `yaml:"routes"`
	Database DatabaseConfig `yaml:"database"`
	Cloud    CloudConfig    `yaml:"cloud,omitempty"`
	Echo     EchoConfig     `yaml:"echo,omitempty"`
	Season   SeasonConfig   `yaml:"season"`
	S3       S3Config       `yaml:"s3,omitempty"`
	Export   ExportConfig   `yaml:"export,omitempty"`
	Archive  ArchiveConfig  `yaml:"archive,omitempty"`
	Metrics  MetricsConfig  `yaml:"metrics,omitempty"`
}

// applyDefaults fills unset fields with the values the system was tuned for
func (c *Config) applyDefaults() {
	if c.Broker.Port == 0 {
		c.Broker.Port = 1883
	}
	if c.Broker.Keepalive.Std() == 0 {
		c.Broker.Keepalive = Duration(60 * time.Second)
	}
	if c.Database.BatchSize == 0 {
		c.Database.BatchSize = 1000
	}
	if c.Database.FlushInterval.Std() == 0 {
		c.Database.FlushInterval = Duration(60 * time.Second)
	}
	if c.Cloud.Destination == "" {
		c.Cloud.Destination = "cloud_sensors"
	}
	if c.Cloud.ReconnectDelay.Std() == 0 {
		c.Cloud.ReconnectDelay = Duration(5 * time.Second)
	}
	if c.Cloud.MaxReconnectDelay.Std() == 0 {
		c.Cloud.MaxReconnectDelay = Duration(300 * time.Second)
	}
	if c.Cloud.TokenURL == "" {
		c.Cloud.TokenURL = "https://api.yosmart.com/open/yolink/token"
	}
	if c.Cloud.APIURL == "" {
		c.Cloud.APIURL = "https://api.yosmart.com/open/yolink/v2/api"
	}
	if c.Cloud.BrokerHost == "" {
		c.Cloud.BrokerHost = "api.yosmart.com"
	}
	if c.Cloud.BrokerPort == 0 {
		c.Cloud.BrokerPort = 8003
	}
	if c.Echo.TopicPrefix == "" {
		c.Echo.TopicPrefix = "yolink"
	}
	if c.S3.JSONKey == "" {
		c.S3.JSONKey = "water-level.json"
	}
	if c.S3.ArchivePrefix == "" {
		c.S3.ArchivePrefix = "backups/"
	}
	if c.Export.Interval.Std() == 0 {
		c.Export.Interval = Duration(30 * time.Second)
	}
	if c.Export.WindowMinutes == 0 {
		c.Export.WindowMinutes = 10
	}
	if c.Archive.DayOfMonth == 0 {
		c.Archive.DayOfMonth = 1
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	// Credentials are auto-enabling, matching the deployment convention
	// where secrets arrive only through the environment.
	if c.Cloud.HasCredentials() {
		c.Cloud.Enabled = true
	}
}

// Validate checks the complete configuration
func (c *Config) Validate() error {
	if err := c.Broker.Validate(); err != nil {
		return err
	}
	if len(c.Routes) == 0 {
		return errors.WrapFatal(errors.ErrMissingConfig,
			"Config", "Validate", "at least one route is required")
	}
	for i, route := range c.Routes {
		if route.Pattern == "" {
			return errors.WrapFatal(
				fmt.Errorf("route %d has empty pattern", i),
				"Config", "Validate", "route pattern check")
		}
		if route.Destination == "" {
			return errors.WrapFatal(
				fmt.Errorf("route %d (%s) has empty destination", i, route.Pattern),
				"Config", "Validate", "route destination check")
		}
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if err := c.Cloud.Validate(); err != nil {
		return err
	}
	if _, err := c.Season.Window(); err != nil {
		return errors.WrapFatal(err, "Config", "Validate", "season date parsing")
	}
	if err := c.Archive.Validate(); err != nil {
		return err
	}
	return nil
}

// Load reads, overrides, defaults, and validates configuration from path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Config", "Load", "read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapFatal(err, "Config", "Load", "parse YAML")
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides lets deployment environments override file settings.
// Secrets (broker password, cloud credentials, AWS keys) are expected to
// arrive this way rather than being committed to the config file.
func (c *Config) applyEnvOverrides() {
	setString(&c.Broker.Host, "MQTT_BROKER")
	setInt(&c.Broker.Port, "MQTT_PORT")
	setString(&c.Broker.Username, "MQTT_USERNAME")
	setString(&c.Broker.Password, "MQTT_PASSWORD")
	setString(&c.Broker.ClientID, "MQTT_CLIENT_ID")

	setString(&c.Database.Path, "DB_PATH")
	setInt(&c.Database.BatchSize, "DB_BATCH_SIZE")
	setDuration(&c.Database.FlushInterval, "DB_FLUSH_INTERVAL")

	setString(&c.Cloud.UAID, "YOLINK_UAID")
	setString(&c.Cloud.SecretKey, "YOLINK_SECRET_KEY")
	setString(&c.Cloud.AirSensorDeviceID, "YOLINK_AIR_SENSOR_DEVICEID")
	setString(&c.Cloud.WaterSensorDeviceID, "YOLINK_WATER_SENSOR_DEVICEID")
	setDuration(&c.Cloud.ReconnectDelay, "YOLINK_RECONNECT_DELAY")
	setDuration(&c.Cloud.MaxReconnectDelay, "YOLINK_MAX_RECONNECT_DELAY")

	setString(&c.Season.Start, "SEASON_START")
	setString(&c.Season.End, "SEASON_END")

	setString(&c.S3.Bucket, "S3_BUCKET")
	setString(&c.S3.Region, "AWS_REGION")
	setString(&c.S3.JSONKey, "S3_JSON_KEY")
	setString(&c.S3.ArchivePrefix, "S3_ARCHIVE_PREFIX")
	setString(&c.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
	setString(&c.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")

	setDuration(&c.Export.Interval, "EXPORT_INTERVAL")
	setInt(&c.Export.WindowMinutes, "EXPORT_WINDOW_MINUTES")
	setString(&c.Export.SourceTopic, "EXPORT_SOURCE_TOPIC")

	setInt(&c.Archive.DayOfMonth, "ARCHIVE_DAY_OF_MONTH")
	setInt(&c.Archive.Hour, "ARCHIVE_HOUR")

	setInt(&c.Metrics.Port, "METRICS_PORT")
}

func setString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*target = parsed
		}
	}
}

func setDuration(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			*target = Duration(time.Duration(secs) * time.Second)
			return
		}
		if parsed, err := time.ParseDuration(v); err == nil {
			*target = Duration(parsed)
		}
	}
}
