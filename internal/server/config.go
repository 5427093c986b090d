package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/elm327-dash/internal/acquire"
	"github.com/shaunagostinho/elm327-dash/internal/elm327"
	"github.com/shaunagostinho/elm327-dash/internal/obd"
	"github.com/shaunagostinho/elm327-dash/internal/publish"
	"github.com/shaunagostinho/elm327-dash/internal/snapshot"
)

// DefaultConfigPath is where the service looks for its YAML file.
const DefaultConfigPath = "/etc/elmdash/config.yaml"

// Config holds all service configuration. It is read once at startup.
type Config struct {
	Adapter AdapterConfig `yaml:"adapter"`
	Poll    PollConfig    `yaml:"poll"`
	HTTP    HTTPConfig    `yaml:"http"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Logging LoggingConfig `yaml:"logging"`

	path string
}

type AdapterConfig struct {
	Transport      string  `yaml:"transport"` // "tcp" or "serial"
	Host           string  `yaml:"host"`
	Port           int     `yaml:"port"`
	SerialPort     string  `yaml:"serial_port"` // e.g. /dev/rfcomm0
	BaudRate       int     `yaml:"baud_rate"`
	ConnectTimeout float64 `yaml:"connect_timeout"` // seconds
	CommandTimeout float64 `yaml:"command_timeout"` // seconds
}

// PollConfig times are in seconds and may be fractional.
type PollConfig struct {
	Interval          float64 `yaml:"interval"`
	ReconnectDelay    float64 `yaml:"reconnect_delay"`
	MaxReconnectDelay float64 `yaml:"max_reconnect_delay"` // 0 keeps the delay fixed
	Simulate          bool    `yaml:"simulate"`
}

type HTTPConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	StaticDir string `yaml:"static_dir"` // optional external UI
}

// ProxyConfig controls re-serving the adapter to other OBD apps.
type ProxyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type MQTTConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Broker      string  `yaml:"broker"` // e.g. tcp://localhost:1883
	Username    string  `yaml:"username"`
	Password    string  `yaml:"password"`
	ClientID    string  `yaml:"client_id"`
	Topic       string  `yaml:"topic"`
	QoS         byte    `yaml:"qos"`
	Retain      bool    `yaml:"retain"`
	MinInterval float64 `yaml:"min_interval"` // seconds between publishes
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

// DefaultConfig returns a config with sensible defaults for a WiFi adapter.
func DefaultConfig() *Config {
	return &Config{
		Adapter: AdapterConfig{
			Transport:      elm327.TransportTCP,
			Host:           elm327.DefaultHost,
			Port:           elm327.DefaultPort,
			BaudRate:       elm327.DefaultBaudRate,
			ConnectTimeout: elm327.DefaultConnectTimeout.Seconds(),
			CommandTimeout: elm327.DefaultCommandTimeout.Seconds(),
		},
		Poll: PollConfig{
			Interval:       0.4,
			ReconnectDelay: 3,
		},
		HTTP: HTTPConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Proxy: ProxyConfig{
			Listen: ":35000",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			Topic:       "elmdash/state",
			MinInterval: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. A missing file means defaults; a malformed one is an
// error.
func LoadConfig(path string, log *zap.SugaredLogger) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Infof("no config at %s, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		log.Infof("loaded config from %s", path)
	}

	// .env next to the config first, then the working directory
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if err := loadEnvFile(ep, log); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFile reads KEY=VALUE pairs into the process environment. Variables
// already set in the real environment win.
func loadEnvFile(path string, log *zap.SugaredLogger) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	log.Infof("loading .env from %s", path)
	for _, key := range v.AllKeys() {
		name := strings.ToUpper(key)
		if _, set := os.LookupEnv(name); set {
			continue
		}
		os.Setenv(name, v.GetString(key))
	}
	return nil
}

// applyEnvOverrides reads environment variables and overrides config values.
// Unparseable numbers and booleans are reported together.
func (c *Config) applyEnvOverrides() error {
	var errs []error
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v := os.Getenv(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			b, err := parseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	str("OBD_TRANSPORT", &c.Adapter.Transport)
	str("OBD_HOST", &c.Adapter.Host)
	integer("OBD_PORT", &c.Adapter.Port)
	str("OBD_SERIAL_PORT", &c.Adapter.SerialPort)
	integer("OBD_BAUD", &c.Adapter.BaudRate)

	float("POLL_INTERVAL", &c.Poll.Interval)
	float("RECONNECT_DELAY", &c.Poll.ReconnectDelay)
	float("MAX_RECONNECT_DELAY", &c.Poll.MaxReconnectDelay)
	boolean("SIMULATE", &c.Poll.Simulate)

	str("HTTP_HOST", &c.HTTP.Host)
	integer("HTTP_PORT", &c.HTTP.Port)
	str("STATIC_DIR", &c.HTTP.StaticDir)

	boolean("PROXY_ENABLED", &c.Proxy.Enabled)
	str("PROXY_LISTEN", &c.Proxy.Listen)

	boolean("MQTT_ENABLED", &c.MQTT.Enabled)
	str("MQTT_BROKER", &c.MQTT.Broker)
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)
	str("MQTT_TOPIC", &c.MQTT.Topic)

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	return errors.Join(errs...)
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", v)
}

// SetListen overrides the HTTP bind address from a host:port string. An
// empty host keeps the configured one.
func (c *Config) SetListen(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("listen address %q: %w", addr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("listen port %q: %w", port, err)
	}
	if host != "" {
		c.HTTP.Host = host
	}
	c.HTTP.Port = p
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Adapter.Transport {
	case elm327.TransportTCP:
		if c.Adapter.Host == "" {
			errs = append(errs, errors.New("adapter.host is required"))
		}
		if !validPort(c.Adapter.Port) {
			errs = append(errs, fmt.Errorf("adapter.port %d out of range", c.Adapter.Port))
		}
	case elm327.TransportSerial:
		if c.Adapter.SerialPort == "" {
			errs = append(errs, errors.New("adapter.serial_port is required for serial transport"))
		}
		if c.Adapter.BaudRate <= 0 {
			errs = append(errs, fmt.Errorf("adapter.baud_rate %d must be positive", c.Adapter.BaudRate))
		}
	default:
		errs = append(errs, fmt.Errorf("adapter.transport %q must be tcp or serial", c.Adapter.Transport))
	}
	if c.Adapter.ConnectTimeout <= 0 || c.Adapter.CommandTimeout <= 0 {
		errs = append(errs, errors.New("adapter timeouts must be positive"))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, fmt.Errorf("poll.interval %v must be positive", c.Poll.Interval))
	}
	if c.Poll.ReconnectDelay <= 0 {
		errs = append(errs, fmt.Errorf("poll.reconnect_delay %v must be positive", c.Poll.ReconnectDelay))
	}
	if c.Poll.MaxReconnectDelay < 0 {
		errs = append(errs, errors.New("poll.max_reconnect_delay must not be negative"))
	}
	if !validPort(c.HTTP.Port) {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.Proxy.Enabled {
		if _, _, err := net.SplitHostPort(c.Proxy.Listen); err != nil {
			errs = append(errs, fmt.Errorf("proxy.listen: %w", err))
		}
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt.broker is required"))
		}
		if c.MQTT.Topic == "" {
			errs = append(errs, errors.New("mqtt.topic is required"))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS))
		}
		if c.MQTT.MinInterval < 0 {
			errs = append(errs, errors.New("mqtt.min_interval must not be negative"))
		}
	}
	return errors.Join(errs...)
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Addr is the HTTP bind address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// AdapterIdentity is what snapshots report as the adapter. For serial
// adapters the host carries the device path and the port is 0.
func (c *Config) AdapterIdentity() snapshot.Adapter {
	if c.Adapter.Transport == elm327.TransportSerial {
		return snapshot.Adapter{Host: c.Adapter.SerialPort}
	}
	return snapshot.Adapter{Host: c.Adapter.Host, Port: c.Adapter.Port}
}

// SessionConfig converts the adapter section for the protocol client.
func (c *Config) SessionConfig() elm327.Config {
	return elm327.Config{
		Transport:      c.Adapter.Transport,
		Host:           c.Adapter.Host,
		Port:           c.Adapter.Port,
		SerialPort:     c.Adapter.SerialPort,
		BaudRate:       c.Adapter.BaudRate,
		ConnectTimeout: seconds(c.Adapter.ConnectTimeout),
		CommandTimeout: seconds(c.Adapter.CommandTimeout),
	}
}

// LoopConfig converts the poll section for the acquisition loop.
func (c *Config) LoopConfig() acquire.Config {
	return acquire.Config{
		PollInterval:      seconds(c.Poll.Interval),
		ReconnectDelay:    seconds(c.Poll.ReconnectDelay),
		MaxReconnectDelay: seconds(c.Poll.MaxReconnectDelay),
		Simulate:          c.Poll.Simulate,
		Adapter:           c.AdapterIdentity(),
		Specs:             obd.Specs(),
	}
}

// PublishConfig converts the mqtt section for the state publisher.
func (c *Config) PublishConfig() publish.Config {
	return publish.Config{
		Broker:      c.MQTT.Broker,
		Username:    c.MQTT.Username,
		Password:    c.MQTT.Password,
		ClientID:    c.MQTT.ClientID,
		Topic:       c.MQTT.Topic,
		QoS:         c.MQTT.QoS,
		Retain:      c.MQTT.Retain,
		MinInterval: seconds(c.MQTT.MinInterval),
	}
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }
