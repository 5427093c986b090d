package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shaunagostinho/elm327-dash/internal/elm327"
	"github.com/shaunagostinho/elm327-dash/internal/obd"
	"github.com/shaunagostinho/elm327-dash/internal/snapshot"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "192.168.0.10", cfg.Adapter.Host)
	assert.Equal(t, 35000, cfg.Adapter.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.False(t, cfg.Poll.Simulate)
	assert.False(t, cfg.Proxy.Enabled)
	assert.False(t, cfg.MQTT.Enabled)

	lc := cfg.LoopConfig()
	assert.Equal(t, 400*time.Millisecond, lc.PollInterval)
	assert.Equal(t, 3*time.Second, lc.ReconnectDelay)
	assert.Zero(t, lc.MaxReconnectDelay)
	assert.Equal(t, obd.IDs(), idsOf(lc.Specs))
}

func idsOf(specs []obd.Spec) []string {
	var ids []string
	for _, s := range specs {
		ids = append(ids, s.ID)
	}
	return ids
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Adapter, cfg.Adapter)
}

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
adapter:
  host: 10.0.0.5
  port: 23
poll:
  interval: 0.25
  reconnect_delay: 1.5
  max_reconnect_delay: 30
http:
  port: 9090
mqtt:
  enabled: true
  topic: car/obd
  qos: 1
`)
	cfg, err := LoadConfig(path, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, "10.0.0.5", cfg.Adapter.Host)
	assert.Equal(t, 23, cfg.Adapter.Port)
	assert.Equal(t, elm327.TransportTCP, cfg.Adapter.Transport, "unset keys keep defaults")
	assert.Equal(t, "0.0.0.0:9090", cfg.Addr())
	assert.Equal(t, "car/obd", cfg.MQTT.Topic)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)

	lc := cfg.LoopConfig()
	assert.Equal(t, 250*time.Millisecond, lc.PollInterval)
	assert.Equal(t, 1500*time.Millisecond, lc.ReconnectDelay)
	assert.Equal(t, 30*time.Second, lc.MaxReconnectDelay)
	assert.Equal(t, snapshot.Adapter{Host: "10.0.0.5", Port: 23}, lc.Adapter)

	pc := cfg.PublishConfig()
	assert.Equal(t, "tcp://localhost:1883", pc.Broker)
	assert.Equal(t, "car/obd", pc.Topic)
	assert.Equal(t, time.Second, pc.MinInterval)
}

func TestLoadConfigMalformed(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "adapter: [unclosed")
	_, err := LoadConfig(path, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OBD_HOST", "172.16.0.1")
	t.Setenv("OBD_PORT", "35001")
	t.Setenv("POLL_INTERVAL", "0.5")
	t.Setenv("SIMULATE", "yes")
	t.Setenv("HTTP_PORT", "8081")
	t.Setenv("PROXY_ENABLED", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.Equal(t, "172.16.0.1", cfg.Adapter.Host)
	assert.Equal(t, 35001, cfg.Adapter.Port)
	assert.Equal(t, 0.5, cfg.Poll.Interval)
	assert.True(t, cfg.Poll.Simulate)
	assert.Equal(t, 8081, cfg.HTTP.Port)
	assert.True(t, cfg.Proxy.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverridesInvalid(t *testing.T) {
	t.Setenv("OBD_PORT", "thirty-five")
	t.Setenv("SIMULATE", "maybe")

	_, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"), zaptest.NewLogger(t).Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OBD_PORT")
	assert.Contains(t, err.Error(), "SIMULATE")
}

func TestDotEnvFile(t *testing.T) {
	// Real environment wins over the file.
	t.Setenv("OBD_HOST", "10.1.1.1")
	t.Cleanup(func() {
		os.Unsetenv("OBD_SERIAL_PORT")
		os.Unsetenv("OBD_TRANSPORT")
	})

	dir := t.TempDir()
	writeFile(t, dir, ".env", "OBD_TRANSPORT=serial\nOBD_SERIAL_PORT=\"/dev/rfcomm0\"\nOBD_HOST=10.9.9.9\n")

	cfg, err := LoadConfig(filepath.Join(dir, "config.yaml"), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.Equal(t, elm327.TransportSerial, cfg.Adapter.Transport)
	assert.Equal(t, "/dev/rfcomm0", cfg.Adapter.SerialPort)
	assert.Equal(t, "10.1.1.1", cfg.Adapter.Host)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, snapshot.Adapter{Host: "/dev/rfcomm0"}, cfg.AdapterIdentity())
	sc := cfg.SessionConfig()
	assert.Equal(t, "/dev/rfcomm0", sc.SerialPort)
	assert.Equal(t, 38400, sc.BaudRate)
	assert.Equal(t, 3*time.Second, sc.CommandTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero interval", func(c *Config) { c.Poll.Interval = 0 }, "poll.interval"},
		{"negative delay", func(c *Config) { c.Poll.ReconnectDelay = -1 }, "poll.reconnect_delay"},
		{"bad adapter port", func(c *Config) { c.Adapter.Port = 70000 }, "adapter.port"},
		{"bad http port", func(c *Config) { c.HTTP.Port = 0 }, "http.port"},
		{"unknown transport", func(c *Config) { c.Adapter.Transport = "bluetooth" }, "adapter.transport"},
		{"serial without device", func(c *Config) { c.Adapter.Transport = "serial" }, "adapter.serial_port"},
		{"bad qos", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"bad proxy listen", func(c *Config) { c.Proxy.Enabled = true; c.Proxy.Listen = "35000" }, "proxy.listen"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := DefaultConfig()
	cfg.Poll.Interval = 0
	cfg.HTTP.Port = -1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll.interval")
	assert.Contains(t, err.Error(), "http.port")
}

func TestSetListen(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.SetListen(":9000"))
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr())

	require.NoError(t, cfg.SetListen("127.0.0.1:9001"))
	assert.Equal(t, "127.0.0.1:9001", cfg.Addr())

	assert.Error(t, cfg.SetListen("9000"))
	assert.Error(t, cfg.SetListen(":http"))
}
