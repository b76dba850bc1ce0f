package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/victorjacobs/go-duco2mqtt/duco"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "duco2mqtt.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]string{"--duco-host", "board.local", "--mqtt-addr", "broker"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.PollInterval != DefaultPollInterval {
		t.Errorf("PollInterval = %v, want %v", cfg.PollInterval, DefaultPollInterval)
	}
	if cfg.Mqtt.Port != 1883 || cfg.Mqtt.BaseTopic != "duco" || cfg.Mqtt.ClientId != "duco2mqtt" {
		t.Errorf("Mqtt = %+v, want defaults", cfg.Mqtt)
	}
	if !cfg.HomeAssistant.Discovery || cfg.HomeAssistant.Prefix != "homeassistant" {
		t.Errorf("HomeAssistant = %+v, want discovery enabled", cfg.HomeAssistant)
	}
	if cfg.Duco.Transport != TransportHttps {
		t.Errorf("Transport = %q, want https", cfg.Duco.Transport)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, `
duco:
  host: file.local
  insecure: true
mqtt:
  address: file-broker
  port: 1884
  base_topic: file
poll_interval: 30s
log:
  level: debug
`)

	t.Setenv("D2M_MQTT_ADDRESS", "env-broker")
	t.Setenv("D2M_MQTT_BASE_TOPIC", "env")
	t.Setenv("D2M_POLL_INTERVAL", "20")

	cfg, err := Load([]string{"--config", path, "--mqtt-base-topic", "flag", "--hass-discovery=false"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"duco host from file", cfg.Duco.Host, "file.local"},
		{"insecure from file", cfg.Duco.Insecure, true},
		{"port from file", cfg.Mqtt.Port, 1884},
		{"address from env", cfg.Mqtt.Address, "env-broker"},
		{"poll interval from env", cfg.PollInterval, 20 * time.Second},
		{"base topic from flag", cfg.Mqtt.BaseTopic, "flag"},
		{"discovery from flag", cfg.HomeAssistant.Discovery, false},
		{"log level from file", cfg.Log.Level, "debug"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%v = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	path := writeConfig(t, "duco:\n  host: board\nmqtt:\n  address: broker\n")
	t.Setenv("D2M_CONFIG", path)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Duco.Host != "board" {
		t.Errorf("Duco.Host = %q, want board", cfg.Duco.Host)
	}
}

func TestLoadBoolFlagWithoutValue(t *testing.T) {
	cfg, err := Load([]string{"--duco-host", "b", "--mqtt-addr", "m", "--duco-insecure"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Duco.Insecure {
		t.Error("Duco.Insecure = false, want true")
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		env     map[string]string
		file    string
		wantMsg string
	}{
		{
			name:    "missing host",
			args:    []string{"--mqtt-addr", "broker"},
			wantMsg: "duco.host is required",
		},
		{
			name:    "missing broker",
			args:    []string{"--duco-host", "board"},
			wantMsg: "mqtt.address is required",
		},
		{
			name:    "invalid port",
			args:    []string{"--duco-host", "board", "--mqtt-addr", "broker", "--mqtt-port", "70000"},
			wantMsg: "mqtt.port",
		},
		{
			name:    "invalid number",
			args:    []string{"--duco-host", "board", "--mqtt-addr", "broker", "--mqtt-port", "abc"},
			wantMsg: "--mqtt-port",
		},
		{
			name:    "invalid env bool",
			args:    []string{"--duco-host", "board", "--mqtt-addr", "broker"},
			env:     map[string]string{"D2M_HASS_DISCOVERY": "maybe"},
			wantMsg: "D2M_HASS_DISCOVERY",
		},
		{
			name:    "wildcard base topic",
			args:    []string{"--duco-host", "board", "--mqtt-addr", "broker", "--mqtt-base-topic", "duco/#"},
			wantMsg: "mqtt.base_topic",
		},
		{
			name:    "certificate and insecure",
			args:    []string{"--duco-host", "board", "--mqtt-addr", "broker", "--duco-cert", "ca.pem", "--duco-insecure"},
			wantMsg: "mutually exclusive",
		},
		{
			name:    "modbus without nodes",
			args:    []string{"--duco-transport", "modbus", "--modbus-device", "/dev/ttyUSB0", "--mqtt-addr", "broker"},
			wantMsg: "duco.modbus.nodes",
		},
		{
			name:    "modbus without address or device",
			args:    []string{"--duco-transport", "modbus", "--modbus-nodes", "1", "--mqtt-addr", "broker"},
			wantMsg: "duco.modbus.address or duco.modbus.device",
		},
		{
			name:    "modbus node out of range",
			args:    []string{"--duco-transport", "modbus", "--modbus-addr", "duco.local", "--modbus-nodes", "1,700", "--mqtt-addr", "broker"},
			wantMsg: "node 700 must be between 0 and 655",
		},
		{
			name:    "negative modbus node",
			args:    []string{"--duco-transport", "modbus", "--modbus-addr", "duco.local", "--modbus-nodes", "-1", "--mqtt-addr", "broker"},
			wantMsg: "node -1",
		},
		{
			name:    "unknown transport",
			args:    []string{"--duco-transport", "ftp", "--mqtt-addr", "broker"},
			wantMsg: "duco.transport",
		},
		{
			name:    "unknown flag",
			args:    []string{"--bogus"},
			wantMsg: "bogus",
		},
		{
			name:    "invalid yaml",
			file:    "duco: [",
			wantMsg: "parsing config file",
		},
		{
			name:    "unknown node kind",
			args:    []string{"--duco-host", "board", "--mqtt-addr", "broker"},
			file:    "node_types:\n  LOGICNODE: fan\n",
			wantMsg: "parsing config file",
		},
		{
			name:    "invalid measurement",
			args:    []string{"--duco-host", "board", "--mqtt-addr", "broker"},
			file:    "measurements:\n  - kind: box\n    group: Ventilation\n    field: X\n    name: Bad-Name\n",
			wantMsg: "measurements",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			args := tt.args
			if tt.file != "" {
				args = append([]string{"--config", writeConfig(t, tt.file)}, args...)
			}

			_, err := Load(args)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Load() error = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoadReportsAllProblems(t *testing.T) {
	_, err := Load([]string{"--log-format", "xml"})
	if err == nil {
		t.Fatal("Load() error = nil")
	}

	for _, msg := range []string{"duco.host", "mqtt.address", "log.format"} {
		if !strings.Contains(err.Error(), msg) {
			t.Errorf("Load() error = %v, want it to mention %v", err, msg)
		}
	}
}

func TestLoadHelp(t *testing.T) {
	if _, err := Load([]string{"-h"}); !errors.Is(err, flag.ErrHelp) {
		t.Errorf("Load(-h) error = %v, want flag.ErrHelp", err)
	}
}

func TestLoadModbus(t *testing.T) {
	cfg, err := Load([]string{
		"--duco-transport", "modbus",
		"--modbus-device", "/dev/ttyUSB0",
		"--modbus-nodes", "1, 2,113",
		"--mqtt-addr", "broker",
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.Duco.Modbus.Nodes; len(got) != 3 || got[0] != 1 || got[2] != 113 {
		t.Errorf("Modbus.Nodes = %v, want [1 2 113]", got)
	}
	if cfg.Duco.Modbus.BaudRate != 9600 || cfg.Duco.Modbus.SlaveId != 1 {
		t.Errorf("Modbus = %+v, want default baud rate and slave id", cfg.Duco.Modbus)
	}
}

func TestLoadModbusTCP(t *testing.T) {
	t.Setenv("D2M_MODBUS_ADDRESS", "10.0.0.5")

	cfg, err := Load([]string{"--duco-transport", "modbus", "--modbus-nodes", "0,655", "--mqtt-addr", "broker"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Duco.Modbus.Address != "10.0.0.5" || cfg.Duco.Modbus.Device != "" {
		t.Errorf("Modbus = %+v, want the TCP address", cfg.Duco.Modbus)
	}
}

func TestCatalogFromFile(t *testing.T) {
	path := writeConfig(t, `
duco:
  host: board
mqtt:
  address: broker
node_types:
  LOGICNODE: control
measurements:
  - kind: sensor
    group: Sensor
    field: Voc
    name: voc
    type: numeric
    unit: ppb
    precision: 0
`)

	cfg, err := Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		t.Fatalf("Catalog() error = %v", err)
	}

	if got := catalog.KindOf("LOGICNODE"); got != duco.KindControl {
		t.Errorf("KindOf(LOGICNODE) = %v, want control", got)
	}
	def, ok := catalog.Measurement(duco.KindSensor, "voc")
	if !ok {
		t.Fatal("measurement voc not in catalog")
	}
	if def.Unit != "ppb" || def.Type != duco.Numeric || def.Label != "voc" {
		t.Errorf("voc = %+v", def)
	}
}

func TestEffectivePollInterval(t *testing.T) {
	tests := []struct {
		configured time.Duration
		want       time.Duration
		clamped    bool
	}{
		{time.Second, MinPollInterval, true},
		{MinPollInterval, MinPollInterval, false},
		{2 * time.Minute, 2 * time.Minute, false},
	}

	for _, tt := range tests {
		cfg := &Configuration{PollInterval: tt.configured}
		got, clamped := cfg.EffectivePollInterval()
		if got != tt.want || clamped != tt.clamped {
			t.Errorf("EffectivePollInterval(%v) = %v, %v, want %v, %v", tt.configured, got, clamped, tt.want, tt.clamped)
		}
	}
}

func TestClientOptions(t *testing.T) {
	m := &Mqtt{Address: "broker", Port: 1884, Username: "user", Password: "secret", ClientId: "duco2mqtt"}
	opts := m.ClientOptions()

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://broker:1884" {
		t.Errorf("Servers = %v, want tcp://broker:1884", opts.Servers)
	}
	if opts.ClientID != "duco2mqtt" || opts.Username != "user" || opts.Password != "secret" {
		t.Errorf("ClientID/Username/Password = %q/%q/%q", opts.ClientID, opts.Username, opts.Password)
	}
	if !opts.AutoReconnect || !opts.ConnectRetry || !opts.CleanSession {
		t.Error("AutoReconnect, ConnectRetry and CleanSession must be enabled")
	}
}
