package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/victorjacobs/go-duco2mqtt/duco"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every configuration problem that prevents startup.
var ErrInvalid = errors.New("invalid configuration")

const (
	TransportHttps  = "https"
	TransportModbus = "modbus"

	DefaultPollInterval = 60 * time.Second
	// MinPollInterval is the shortest interval the board is polled at.
	MinPollInterval = 5 * time.Second
)

type Configuration struct {
	Duco          Duco          `yaml:"duco"`
	Mqtt          Mqtt          `yaml:"mqtt"`
	HomeAssistant HomeAssistant `yaml:"homeassistant"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Http          Http          `yaml:"http"`
	Log           Log           `yaml:"log"`

	// NodeTypes maps additional board type strings onto node kinds.
	NodeTypes map[string]duco.Kind `yaml:"node_types"`
	// Measurements adds to or replaces the built-in measurement definitions.
	Measurements []duco.MeasurementDef `yaml:"measurements"`
}

type Duco struct {
	Transport   string `yaml:"transport"`
	Host        string `yaml:"host"`
	Ip          string `yaml:"ip"`
	Certificate string `yaml:"certificate"`
	Insecure    bool   `yaml:"insecure"`
	Modbus      Modbus `yaml:"modbus"`
}

type Modbus struct {
	// Address of the board's Modbus TCP server; Device selects Modbus RTU instead.
	Address  string        `yaml:"address"`
	Device   string        `yaml:"device"`
	BaudRate int           `yaml:"baud_rate"`
	SlaveId  int           `yaml:"slave_id"`
	Nodes    []int         `yaml:"nodes"`
	Timeout  time.Duration `yaml:"timeout"`
}

type Mqtt struct {
	Address   string `yaml:"address"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	ClientId  string `yaml:"client_id"`
	BaseTopic string `yaml:"base_topic"`
}

type HomeAssistant struct {
	Discovery bool   `yaml:"discovery"`
	Prefix    string `yaml:"prefix"`
	IdPrefix  string `yaml:"id_prefix"`
}

type Http struct {
	// Listen is the address of the status server, empty disables it.
	Listen string `yaml:"listen"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfiguration() *Configuration {
	return &Configuration{
		Duco: Duco{
			Transport: TransportHttps,
			Modbus: Modbus{
				BaudRate: 9600,
				SlaveId:  1,
				Timeout:  time.Second,
			},
		},
		Mqtt: Mqtt{
			Port:      1883,
			ClientId:  "duco2mqtt",
			BaseTopic: "duco",
		},
		HomeAssistant: HomeAssistant{
			Discovery: true,
			Prefix:    "homeassistant",
			IdPrefix:  "duco2mqtt",
		},
		PollInterval: DefaultPollInterval,
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the YAML file, the environment and args, each
// overriding the previous. The file is taken from --config or D2M_CONFIG and is optional.
func Load(args []string) (*Configuration, error) {
	flags, err := parseFlags(args)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfiguration()

	path := os.Getenv(envConfig)
	if flags.configPath != "" {
		path = flags.configPath
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	var errs []error
	errs = append(errs, applyEnvironment(cfg, os.LookupEnv)...)
	errs = append(errs, flags.apply(cfg)...)
	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		if !errors.Is(err, ErrInvalid) {
			err = fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		return nil, err
	}

	return cfg, nil
}

func (c *Configuration) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading config file: %w", ErrInvalid, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: parsing config file %v: %w", ErrInvalid, path, err)
	}

	return nil
}

// Validate reports all problems at once.
func (c *Configuration) Validate() error {
	var errs []string

	switch c.Duco.Transport {
	case TransportHttps:
		if c.Duco.Host == "" {
			errs = append(errs, "duco.host is required")
		}
		if c.Duco.Certificate != "" && c.Duco.Insecure {
			errs = append(errs, "duco.certificate and duco.insecure are mutually exclusive")
		}
	case TransportModbus:
		switch {
		case c.Duco.Modbus.Address == "" && c.Duco.Modbus.Device == "":
			errs = append(errs, "duco.modbus.address or duco.modbus.device is required")
		case c.Duco.Modbus.Address != "" && c.Duco.Modbus.Device != "":
			errs = append(errs, "duco.modbus.address and duco.modbus.device are mutually exclusive")
		case c.Duco.Modbus.Device != "" && c.Duco.Modbus.BaudRate <= 0:
			errs = append(errs, "duco.modbus.baud_rate must be positive")
		}
		if len(c.Duco.Modbus.Nodes) == 0 {
			errs = append(errs, "duco.modbus.nodes must list at least one node")
		}
		for _, node := range c.Duco.Modbus.Nodes {
			if node < 0 || node > duco.MaxModbusNode {
				errs = append(errs, fmt.Sprintf("duco.modbus.nodes: node %d must be between 0 and %d", node, duco.MaxModbusNode))
			}
		}
		if c.Duco.Modbus.SlaveId < 1 || c.Duco.Modbus.SlaveId > 247 {
			errs = append(errs, "duco.modbus.slave_id must be between 1 and 247")
		}
	default:
		errs = append(errs, fmt.Sprintf("duco.transport must be %v or %v", TransportHttps, TransportModbus))
	}

	if c.Mqtt.Address == "" {
		errs = append(errs, "mqtt.address is required")
	}
	if c.Mqtt.Port < 1 || c.Mqtt.Port > 65535 {
		errs = append(errs, "mqtt.port must be between 1 and 65535")
	}
	if c.Mqtt.ClientId == "" {
		errs = append(errs, "mqtt.client_id is required")
	}
	if !validBaseTopic(c.Mqtt.BaseTopic) {
		errs = append(errs, "mqtt.base_topic must be non-empty without wildcards or surrounding slashes")
	}

	if c.HomeAssistant.Discovery && !validBaseTopic(c.HomeAssistant.Prefix) {
		errs = append(errs, "homeassistant.prefix must be non-empty without wildcards or surrounding slashes")
	}

	if c.PollInterval <= 0 {
		errs = append(errs, "poll_interval must be positive")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, "log.level must be debug, info, warn or error")
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, "log.format must be text or json")
	}

	if _, err := c.Catalog(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}

	return nil
}

// EffectivePollInterval returns the poll interval raised to MinPollInterval, and whether it was.
func (c *Configuration) EffectivePollInterval() (time.Duration, bool) {
	if c.PollInterval < MinPollInterval {
		return MinPollInterval, true
	}
	return c.PollInterval, false
}

// Catalog returns the built-in catalog extended with the configured node types and measurements.
func (c *Configuration) Catalog() (*duco.Catalog, error) {
	catalog := duco.DefaultCatalog()

	for boardType, kind := range c.NodeTypes {
		if err := catalog.AddNodeType(boardType, kind); err != nil {
			return nil, fmt.Errorf("node_types: %w", err)
		}
	}

	for _, def := range c.Measurements {
		if err := catalog.AddMeasurement(def); err != nil {
			return nil, fmt.Errorf("measurements: %w", err)
		}
	}

	return catalog, nil
}

func (m *Mqtt) ClientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%v:%v", m.Address, m.Port)).
		SetClientID(m.ClientId).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetConnectTimeout(10 * time.Second).
		SetKeepAlive(30 * time.Second)

	if m.Username != "" {
		opts.SetUsername(m.Username)
		opts.SetPassword(m.Password)
	}

	return opts
}

func validBaseTopic(topic string) bool {
	return topic != "" &&
		!strings.ContainsAny(topic, "+#\x00") &&
		!strings.HasPrefix(topic, "/") &&
		!strings.HasSuffix(topic, "/")
}
