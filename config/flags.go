package config

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const envConfig = "D2M_CONFIG"

type option struct {
	flag   string
	env    string
	usage  string
	isBool bool
	set    func(c *Configuration, value string) error
}

var options = []option{
	{flag: "duco-transport", env: "D2M_DUCO_TRANSPORT", usage: "board transport, https or modbus", set: stringField(func(c *Configuration) *string { return &c.Duco.Transport })},
	{flag: "duco-host", env: "D2M_DUCO_HOST", usage: "host name of the connectivity board", set: stringField(func(c *Configuration) *string { return &c.Duco.Host })},
	{flag: "duco-ip", env: "D2M_DUCO_IP", usage: "connect to this address instead of resolving the host", set: stringField(func(c *Configuration) *string { return &c.Duco.Ip })},
	{flag: "duco-cert", env: "D2M_DUCO_CERT", usage: "PEM file the board certificate must chain to", set: stringField(func(c *Configuration) *string { return &c.Duco.Certificate })},
	{flag: "duco-insecure", env: "D2M_DUCO_INSECURE", usage: "skip board certificate validation", isBool: true, set: boolField(func(c *Configuration) *bool { return &c.Duco.Insecure })},
	{flag: "modbus-addr", env: "D2M_MODBUS_ADDRESS", usage: "host[:port] of the board's modbus TCP server", set: stringField(func(c *Configuration) *string { return &c.Duco.Modbus.Address })},
	{flag: "modbus-device", env: "D2M_MODBUS_DEVICE", usage: "serial device for modbus RTU instead of TCP", set: stringField(func(c *Configuration) *string { return &c.Duco.Modbus.Device })},
	{flag: "modbus-nodes", env: "D2M_MODBUS_NODES", usage: "comma separated node numbers read over modbus", set: intListField(func(c *Configuration) *[]int { return &c.Duco.Modbus.Nodes })},
	{flag: "modbus-baud", env: "D2M_MODBUS_BAUD", usage: "modbus baud rate", set: intField(func(c *Configuration) *int { return &c.Duco.Modbus.BaudRate })},
	{flag: "modbus-slave", env: "D2M_MODBUS_SLAVE", usage: "modbus slave id of the box", set: intField(func(c *Configuration) *int { return &c.Duco.Modbus.SlaveId })},
	{flag: "poll-interval", env: "D2M_POLL_INTERVAL", usage: "board poll interval, seconds or a duration", set: durationField(func(c *Configuration) *time.Duration { return &c.PollInterval })},
	{flag: "mqtt-addr", env: "D2M_MQTT_ADDRESS", usage: "MQTT broker address", set: stringField(func(c *Configuration) *string { return &c.Mqtt.Address })},
	{flag: "mqtt-port", env: "D2M_MQTT_PORT", usage: "MQTT broker port", set: intField(func(c *Configuration) *int { return &c.Mqtt.Port })},
	{flag: "mqtt-user", env: "D2M_MQTT_USER", usage: "MQTT username", set: stringField(func(c *Configuration) *string { return &c.Mqtt.Username })},
	{flag: "mqtt-pass", env: "D2M_MQTT_PASS", usage: "MQTT password", set: stringField(func(c *Configuration) *string { return &c.Mqtt.Password })},
	{flag: "mqtt-client-id", env: "D2M_CLIENT_ID", usage: "MQTT client id", set: stringField(func(c *Configuration) *string { return &c.Mqtt.ClientId })},
	{flag: "mqtt-base-topic", env: "D2M_MQTT_BASE_TOPIC", usage: "MQTT base topic", set: stringField(func(c *Configuration) *string { return &c.Mqtt.BaseTopic })},
	{flag: "hass-discovery", env: "D2M_HASS_DISCOVERY", usage: "publish Home Assistant discovery configs", isBool: true, set: boolField(func(c *Configuration) *bool { return &c.HomeAssistant.Discovery })},
	{flag: "hass-prefix", env: "D2M_HASS_PREFIX", usage: "Home Assistant discovery prefix", set: stringField(func(c *Configuration) *string { return &c.HomeAssistant.Prefix })},
	{flag: "http-listen", env: "D2M_HTTP_LISTEN", usage: "status server address, empty disables it", set: stringField(func(c *Configuration) *string { return &c.Http.Listen })},
	{flag: "log-level", env: "D2M_LOG_LEVEL", usage: "debug, info, warn or error", set: stringField(func(c *Configuration) *string { return &c.Log.Level })},
	{flag: "log-format", env: "D2M_LOG_FORMAT", usage: "text or json", set: stringField(func(c *Configuration) *string { return &c.Log.Format })},
}

// optionValue records a flag's raw value; it is converted once the file and environment are
// applied, so flags win regardless of order.
type optionValue struct {
	value  string
	isBool bool
}

func (v *optionValue) String() string     { return v.value }
func (v *optionValue) Set(s string) error { v.value = s; return nil }
func (v *optionValue) IsBoolFlag() bool   { return v.isBool }

type flagValues struct {
	configPath string
	set        map[string]string
}

func parseFlags(args []string) (*flagValues, error) {
	fs := flag.NewFlagSet("duco2mqtt", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	result := &flagValues{set: make(map[string]string)}
	fs.StringVar(&result.configPath, "config", "", "YAML configuration file")

	values := make(map[string]*optionValue, len(options))
	for _, o := range options {
		v := &optionValue{isBool: o.isBool}
		values[o.flag] = v
		fs.Var(v, o.flag, fmt.Sprintf("%v (%v)", o.usage, o.env))
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%w: unexpected arguments %v", ErrInvalid, fs.Args())
	}

	fs.Visit(func(f *flag.Flag) {
		if v, ok := values[f.Name]; ok {
			result.set[f.Name] = v.value
		}
	})

	return result, nil
}

func (f *flagValues) apply(c *Configuration) []error {
	var errs []error
	for _, o := range options {
		value, ok := f.set[o.flag]
		if !ok {
			continue
		}
		if err := o.set(c, value); err != nil {
			errs = append(errs, fmt.Errorf("--%v: %w", o.flag, err))
		}
	}
	return errs
}

func applyEnvironment(c *Configuration, lookup func(string) (string, bool)) []error {
	var errs []error
	for _, o := range options {
		value, ok := lookup(o.env)
		if !ok || value == "" {
			continue
		}
		if err := o.set(c, value); err != nil {
			errs = append(errs, fmt.Errorf("%v: %w", o.env, err))
		}
	}
	return errs
}

// Usage writes the flag summary to w.
func Usage(w io.Writer) {
	fmt.Fprintf(w, "Usage of duco2mqtt:\n  --config string\n    \tYAML configuration file (%v)\n", envConfig)
	for _, o := range options {
		kind := " string"
		if o.isBool {
			kind = ""
		}
		fmt.Fprintf(w, "  --%v%v\n    \t%v (%v)\n", o.flag, kind, o.usage, o.env)
	}
}

func stringField(field func(*Configuration) *string) func(*Configuration, string) error {
	return func(c *Configuration, value string) error {
		*field(c) = value
		return nil
	}
}

func boolField(field func(*Configuration) *bool) func(*Configuration, string) error {
	return func(c *Configuration, value string) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", value)
		}
		*field(c) = b
		return nil
	}
}

func intField(field func(*Configuration) *int) func(*Configuration, string) error {
	return func(c *Configuration, value string) error {
		i, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("invalid number %q", value)
		}
		*field(c) = i
		return nil
	}
}

func intListField(field func(*Configuration) *[]int) func(*Configuration, string) error {
	return func(c *Configuration, value string) error {
		var list []int
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			i, err := strconv.Atoi(part)
			if err != nil {
				return fmt.Errorf("invalid number %q", part)
			}
			list = append(list, i)
		}
		*field(c) = list
		return nil
	}
}

// durationField accepts plain seconds as well as Go durations.
func durationField(field func(*Configuration) *time.Duration) func(*Configuration, string) error {
	return func(c *Configuration, value string) error {
		value = strings.TrimSpace(value)
		if seconds, err := strconv.Atoi(value); err == nil {
			*field(c) = time.Duration(seconds) * time.Second
			return nil
		}

		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q", value)
		}
		*field(c) = d
		return nil
	}
}
