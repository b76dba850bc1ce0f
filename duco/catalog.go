package duco

import (
	"fmt"
	"regexp"
	"strings"
)

// Raw 16-bit codes the board uses when a reading is not available.
const (
	unavailableUnsigned = 65535
	unavailableSigned   = -32768
)

var defaultSentinels = []float64{unavailableUnsigned, unavailableSigned}

var topicSafe = regexp.MustCompile(`^[a-z0-9_]+$`)

// MeasurementDef describes where a measurement lives in a board response and how it is presented.
type MeasurementDef struct {
	Kind Kind `yaml:"kind"`
	// Group is the slash separated path of objects holding the field, e.g. "Ventilation" or
	// "General/Board".
	Group string `yaml:"group"`
	Field string `yaml:"field"`
	// Name is the topic-safe measurement name.
	Name        string    `yaml:"name"`
	Label       string    `yaml:"label"`
	Type        ValueType `yaml:"type"`
	Unit        string    `yaml:"unit"`
	DeviceClass string    `yaml:"device_class"`
	StateClass  string    `yaml:"state_class"`
	Icon        string    `yaml:"icon"`
	Precision   int       `yaml:"precision"`
	// Scale multiplies numeric raw values, 0 means 1.
	Scale float64 `yaml:"scale"`
	// Sentinels are raw numeric values meaning "not available". Nil selects the board defaults.
	Sentinels []float64 `yaml:"sentinels"`
}

func (d MeasurementDef) path() []string {
	return append(strings.Split(d.Group, "/"), d.Field)
}

func (d MeasurementDef) isSentinel(raw float64) bool {
	sentinels := d.Sentinels
	if sentinels == nil {
		sentinels = defaultSentinels
	}

	for _, s := range sentinels {
		if raw == s {
			return true
		}
	}

	return false
}

func (d MeasurementDef) scale(raw float64) float64 {
	if d.Scale == 0 {
		return raw
	}
	return raw * d.Scale
}

// Catalog maps board type strings to node kinds and lists the measurements of each kind.
type Catalog struct {
	types map[string]Kind
	defs  map[Kind][]MeasurementDef
}

// DefaultCatalog returns the built-in node types and measurements. Callers may extend the result.
func DefaultCatalog() *Catalog {
	c := &Catalog{
		types: make(map[string]Kind),
		defs:  make(map[Kind][]MeasurementDef),
	}

	for boardType, kind := range defaultNodeTypes {
		c.types[boardType] = kind
	}
	for _, def := range defaultMeasurements {
		c.defs[def.Kind] = append(c.defs[def.Kind], def)
	}

	return c
}

// KindOf returns the kind for a board type string, KindUnsupported when unknown.
func (c *Catalog) KindOf(boardType string) Kind {
	if kind, ok := c.types[strings.ToUpper(strings.TrimSpace(boardType))]; ok {
		return kind
	}
	return KindUnsupported
}

func (c *Catalog) Measurements(kind Kind) []MeasurementDef {
	defs := make([]MeasurementDef, len(c.defs[kind]))
	copy(defs, c.defs[kind])
	return defs
}

func (c *Catalog) Measurement(kind Kind, name string) (MeasurementDef, bool) {
	for _, def := range c.defs[kind] {
		if def.Name == name {
			return def, true
		}
	}
	return MeasurementDef{}, false
}

// AddNodeType maps a board type string onto a kind, replacing any existing mapping.
func (c *Catalog) AddNodeType(boardType string, kind Kind) error {
	boardType = strings.ToUpper(strings.TrimSpace(boardType))
	if boardType == "" {
		return fmt.Errorf("empty node type")
	}
	if kind == KindUnsupported || kind == KindBoard {
		return fmt.Errorf("node type %v cannot map to kind %v", boardType, kind)
	}

	c.types[boardType] = kind
	return nil
}

// AddMeasurement adds a measurement, replacing the one with the same kind and name.
func (c *Catalog) AddMeasurement(def MeasurementDef) error {
	if def.Kind == KindUnsupported {
		return fmt.Errorf("measurement %v: unsupported nodes have no measurements", def.Name)
	}
	if !topicSafe.MatchString(def.Name) {
		return fmt.Errorf("measurement name %q must match %v", def.Name, topicSafe)
	}
	if def.Group == "" || def.Field == "" {
		return fmt.Errorf("measurement %v: group and field are required", def.Name)
	}
	if def.Label == "" {
		def.Label = strings.ReplaceAll(def.Name, "_", " ")
	}

	for i, existing := range c.defs[def.Kind] {
		if existing.Name == def.Name {
			c.defs[def.Kind][i] = def
			return nil
		}
	}

	c.defs[def.Kind] = append(c.defs[def.Kind], def)
	return nil
}

var defaultNodeTypes = map[string]Kind{
	"BOX":      KindBox,
	"VLV":      KindValve,
	"VLVRH":    KindValve,
	"VLVCO2":   KindValve,
	"VLVCO2RH": KindValve,
	"EXTMZ":    KindValve,
	"UCCO2":    KindSensor,
	"UCRH":     KindSensor,
	"BSRH":     KindSensor,
	"BSCO2":    KindSensor,
	"WEATHER":  KindSensor,
	"UCBAT":    KindControl,
	"UC":       KindControl,
	"UCSUN":    KindControl,
	"UCNIGHT":  KindControl,
	"SWITCH":   KindControl,
	"CTRL":     KindControl,
}

func ventilationMeasurements(kind Kind) []MeasurementDef {
	return []MeasurementDef{
		{
			Kind:  kind,
			Group: "Ventilation",
			Field: "State",
			Name:  "ventilation_state",
			Label: "Ventilation state",
			Type:  Enum,
			Icon:  "mdi:fan",
		},
		{
			Kind:  kind,
			Group: "Ventilation",
			Field: "Mode",
			Name:  "ventilation_mode",
			Label: "Ventilation mode",
			Type:  Enum,
			Icon:  "mdi:fan-auto",
		},
		{
			Kind:        kind,
			Group:       "Ventilation",
			Field:       "TimeStateRemain",
			Name:        "state_time_remaining",
			Label:       "State time remaining",
			Type:        Numeric,
			Unit:        "s",
			DeviceClass: "duration",
			StateClass:  "measurement",
			Icon:        "mdi:timer",
		},
		{
			Kind:       kind,
			Group:      "Ventilation",
			Field:      "FlowLvlTgt",
			Name:       "flow_level_target",
			Label:      "Flow level target",
			Type:       Numeric,
			Unit:       "%",
			StateClass: "measurement",
			Icon:       "mdi:fan-clock",
		},
	}
}

func sensorMeasurements(kind Kind) []MeasurementDef {
	return []MeasurementDef{
		{
			Kind:        kind,
			Group:       "Sensor",
			Field:       "Temp",
			Name:        "temperature",
			Label:       "Temperature",
			Type:        Numeric,
			Unit:        "°C",
			DeviceClass: "temperature",
			StateClass:  "measurement",
			Precision:   1,
		},
		{
			Kind:        kind,
			Group:       "Sensor",
			Field:       "Rh",
			Name:        "humidity",
			Label:       "Humidity",
			Type:        Numeric,
			Unit:        "%",
			DeviceClass: "humidity",
			StateClass:  "measurement",
			Precision:   1,
		},
		{
			Kind:        kind,
			Group:       "Sensor",
			Field:       "Co2",
			Name:        "co2",
			Label:       "CO2",
			Type:        Numeric,
			Unit:        "ppm",
			DeviceClass: "carbon_dioxide",
			StateClass:  "measurement",
		},
		{
			Kind:       kind,
			Group:      "Sensor",
			Field:      "IaqCo2",
			Name:       "air_quality_co2",
			Label:      "Air quality CO2",
			Type:       Numeric,
			Unit:       "%",
			StateClass: "measurement",
			Icon:       "mdi:molecule-co2",
		},
		{
			Kind:       kind,
			Group:      "Sensor",
			Field:      "IaqRh",
			Name:       "air_quality_humidity",
			Label:      "Air quality humidity",
			Type:       Numeric,
			Unit:       "%",
			StateClass: "measurement",
			Icon:       "mdi:water-percent",
		},
	}
}

func identifyMeasurement(kind Kind) MeasurementDef {
	return MeasurementDef{
		Kind:  kind,
		Group: "General",
		Field: "Identify",
		Name:  "identify",
		Label: "Identify",
		Type:  Boolean,
		Icon:  "mdi:led-on",
	}
}

func boardTemperature(field, name, label string) MeasurementDef {
	return MeasurementDef{
		Kind:        KindBoard,
		Group:       "Ventilation/Sensor",
		Field:       field,
		Name:        name,
		Label:       label,
		Type:        Numeric,
		Unit:        "°C",
		DeviceClass: "temperature",
		StateClass:  "measurement",
		Precision:   1,
		Scale:       0.1,
	}
}

var defaultMeasurements = func() []MeasurementDef {
	var defs []MeasurementDef

	// Box
	defs = append(defs, ventilationMeasurements(KindBox)...)
	defs = append(defs, MeasurementDef{
		Kind:        KindBox,
		Group:       "HeatRecovery",
		Field:       "TimeFilterRemain",
		Name:        "filter_time_remaining",
		Label:       "Filter time remaining",
		Type:        Numeric,
		Unit:        "d",
		DeviceClass: "duration",
		StateClass:  "measurement",
		Icon:        "mdi:air-filter",
	})
	defs = append(defs, identifyMeasurement(KindBox))

	// Valves
	defs = append(defs, ventilationMeasurements(KindValve)...)
	defs = append(defs, sensorMeasurements(KindValve)...)
	defs = append(defs, identifyMeasurement(KindValve))

	// Sensors
	defs = append(defs, ventilationMeasurements(KindSensor)...)
	defs = append(defs, sensorMeasurements(KindSensor)...)
	defs = append(defs, identifyMeasurement(KindSensor))

	// Controls
	defs = append(defs, ventilationMeasurements(KindControl)[0], identifyMeasurement(KindControl))

	// Board level (/info)
	defs = append(defs,
		MeasurementDef{
			Kind:  KindBoard,
			Group: "General/Board",
			Field: "BoxName",
			Name:  "box_name",
			Label: "Box name",
			Type:  Enum,
			Icon:  "mdi:hvac",
		},
		MeasurementDef{
			Kind:  KindBoard,
			Group: "General/Board",
			Field: "BoxSubTypeName",
			Name:  "box_subtype",
			Label: "Box subtype",
			Type:  Enum,
			Icon:  "mdi:hvac",
		},
		MeasurementDef{
			Kind:  KindBoard,
			Group: "General/Board",
			Field: "SwVersionBox",
			Name:  "software_version",
			Label: "Software version",
			Type:  Enum,
			Icon:  "mdi:tag",
		},
		MeasurementDef{
			Kind:        KindBoard,
			Group:       "General/Board",
			Field:       "UpTime",
			Name:        "uptime",
			Label:       "Uptime",
			Type:        Numeric,
			Unit:        "s",
			DeviceClass: "duration",
			StateClass:  "total_increasing",
			Icon:        "mdi:clock-outline",
		},
		MeasurementDef{
			Kind:        KindBoard,
			Group:       "HeatRecovery/General",
			Field:       "TimeFilterRemain",
			Name:        "filter_time_remaining",
			Label:       "Filter time remaining",
			Type:        Numeric,
			Unit:        "d",
			DeviceClass: "duration",
			StateClass:  "measurement",
			Icon:        "mdi:air-filter",
		},
		MeasurementDef{
			Kind:       KindBoard,
			Group:      "HeatRecovery/Bypass",
			Field:      "Pos",
			Name:       "bypass_position",
			Label:      "Bypass position",
			Type:       Numeric,
			Unit:       "%",
			StateClass: "measurement",
			Icon:       "mdi:valve",
		},
		boardTemperature("TempOda", "outdoor_temperature", "Outdoor temperature"),
		boardTemperature("TempSup", "supply_temperature", "Supply temperature"),
		boardTemperature("TempEta", "extract_temperature", "Extract temperature"),
		boardTemperature("TempEha", "exhaust_temperature", "Exhaust temperature"),
	)

	return defs
}()
