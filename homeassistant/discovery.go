package homeassistant

import (
	"encoding/json"
	"fmt"

	"github.com/victorjacobs/go-duco2mqtt/duco"
	"github.com/victorjacobs/go-duco2mqtt/mqtt"
)

const (
	DefaultPrefix   = "homeassistant"
	DefaultIdPrefix = "duco2mqtt"

	manufacturer = "Duco"
	supportUrl   = "https://github.com/victorjacobs/go-duco2mqtt"
)

type Config struct {
	Enabled bool
	// Prefix is the discovery prefix Home Assistant listens on.
	Prefix string
	// IdPrefix namespaces unique ids, so two bridges on one broker don't collide.
	IdPrefix  string
	BaseTopic string
	Version   string
}

// Registry reports which measurements of a node were already announced.
type Registry interface {
	Has(nodeKey, measurement string) bool
}

// Message is one retained discovery config.
type Message struct {
	Measurement string
	Topic       string
	Payload     []byte
}

// Announcement holds the pending discovery messages of a single node.
type Announcement struct {
	NodeKey  string
	Messages []Message
}

type Discovery struct {
	cfg     Config
	catalog *duco.Catalog
}

func NewDiscovery(cfg Config, catalog *duco.Catalog) *Discovery {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.IdPrefix == "" {
		cfg.IdPrefix = DefaultIdPrefix
	}

	return &Discovery{
		cfg:     cfg,
		catalog: catalog,
	}
}

func (d *Discovery) Enabled() bool {
	return d.cfg.Enabled
}

// Pending returns the configs of reported measurements missing from registry, grouped per node,
// or of every reported measurement when all is set. A measurement a node starts reporting after
// it was announced is picked up on the next call. Nothing is returned when discovery is disabled.
func (d *Discovery) Pending(snapshot *duco.Snapshot, registry Registry, all bool) []Announcement {
	if !d.cfg.Enabled {
		return nil
	}

	var announcements []Announcement
	for _, node := range snapshot.Nodes() {
		if !node.Supported() {
			continue
		}

		var messages []Message
		for _, msg := range d.Node(node) {
			if all || !registry.Has(node.Key(), msg.Measurement) {
				messages = append(messages, msg)
			}
		}
		if len(messages) == 0 {
			continue
		}

		announcements = append(announcements, Announcement{
			NodeKey:  node.Key(),
			Messages: messages,
		})
	}

	return announcements
}

// Node builds one config message per measurement the node reported. Identical input yields
// byte-identical payloads.
func (d *Discovery) Node(node duco.Node) []Message {
	dev := d.device(node)

	messages := make([]Message, 0, len(node.Reported))
	for _, name := range node.Reported {
		def, ok := d.catalog.Measurement(node.Kind, name)
		if !ok {
			continue
		}

		uniqueId := d.UniqueId(node, def.Name)
		config := sensorConfiguration{
			UniqueId:            uniqueId,
			ObjectId:            uniqueId,
			Name:                def.Label,
			StateTopic:          mqtt.StateTopic(d.cfg.BaseTopic, node.Key(), def.Name),
			AvailabilityTopic:   mqtt.AvailabilityTopic(d.cfg.BaseTopic),
			PayloadAvailable:    mqtt.PayloadOnline,
			PayloadNotAvailable: mqtt.PayloadOffline,
			DeviceClass:         def.DeviceClass,
			StateClass:          def.StateClass,
			UnitOfMeasurement:   def.Unit,
			Icon:                def.Icon,
			Device:              dev,
			Origin: origin{
				Name:       DefaultIdPrefix,
				SwVersion:  d.cfg.Version,
				SupportUrl: supportUrl,
			},
		}

		component := "sensor"
		switch def.Type {
		case duco.Boolean:
			component = "binary_sensor"
			config.PayloadOn = duco.BooleanValue(true).Encode(0)
			config.PayloadOff = duco.BooleanValue(false).Encode(0)
			config.StateClass = ""
			config.UnitOfMeasurement = ""
		case duco.Numeric:
			precision := def.Precision
			config.DisplayPrecision = &precision
		case duco.Enum:
			config.StateClass = ""
		}

		payload, err := json.Marshal(config)
		if err != nil {
			continue
		}

		messages = append(messages, Message{
			Measurement: def.Name,
			Topic:       fmt.Sprintf("%v/%v/%v/config", d.cfg.Prefix, component, uniqueId),
			Payload:     payload,
		})
	}

	return messages
}

func (d *Discovery) UniqueId(node duco.Node, measurement string) string {
	if node.Kind == duco.KindBoard {
		return fmt.Sprintf("%v_board_%v", d.cfg.IdPrefix, measurement)
	}
	return fmt.Sprintf("%v_node_%v_%v", d.cfg.IdPrefix, node.ID, measurement)
}

func (d *Discovery) device(node duco.Node) device {
	boardId := fmt.Sprintf("%v_board", d.cfg.IdPrefix)

	if node.Kind == duco.KindBoard {
		name := "Duco ventilation"
		if node.Name != "" {
			name = fmt.Sprintf("Duco %v", node.Name)
		}

		dev := device{
			Identifiers:  []string{boardId},
			Name:         name,
			Manufacturer: manufacturer,
			Model:        node.Type,
		}
		if v, ok := node.Measurements["software_version"]; ok {
			dev.SwVersion = v.Encode(0)
		}
		return dev
	}

	name := node.Name
	if name == "" {
		name = fmt.Sprintf("Duco %v %v", node.Type, node.ID)
	}

	return device{
		Identifiers:  []string{fmt.Sprintf("%v_node_%v", d.cfg.IdPrefix, node.ID)},
		Name:         name,
		Manufacturer: manufacturer,
		Model:        node.Type,
		ViaDevice:    boardId,
	}
}
