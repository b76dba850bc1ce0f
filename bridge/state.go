package bridge

import (
	"github.com/victorjacobs/go-duco2mqtt/duco"
	"github.com/victorjacobs/go-duco2mqtt/mqtt"
)

// Key identifies a published measurement.
type Key struct {
	Node        string
	Measurement string
}

// PublishedState holds the last payload published per measurement.
type PublishedState map[Key]string

// DiscoveryRegistry holds the measurements whose discovery configs were published. It never
// shrinks.
type DiscoveryRegistry map[Key]struct{}

func (r DiscoveryRegistry) Has(nodeKey, measurement string) bool {
	_, ok := r[Key{Node: nodeKey, Measurement: measurement}]
	return ok
}

func (r DiscoveryRegistry) Add(nodeKey, measurement string) {
	r[Key{Node: nodeKey, Measurement: measurement}] = struct{}{}
}

// Update is a single state publish.
type Update struct {
	Key
	Topic   string
	Payload string
}

type StatePublisher struct {
	baseTopic string
	catalog   *duco.Catalog
}

func NewStatePublisher(baseTopic string, catalog *duco.Catalog) *StatePublisher {
	return &StatePublisher{
		baseTopic: baseTopic,
		catalog:   catalog,
	}
}

// Changes returns the updates needed to bring state in line with snapshot: every present value
// that was never published or differs from what was, or every present value when force is set.
// Absent measurements produce nothing. state is not modified.
func (p *StatePublisher) Changes(snapshot *duco.Snapshot, state PublishedState, force bool) []Update {
	var updates []Update

	for _, node := range snapshot.Nodes() {
		if !node.Supported() {
			continue
		}

		for _, def := range p.catalog.Measurements(node.Kind) {
			value, ok := node.Measurements[def.Name]
			if !ok {
				continue
			}

			key := Key{Node: node.Key(), Measurement: def.Name}
			payload := value.Encode(def.Precision)
			if previous, published := state[key]; published && previous == payload && !force {
				continue
			}

			updates = append(updates, Update{
				Key:     key,
				Topic:   mqtt.StateTopic(p.baseTopic, key.Node, key.Measurement),
				Payload: payload,
			})
		}
	}

	return updates
}
