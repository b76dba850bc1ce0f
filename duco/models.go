package duco

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind is the family a board node belongs to. Board type strings (BOX, UCCO2, VLVRH, ...) map onto
// a kind through the Catalog.
type Kind int

const (
	KindUnsupported Kind = iota
	KindBoard
	KindBox
	KindValve
	KindSensor
	KindControl
)

var kindNames = [...]string{
	KindUnsupported: "unsupported",
	KindBoard:       "board",
	KindBox:         "box",
	KindValve:       "valve",
	KindSensor:      "sensor",
	KindControl:     "control",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for i, n := range kindNames {
		if n == name {
			*k = Kind(i)
			return nil
		}
	}

	return fmt.Errorf("unknown node kind %q", string(text))
}

// ValueType is the type of a measurement value.
type ValueType int

const (
	Numeric ValueType = iota
	Enum
	Boolean
)

var valueTypeNames = [...]string{
	Numeric: "numeric",
	Enum:    "enum",
	Boolean: "boolean",
}

func (t ValueType) String() string {
	if t < 0 || int(t) >= len(valueTypeNames) {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return valueTypeNames[t]
}

func (t ValueType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ValueType) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for i, n := range valueTypeNames {
		if n == name {
			*t = ValueType(i)
			return nil
		}
	}

	return fmt.Errorf("unknown value type %q", string(text))
}

// Value is a single typed reading.
type Value struct {
	Type   ValueType
	Number float64
	Text   string
	Bool   bool
}

func NumericValue(v float64) Value { return Value{Type: Numeric, Number: v} }
func EnumValue(v string) Value     { return Value{Type: Enum, Text: v} }
func BooleanValue(v bool) Value    { return Value{Type: Boolean, Bool: v} }

// Encode renders the value as an MQTT payload. Numbers always use the given number of decimals so
// identical readings encode identically.
func (v Value) Encode(precision int) string {
	switch v.Type {
	case Numeric:
		if precision < 0 {
			precision = 0
		}
		return strconv.FormatFloat(v.Number, 'f', precision, 64)
	case Boolean:
		if v.Bool {
			return "ON"
		}
		return "OFF"
	default:
		return v.Text
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Type {
	case Numeric:
		return json.Marshal(v.Number)
	case Boolean:
		return json.Marshal(v.Bool)
	default:
		return json.Marshal(v.Text)
	}
}

// Node is one reporting unit of the ventilation system.
type Node struct {
	ID   int
	Kind Kind
	// Type is the type string reported by the board, e.g. "BOX" or "UCCO2".
	Type string
	Name string
	// Reported lists, in catalog order, the measurements whose field was present in the board
	// response. A reported measurement can still be missing from Measurements when the board sent
	// its "not available" sentinel.
	Reported     []string
	Measurements map[string]Value
	// Raw holds the original JSON of unsupported nodes for diagnostics.
	Raw json.RawMessage
}

// Key identifies the node in topics and in the bridge's bookkeeping.
func (n Node) Key() string {
	if n.Kind == KindBoard {
		return "board"
	}
	return strconv.Itoa(n.ID)
}

func (n Node) Supported() bool {
	return n.Kind != KindUnsupported
}

// Snapshot is the board state at one poll instant. It is not modified after construction; the
// nodes and their measurement maps must be treated as read-only.
type Snapshot struct {
	nodes     []Node
	fetchedAt time.Time
}

// NewSnapshot orders the nodes by id, the board node first.
func NewSnapshot(nodes []Node, fetchedAt time.Time) *Snapshot {
	sorted := make([]Node, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool {
		if (sorted[i].Kind == KindBoard) != (sorted[j].Kind == KindBoard) {
			return sorted[i].Kind == KindBoard
		}
		return sorted[i].ID < sorted[j].ID
	})

	return &Snapshot{nodes: sorted, fetchedAt: fetchedAt}
}

func (s *Snapshot) Nodes() []Node {
	nodes := make([]Node, len(s.nodes))
	copy(nodes, s.nodes)
	return nodes
}

func (s *Snapshot) FetchedAt() time.Time {
	return s.fetchedAt
}

// WithBoard returns a new snapshot that also contains the board node.
func (s *Snapshot) WithBoard(board *Node) *Snapshot {
	nodes := make([]Node, 0, len(s.nodes)+1)
	nodes = append(nodes, *board)
	for _, n := range s.nodes {
		if n.Kind != KindBoard {
			nodes = append(nodes, n)
		}
	}

	return NewSnapshot(nodes, s.fetchedAt)
}
