package duco

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type object map[string]json.RawMessage

type field struct {
	Val json.RawMessage `json:"Val"`
}

// Parse turns an /info/nodes response into a snapshot. Nodes with an unknown or missing type are
// kept as unsupported nodes instead of failing the whole response.
func Parse(raw []byte, catalog *Catalog, fetchedAt time.Time) (*Snapshot, error) {
	var doc object
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: response is not an object", ErrMalformed)
	}

	nodesRaw, ok := doc["Nodes"]
	if !ok {
		return nil, fmt.Errorf("%w: missing Nodes", ErrMalformed)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(nodesRaw, &items); err != nil {
		return nil, fmt.Errorf("%w: Nodes is not an array", ErrMalformed)
	}

	nodes := make([]Node, 0, len(items))
	seen := make(map[int]bool, len(items))
	for i, item := range items {
		node, err := parseNode(item, catalog)
		if err != nil {
			return nil, fmt.Errorf("node at index %d: %w", i, err)
		}

		if seen[node.ID] {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateID, node.ID)
		}
		seen[node.ID] = true

		nodes = append(nodes, node)
	}

	return NewSnapshot(nodes, fetchedAt), nil
}

// ParseBoard turns an /info response into the board node.
func ParseBoard(raw []byte, catalog *Catalog) (*Node, error) {
	var doc object
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: response is not an object", ErrMalformed)
	}

	node := &Node{
		Kind: KindBoard,
		Type: lookupString(doc, "General", "Board", "BoxSubTypeName"),
		Name: lookupString(doc, "General", "Board", "BoxName"),
	}
	node.Reported, node.Measurements = readMeasurements(doc, catalog.Measurements(KindBoard))

	return node, nil
}

func parseNode(raw json.RawMessage, catalog *Catalog) (Node, error) {
	var obj object
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return Node{}, fmt.Errorf("%w: node is not an object", ErrMalformed)
	}

	idRaw, ok := obj["Node"]
	if !ok {
		return Node{}, fmt.Errorf("%w: missing node id", ErrMalformed)
	}

	var id int
	if err := json.Unmarshal(idRaw, &id); err != nil || id < 0 {
		return Node{}, fmt.Errorf("%w: invalid node id %s", ErrMalformed, idRaw)
	}

	node := Node{
		ID:   id,
		Type: lookupString(obj, "General", "Type"),
		Name: lookupString(obj, "General", "Name"),
	}
	node.Kind = catalog.KindOf(node.Type)

	if !node.Supported() {
		node.Raw = append(json.RawMessage(nil), raw...)
		return node, nil
	}

	node.Reported, node.Measurements = readMeasurements(obj, catalog.Measurements(node.Kind))
	return node, nil
}

func readMeasurements(obj object, defs []MeasurementDef) ([]string, map[string]Value) {
	var reported []string
	values := make(map[string]Value)

	for _, def := range defs {
		raw, ok := lookupValue(obj, def.path())
		if !ok {
			continue
		}
		reported = append(reported, def.Name)

		if value, ok := decodeValue(def, raw); ok {
			values[def.Name] = value
		}
	}

	return reported, values
}

// lookupValue walks the object path and returns the "Val" of the final field object.
func lookupValue(obj object, path []string) (json.RawMessage, bool) {
	current := obj
	for i, key := range path {
		raw, ok := current[key]
		if !ok {
			return nil, false
		}

		if i == len(path)-1 {
			var f field
			if err := json.Unmarshal(raw, &f); err != nil || f.Val == nil {
				return nil, false
			}
			return f.Val, true
		}

		var next object
		if err := json.Unmarshal(raw, &next); err != nil || next == nil {
			return nil, false
		}
		current = next
	}

	return nil, false
}

func lookupString(obj object, path ...string) string {
	raw, ok := lookupValue(obj, path)
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// decodeValue converts a raw "Val" into the definition's type. Values of an unexpected JSON type,
// and numeric sentinels, are reported as absent.
func decodeValue(def MeasurementDef, raw json.RawMessage) (Value, bool) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var v any
	if err := decoder.Decode(&v); err != nil {
		return Value{}, false
	}

	switch def.Type {
	case Numeric:
		n, ok := v.(json.Number)
		if !ok {
			return Value{}, false
		}
		f, err := n.Float64()
		if err != nil || def.isSentinel(f) {
			return Value{}, false
		}
		return NumericValue(def.scale(f)), true

	case Enum:
		switch t := v.(type) {
		case string:
			return EnumValue(t), true
		case json.Number:
			return EnumValue(t.String()), true
		}

	case Boolean:
		switch t := v.(type) {
		case bool:
			return BooleanValue(t), true
		case json.Number:
			f, err := t.Float64()
			if err != nil || def.isSentinel(f) {
				return Value{}, false
			}
			return BooleanValue(f != 0), true
		case string:
			if b, err := strconv.ParseBool(strings.ToLower(t)); err == nil {
				return BooleanValue(b), true
			}
		}
	}

	return Value{}, false
}
