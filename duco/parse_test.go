package duco

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()

	raw, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("reading fixture %v: %v", name, err)
	}
	return raw
}

func nodeByID(t *testing.T, s *Snapshot, id int) Node {
	t.Helper()

	for _, n := range s.Nodes() {
		if n.ID == id && n.Kind != KindBoard {
			return n
		}
	}
	t.Fatalf("node %d not in snapshot", id)
	return Node{}
}

func TestParse(t *testing.T) {
	fetchedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	snapshot, err := Parse(loadFixture(t, "info_nodes.json"), DefaultCatalog(), fetchedAt)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if !snapshot.FetchedAt().Equal(fetchedAt) {
		t.Errorf("FetchedAt() = %v, want %v", snapshot.FetchedAt(), fetchedAt)
	}

	var ids []int
	for _, n := range snapshot.Nodes() {
		ids = append(ids, n.ID)
	}
	if want := []int{1, 2, 67, 113}; !reflect.DeepEqual(ids, want) {
		t.Errorf("node ids = %v, want %v", ids, want)
	}

	tests := []struct {
		id   int
		kind Kind
		typ  string
		name string
	}{
		{1, KindBox, "BOX", "Hall"},
		{2, KindSensor, "UCCO2", "Living room"},
		{67, KindUnsupported, "LOGICNODE", ""},
		{113, KindSensor, "BSRH", ""},
	}

	for _, tt := range tests {
		n := nodeByID(t, snapshot, tt.id)
		if n.Kind != tt.kind {
			t.Errorf("node %d Kind = %v, want %v", tt.id, n.Kind, tt.kind)
		}
		if n.Type != tt.typ {
			t.Errorf("node %d Type = %q, want %q", tt.id, n.Type, tt.typ)
		}
		if n.Name != tt.name {
			t.Errorf("node %d Name = %q, want %q", tt.id, n.Name, tt.name)
		}
	}
}

func TestParseMeasurements(t *testing.T) {
	snapshot, err := Parse(loadFixture(t, "info_nodes.json"), DefaultCatalog(), time.Now())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	tests := []struct {
		id        int
		name      string
		precision int
		want      string
	}{
		{1, "ventilation_state", 0, "AUTO"},
		{1, "flow_level_target", 0, "15"},
		{1, "identify", 0, "OFF"},
		{2, "temperature", 1, "21.4"},
		{2, "co2", 0, "612"},
		{2, "ventilation_mode", 0, "-"},
		{113, "humidity", 1, "57.8"},
		{113, "state_time_remaining", 0, "1520"},
		{113, "identify", 0, "ON"},
	}

	for _, tt := range tests {
		n := nodeByID(t, snapshot, tt.id)
		v, ok := n.Measurements[tt.name]
		if !ok {
			t.Errorf("node %d: measurement %v missing", tt.id, tt.name)
			continue
		}
		if got := v.Encode(tt.precision); got != tt.want {
			t.Errorf("node %d %v = %q, want %q", tt.id, tt.name, got, tt.want)
		}
	}
}

func TestParseSentinels(t *testing.T) {
	snapshot, err := Parse(loadFixture(t, "info_nodes.json"), DefaultCatalog(), time.Now())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	tests := []struct {
		id   int
		name string
	}{
		{2, "flow_level_target"},
		{113, "air_quality_humidity"},
	}

	for _, tt := range tests {
		n := nodeByID(t, snapshot, tt.id)
		if v, ok := n.Measurements[tt.name]; ok {
			t.Errorf("node %d %v = %v, want absent", tt.id, tt.name, v)
		}

		reported := false
		for _, r := range n.Reported {
			if r == tt.name {
				reported = true
			}
		}
		if !reported {
			t.Errorf("node %d %v not in Reported %v", tt.id, tt.name, n.Reported)
		}
	}
}

func TestParseUnsupportedNode(t *testing.T) {
	snapshot, err := Parse(loadFixture(t, "info_nodes.json"), DefaultCatalog(), time.Now())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	n := nodeByID(t, snapshot, 67)
	if n.Supported() {
		t.Error("Supported() = true, want false")
	}
	if len(n.Measurements) != 0 {
		t.Errorf("Measurements = %v, want none", n.Measurements)
	}
	if len(n.Raw) == 0 {
		t.Error("Raw is empty, want original node JSON")
	}
}

func TestParseMissingType(t *testing.T) {
	raw := `{"Nodes":[{"Node":4},{"Node":1,"General":{"Type":{"Val":"box"}}}]}`

	snapshot, err := Parse([]byte(raw), DefaultCatalog(), time.Now())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if n := nodeByID(t, snapshot, 4); n.Kind != KindUnsupported {
		t.Errorf("node 4 Kind = %v, want unsupported", n.Kind)
	}
	if n := nodeByID(t, snapshot, 1); n.Kind != KindBox {
		t.Errorf("node 1 Kind = %v, want box", n.Kind)
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `<html>`},
		{"null", `null`},
		{"array", `[]`},
		{"missing nodes", `{}`},
		{"nodes not array", `{"Nodes":{}}`},
		{"node not object", `{"Nodes":[1]}`},
		{"missing id", `{"Nodes":[{"General":{}}]}`},
		{"string id", `{"Nodes":[{"Node":"1"}]}`},
		{"negative id", `{"Nodes":[{"Node":-1}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw), DefaultCatalog(), time.Now())
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Parse() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestParseDuplicateID(t *testing.T) {
	raw := `{"Nodes":[
		{"Node":1,"General":{"Type":{"Val":"BOX"}}},
		{"Node":2,"General":{"Type":{"Val":"UCCO2"}}},
		{"Node":2,"General":{"Type":{"Val":"UCRH"}}}
	]}`

	snapshot, err := Parse([]byte(raw), DefaultCatalog(), time.Now())
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("Parse() error = %v, want ErrDuplicateID", err)
	}
	if snapshot != nil {
		t.Error("Parse() returned a snapshot with a duplicate id")
	}
}

func TestParseWrongValueType(t *testing.T) {
	raw := `{"Nodes":[{"Node":2,"General":{"Type":{"Val":"UCCO2"}},"Sensor":{"Temp":{"Val":"n/a"},"Co2":{"Val":true}}}]}`

	snapshot, err := Parse([]byte(raw), DefaultCatalog(), time.Now())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	n := nodeByID(t, snapshot, 2)
	for _, name := range []string{"temperature", "co2"} {
		if v, ok := n.Measurements[name]; ok {
			t.Errorf("%v = %v, want absent", name, v)
		}
	}
}

func TestParseBoard(t *testing.T) {
	board, err := ParseBoard(loadFixture(t, "info.json"), DefaultCatalog())
	if err != nil {
		t.Fatalf("ParseBoard() error = %v", err)
	}

	if board.Kind != KindBoard || board.Key() != "board" {
		t.Errorf("board Kind = %v Key = %q, want board", board.Kind, board.Key())
	}
	if board.Name != "FOCUS" || board.Type != "Eu" {
		t.Errorf("board Name = %q Type = %q, want FOCUS Eu", board.Name, board.Type)
	}

	catalog := DefaultCatalog()
	tests := []struct {
		name string
		want string
	}{
		{"box_name", "FOCUS"},
		{"software_version", "16056.10.4.0"},
		{"uptime", "1038476"},
		{"filter_time_remaining", "164"},
		{"bypass_position", "0"},
		{"outdoor_temperature", "10.3"},
		{"supply_temperature", "18.3"},
		{"extract_temperature", "21.1"},
	}

	for _, tt := range tests {
		def, ok := catalog.Measurement(KindBoard, tt.name)
		if !ok {
			t.Fatalf("catalog has no board measurement %v", tt.name)
		}
		v, ok := board.Measurements[tt.name]
		if !ok {
			t.Errorf("%v missing", tt.name)
			continue
		}
		if got := v.Encode(def.Precision); got != tt.want {
			t.Errorf("%v = %q, want %q", tt.name, got, tt.want)
		}
	}

	if _, ok := board.Measurements["exhaust_temperature"]; ok {
		t.Error("exhaust_temperature present, want absent for sentinel")
	}
}

func TestSnapshotWithBoard(t *testing.T) {
	snapshot, err := Parse(loadFixture(t, "info_nodes.json"), DefaultCatalog(), time.Now())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	board, err := ParseBoard(loadFixture(t, "info.json"), DefaultCatalog())
	if err != nil {
		t.Fatalf("ParseBoard() error = %v", err)
	}

	combined := snapshot.WithBoard(board)
	nodes := combined.Nodes()
	if len(nodes) != 5 {
		t.Fatalf("len(Nodes()) = %d, want 5", len(nodes))
	}
	if nodes[0].Kind != KindBoard {
		t.Errorf("first node Kind = %v, want board", nodes[0].Kind)
	}
	if len(snapshot.Nodes()) != 4 {
		t.Error("WithBoard modified the original snapshot")
	}
}

func TestValueEncode(t *testing.T) {
	tests := []struct {
		value     Value
		precision int
		want      string
	}{
		{NumericValue(21), 1, "21.0"},
		{NumericValue(21.04), 1, "21.0"},
		{NumericValue(612), 0, "612"},
		{NumericValue(-3.25), 2, "-3.25"},
		{EnumValue("AUTO"), 0, "AUTO"},
		{BooleanValue(true), 0, "ON"},
		{BooleanValue(false), 3, "OFF"},
	}

	for _, tt := range tests {
		if got := tt.value.Encode(tt.precision); got != tt.want {
			t.Errorf("%+v.Encode(%d) = %q, want %q", tt.value, tt.precision, got, tt.want)
		}
	}
}
