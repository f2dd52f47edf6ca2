package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"ecocity.ai/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, b []byte) {
		t.Helper()
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	updateSchema := compile("update_metrics.schema.json")
	closeSchema := compile("close.schema.json")
	metricsSchema := compile("environment_metrics.schema.json")

	b, err := protocol.EncodeUpdateMetrics(protocol.MetricsData{AirPollution: 1.5, CarbonEmission: 2.25, RecyclingRate: 0.01})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	validate(updateSchema, b)

	cb, _ := json.Marshal(protocol.CloseMsg{Type: protocol.TypeClose})
	validate(closeSchema, cb)

	validate(metricsSchema, []byte(`{"carbonEmission":5}`))
	validate(metricsSchema, []byte(`{"airPollution":0,"carbonEmission":0,"recyclingRate":0,"lastCarbonThreshold":0}`))
}

func TestSchemas_UpdateMetricsNeverCarriesThreshold(t *testing.T) {
	s, err := jsonschema.Compile(filepath.Join("..", "..", "schemas", "update_metrics.schema.json"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var v any
	_ = json.Unmarshal([]byte(`{"type":"update_metrics","data":{"airPollution":0,"carbonEmission":0,"recyclingRate":0,"lastCarbonThreshold":1}}`), &v)
	if err := s.Validate(v); err == nil {
		t.Fatalf("expected threshold field to be rejected")
	}
}

func TestIsClose(t *testing.T) {
	cases := map[string]bool{
		`{"type":"close"}`:          true,
		`{"type":"update_metrics"}`: false,
		`close`:                     false,
		`{}`:                        false,
	}
	for raw, want := range cases {
		if got := protocol.IsClose([]byte(raw)); got != want {
			t.Fatalf("IsClose(%s)=%v want %v", raw, got, want)
		}
	}
}
