package environment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"ecocity.ai/internal/protocol"
)

// Metrics is the persisted environment state.
type Metrics struct {
	AirPollution        float64 `json:"airPollution"`
	CarbonEmission      float64 `json:"carbonEmission"`
	RecyclingRate       float64 `json:"recyclingRate"`
	LastCarbonThreshold float64 `json:"lastCarbonThreshold"`
}

// Display is what sinks receive.
func (m Metrics) Display() protocol.MetricsData {
	return protocol.MetricsData{
		AirPollution:   m.AirPollution,
		CarbonEmission: m.CarbonEmission,
		RecyclingRate:  m.RecyclingRate,
	}
}

// Rounded returns a copy with the float fields rounded to decimals places.
// The threshold marker is kept as is.
func (m Metrics) Rounded(decimals int) Metrics {
	return Metrics{
		AirPollution:        roundTo(m.AirPollution, decimals),
		CarbonEmission:      roundTo(m.CarbonEmission, decimals),
		RecyclingRate:       roundTo(m.RecyclingRate, decimals),
		LastCarbonThreshold: m.LastCarbonThreshold,
	}
}

// Partial is a sparse set of metric fields. A nil field is "not present".
type Partial struct {
	AirPollution        *float64 `json:"airPollution,omitempty"`
	CarbonEmission      *float64 `json:"carbonEmission,omitempty"`
	RecyclingRate       *float64 `json:"recyclingRate,omitempty"`
	LastCarbonThreshold *float64 `json:"lastCarbonThreshold,omitempty"`
}

func F(v float64) *float64 { return &v }

func (p Partial) Empty() bool {
	return p.AirPollution == nil && p.CarbonEmission == nil && p.RecyclingRate == nil && p.LastCarbonThreshold == nil
}

// Full converts a complete Metrics value into a Partial with every field set.
func Full(m Metrics) Partial {
	return Partial{
		AirPollution:        F(m.AirPollution),
		CarbonEmission:      F(m.CarbonEmission),
		RecyclingRate:       F(m.RecyclingRate),
		LastCarbonThreshold: F(m.LastCarbonThreshold),
	}
}

// Overlay writes every present field of p onto m.
func (p Partial) Overlay(m Metrics) Metrics {
	if p.AirPollution != nil {
		m.AirPollution = *p.AirPollution
	}
	if p.CarbonEmission != nil {
		m.CarbonEmission = *p.CarbonEmission
	}
	if p.RecyclingRate != nil {
		m.RecyclingRate = *p.RecyclingRate
	}
	if p.LastCarbonThreshold != nil {
		m.LastCarbonThreshold = *p.LastCarbonThreshold
	}
	return m
}

// ParsePartial decodes a JSON object into a Partial. Fields that are not
// finite numbers are treated as absent; only a non-object payload is an error.
func ParsePartial(raw []byte) (Partial, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Partial{}, fmt.Errorf("metrics payload: %w", err)
	}
	if fields == nil {
		return Partial{}, nil
	}
	var p Partial
	p.AirPollution = numberField(fields, "airPollution")
	p.CarbonEmission = numberField(fields, "carbonEmission")
	p.RecyclingRate = numberField(fields, "recyclingRate")
	p.LastCarbonThreshold = numberField(fields, "lastCarbonThreshold")
	return p, nil
}

func numberField(fields map[string]json.RawMessage, key string) *float64 {
	raw, ok := fields[key]
	if !ok || string(bytes.TrimSpace(raw)) == "null" {
		return nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func roundTo(v float64, decimals int) float64 {
	if decimals < 0 {
		return v
	}
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// UnmarshalJSON accepts the same tolerant input as ParsePartial.
func (p *Partial) UnmarshalJSON(b []byte) error {
	v, err := ParsePartial(b)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
