package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning holds every constant the environment simulation depends on.
// All durations are seconds of simulated time unless the field name says otherwise.
type Tuning struct {
	FrameIntervalMs int `yaml:"frame_interval_ms"`

	UpdateIntervalSec float64 `yaml:"update_interval_sec"`
	SaveIntervalSec   float64 `yaml:"save_interval_sec"`

	ThresholdUnit      float64 `yaml:"threshold_unit"`
	PollutionFactorMin float64 `yaml:"pollution_factor_min"`
	PollutionFactorMax float64 `yaml:"pollution_factor_max"`
	PrecisionDecimals  int     `yaml:"precision_decimals"`
	SaveDecimals       int     `yaml:"save_decimals"`

	MoveModes  map[string]MoveMode `yaml:"move_modes"`
	KillReward KillReward          `yaml:"kill_reward"`
}

type MoveMode struct {
	Speed          int     `yaml:"speed" json:"speed"`
	Title          string  `yaml:"title" json:"title"`
	CarbonEmission float64 `yaml:"carbon_emission" json:"carbonEmission"`
}

type KillReward struct {
	CarbonReductionMin   float64 `yaml:"carbon_reduction_min"`
	CarbonReductionMax   float64 `yaml:"carbon_reduction_max"`
	RecyclingIncreaseMin float64 `yaml:"recycling_increase_min"`
	RecyclingIncreaseMax float64 `yaml:"recycling_increase_max"`
	MoneyMin             float64 `yaml:"money_min"`
	MoneyMax             float64 `yaml:"money_max"`
}

func Defaults() Tuning {
	return Tuning{
		FrameIntervalMs:    20,
		UpdateIntervalSec:  1,
		SaveIntervalSec:    500,
		ThresholdUnit:      1,
		PollutionFactorMin: 0.25,
		PollutionFactorMax: 2.0,
		PrecisionDecimals:  5,
		SaveDecimals:       2,
		MoveModes: map[string]MoveMode{
			"WALK": {Speed: 80, Title: "walk", CarbonEmission: 0.0001},
			"RUN":  {Speed: 150, Title: "run", CarbonEmission: 0.0007},
		},
		KillReward: KillReward{
			CarbonReductionMin:   0.05,
			CarbonReductionMax:   0.15,
			RecyclingIncreaseMin: 0.001,
			RecyclingIncreaseMax: 0.011,
			MoneyMin:             0.3,
			MoneyMax:             0.8,
		},
	}
}

// Load reads a tuning file on top of Defaults; keys missing from the file keep their default.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t *Tuning) normalize() {
	d := Defaults()
	if t.FrameIntervalMs <= 0 {
		t.FrameIntervalMs = d.FrameIntervalMs
	}
	if t.UpdateIntervalSec <= 0 {
		t.UpdateIntervalSec = d.UpdateIntervalSec
	}
	if t.SaveIntervalSec <= 0 {
		t.SaveIntervalSec = d.SaveIntervalSec
	}
	if t.ThresholdUnit <= 0 {
		t.ThresholdUnit = d.ThresholdUnit
	}
	// 0 decimals is a valid setting (whole numbers).
	if t.PrecisionDecimals < 0 {
		t.PrecisionDecimals = d.PrecisionDecimals
	}
	if t.SaveDecimals < 0 {
		t.SaveDecimals = d.SaveDecimals
	}
	if len(t.MoveModes) == 0 {
		t.MoveModes = d.MoveModes
	}
}

func (t Tuning) Validate() error {
	if t.PollutionFactorMin < 0 || t.PollutionFactorMax < t.PollutionFactorMin {
		return fmt.Errorf("pollution factor range [%v,%v] is invalid", t.PollutionFactorMin, t.PollutionFactorMax)
	}
	if _, ok := t.MoveModes["WALK"]; !ok {
		return fmt.Errorf("move_modes: WALK is required")
	}
	for name, m := range t.MoveModes {
		if m.CarbonEmission < 0 {
			return fmt.Errorf("move_modes.%s: negative carbon_emission", name)
		}
	}
	kr := t.KillReward
	if kr.CarbonReductionMax < kr.CarbonReductionMin || kr.RecyclingIncreaseMax < kr.RecyclingIncreaseMin || kr.MoneyMax < kr.MoneyMin {
		return fmt.Errorf("kill_reward: max below min")
	}
	return nil
}

func (t Tuning) FrameInterval() time.Duration {
	return time.Duration(t.FrameIntervalMs) * time.Millisecond
}
