package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_RepoConfigMatchesDefaults(t *testing.T) {
	got, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Defaults()
	if got.ThresholdUnit != want.ThresholdUnit || got.SaveIntervalSec != want.SaveIntervalSec || got.UpdateIntervalSec != want.UpdateIntervalSec {
		t.Fatalf("intervals drifted from defaults: %+v", got)
	}
	if got.PollutionFactorMin != 0.25 || got.PollutionFactorMax != 2.0 {
		t.Fatalf("pollution factor range: got [%v,%v]", got.PollutionFactorMin, got.PollutionFactorMax)
	}
	if got.MoveModes["RUN"].CarbonEmission != 0.0007 {
		t.Fatalf("RUN carbon emission: got %v", got.MoveModes["RUN"].CarbonEmission)
	}
	if got.FrameInterval() != 20*time.Millisecond {
		t.Fatalf("frame interval: got %v", got.FrameInterval())
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte("threshold_unit: 0.5\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ThresholdUnit != 0.5 {
		t.Fatalf("threshold unit: got %v", got.ThresholdUnit)
	}
	if got.SaveIntervalSec != 500 || got.PrecisionDecimals != 5 {
		t.Fatalf("defaults lost: %+v", got)
	}
	if _, ok := got.MoveModes["WALK"]; !ok {
		t.Fatalf("expected default WALK mode")
	}
}

func TestLoad_RejectsInvertedFactorRange(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte("pollution_factor_min: 3\npollution_factor_max: 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(p); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestLoad_ZeroDecimalsIsKept(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte("precision_decimals: 0\nsave_decimals: -1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.PrecisionDecimals != 0 {
		t.Fatalf("precision decimals: got %d want 0", got.PrecisionDecimals)
	}
	if got.SaveDecimals != Defaults().SaveDecimals {
		t.Fatalf("negative save decimals should fall back: got %d", got.SaveDecimals)
	}
}
