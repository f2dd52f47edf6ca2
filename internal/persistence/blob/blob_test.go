package blob

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"ecocity.ai/internal/sim/environment"
	"ecocity.ai/internal/sim/players"
)

func TestMetricsStore_MissingFileIsAbsent(t *testing.T) {
	f := Open(filepath.Join(t.TempDir(), "storage.json.zst"))
	_, found, err := NewMetricsStore(f).LoadMetrics(context.Background())
	if err != nil || found {
		t.Fatalf("found=%v err=%v", found, err)
	}
}

func TestMetricsStore_SaveKeepsSiblings(t *testing.T) {
	f := Open(filepath.Join(t.TempDir(), "storage.json.zst"))
	if err := f.Put("catRespawn", map[string]int{"timer": 12}); err != nil {
		t.Fatalf("put sibling: %v", err)
	}
	users := NewUsersStore(f)
	if err := users.SaveUsers(context.Background(), map[string]players.Player{"u1": {UserID: "u1", Name: "alice", Kills: 3}}); err != nil {
		t.Fatalf("save users: %v", err)
	}

	ms := NewMetricsStore(f)
	want := environment.Metrics{AirPollution: 0.75, CarbonEmission: 1.23, RecyclingRate: 0.01, LastCarbonThreshold: 1}
	if err := ms.SaveMetrics(context.Background(), want); err != nil {
		t.Fatalf("save metrics: %v", err)
	}

	keys, err := f.Keys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("keys: %v", keys)
	}
	raw, ok, err := f.Get("catRespawn")
	if err != nil || !ok || string(raw) != `{"timer":12}` {
		t.Fatalf("sibling: ok=%v err=%v raw=%s", ok, err, raw)
	}
	got, err := users.LoadUsers(context.Background())
	if err != nil || got["u1"].Kills != 3 {
		t.Fatalf("users: %+v err=%v", got, err)
	}

	p, found, err := ms.LoadMetrics(context.Background())
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if p.Overlay(environment.Metrics{}) != want {
		t.Fatalf("metrics: %+v", p.Overlay(environment.Metrics{}))
	}
}

func TestMetricsStore_PartialDocument(t *testing.T) {
	f := Open(filepath.Join(t.TempDir(), "storage.json.zst"))
	if err := f.Put(KeyEnvironmentMetrics, json.RawMessage(`{"carbonEmission":2,"airPollution":"bad"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	p, found, err := NewMetricsStore(f).LoadMetrics(context.Background())
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if p.CarbonEmission == nil || *p.CarbonEmission != 2 || p.AirPollution != nil || p.RecyclingRate != nil {
		t.Fatalf("partial: %+v", p)
	}
}

func TestPut_RefusesToClobberCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.json.zst")
	if err := os.WriteFile(path, []byte("not zstd"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := Open(path)
	if _, _, err := NewMetricsStore(f).LoadMetrics(context.Background()); err == nil {
		t.Fatalf("expected decode error")
	}
	if err := f.Put(KeyEnvironmentMetrics, environment.Metrics{}); err == nil {
		t.Fatalf("expected put to refuse")
	}
	b, _ := os.ReadFile(path)
	if string(b) != "not zstd" {
		t.Fatalf("corrupt file was overwritten")
	}
}

func TestDelete(t *testing.T) {
	f := Open(filepath.Join(t.TempDir(), "nested", "storage.json.zst"))
	if err := f.Put("a", 1); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := f.Delete("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := f.Get("a"); ok {
		t.Fatalf("key still present")
	}
	doc, h, err := f.Dump()
	if err != nil || len(doc) != 0 || h.Version != formatVersion {
		t.Fatalf("dump: %v %+v %v", doc, h, err)
	}
}
