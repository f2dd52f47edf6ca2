package environment

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"ecocity.ai/internal/protocol"
	"ecocity.ai/internal/sim/tuning"
)

type recSink struct {
	mu  sync.Mutex
	got []protocol.MetricsData
}

func (s *recSink) Push(d protocol.MetricsData) {
	s.mu.Lock()
	s.got = append(s.got, d)
	s.mu.Unlock()
}

func (s *recSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func (s *recSink) last() protocol.MetricsData {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.got) == 0 {
		return protocol.MetricsData{}
	}
	return s.got[len(s.got)-1]
}

type memStore struct {
	mu      sync.Mutex
	p       Partial
	found   bool
	loadErr error
	saveErr error
	saves   []Metrics
}

func (s *memStore) LoadMetrics(context.Context) (Partial, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p, s.found, s.loadErr
}

func (s *memStore) SaveMetrics(_ context.Context, m Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves = append(s.saves, m)
	return nil
}

func (s *memStore) saved() []Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Metrics(nil), s.saves...)
}

type fakeRemote struct {
	mu       sync.Mutex
	fetch    Partial
	found    bool
	fetchErr error
	pushErr  error
	pushResp func(Metrics) Partial
	pushed   []Metrics
	fetches  int
}

func (r *fakeRemote) FetchMetrics(context.Context) (Partial, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
	return r.fetch, r.found, r.fetchErr
}

func (r *fakeRemote) PushMetrics(_ context.Context, m Metrics) (Partial, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushed = append(r.pushed, m)
	if r.pushErr != nil {
		return Partial{}, r.pushErr
	}
	if r.pushResp != nil {
		return r.pushResp(m), nil
	}
	return Full(m), nil
}

type captureSaver struct{ saves []Metrics }

func (s *captureSaver) Save(m Metrics) { s.saves = append(s.saves, m) }

type rate float64

func (r rate) MovementCarbonRate() float64 { return float64(r) }

// newTestEngine uses the production rounding unless the test picks its own.
func newTestEngine(cfg Config) *Engine {
	if cfg.PrecisionDecimals == 0 && cfg.SaveDecimals == 0 {
		d := tuning.Defaults()
		cfg.PrecisionDecimals, cfg.SaveDecimals = d.PrecisionDecimals, d.SaveDecimals
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(1, 2))
	}
	return New(cfg)
}

func TestApplyDelta_BelowThresholdThenCrossing(t *testing.T) {
	var crossings []Crossing
	e := newTestEngine(Config{OnCrossing: func(c Crossing) { crossings = append(crossings, c) }})

	if !e.ApplyDelta(Partial{CarbonEmission: F(0.5)}) {
		t.Fatalf("expected change")
	}
	m := e.Metrics()
	if m.CarbonEmission != 0.5 || m.LastCarbonThreshold != 0 || m.AirPollution != 0 {
		t.Fatalf("after 0.5: %+v", m)
	}

	e.ApplyDelta(Partial{CarbonEmission: F(0.6)})
	m = e.Metrics()
	if m.CarbonEmission != 1.1 {
		t.Fatalf("carbon: got %v want 1.1", m.CarbonEmission)
	}
	if m.LastCarbonThreshold != 1 {
		t.Fatalf("threshold: got %v want 1", m.LastCarbonThreshold)
	}
	if m.AirPollution < 0.25 || m.AirPollution > 2.0 {
		t.Fatalf("air pollution %v outside [0.25,2.0]", m.AirPollution)
	}
	if len(crossings) != 1 || crossings[0].Threshold != 1 || crossings[0].PollutionAdded != m.AirPollution {
		t.Fatalf("crossings: %+v", crossings)
	}
}

func TestApplyDelta_ClampsAtZeroAndKeepsMarker(t *testing.T) {
	e := newTestEngine(Config{})
	e.ApplyDelta(Partial{CarbonEmission: F(1.1)})
	air := e.Metrics().AirPollution

	e.ApplyDelta(Partial{CarbonEmission: F(-10)})
	m := e.Metrics()
	if m.CarbonEmission != 0 {
		t.Fatalf("carbon: got %v want 0", m.CarbonEmission)
	}
	if m.LastCarbonThreshold != 1 || m.AirPollution != air {
		t.Fatalf("marker or air moved: %+v", m)
	}

	// Climbing back to the same unit must not add pollution again.
	e.ApplyDelta(Partial{CarbonEmission: F(1.5)})
	if got := e.Metrics().AirPollution; got != air {
		t.Fatalf("air pollution after recrossing: got %v want %v", got, air)
	}
	if e.Stats().Crossings != 1 {
		t.Fatalf("crossings: got %d want 1", e.Stats().Crossings)
	}
}

func TestApplyDelta_MultiUnitJumpDrawsOnce(t *testing.T) {
	e := newTestEngine(Config{})
	e.ApplyDelta(Partial{CarbonEmission: F(3.5)})
	m := e.Metrics()
	if m.LastCarbonThreshold != 3 {
		t.Fatalf("threshold: got %v want 3", m.LastCarbonThreshold)
	}
	if m.AirPollution < 0.25 || m.AirPollution > 2.0 {
		t.Fatalf("air pollution %v: want a single factor", m.AirPollution)
	}
}

func TestApplyDelta_EmptyAndUnchangedAreNoOps(t *testing.T) {
	e := newTestEngine(Config{})
	sink := &recSink{}
	e.SubscribeDisplay(sink)

	if e.ApplyDelta(Partial{}) {
		t.Fatalf("empty delta reported a change")
	}
	if e.ApplyDelta(Partial{CarbonEmission: F(0)}) {
		t.Fatalf("zero carbon delta reported a change")
	}
	if e.ApplyDelta(Partial{CarbonEmission: F(-1)}) {
		t.Fatalf("negative delta at zero reported a change")
	}
	if sink.count() != 1 {
		t.Fatalf("pushes: got %d want only the subscribe push", sink.count())
	}
}

func TestApplyDelta_OverridesAirAndRecycling(t *testing.T) {
	e := newTestEngine(Config{})
	e.ApplyDelta(Partial{AirPollution: F(4.123456789), RecyclingRate: F(0.25)})
	m := e.Metrics()
	if m.AirPollution != 4.12346 || m.RecyclingRate != 0.25 {
		t.Fatalf("overrides: %+v", m)
	}
	e.ApplyDelta(Partial{RecyclingRate: F(-3)})
	if got := e.Metrics().RecyclingRate; got != 0 {
		t.Fatalf("negative recycling override: got %v want 0", got)
	}
}

func TestApplyKillReward(t *testing.T) {
	e := newTestEngine(Config{})
	e.ApplyDelta(Partial{CarbonEmission: F(0.5)})
	if !e.ApplyKillReward(0.1, 0.005) {
		t.Fatalf("expected change")
	}
	m := e.Metrics()
	if m.CarbonEmission != 0.4 || m.RecyclingRate != 0.005 {
		t.Fatalf("after kill: %+v", m)
	}
}

func TestRecordMovementTick_OneUpdatePerInterval(t *testing.T) {
	e := newTestEngine(Config{})
	players := []Mover{rate(0.0001), rate(0.0007)}

	for i := 0; i < 49; i++ {
		e.RecordMovementTick(0.02, players)
	}
	if e.Stats().Updates != 0 {
		t.Fatalf("update before interval elapsed")
	}
	e.RecordMovementTick(0.02, players)
	if got := e.Metrics().CarbonEmission; got != 0.0008 {
		t.Fatalf("carbon: got %v want 0.0008", got)
	}
	if e.Stats().Updates != 1 {
		t.Fatalf("updates: got %d want 1", e.Stats().Updates)
	}
}

func TestRecordMovementTick_NoPlayersNoPush(t *testing.T) {
	e := newTestEngine(Config{})
	sink := &recSink{}
	e.SubscribeDisplay(sink)
	for i := 0; i < 200; i++ {
		e.RecordMovementTick(0.02, nil)
	}
	if sink.count() != 1 {
		t.Fatalf("pushes: got %d want 1", sink.count())
	}
}

func TestScheduleSave_OncePerIntervalRounded(t *testing.T) {
	saver := &captureSaver{}
	e := newTestEngine(Config{Saver: saver})
	e.ApplyDelta(Partial{CarbonEmission: F(0.123456), RecyclingRate: F(0.98765)})

	for i := 0; i < 25000; i++ {
		e.ScheduleSave(0.02)
	}
	if len(saver.saves) != 1 {
		t.Fatalf("saves: got %d want 1", len(saver.saves))
	}
	got := saver.saves[0]
	if got.CarbonEmission != 0.12 || got.RecyclingRate != 0.99 {
		t.Fatalf("saved snapshot not rounded: %+v", got)
	}
	if e.Metrics().CarbonEmission != 0.12346 {
		t.Fatalf("live state must keep full precision: %+v", e.Metrics())
	}
}

func TestLoad_OverlaysPartialLocalSnapshot(t *testing.T) {
	store := &memStore{p: Partial{CarbonEmission: F(2), LastCarbonThreshold: F(2)}, found: true}
	remote := &fakeRemote{}
	e := newTestEngine(Config{Store: store, Remote: remote})
	sink := &recSink{}
	e.SubscribeDisplay(sink)

	e.Load(context.Background())
	m := e.Metrics()
	if m.CarbonEmission != 2 || m.LastCarbonThreshold != 2 || m.AirPollution != 0 || m.RecyclingRate != 0 {
		t.Fatalf("overlay: %+v", m)
	}
	if remote.fetches != 0 {
		t.Fatalf("remote consulted although a local snapshot exists")
	}
	if sink.last().CarbonEmission != 2 {
		t.Fatalf("load did not push: %+v", sink.last())
	}
	if len(store.saved()) != 0 {
		t.Fatalf("load must not rewrite an existing snapshot")
	}
}

func TestLoad_FallsBackToRemoteThenSeeds(t *testing.T) {
	store := &memStore{}
	remote := &fakeRemote{fetch: Partial{AirPollution: F(0.75)}, found: true}
	e := newTestEngine(Config{Store: store, Remote: remote})
	e.Load(context.Background())
	if got := e.Metrics().AirPollution; got != 0.75 {
		t.Fatalf("remote fallback: got %v", got)
	}

	store2 := &memStore{}
	e2 := newTestEngine(Config{Store: store2, Remote: &fakeRemote{}})
	e2.Load(context.Background())
	saves := store2.saved()
	if len(saves) != 1 || saves[0] != (Metrics{}) {
		t.Fatalf("seed: %+v", saves)
	}
}

func TestLoad_ReadErrorKeepsDefaults(t *testing.T) {
	store := &memStore{loadErr: errors.New("corrupt")}
	e := newTestEngine(Config{Store: store})
	e.Load(context.Background())
	if e.Metrics() != (Metrics{}) {
		t.Fatalf("state: %+v", e.Metrics())
	}
	if len(store.saved()) != 0 {
		t.Fatalf("a failed read must not be overwritten")
	}
	if e.Stats().LoadFailures != 1 {
		t.Fatalf("load failures: %d", e.Stats().LoadFailures)
	}
}

func TestLoad_SanitizesNegativeValues(t *testing.T) {
	store := &memStore{p: Partial{AirPollution: F(-1), RecyclingRate: F(0.5)}, found: true}
	e := newTestEngine(Config{Store: store})
	e.Load(context.Background())
	m := e.Metrics()
	if m.AirPollution != 0 || m.RecyclingRate != 0.5 {
		t.Fatalf("state: %+v", m)
	}
}

func TestFanOut_OncePerSinkPerChange(t *testing.T) {
	e := newTestEngine(Config{})
	a, b := &recSink{}, &recSink{}
	e.SubscribeDisplay(a)
	e.SubscribeDisplay(b)
	e.SubscribeDisplay(a)

	e.ApplyDelta(Partial{CarbonEmission: F(0.2), RecyclingRate: F(0.1)})
	if a.count() != 3 || b.count() != 2 {
		t.Fatalf("pushes: a=%d b=%d", a.count(), b.count())
	}
	if e.Sinks() != 2 {
		t.Fatalf("sinks: %d", e.Sinks())
	}
	want := protocol.MetricsData{CarbonEmission: 0.2, RecyclingRate: 0.1}
	if b.last() != want {
		t.Fatalf("payload: got %+v want %+v", b.last(), want)
	}
}

func TestHandleSinkMessage_CloseUnsubscribes(t *testing.T) {
	e := newTestEngine(Config{})
	s := &recSink{}
	e.SubscribeDisplay(s)

	if e.HandleSinkMessage(s, []byte(`{"type":"ping"}`)) {
		t.Fatalf("non-close message unsubscribed")
	}
	if !e.HandleSinkMessage(s, []byte(`{"type":"close"}`)) {
		t.Fatalf("close not honoured")
	}
	e.ApplyDelta(Partial{CarbonEmission: F(0.3)})
	if s.count() != 1 {
		t.Fatalf("closed sink still receives pushes: %d", s.count())
	}
	if e.HandleSinkMessage(s, []byte(`{"type":"close"}`)) {
		t.Fatalf("second close reported an unsubscribe")
	}
}

func TestSyncRemote_OverlaysServerAnswer(t *testing.T) {
	remote := &fakeRemote{pushResp: func(m Metrics) Partial {
		m.RecyclingRate = 0.5
		return Full(m)
	}}
	e := newTestEngine(Config{Remote: remote})
	e.ApplyDelta(Partial{CarbonEmission: F(0.3)})
	if err := e.SyncRemote(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := e.Metrics().RecyclingRate; got != 0.5 {
		t.Fatalf("recycling after sync: got %v", got)
	}
	if len(remote.pushed) != 1 || remote.pushed[0].CarbonEmission != 0.3 {
		t.Fatalf("pushed: %+v", remote.pushed)
	}
}

func TestCompleteSync_StaleAnswerIgnored(t *testing.T) {
	e := newTestEngine(Config{Remote: &fakeRemote{}})
	sent := e.Metrics()
	e.ApplyDelta(Partial{CarbonEmission: F(0.4)})

	if err := e.CompleteSync(sent, Partial{CarbonEmission: F(9)}, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := e.Metrics().CarbonEmission; got != 0.4 {
		t.Fatalf("stale answer applied: %v", got)
	}
}

func TestSyncRemote_FailureKeepsLocalState(t *testing.T) {
	e := newTestEngine(Config{Remote: &fakeRemote{pushErr: errors.New("503")}})
	e.ApplyDelta(Partial{CarbonEmission: F(0.7)})
	if err := e.SyncRemote(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if got := e.Metrics().CarbonEmission; got != 0.7 {
		t.Fatalf("state changed on failure: %v", got)
	}
	if e.Stats().SyncFailed != 1 {
		t.Fatalf("sync failed counter: %d", e.Stats().SyncFailed)
	}
}

func TestReset(t *testing.T) {
	e := newTestEngine(Config{})
	s := &recSink{}
	e.SubscribeDisplay(s)
	e.ApplyDelta(Partial{CarbonEmission: F(2.5)})
	e.Reset()
	if e.Metrics() != (Metrics{}) {
		t.Fatalf("reset: %+v", e.Metrics())
	}
	if s.last() != (protocol.MetricsData{}) {
		t.Fatalf("reset not pushed: %+v", s.last())
	}
}

func TestZeroDecimals_RoundsToWholeNumbers(t *testing.T) {
	cfg := ConfigFromTuning(tuning.Defaults())
	cfg.PrecisionDecimals = 0
	cfg.SaveDecimals = 0
	cfg.Rand = rand.New(rand.NewPCG(1, 2))
	e := New(cfg)

	e.ApplyDelta(Partial{CarbonEmission: F(1.6)})
	if got := e.Metrics().CarbonEmission; got != 2 {
		t.Fatalf("carbon with 0 decimals: got %v want 2", got)
	}
	if e.cfg.PrecisionDecimals != 0 || e.cfg.SaveDecimals != 0 {
		t.Fatalf("zero decimals replaced by defaults: %d/%d", e.cfg.PrecisionDecimals, e.cfg.SaveDecimals)
	}
}

func TestNegativeDecimals_SelectDefaults(t *testing.T) {
	e := New(Config{PrecisionDecimals: -1, SaveDecimals: -1, Rand: rand.New(rand.NewPCG(1, 2))})
	d := tuning.Defaults()
	if e.cfg.PrecisionDecimals != d.PrecisionDecimals || e.cfg.SaveDecimals != d.SaveDecimals {
		t.Fatalf("decimals: %d/%d", e.cfg.PrecisionDecimals, e.cfg.SaveDecimals)
	}
}
