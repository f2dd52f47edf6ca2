// Package environment turns player movement and cleanup activity into the
// shared environment metrics (carbon emission, air pollution, recycling rate),
// persists them and pushes them to every subscribed display.
//
// An Engine is not safe for concurrent use. It is owned by a single update
// loop (see Host); persistence completions re-enter through that loop.
package environment

import (
	"context"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"time"

	"ecocity.ai/internal/protocol"
	"ecocity.ai/internal/sim/tuning"
)

// timerEpsilon absorbs float drift when many small dt values are summed.
const timerEpsilon = 1e-6

// DisplaySink receives metric pushes. Implementations must be comparable
// (pointer types) because the engine keys its registry by sink.
type DisplaySink interface {
	Push(protocol.MetricsData)
}

// Mover is one active player as seen by the engine.
type Mover interface {
	MovementCarbonRate() float64
}

// Store is the local durable snapshot.
type Store interface {
	LoadMetrics(ctx context.Context) (Partial, bool, error)
	SaveMetrics(ctx context.Context, m Metrics) error
}

// Remote is the companion backend's copy of the metrics.
type Remote interface {
	FetchMetrics(ctx context.Context) (Partial, bool, error)
	PushMetrics(ctx context.Context, m Metrics) (Partial, error)
}

// Saver accepts a rounded snapshot and persists it without blocking the caller.
type Saver interface {
	Save(m Metrics)
}

// Crossing describes one threshold crossing.
type Crossing struct {
	At             time.Time `json:"at"`
	Threshold      float64   `json:"threshold"`
	PollutionAdded float64   `json:"pollution_added"`
	CarbonEmission float64   `json:"carbon_emission"`
	AirPollution   float64   `json:"air_pollution"`
}

type Config struct {
	// UpdateInterval is how much dt must accumulate before movement is folded in.
	UpdateInterval float64
	// SaveInterval is how much dt must accumulate between local snapshots.
	SaveInterval float64
	// ThresholdUnit is the carbonEmission step that bumps airPollution.
	ThresholdUnit      float64
	PollutionFactorMin float64
	PollutionFactorMax float64
	// PrecisionDecimals and SaveDecimals round live and saved values. Zero
	// rounds to whole numbers; a negative value selects the default.
	PrecisionDecimals int
	SaveDecimals      int

	Store  Store
	Remote Remote
	Saver  Saver

	// OnCrossing is called on the update loop for every threshold crossing.
	OnCrossing func(Crossing)

	Rand   *rand.Rand
	Logger *log.Logger
	// Staff receives operator-only diagnostics.
	Staff *log.Logger
}

func ConfigFromTuning(t tuning.Tuning) Config {
	return Config{
		UpdateInterval:     t.UpdateIntervalSec,
		SaveInterval:       t.SaveIntervalSec,
		ThresholdUnit:      t.ThresholdUnit,
		PollutionFactorMin: t.PollutionFactorMin,
		PollutionFactorMax: t.PollutionFactorMax,
		PrecisionDecimals:  t.PrecisionDecimals,
		SaveDecimals:       t.SaveDecimals,
	}
}

func (c *Config) applyDefaults() {
	d := tuning.Defaults()
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = d.UpdateIntervalSec
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = d.SaveIntervalSec
	}
	if c.ThresholdUnit <= 0 {
		c.ThresholdUnit = d.ThresholdUnit
	}
	if c.PollutionFactorMin <= 0 && c.PollutionFactorMax <= 0 {
		c.PollutionFactorMin = d.PollutionFactorMin
		c.PollutionFactorMax = d.PollutionFactorMax
	}
	if c.PollutionFactorMax < c.PollutionFactorMin {
		c.PollutionFactorMax = c.PollutionFactorMin
	}
	if c.PrecisionDecimals < 0 {
		c.PrecisionDecimals = d.PrecisionDecimals
	}
	if c.SaveDecimals < 0 {
		c.SaveDecimals = d.SaveDecimals
	}
	if c.Rand == nil {
		now := uint64(time.Now().UnixNano())
		c.Rand = rand.New(rand.NewPCG(now, now>>17|1))
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
	if c.Staff == nil {
		c.Staff = c.Logger
	}
}

// Stats are counters exposed on /metrics.
type Stats struct {
	Updates      uint64
	Crossings    uint64
	SavesQueued  uint64
	SyncOK       uint64
	SyncFailed   uint64
	LoadFailures uint64
}

type Engine struct {
	cfg Config
	log *log.Logger

	m           Metrics
	updateTimer float64
	saveTimer   float64

	sinks map[DisplaySink]struct{}
	stats Stats
}

func New(cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:   cfg,
		log:   cfg.Logger,
		sinks: map[DisplaySink]struct{}{},
	}
}

func (e *Engine) Metrics() Metrics { return e.m }
func (e *Engine) Stats() Stats     { return e.stats }
func (e *Engine) Sinks() int       { return len(e.sinks) }
func (e *Engine) Config() Config   { return e.cfg }

// Load overlays the durable snapshot onto the current (default) metrics.
// The local store wins; the remote copy is consulted only when no local
// snapshot exists. With no snapshot anywhere the defaults are written back
// to seed the store. Failures are logged and the defaults kept.
func (e *Engine) Load(ctx context.Context) {
	defer e.fanOut()

	var (
		p     Partial
		found bool
		err   error
	)
	if e.cfg.Store != nil {
		p, found, err = e.cfg.Store.LoadMetrics(ctx)
		if err != nil {
			e.stats.LoadFailures++
			e.cfg.Staff.Printf("environment: load local snapshot: %v (using defaults)", err)
			return
		}
	}
	if !found && e.cfg.Remote != nil {
		rp, rfound, rerr := e.cfg.Remote.FetchMetrics(ctx)
		if rerr != nil {
			e.cfg.Staff.Printf("environment: fetch remote metrics: %v", rerr)
		} else if rfound {
			p, found = rp, true
		}
	}
	if found {
		e.m = sanitize(p.Overlay(e.m))
		e.log.Printf("environment loaded: air=%.5f carbon=%.5f recycling=%.5f threshold=%v",
			e.m.AirPollution, e.m.CarbonEmission, e.m.RecyclingRate, e.m.LastCarbonThreshold)
		return
	}
	if e.cfg.Store != nil {
		if err := e.cfg.Store.SaveMetrics(ctx, e.m); err != nil {
			e.cfg.Staff.Printf("environment: seed local snapshot: %v", err)
		}
	}
}

// RecordMovementTick is called once per frame with the currently active
// players. Emissions are summed and applied once per UpdateInterval.
func (e *Engine) RecordMovementTick(dt float64, players []Mover) {
	if !finite(dt) || dt <= 0 {
		return
	}
	e.updateTimer += dt
	if e.updateTimer+timerEpsilon < e.cfg.UpdateInterval {
		return
	}
	e.updateTimer = 0

	sum := 0.0
	for _, p := range players {
		if p == nil {
			continue
		}
		if r := p.MovementCarbonRate(); finite(r) {
			sum += r
		}
	}
	e.ApplyDelta(Partial{CarbonEmission: F(sum)})
}

// ApplyDelta applies a partial update and reports whether anything changed.
// carbonEmission is added to the current value (floored at 0); airPollution
// and recyclingRate replace the current value. Crossing into a new
// ThresholdUnit multiple adds one random pollution factor, however many
// units were crossed by this call.
func (e *Engine) ApplyDelta(d Partial) bool {
	changed := false

	if d.CarbonEmission != nil && finite(*d.CarbonEmission) {
		next := e.round(math.Max(0, e.round(e.m.CarbonEmission+*d.CarbonEmission)))
		if next != e.m.CarbonEmission {
			e.m.CarbonEmission = next
			changed = true

			threshold := e.round(math.Floor(next/e.cfg.ThresholdUnit) * e.cfg.ThresholdUnit)
			if threshold > e.m.LastCarbonThreshold {
				factor := e.pollutionFactor()
				e.m.AirPollution = e.round(e.m.AirPollution + factor)
				e.m.LastCarbonThreshold = threshold
				e.stats.Crossings++
				if e.cfg.OnCrossing != nil {
					e.cfg.OnCrossing(Crossing{
						At:             time.Now().UTC(),
						Threshold:      threshold,
						PollutionAdded: factor,
						CarbonEmission: next,
						AirPollution:   e.m.AirPollution,
					})
				}
			}
		}
	}

	if d.AirPollution != nil && finite(*d.AirPollution) {
		next := e.round(math.Max(0, *d.AirPollution))
		if next != e.m.AirPollution {
			e.m.AirPollution = next
			changed = true
		}
	}

	if d.RecyclingRate != nil && finite(*d.RecyclingRate) {
		next := e.round(math.Max(0, *d.RecyclingRate))
		if next != e.m.RecyclingRate {
			e.m.RecyclingRate = next
			changed = true
		}
	}

	if changed {
		e.stats.Updates++
		e.fanOut()
	}
	return changed
}

// ApplyKillReward folds a trash-monster kill into the metrics.
func (e *Engine) ApplyKillReward(carbonReduction, recyclingIncrease float64) bool {
	return e.ApplyDelta(Partial{
		CarbonEmission: F(-math.Abs(carbonReduction)),
		RecyclingRate:  F(e.m.RecyclingRate + math.Abs(recyclingIncrease)),
	})
}

// ScheduleSave hands a rounded snapshot to the Saver every SaveInterval.
func (e *Engine) ScheduleSave(dt float64) bool {
	if !finite(dt) || dt <= 0 {
		return false
	}
	e.saveTimer += dt
	if e.saveTimer+timerEpsilon < e.cfg.SaveInterval {
		return false
	}
	e.saveTimer = 0
	if e.cfg.Saver == nil {
		return false
	}
	e.stats.SavesQueued++
	e.cfg.Saver.Save(e.m.Rounded(e.cfg.SaveDecimals))
	return true
}

// SaveNow writes the rounded snapshot synchronously. Used on shutdown: a
// closable Saver is drained first so a queued older snapshot cannot land
// after this one.
func (e *Engine) SaveNow(ctx context.Context) error {
	if c, ok := e.cfg.Saver.(interface{ Close() }); ok {
		c.Close()
	}
	if e.cfg.Store == nil {
		return nil
	}
	if err := e.cfg.Store.SaveMetrics(ctx, e.m.Rounded(e.cfg.SaveDecimals)); err != nil {
		e.cfg.Staff.Printf("environment: save snapshot: %v", err)
		return err
	}
	return nil
}

// SyncRemote pushes the full metrics to the remote backend and reconciles
// with its answer.
func (e *Engine) SyncRemote(ctx context.Context) error {
	if e.cfg.Remote == nil {
		return nil
	}
	sent := e.m
	resp, err := e.cfg.Remote.PushMetrics(ctx, sent)
	return e.CompleteSync(sent, resp, err)
}

// CompleteSync applies the outcome of a push that carried sent. The server
// answer is overlaid only when local state did not move while the request
// was in flight; otherwise local state stays authoritative until the next
// sync.
func (e *Engine) CompleteSync(sent Metrics, resp Partial, err error) error {
	if err != nil {
		e.stats.SyncFailed++
		e.cfg.Staff.Printf("environment: remote sync failed: %v", err)
		return err
	}
	e.stats.SyncOK++
	if e.m != sent {
		return nil
	}
	next := sanitize(resp.Overlay(e.m))
	if next != e.m {
		e.m = next
		e.fanOut()
	}
	return nil
}

// Reset zeroes every metric including the threshold marker.
func (e *Engine) Reset() {
	e.m = Metrics{}
	e.fanOut()
}

func (e *Engine) SubscribeDisplay(s DisplaySink) {
	if s == nil {
		return
	}
	e.sinks[s] = struct{}{}
	s.Push(e.m.Display())
}

func (e *Engine) UnsubscribeDisplay(s DisplaySink) bool {
	if _, ok := e.sinks[s]; !ok {
		return false
	}
	delete(e.sinks, s)
	return true
}

// HandleSinkMessage processes a message sent by a sink. A close message
// unregisters the sink; anything else is ignored.
func (e *Engine) HandleSinkMessage(s DisplaySink, raw []byte) bool {
	if !protocol.IsClose(raw) {
		return false
	}
	return e.UnsubscribeDisplay(s)
}

func (e *Engine) fanOut() {
	d := e.m.Display()
	for s := range e.sinks {
		s.Push(d)
	}
}

func (e *Engine) pollutionFactor() float64 {
	lo, hi := e.cfg.PollutionFactorMin, e.cfg.PollutionFactorMax
	return e.round(lo + e.cfg.Rand.Float64()*(hi-lo))
}

func (e *Engine) round(v float64) float64 { return roundTo(v, e.cfg.PrecisionDecimals) }

func sanitize(m Metrics) Metrics {
	if !finite(m.AirPollution) || m.AirPollution < 0 {
		m.AirPollution = 0
	}
	if !finite(m.CarbonEmission) || m.CarbonEmission < 0 {
		m.CarbonEmission = 0
	}
	if !finite(m.RecyclingRate) || m.RecyclingRate < 0 {
		m.RecyclingRate = 0
	}
	if !finite(m.LastCarbonThreshold) {
		m.LastCarbonThreshold = 0
	}
	return m
}
