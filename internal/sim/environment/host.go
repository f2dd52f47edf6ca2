package environment

import (
	"context"
	"errors"
	"io"
	"log"
	"time"
)

// MovementSource lists the players that are currently moving.
type MovementSource interface {
	Active() []Mover
}

type HostConfig struct {
	FrameInterval time.Duration
	// SyncInterval, when positive, pushes metrics to the remote that often.
	SyncInterval time.Duration
	Source       MovementSource
	Logger       *log.Logger
}

// Snapshot is a point-in-time view of the engine for admin and metrics endpoints.
type Snapshot struct {
	Metrics Metrics `json:"metrics"`
	Sinks   int     `json:"sinks"`
	Stats   Stats   `json:"stats"`
}

var ErrHostStopped = errors.New("environment host stopped")

type sinkMsgReq struct {
	sink DisplaySink
	raw  []byte
	resp chan bool
}

type deltaReq struct {
	delta Partial
	resp  chan bool
}

type killReq struct {
	carbon    float64
	recycling float64
	resp      chan bool
}

type syncReq struct {
	resp chan error
}

type syncDone struct {
	sent Metrics
	resp Partial
	err  error
	// waiters are replied to once the result is applied.
	waiters []chan error
}

// Host runs the engine on a single goroutine. Every public method is safe to
// call from any goroutine; the work happens inside Run.
type Host struct {
	eng *Engine
	cfg HostConfig
	log *log.Logger

	subscribe   chan DisplaySink
	unsubscribe chan DisplaySink
	sinkMsg     chan sinkMsgReq
	delta       chan deltaReq
	kill        chan killReq
	reset       chan chan struct{}
	state       chan chan Snapshot
	sync        chan syncReq
	completions chan syncDone

	stop    chan struct{}
	stopped chan struct{}

	syncInFlight bool
	syncWaiters  []chan error
}

func NewHost(eng *Engine, cfg HostConfig) *Host {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 20 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Host{
		eng:         eng,
		cfg:         cfg,
		log:         cfg.Logger,
		subscribe:   make(chan DisplaySink),
		unsubscribe: make(chan DisplaySink),
		sinkMsg:     make(chan sinkMsgReq, 64),
		delta:       make(chan deltaReq, 64),
		kill:        make(chan killReq, 64),
		reset:       make(chan chan struct{}, 4),
		state:       make(chan chan Snapshot, 16),
		sync:        make(chan syncReq, 4),
		completions: make(chan syncDone, 4),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

func (h *Host) Engine() *Engine { return h.eng }

// Run loads the metrics, then drives frames until ctx is cancelled or Stop is
// called. On exit it writes a final snapshot and pushes it to the remote.
func (h *Host) Run(ctx context.Context) error {
	defer close(h.stopped)

	h.eng.Load(ctx)

	dt := h.cfg.FrameInterval.Seconds()
	ticker := time.NewTicker(h.cfg.FrameInterval)
	defer ticker.Stop()

	var syncC <-chan time.Time
	if h.cfg.SyncInterval > 0 {
		st := time.NewTicker(h.cfg.SyncInterval)
		defer st.Stop()
		syncC = st.C
	}

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case <-h.stop:
			break loop
		case s := <-h.subscribe:
			h.eng.SubscribeDisplay(s)
		case s := <-h.unsubscribe:
			h.eng.UnsubscribeDisplay(s)
		case req := <-h.sinkMsg:
			req.resp <- h.eng.HandleSinkMessage(req.sink, req.raw)
		case req := <-h.delta:
			req.resp <- h.eng.ApplyDelta(req.delta)
		case req := <-h.kill:
			req.resp <- h.eng.ApplyKillReward(req.carbon, req.recycling)
		case done := <-h.reset:
			h.eng.Reset()
			close(done)
		case resp := <-h.state:
			resp <- h.snapshot()
		case req := <-h.sync:
			h.syncWaiters = append(h.syncWaiters, req.resp)
			h.startSync(ctx)
		case <-syncC:
			h.startSync(ctx)
		case res := <-h.completions:
			h.syncInFlight = false
			err := h.eng.CompleteSync(res.sent, res.resp, res.err)
			for _, w := range res.waiters {
				w <- err
			}
			if len(h.syncWaiters) > 0 {
				h.startSync(ctx)
			}
		case <-ticker.C:
			h.frame(dt)
		}
	}

	h.shutdown()
	return runErr
}

func (h *Host) frame(dt float64) {
	var active []Mover
	if h.cfg.Source != nil {
		active = h.cfg.Source.Active()
	}
	h.eng.RecordMovementTick(dt, active)
	h.eng.ScheduleSave(dt)
}

func (h *Host) snapshot() Snapshot {
	return Snapshot{Metrics: h.eng.Metrics(), Sinks: h.eng.Sinks(), Stats: h.eng.Stats()}
}

// startSync runs one push at a time off the loop; its result re-enters
// through completions.
func (h *Host) startSync(ctx context.Context) {
	if h.syncInFlight {
		return
	}
	remote := h.eng.cfg.Remote
	waiters := h.syncWaiters
	h.syncWaiters = nil
	if remote == nil {
		for _, w := range waiters {
			w <- nil
		}
		return
	}
	h.syncInFlight = true
	sent := h.eng.Metrics()
	go func() {
		pctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		resp, err := remote.PushMetrics(pctx, sent)
		select {
		case h.completions <- syncDone{sent: sent, resp: resp, err: err, waiters: waiters}:
		case <-h.stopped:
			for _, w := range waiters {
				w <- ErrHostStopped
			}
		}
	}()
}

func (h *Host) shutdown() {
	for _, w := range h.syncWaiters {
		w <- ErrHostStopped
	}
	h.syncWaiters = nil

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := h.eng.SaveNow(ctx); err == nil {
		h.log.Printf("environment: final snapshot saved")
	}
	if err := h.eng.SyncRemote(ctx); err == nil && h.eng.cfg.Remote != nil {
		h.log.Printf("environment: final remote sync ok")
	}
}

func (h *Host) Stop() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
}

// Done is closed once Run has returned and the shutdown flush finished.
func (h *Host) Done() <-chan struct{} { return h.stopped }

func (h *Host) Subscribe(s DisplaySink) {
	select {
	case h.subscribe <- s:
	case <-h.stopped:
	}
}

func (h *Host) Unsubscribe(s DisplaySink) {
	select {
	case h.unsubscribe <- s:
	case <-h.stopped:
	}
}

// SinkMessage forwards an inbound sink message and reports whether the sink
// was unregistered by it.
func (h *Host) SinkMessage(ctx context.Context, s DisplaySink, raw []byte) (bool, error) {
	req := sinkMsgReq{sink: s, raw: raw, resp: make(chan bool, 1)}
	select {
	case h.sinkMsg <- req:
	case <-h.stopped:
		return false, ErrHostStopped
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return h.waitBool(ctx, req.resp)
}

func (h *Host) ApplyDelta(ctx context.Context, d Partial) (bool, error) {
	req := deltaReq{delta: d, resp: make(chan bool, 1)}
	select {
	case h.delta <- req:
	case <-h.stopped:
		return false, ErrHostStopped
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return h.waitBool(ctx, req.resp)
}

func (h *Host) ApplyKillReward(ctx context.Context, carbonReduction, recyclingIncrease float64) (bool, error) {
	req := killReq{carbon: carbonReduction, recycling: recyclingIncrease, resp: make(chan bool, 1)}
	select {
	case h.kill <- req:
	case <-h.stopped:
		return false, ErrHostStopped
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return h.waitBool(ctx, req.resp)
}

func (h *Host) Reset(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case h.reset <- done:
	case <-h.stopped:
		return ErrHostStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-h.stopped:
		return ErrHostStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) State(ctx context.Context) (Snapshot, error) {
	resp := make(chan Snapshot, 1)
	select {
	case h.state <- resp:
	case <-h.stopped:
		return Snapshot{}, ErrHostStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-resp:
		return s, nil
	case <-h.stopped:
		return Snapshot{}, ErrHostStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Sync pushes the current metrics to the remote and waits for the result.
func (h *Host) Sync(ctx context.Context) error {
	req := syncReq{resp: make(chan error, 1)}
	select {
	case h.sync <- req:
	case <-h.stopped:
		return ErrHostStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.resp:
		return err
	case <-h.stopped:
		return ErrHostStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) waitBool(ctx context.Context, ch chan bool) (bool, error) {
	select {
	case v := <-ch:
		return v, nil
	case <-h.stopped:
		return false, ErrHostStopped
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
