package players

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"ecocity.ai/internal/sim/environment"
	"ecocity.ai/internal/sim/tuning"
)

var ErrUnknownPlayer = errors.New("unknown player")

// Store persists non-guest players between sessions.
type Store interface {
	LoadUsers(ctx context.Context) (map[string]Player, error)
	SaveUsers(ctx context.Context, users map[string]Player) error
}

// Syncer mirrors a player record to the companion backend.
type Syncer interface {
	UpsertUser(ctx context.Context, p Player) error
}

// Reward is what one trash-monster kill earned.
type Reward struct {
	Money             float64 `json:"money"`
	CarbonReduction   float64 `json:"carbonReduction"`
	RecyclingIncrease float64 `json:"recyclingIncrease"`
	Balance           float64 `json:"balance"`
}

type Config struct {
	Tuning tuning.Tuning
	Store  Store
	Syncer Syncer
	Rand   *rand.Rand
	Logger *log.Logger
}

type Registry struct {
	mu sync.Mutex
	// writeMu orders snapshot+write pairs so an older users map never lands last.
	writeMu sync.Mutex

	tuning tuning.Tuning
	store  Store
	syncer Syncer
	rng    *rand.Rand
	log    *log.Logger

	active map[string]*Player
	guests map[string]bool
	known  map[string]Player
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Tuning.MoveModes == nil {
		cfg.Tuning = tuning.Defaults()
	}
	if cfg.Rand == nil {
		now := uint64(time.Now().UnixNano())
		cfg.Rand = rand.New(rand.NewPCG(now, now>>23|1))
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Registry{
		tuning: cfg.Tuning,
		store:  cfg.Store,
		syncer: cfg.Syncer,
		rng:    cfg.Rand,
		log:    cfg.Logger,
		active: map[string]*Player{},
		guests: map[string]bool{},
		known:  map[string]Player{},
	}
}

// Load reads persisted players. A missing store leaves the registry empty.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	users, err := r.store.LoadUsers(ctx)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range users {
		if p.MoveMode.Modes == nil {
			p.MoveMode = DefaultMoveState(r.tuning.MoveModes)
		}
		r.known[id] = p
	}
	return nil
}

func (r *Registry) newPlayer(id, name string) Player {
	return Player{
		UserID:   id,
		Name:     name,
		Level:    1,
		MoveMode: DefaultMoveState(r.tuning.MoveModes),
	}
}

// Join activates a player, restoring a stored record when one exists.
func (r *Registry) Join(ctx context.Context, id, name string) (Player, error) {
	if id == "" {
		return Player{}, fmt.Errorf("join: empty player id")
	}
	r.mu.Lock()
	if p, ok := r.active[id]; ok {
		out := *p
		r.mu.Unlock()
		return out, nil
	}
	guest := IsGuest(name)
	p, ok := r.known[id]
	if !ok || guest {
		p = r.newPlayer(id, name)
	}
	if name != "" {
		p.Name = name
	}
	cp := p
	r.active[id] = &cp
	if guest {
		r.guests[id] = true
	} else {
		r.known[id] = p
	}
	r.mu.Unlock()

	if guest {
		r.log.Printf("players: guest %s joined (not persisted)", id)
		return p, nil
	}
	if !ok {
		r.persist(ctx)
	}
	return p, nil
}

// Leave deactivates a player, persists it and mirrors it to the backend.
func (r *Registry) Leave(ctx context.Context, id string) (Player, error) {
	r.mu.Lock()
	p, ok := r.active[id]
	if !ok {
		r.mu.Unlock()
		return Player{}, ErrUnknownPlayer
	}
	delete(r.active, id)
	guest := r.guests[id]
	delete(r.guests, id)
	out := *p
	if !guest {
		r.known[id] = out
	}
	r.mu.Unlock()

	if guest {
		return out, nil
	}
	r.persist(ctx)
	if r.syncer != nil {
		if err := r.syncer.UpsertUser(ctx, out); err != nil {
			r.log.Printf("players: sync %s: %v", id, err)
		}
	}
	return out, nil
}

func (r *Registry) ToggleMode(ctx context.Context, id string) (Player, error) {
	return r.update(ctx, id, func(p *Player) error {
		p.MoveMode.Toggle()
		return nil
	})
}

// ResetMoveMode restores the tuned mode table and puts the player back on WALK.
func (r *Registry) ResetMoveMode(ctx context.Context, id string) (Player, error) {
	return r.update(ctx, id, func(p *Player) error {
		p.MoveMode = DefaultMoveState(r.tuning.MoveModes)
		return nil
	})
}

func (r *Registry) SetMode(ctx context.Context, id, mode string) (Player, error) {
	return r.update(ctx, id, func(p *Player) error {
		return p.MoveMode.Set(mode)
	})
}

// RecordKill credits a kill and draws the reward.
func (r *Registry) RecordKill(ctx context.Context, id string) (Reward, error) {
	var rw Reward
	_, err := r.update(ctx, id, func(p *Player) error {
		kr := r.tuning.KillReward
		rw.Money = uniform(r.rng, kr.MoneyMin, kr.MoneyMax)
		rw.CarbonReduction = uniform(r.rng, kr.CarbonReductionMin, kr.CarbonReductionMax)
		rw.RecyclingIncrease = uniform(r.rng, kr.RecyclingIncreaseMin, kr.RecyclingIncreaseMax)
		p.Kills++
		p.Money += rw.Money
		rw.Balance = p.Money
		return nil
	})
	return rw, err
}

func (r *Registry) Get(id string) (Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.active[id]; ok {
		return *p, true
	}
	p, ok := r.known[id]
	return p, ok
}

// Active returns every player in the space, guests included, sorted by id.
func (r *Registry) Active() []environment.Mover {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]environment.Mover, 0, len(ids))
	for _, id := range ids {
		cp := *r.active[id]
		out = append(out, &cp)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Flush writes every known player. Used on shutdown.
func (r *Registry) Flush(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.store.SaveUsers(ctx, r.persistable())
}

func (r *Registry) update(ctx context.Context, id string, fn func(p *Player) error) (Player, error) {
	r.mu.Lock()
	p, ok := r.active[id]
	if !ok {
		r.mu.Unlock()
		return Player{}, ErrUnknownPlayer
	}
	if err := fn(p); err != nil {
		r.mu.Unlock()
		return Player{}, err
	}
	out := *p
	guest := r.guests[id]
	if !guest {
		r.known[id] = out
	}
	r.mu.Unlock()

	if !guest {
		r.persist(ctx)
	}
	return out, nil
}

func (r *Registry) persistable() map[string]Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Player, len(r.known))
	for id, p := range r.known {
		out[id] = p
	}
	return out
}

func (r *Registry) persist(ctx context.Context) {
	if r.store == nil {
		return
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.store.SaveUsers(ctx, r.persistable()); err != nil {
		r.log.Printf("players: save users: %v", err)
	}
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
