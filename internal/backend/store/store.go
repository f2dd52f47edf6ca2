// Package store is the companion backend's sqlite storage: one environment
// document and the user records.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"ecocity.ai/internal/sim/environment"
	"ecocity.ai/internal/sim/players"
	"ecocity.ai/internal/sim/tuning"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

const timeLayout = time.RFC3339Nano

// ExpPerLevel is how much experience each level needs, times the level.
const ExpPerLevel = 1000

type EnvironmentDoc struct {
	AirPollution        float64   `json:"airPollution"`
	CarbonEmission      float64   `json:"carbonEmission"`
	RecyclingRate       float64   `json:"recyclingRate"`
	LastCarbonThreshold float64   `json:"lastCarbonThreshold"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

func (d EnvironmentDoc) Metrics() environment.Metrics {
	return environment.Metrics{
		AirPollution:        d.AirPollution,
		CarbonEmission:      d.CarbonEmission,
		RecyclingRate:       d.RecyclingRate,
		LastCarbonThreshold: d.LastCarbonThreshold,
	}
}

type User struct {
	players.Player
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UserPatch carries the fields a PUT may change; nil fields are left alone.
type UserPatch struct {
	Name        *string  `json:"name,omitempty"`
	Money       *float64 `json:"money,omitempty"`
	Kills       *int     `json:"kills,omitempty"`
	Level       *int     `json:"level,omitempty"`
	Exp         *int     `json:"exp,omitempty"`
	CurrentMode *string  `json:"-"`
}

type Store struct {
	db    *sql.DB
	modes map[string]tuning.MoveMode
	now   func() time.Time
}

func Open(path string, modes map[string]tuning.MoveMode) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if len(modes) == 0 {
		modes = tuning.Defaults().MoveModes
	}
	return &Store{db: db, modes: modes, now: time.Now}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS environment (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			air_pollution REAL NOT NULL DEFAULT 0,
			carbon_emission REAL NOT NULL DEFAULT 0,
			recycling_rate REAL NOT NULL DEFAULT 0,
			last_carbon_threshold REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			money REAL NOT NULL DEFAULT 0,
			kills INTEGER NOT NULL DEFAULT 0,
			level INTEGER NOT NULL DEFAULT 1,
			exp INTEGER NOT NULL DEFAULT 0,
			move_mode TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) stamp() string { return s.now().UTC().Format(timeLayout) }

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEnvironment(ctx context.Context, q queryer) (*EnvironmentDoc, error) {
	var (
		d                  EnvironmentDoc
		created, updated string
	)
	err := q.QueryRowContext(ctx,
		`SELECT air_pollution,carbon_emission,recycling_rate,last_carbon_threshold,created_at,updated_at FROM environment WHERE id=1`).
		Scan(&d.AirPollution, &d.CarbonEmission, &d.RecyclingRate, &d.LastCarbonThreshold, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	d.CreatedAt = parseTime(created)
	d.UpdatedAt = parseTime(updated)
	return &d, nil
}

// GetEnvironment returns nil when no document exists.
func (s *Store) GetEnvironment(ctx context.Context) (*EnvironmentDoc, error) {
	return getEnvironment(ctx, s.db)
}

// UpsertEnvironment writes the present fields of p, creating the document if needed.
func (s *Store) UpsertEnvironment(ctx context.Context, p environment.Partial) (EnvironmentDoc, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return EnvironmentDoc{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getEnvironment(ctx, tx)
	if err != nil {
		return EnvironmentDoc{}, err
	}
	now := s.stamp()
	created := now
	var m environment.Metrics
	if cur != nil {
		m = cur.Metrics()
		created = cur.CreatedAt.UTC().Format(timeLayout)
	}
	m = p.Overlay(m)
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO environment(id,air_pollution,carbon_emission,recycling_rate,last_carbon_threshold,created_at,updated_at) VALUES(1,?,?,?,?,?,?)`,
		m.AirPollution, m.CarbonEmission, m.RecyclingRate, m.LastCarbonThreshold, created, now); err != nil {
		return EnvironmentDoc{}, fmt.Errorf("write environment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return EnvironmentDoc{}, err
	}
	return EnvironmentDoc{
		AirPollution:        m.AirPollution,
		CarbonEmission:      m.CarbonEmission,
		RecyclingRate:       m.RecyclingRate,
		LastCarbonThreshold: m.LastCarbonThreshold,
		CreatedAt:           parseTime(created),
		UpdatedAt:           parseTime(now),
	}, nil
}

// DeleteEnvironment removes the document and returns it, or nil if there was none.
func (s *Store) DeleteEnvironment(ctx context.Context) (*EnvironmentDoc, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	cur, err := getEnvironment(ctx, tx)
	if err != nil || cur == nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM environment WHERE id=1`); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cur, nil
}
