// Package indexdb is a queryable sqlite history of metric snapshots and
// threshold crossings. The blob file stays the source of truth; rows here
// may be dropped when the writer falls behind.
package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"ecocity.ai/internal/sim/environment"
	"ecocity.ai/internal/sim/tuning"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropSave     atomic.Uint64
	dropCrossing atomic.Uint64
}

type reqKind int

const (
	reqSave reqKind = iota + 1
	reqCrossing
)

type req struct {
	kind reqKind

	save     SaveRow
	crossing CrossingRow
}

type SaveRow struct {
	ID                  int64   `json:"id"`
	SavedAt             string  `json:"saved_at"`
	AirPollution        float64 `json:"air_pollution"`
	CarbonEmission      float64 `json:"carbon_emission"`
	RecyclingRate       float64 `json:"recycling_rate"`
	LastCarbonThreshold float64 `json:"last_carbon_threshold"`
}

type CrossingRow struct {
	ID             int64   `json:"id"`
	At             string  `json:"at"`
	Threshold      float64 `json:"threshold"`
	PollutionAdded float64 `json:"pollution_added"`
	CarbonEmission float64 `json:"carbon_emission"`
	AirPollution   float64 `json:"air_pollution"`
}

type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	DropSaveTotal     uint64
	DropCrossingTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tuning (
			digest TEXT PRIMARY KEY,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS metrics_saves (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			saved_at TEXT NOT NULL,
			air_pollution REAL NOT NULL,
			carbon_emission REAL NOT NULL,
			recycling_rate REAL NOT NULL,
			last_carbon_threshold REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_saves_at ON metrics_saves(saved_at);`,
		`CREATE TABLE IF NOT EXISTS threshold_crossings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			threshold REAL NOT NULL,
			pollution_added REAL NOT NULL,
			carbon_emission REAL NOT NULL,
			air_pollution REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_threshold_crossings_threshold ON threshold_crossings(threshold);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropSaveTotal:     s.dropSave.Load(),
		DropCrossingTotal: s.dropCrossing.Load(),
	}
}

// RecordSave queues a persisted snapshot.
func (s *SQLiteIndex) RecordSave(m environment.Metrics) {
	if s == nil || s.closed.Load() {
		return
	}
	r := SaveRow{
		SavedAt:             time.Now().UTC().Format(time.RFC3339Nano),
		AirPollution:        m.AirPollution,
		CarbonEmission:      m.CarbonEmission,
		RecyclingRate:       m.RecyclingRate,
		LastCarbonThreshold: m.LastCarbonThreshold,
	}
	select {
	case s.ch <- req{kind: reqSave, save: r}:
	default:
		s.dropSave.Add(1)
	}
}

func (s *SQLiteIndex) RecordCrossing(c environment.Crossing) {
	if s == nil || s.closed.Load() {
		return
	}
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}
	r := CrossingRow{
		At:             at.UTC().Format(time.RFC3339Nano),
		Threshold:      c.Threshold,
		PollutionAdded: c.PollutionAdded,
		CarbonEmission: c.CarbonEmission,
		AirPollution:   c.AirPollution,
	}
	select {
	case s.ch <- req{kind: reqCrossing, crossing: r}:
	default:
		s.dropCrossing.Add(1)
	}
}

// UpsertTuning records the tuning the server actually runs with.
func (s *SQLiteIndex) UpsertTuning(tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	digest := hex.EncodeToString(sum[:])
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('tuning_digest',?)`, digest); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO tuning(digest,json,updated_at) VALUES(?,?,?)`, digest, string(b), now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertSave, _ := s.db.Prepare(`INSERT INTO metrics_saves(saved_at,air_pollution,carbon_emission,recycling_rate,last_carbon_threshold) VALUES(?,?,?,?,?)`)
	insertCrossing, _ := s.db.Prepare(`INSERT INTO threshold_crossings(at,threshold,pollution_added,carbon_emission,air_pollution) VALUES(?,?,?,?,?)`)
	defer func() {
		if insertSave != nil {
			_ = insertSave.Close()
		}
		if insertCrossing != nil {
			_ = insertCrossing.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 64
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqSave:
			sv := r.save
			if insertSave != nil {
				if _, err := tx.Stmt(insertSave).Exec(sv.SavedAt, sv.AirPollution, sv.CarbonEmission, sv.RecyclingRate, sv.LastCarbonThreshold); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		case reqCrossing:
			c := r.crossing
			if insertCrossing != nil {
				if _, err := tx.Stmt(insertCrossing).Exec(c.At, c.Threshold, c.PollutionAdded, c.CarbonEmission, c.AirPollution); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		// Saves and crossings are rare; commit eagerly once the queue is drained.
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}

	commit()
}
