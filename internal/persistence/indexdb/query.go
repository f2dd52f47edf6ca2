package indexdb

import (
	"context"
	"database/sql"
	"fmt"
)

// OpenReadOnly opens an existing index for queries without starting a writer.
func OpenReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func RecentSaves(ctx context.Context, db *sql.DB, limit int) ([]SaveRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id,saved_at,air_pollution,carbon_emission,recycling_rate,last_carbon_threshold
		FROM metrics_saves ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query metrics_saves: %w", err)
	}
	defer rows.Close()
	var out []SaveRow
	for rows.Next() {
		var r SaveRow
		if err := rows.Scan(&r.ID, &r.SavedAt, &r.AirPollution, &r.CarbonEmission, &r.RecyclingRate, &r.LastCarbonThreshold); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func RecentCrossings(ctx context.Context, db *sql.DB, limit int) ([]CrossingRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id,at,threshold,pollution_added,carbon_emission,air_pollution
		FROM threshold_crossings ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query threshold_crossings: %w", err)
	}
	defer rows.Close()
	var out []CrossingRow
	for rows.Next() {
		var r CrossingRow
		if err := rows.Scan(&r.ID, &r.At, &r.Threshold, &r.PollutionAdded, &r.CarbonEmission, &r.AirPollution); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
