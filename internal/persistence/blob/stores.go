package blob

import (
	"context"
	"encoding/json"
	"fmt"

	"ecocity.ai/internal/sim/environment"
	"ecocity.ai/internal/sim/players"
)

const (
	KeyEnvironmentMetrics = "environmentMetrics"
	KeyUsers              = "users"
)

// MetricsStore exposes the environmentMetrics key as an environment.Store.
type MetricsStore struct{ f *File }

func NewMetricsStore(f *File) *MetricsStore { return &MetricsStore{f: f} }

func (s *MetricsStore) LoadMetrics(ctx context.Context) (environment.Partial, bool, error) {
	raw, ok, err := s.f.Get(KeyEnvironmentMetrics)
	if err != nil || !ok {
		return environment.Partial{}, false, err
	}
	p, err := environment.ParsePartial(raw)
	if err != nil {
		return environment.Partial{}, false, fmt.Errorf("%s: %w", KeyEnvironmentMetrics, err)
	}
	return p, true, nil
}

func (s *MetricsStore) SaveMetrics(ctx context.Context, m environment.Metrics) error {
	return s.f.Put(KeyEnvironmentMetrics, m)
}

// UsersStore exposes the users key to the player registry.
type UsersStore struct{ f *File }

func NewUsersStore(f *File) *UsersStore { return &UsersStore{f: f} }

func (s *UsersStore) LoadUsers(ctx context.Context) (map[string]players.Player, error) {
	raw, ok, err := s.f.Get(KeyUsers)
	if err != nil {
		return nil, err
	}
	out := map[string]players.Player{}
	if !ok {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", KeyUsers, err)
	}
	return out, nil
}

func (s *UsersStore) SaveUsers(ctx context.Context, users map[string]players.Player) error {
	return s.f.Put(KeyUsers, users)
}
