package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ecocity.ai/internal/sim/players"
)

func getUser(ctx context.Context, q queryer, id string) (User, error) {
	var (
		u                User
		mode             string
		created, updated string
	)
	err := q.QueryRowContext(ctx,
		`SELECT user_id,name,money,kills,level,exp,move_mode,created_at,updated_at FROM users WHERE user_id=?`, id).
		Scan(&u.UserID, &u.Name, &u.Money, &u.Kills, &u.Level, &u.Exp, &mode, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("read user %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(mode), &u.MoveMode); err != nil {
		return User{}, fmt.Errorf("user %s move_mode: %w", id, err)
	}
	u.CreatedAt = parseTime(created)
	u.UpdatedAt = parseTime(updated)
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	return getUser(ctx, s.db, id)
}

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM users ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]User, 0, len(ids))
	for _, id := range ids {
		u, err := s.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *Store) writeUser(ctx context.Context, tx *sql.Tx, u User, created string) error {
	mode, err := json.Marshal(u.MoveMode)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO users(user_id,name,money,kills,level,exp,move_mode,created_at,updated_at) VALUES(?,?,?,?,?,?,?,?,?)`,
		u.UserID, u.Name, u.Money, u.Kills, u.Level, u.Exp, string(mode), created, s.stamp())
	if err != nil {
		return fmt.Errorf("write user %s: %w", u.UserID, err)
	}
	return nil
}

// UpsertUser creates the user or refreshes its name, money, kills and current
// move mode. Mode definitions always come from the server's tuning.
func (s *Store) UpsertUser(ctx context.Context, p players.Player) (User, bool, error) {
	if p.UserID == "" || p.Name == "" {
		return User{}, false, fmt.Errorf("userId and name are required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	u, err := getUser(ctx, tx, p.UserID)
	created := false
	switch {
	case errors.Is(err, ErrNotFound):
		created = true
		u = User{Player: players.Player{UserID: p.UserID, Level: 1}}
		u.CreatedAt = s.now()
	case err != nil:
		return User{}, false, err
	}
	current := p.MoveMode.CurrentMode
	u.Name = p.Name
	u.Money = p.Money
	u.Kills = p.Kills
	u.MoveMode = players.DefaultMoveState(s.modes)
	if _, ok := s.modes[current]; ok {
		u.MoveMode.CurrentMode = current
	}
	if err := s.writeUser(ctx, tx, u, u.CreatedAt.UTC().Format(timeLayout)); err != nil {
		return User{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return User{}, false, err
	}
	out, err := s.GetUser(ctx, p.UserID)
	return out, created, err
}

// MutateUser applies fn to the stored user inside one transaction.
func (s *Store) MutateUser(ctx context.Context, id string, fn func(u *User) error) (User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	u, err := getUser(ctx, tx, id)
	if err != nil {
		return User{}, err
	}
	if err := fn(&u); err != nil {
		return User{}, err
	}
	if err := s.writeUser(ctx, tx, u, u.CreatedAt.UTC().Format(timeLayout)); err != nil {
		return User{}, err
	}
	if err := tx.Commit(); err != nil {
		return User{}, err
	}
	return s.GetUser(ctx, id)
}

func (s *Store) UpdateUser(ctx context.Context, id string, patch UserPatch) (User, error) {
	return s.MutateUser(ctx, id, func(u *User) error {
		if patch.Name != nil {
			u.Name = *patch.Name
		}
		if patch.Money != nil {
			u.Money = *patch.Money
		}
		if patch.Kills != nil {
			u.Kills = *patch.Kills
		}
		if patch.Level != nil {
			u.Level = *patch.Level
		}
		if patch.Exp != nil {
			u.Exp = *patch.Exp
		}
		if patch.CurrentMode != nil {
			return u.MoveMode.Set(*patch.CurrentMode)
		}
		return nil
	})
}

func (s *Store) AddMoney(ctx context.Context, id string, amount float64) (User, error) {
	return s.MutateUser(ctx, id, func(u *User) error {
		u.Money += amount
		return nil
	})
}

func (s *Store) SubtractMoney(ctx context.Context, id string, amount float64) (User, error) {
	return s.MutateUser(ctx, id, func(u *User) error {
		if u.Money < amount {
			return ErrInsufficientFunds
		}
		u.Money -= amount
		return nil
	})
}

func (s *Store) ToggleMovement(ctx context.Context, id string) (User, error) {
	return s.MutateUser(ctx, id, func(u *User) error {
		u.MoveMode.Toggle()
		return nil
	})
}

func (s *Store) IncrementKills(ctx context.Context, id string) (User, error) {
	return s.MutateUser(ctx, id, func(u *User) error {
		u.Kills++
		return nil
	})
}

// AddExperience adds exp and levels up at most once, carrying the remainder.
func (s *Store) AddExperience(ctx context.Context, id string, exp int) (User, error) {
	return s.MutateUser(ctx, id, func(u *User) error {
		if u.Level <= 0 {
			u.Level = 1
		}
		total := u.Exp + exp
		need := u.Level * ExpPerLevel
		if total >= need {
			u.Level++
			total -= need
		}
		u.Exp = total
		return nil
	})
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE user_id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
