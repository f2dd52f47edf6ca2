// Package players tracks who is in the space, how they move and what they
// have earned. It is the movement source the environment host samples.
package players

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"ecocity.ai/internal/sim/tuning"
)

const (
	ModeWalk = "WALK"
	ModeRun  = "RUN"
)

type Player struct {
	UserID   string    `json:"userId"`
	Name     string    `json:"name"`
	Money    float64   `json:"money"`
	Kills    int       `json:"kills"`
	Level    int       `json:"level"`
	Exp      int       `json:"exp"`
	MoveMode MoveState `json:"moveMode"`
}

// IsGuest reports whether name belongs to an anonymous visitor. Guests are
// never persisted.
func IsGuest(name string) bool { return strings.Contains(name, "GUEST") }

func (p *Player) MovementCarbonRate() float64 {
	return p.MoveMode.Current().CarbonEmission
}

// MoveState holds the player's movement modes and which one is active.
// On the wire it is {"WALK":{...},"RUN":{...},"current":"WALK"}.
type MoveState struct {
	CurrentMode string
	Modes       map[string]tuning.MoveMode
}

func DefaultMoveState(modes map[string]tuning.MoveMode) MoveState {
	cp := make(map[string]tuning.MoveMode, len(modes))
	for k, v := range modes {
		cp[k] = v
	}
	return MoveState{CurrentMode: ModeWalk, Modes: cp}
}

func (s MoveState) Current() tuning.MoveMode { return s.Modes[s.CurrentMode] }

// Toggle flips between WALK and RUN and returns the new mode name.
func (s *MoveState) Toggle() string {
	if s.CurrentMode == ModeWalk {
		s.CurrentMode = ModeRun
	} else {
		s.CurrentMode = ModeWalk
	}
	return s.CurrentMode
}

func (s *MoveState) Set(mode string) error {
	if _, ok := s.Modes[mode]; !ok {
		return fmt.Errorf("unknown move mode %q", mode)
	}
	s.CurrentMode = mode
	return nil
}

func (s MoveState) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Modes)+1)
	names := make([]string, 0, len(s.Modes))
	for k := range s.Modes {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		out[k] = s.Modes[k]
	}
	out["current"] = s.CurrentMode
	return json.Marshal(out)
}

func (s *MoveState) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.Modes = map[string]tuning.MoveMode{}
	s.CurrentMode = ModeWalk
	for k, v := range raw {
		if k == "current" {
			if err := json.Unmarshal(v, &s.CurrentMode); err != nil {
				return fmt.Errorf("moveMode.current: %w", err)
			}
			continue
		}
		var m tuning.MoveMode
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("moveMode.%s: %w", k, err)
		}
		s.Modes[k] = m
	}
	return nil
}
