// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"strings"

	"github.com/ttbt-io/statkeeper/backend/notation"
)

// RosterSlot is one row of a team's batting order. Positions is the player's
// position history in order of appearance; the last entry is where the player
// is fielding now ("SS" then "P" means the shortstop moved to the mound).
type RosterSlot struct {
	Name      string   `json:"name"`
	Number    string   `json:"number,omitempty"`
	Positions []string `json:"positions,omitempty"`
}

// CurrentPosition returns the rightmost entry of the position history, or ""
// for a slot that was never assigned a position.
func (s *RosterSlot) CurrentPosition() string {
	if len(s.Positions) == 0 {
		return ""
	}
	return s.Positions[len(s.Positions)-1]
}

// AppendPosition records a position change. Re-appending the current position
// is a no-op so repeated lineup writes do not grow the history.
func (s *RosterSlot) AppendPosition(pos string) {
	pos = strings.TrimSpace(pos)
	if pos == "" || strings.EqualFold(pos, s.CurrentPosition()) {
		return
	}
	s.Positions = append(s.Positions, pos)
}

// Roster is one side's ordered batting lineup.
type Roster []RosterSlot

func (r Roster) normalize() Roster {
	if r == nil {
		return make(Roster, 0)
	}
	return r
}

// FindByName returns the slot whose name equals the trimmed query. Not-found
// is an expected outcome (free-agent substitutions) and returns ok=false
// rather than an error.
func (r Roster) FindByName(name string) (*RosterSlot, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false
	}
	for i := range r {
		if r[i].Name == name {
			return &r[i], true
		}
	}
	return nil, false
}

// FindByPosition returns the slot currently fielding the given position code,
// matched case-insensitively against each slot's current position.
func (r Roster) FindByPosition(pos string) (*RosterSlot, bool) {
	pos = strings.TrimSpace(pos)
	if pos == "" {
		return nil, false
	}
	for i := range r {
		if strings.EqualFold(r[i].CurrentPosition(), pos) {
			return &r[i], true
		}
	}
	return nil, false
}

// FindByPositionNumber resolves a fielder reference from notation (1-9) to a
// roster slot via the standard position numbering.
func (r Roster) FindByPositionNumber(n int) (*RosterSlot, bool) {
	code := notation.PositionCode(n)
	if code == "" {
		return nil, false
	}
	return r.FindByPosition(code)
}
