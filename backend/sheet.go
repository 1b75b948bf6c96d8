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
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ttbt-io/statkeeper/backend/notation"
)

// cellKeyRe matches at-bat cell keys of the form "away-b3-i7":
// side, batting-order row (0-based), inning (1-based).
var cellKeyRe = regexp.MustCompile(`^(away|home)-b([0-9]{1,3})-i([1-9][0-9]{0,2})$`)

// cellRef is a parsed cell key.
type cellRef struct {
	Side   string
	Row    int
	Inning int
}

func (r cellRef) Key() string {
	return fmt.Sprintf("%s-b%d-i%d", r.Side, r.Row, r.Inning)
}

func parseCellKey(key string) (cellRef, error) {
	m := cellKeyRe.FindStringSubmatch(key)
	if m == nil {
		return cellRef{}, fmt.Errorf("invalid cell key: %q", key)
	}
	row, _ := strconv.Atoi(m[2])
	inning, _ := strconv.Atoi(m[3])
	return cellRef{Side: m[1], Row: row, Inning: inning}, nil
}

// Cell is one at-bat cell of the grid: the raw notation text plus the
// attribution memo recorded when it was last applied. The memo is the shadow
// state of incremental mode: it lets a later correction debit exactly the
// players that were credited, even if the roster or pitcher changed since.
type Cell struct {
	Text string `json:"text"`

	// Pitcher and PrevPitcher are the pitchers charged when this cell was
	// applied; PrevRuns of the cell's runs went to PrevPitcher. For a
	// pitching-change cell these fields instead snapshot the game state
	// being replaced (active, previous, inherited runners).
	Pitcher     string `json:"pitcher,omitempty"`
	PrevPitcher string `json:"prevPitcher,omitempty"`
	PrevRuns    int    `json:"prevRuns,omitempty"`

	// Batter is the name credited with the hitting line, resolved from the
	// lineup when the cell was applied. A later roster edit must not move
	// the debit to whoever occupies the row now.
	Batter string `json:"batter,omitempty"`

	// Fielder is the resolved name credited with a nice play or error.
	Fielder string `json:"fielder,omitempty"`

	// PitcherIndex is, for a pitching-change cell, the defending side's
	// rotation index before the change.
	PitcherIndex int `json:"pitcherIdx,omitempty"`
}

// Sheet is one game's scoresheet: the grid of at-bat notation, both lineups,
// the pitcher rotation per side, and the derived stat book. It is the unit
// of persistence and of replication.
type Sheet struct {
	ID            string      `json:"id"`
	SchemaVersion int         `json:"schemaVersion"`
	Date          string      `json:"date,omitempty"`
	Location      string      `json:"location,omitempty"`
	Event         string      `json:"event,omitempty"`
	Away          string      `json:"away,omitempty"`
	Home          string      `json:"home,omitempty"`
	Status        string      `json:"status"`
	OwnerID       string      `json:"ownerId"`
	Permissions   Permissions `json:"permissions,omitempty"`

	Rosters map[string]Roster `json:"rosters,omitempty"`

	// PitcherRotation lists each defending side's pitchers in the order
	// they appeared. PitcherIndex points at the active one; a PC cell
	// advances it.
	PitcherRotation map[string][]string `json:"pitcherRotation,omitempty"`
	PitcherIndex    map[string]int      `json:"pitcherIndex,omitempty"`

	Cells map[string]Cell `json:"cells,omitempty"`
	State GameState       `json:"state"`
	Stats *StatBook       `json:"stats,omitempty"`

	// DeletedAt is the timestamp (Unix Nano) when the sheet was deleted.
	DeletedAt int64 `json:"deletedAt,omitempty"`

	// LastRaftIndex tracks the index of the last Raft log entry applied to
	// this sheet. Used for idempotency during log replay.
	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (s *Sheet) normalize() {
	if s.SchemaVersion == 0 {
		s.SchemaVersion = CurrentSchemaVersion
	}
	if s.Permissions.Users == nil {
		s.Permissions.Users = make(map[string]string)
	}
	if s.Rosters == nil {
		s.Rosters = make(map[string]Roster)
	}
	s.Rosters[SideAway] = s.Rosters[SideAway].normalize()
	s.Rosters[SideHome] = s.Rosters[SideHome].normalize()
	if s.PitcherRotation == nil {
		s.PitcherRotation = make(map[string][]string)
	}
	if s.PitcherIndex == nil {
		s.PitcherIndex = make(map[string]int)
	}
	if s.Cells == nil {
		s.Cells = make(map[string]Cell)
	}
	if s.Stats == nil {
		s.Stats = NewStatBook()
	}
	s.Stats.normalize()
}

// Clone returns a deep copy of the sheet, safe to mutate without affecting
// the original.
func (s *Sheet) Clone() *Sheet {
	if s == nil {
		return nil
	}
	c := *s
	if s.Permissions.Users != nil {
		c.Permissions.Users = make(map[string]string, len(s.Permissions.Users))
		for k, v := range s.Permissions.Users {
			c.Permissions.Users[k] = v
		}
	}
	if s.Rosters != nil {
		c.Rosters = make(map[string]Roster, len(s.Rosters))
		for side, r := range s.Rosters {
			cr := make(Roster, len(r))
			for i, slot := range r {
				cr[i] = slot
				cr[i].Positions = append([]string(nil), slot.Positions...)
			}
			c.Rosters[side] = cr
		}
	}
	if s.PitcherRotation != nil {
		c.PitcherRotation = make(map[string][]string, len(s.PitcherRotation))
		for side, rot := range s.PitcherRotation {
			c.PitcherRotation[side] = append([]string(nil), rot...)
		}
	}
	if s.PitcherIndex != nil {
		c.PitcherIndex = make(map[string]int, len(s.PitcherIndex))
		for side, idx := range s.PitcherIndex {
			c.PitcherIndex[side] = idx
		}
	}
	if s.Cells != nil {
		c.Cells = make(map[string]Cell, len(s.Cells))
		for k, v := range s.Cells {
			c.Cells[k] = v
		}
	}
	c.Stats = s.Stats.Clone()
	return &c
}

// batterName resolves the batter owning a cell from the batting side's
// lineup, or "" when the row has no player.
func (s *Sheet) batterName(ref cellRef) string {
	roster := s.Rosters[ref.Side]
	if ref.Row < 0 || ref.Row >= len(roster) {
		return ""
	}
	return strings.TrimSpace(roster[ref.Row].Name)
}

// SetPitcher installs a pitcher for a side: appends to the rotation (no-op
// when the name equals the rotation's tail) and makes it active with a clear
// inherited-runner counter.
func (s *Sheet) SetPitcher(side, name string) {
	s.normalize()
	name = strings.TrimSpace(name)
	rot := s.PitcherRotation[side]
	if len(rot) == 0 || rot[len(rot)-1] != name {
		rot = append(rot, name)
		s.PitcherRotation[side] = rot
	}
	s.PitcherIndex[side] = len(rot) - 1
	s.State.SetPitcher(side, name)
}

// AppendPitcher queues a reliever at the tail of a side's rotation without
// activating him; a later PC cell advances to him. The starter still enters
// through SetPitcher. Appending the rotation's tail again is a no-op.
func (s *Sheet) AppendPitcher(side, name string) {
	s.normalize()
	name = strings.TrimSpace(name)
	rot := s.PitcherRotation[side]
	if len(rot) > 0 && rot[len(rot)-1] == name {
		return
	}
	s.PitcherRotation[side] = append(rot, name)
}

// nextPitcher returns the rotation entry after the active one for a side,
// or "" when the rotation is exhausted.
func (s *Sheet) nextPitcher(side string) string {
	rot := s.PitcherRotation[side]
	idx := s.PitcherIndex[side]
	if idx+1 < len(rot) {
		return rot[idx+1]
	}
	return ""
}

// HalfInning signals a change of batting team (a structural event, not
// notation): inherited runners never survive it.
func (s *Sheet) HalfInning() {
	s.State.HalfInning()
}

// ApplyEdit processes one cell edit incrementally: the cell's previous
// notation is un-applied via its stored memo, the new notation is applied,
// and the signed stat delta is returned so the caller can write back only
// what changed. Clearing a cell is an ordinary edit with empty text.
func (s *Sheet) ApplyEdit(key, text string) (StatDelta, error) {
	s.normalize()
	ref, err := parseCellKey(key)
	if err != nil {
		return StatDelta{}, err
	}

	before := s.Stats.Clone()

	if old, ok := s.Cells[key]; ok {
		s.unattribute(ref, notation.Parse(old.Text), old)
	}

	if strings.TrimSpace(text) == "" {
		delete(s.Cells, key)
	} else {
		cell := s.attribute(ref, notation.Parse(text))
		cell.Text = text
		s.Cells[key] = cell
	}

	return Diff(before, s.Stats), nil
}

// orderedCellKeys returns every cell key in game order: inning ascending,
// away half before home half, batting order within the half.
func (s *Sheet) orderedCellKeys() []string {
	refs := make([]cellRef, 0, len(s.Cells))
	for key := range s.Cells {
		ref, err := parseCellKey(key)
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.Inning != b.Inning {
			return a.Inning < b.Inning
		}
		if a.Side != b.Side {
			return a.Side == SideAway
		}
		return a.Row < b.Row
	})
	keys := make([]string, len(refs))
	for i, r := range refs {
		keys[i] = r.Key()
	}
	return keys
}

// Recompute rebuilds every statistic from the grid alone: stats reset to
// zero, game state rewound to each side's starting pitcher, and every cell
// replayed exactly once in game order with half-inning boundaries between
// halves. Cell memos are resynchronized, so incremental edits may resume
// from the recomputed state. Both drivers must land on the same totals for
// the same grid; that equivalence is the engine's core contract.
func (s *Sheet) Recompute() {
	s.normalize()
	s.Stats.Reset()

	s.State = GameState{}
	for _, side := range []string{SideAway, SideHome} {
		s.PitcherIndex[side] = 0
		if rot := s.PitcherRotation[side]; len(rot) > 0 {
			s.State.SetPitcher(side, rot[0])
		}
	}

	prevHalf := ""
	for _, key := range s.orderedCellKeys() {
		ref, _ := parseCellKey(key)
		half := fmt.Sprintf("%d-%s", ref.Inning, ref.Side)
		if prevHalf != "" && half != prevHalf {
			s.State.HalfInning()
		}
		prevHalf = half

		cell := s.Cells[key]
		memo := s.attribute(ref, notation.Parse(cell.Text))
		memo.Text = cell.Text
		s.Cells[key] = memo
	}
}
