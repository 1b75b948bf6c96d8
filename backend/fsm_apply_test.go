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
	"encoding/json"
	"errors"
	"testing"

	"github.com/c2FmZQ/storage"
	"github.com/google/uuid"
)

func newTestFSM(t *testing.T) *FSM {
	t.Helper()
	dir := t.TempDir()
	st := storage.New(dir, nil)
	ss := NewSheetStore(dir, st)
	return NewFSM(ss, NewHubManager(), st)
}

func editCmd(cmdType CommandType, sheetID string, mutate func(*EditPayload)) RaftCommand {
	edit := &EditPayload{SheetID: sheetID, UserID: "test@example.com"}
	if mutate != nil {
		mutate(edit)
	}
	return RaftCommand{Type: cmdType, Edit: edit}
}

func TestApplyEditCommandCreatesSheet(t *testing.T) {
	f := newTestFSM(t)
	id := uuid.NewString()

	cmd := editCmd(CmdSetPitcher, id, func(e *EditPayload) {
		e.Side = SideHome
		e.Pitcher = "Hank"
	})
	if err := f.applyEditCommand(cmd, 1); err != nil {
		t.Fatalf("applyEditCommand: %v", err)
	}

	s, err := f.ss.LoadSheet(id)
	if err != nil {
		t.Fatalf("LoadSheet: %v", err)
	}
	if got := s.State.ActivePitcher(SideHome); got != "Hank" {
		t.Errorf("active pitcher = %q, want Hank", got)
	}
	if s.LastRaftIndex != 1 {
		t.Errorf("LastRaftIndex = %d, want 1", s.LastRaftIndex)
	}
}

func TestApplyEditCommandIdempotent(t *testing.T) {
	f := newTestFSM(t)
	id := uuid.NewString()

	cmd := editCmd(CmdCellEdit, id, func(e *EditPayload) {
		e.CellKey = "away-b0-i1"
		e.Text = "HR"
	})
	pitch := editCmd(CmdSetPitcher, id, func(e *EditPayload) {
		e.Side = SideHome
		e.Pitcher = "Hank"
	})
	if err := f.applyEditCommand(pitch, 1); err != nil {
		t.Fatal(err)
	}
	if err := f.applyEditCommand(cmd, 2); err != nil {
		t.Fatal(err)
	}
	// Replaying the same log index must not double-count.
	if err := f.applyEditCommand(cmd, 2); err != nil {
		t.Fatal(err)
	}

	s, err := f.ss.LoadSheet(id)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Stats.PitchingFor("Hank").HomeRuns; got != 1 {
		t.Errorf("Hank HR = %d, want 1 after replay", got)
	}
}

func TestApplySetPitcherAppendQueuesWithoutActivating(t *testing.T) {
	f := newTestFSM(t)
	id := uuid.NewString()

	starter := editCmd(CmdSetPitcher, id, func(e *EditPayload) {
		e.Side = SideHome
		e.Pitcher = "Hank"
	})
	reliever := editCmd(CmdSetPitcher, id, func(e *EditPayload) {
		e.Side = SideHome
		e.Pitcher = "Rita"
		e.Append = true
	})
	if err := f.applyEditCommand(starter, 1); err != nil {
		t.Fatal(err)
	}
	if err := f.applyEditCommand(reliever, 2); err != nil {
		t.Fatal(err)
	}

	s, err := f.ss.LoadSheet(id)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.State.ActivePitcher(SideHome); got != "Hank" {
		t.Errorf("active pitcher = %q, want Hank still in", got)
	}
	if got := len(s.PitcherRotation[SideHome]); got != 2 {
		t.Fatalf("rotation length = %d, want 2", got)
	}
	if got := s.PitcherRotation[SideHome][1]; got != "Rita" {
		t.Errorf("queued reliever = %q, want Rita", got)
	}
}

func TestApplyRosterAndCellEdits(t *testing.T) {
	f := newTestFSM(t)
	id := uuid.NewString()

	roster := editCmd(CmdRosterUpdate, id, func(e *EditPayload) {
		e.Side = SideAway
		e.Roster = Roster{{Name: "Al"}, {Name: "Ben"}}
	})
	pitch := editCmd(CmdSetPitcher, id, func(e *EditPayload) {
		e.Side = SideHome
		e.Pitcher = "Hank"
	})
	cell := editCmd(CmdCellEdit, id, func(e *EditPayload) {
		e.CellKey = "away-b1-i1"
		e.Text = "K"
	})

	for i, cmd := range []RaftCommand{roster, pitch, cell} {
		if err := f.applyEditCommand(cmd, uint64(i+1)); err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
	}

	s, err := f.ss.LoadSheet(id)
	if err != nil {
		t.Fatal(err)
	}
	if got := *s.Stats.HittingFor("Ben"); got != (HittingLine{AtBats: 1, Strikeouts: 1}) {
		t.Errorf("Ben hitting = %+v", got)
	}
}

func TestApplyHalfInningAndRecompute(t *testing.T) {
	f := newTestFSM(t)
	id := uuid.NewString()

	cmds := []RaftCommand{
		editCmd(CmdSetPitcher, id, func(e *EditPayload) { e.Side = SideHome; e.Pitcher = "Hank" }),
		editCmd(CmdCellEdit, id, func(e *EditPayload) { e.CellKey = "away-b0-i1"; e.Text = "PC0" }),
		editCmd(CmdHalfInning, id, nil),
		editCmd(CmdRecompute, id, nil),
	}
	for i, cmd := range cmds {
		if err := f.applyEditCommand(cmd, uint64(i+1)); err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
	}

	s, err := f.ss.LoadSheet(id)
	if err != nil {
		t.Fatal(err)
	}
	if s.State.InheritedRunners != 0 {
		t.Errorf("inherited runners = %d, want 0", s.State.InheritedRunners)
	}
	if s.LastRaftIndex != 4 {
		t.Errorf("LastRaftIndex = %d, want 4", s.LastRaftIndex)
	}
}

func TestApplySaveSheetRecomputesStats(t *testing.T) {
	f := newTestFSM(t)
	id := uuid.NewString()

	s := &Sheet{ID: id}
	s.normalize()
	s.Rosters[SideAway] = Roster{{Name: "Al"}}
	s.PitcherRotation[SideHome] = []string{"Hank"}
	s.Cells["away-b0-i1"] = Cell{Text: "HR"}
	// Sender-supplied aggregates are not trusted.
	s.Stats.SetHitting("Al", HittingLine{Hits: 99})

	data, _ := json.Marshal(s)
	if err := f.applySaveSheet(id, data, 1, false); err != nil {
		t.Fatalf("applySaveSheet: %v", err)
	}

	saved, err := f.ss.LoadSheet(id)
	if err != nil {
		t.Fatal(err)
	}
	if got := *saved.Stats.HittingFor("Al"); got != (HittingLine{AtBats: 1, Hits: 1, HomeRuns: 1, TotalBases: 4}) {
		t.Errorf("Al hitting = %+v, want recomputed line", got)
	}
}

func TestApplySaveSheetConflict(t *testing.T) {
	f := newTestFSM(t)
	id := uuid.NewString()

	big := &Sheet{ID: id}
	big.normalize()
	big.Cells["away-b0-i1"] = Cell{Text: "K"}
	big.Cells["away-b1-i1"] = Cell{Text: "BB"}
	data, _ := json.Marshal(big)
	if err := f.applySaveSheet(id, data, 1, false); err != nil {
		t.Fatal(err)
	}

	small := &Sheet{ID: id}
	small.normalize()
	small.Cells["away-b0-i1"] = Cell{Text: "K"}
	data, _ = json.Marshal(small)

	err := f.applySaveSheet(id, data, 2, false)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("save with fewer cells = %v, want ErrConflict", err)
	}

	// Force overrides the conflict check.
	if err := f.applySaveSheet(id, data, 3, true); err != nil {
		t.Fatalf("forced save: %v", err)
	}
	saved, err := f.ss.LoadSheet(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.Cells) != 1 {
		t.Errorf("cells = %d, want 1 after forced overwrite", len(saved.Cells))
	}
}

func TestApplyDeleteSheet(t *testing.T) {
	f := newTestFSM(t)
	id := uuid.NewString()

	s := &Sheet{ID: id}
	s.normalize()
	if err := f.ss.SaveSheet(s); err != nil {
		t.Fatal(err)
	}
	if err := f.applyDeleteSheet(id, 5); err != nil {
		t.Fatalf("applyDeleteSheet: %v", err)
	}

	saved, err := f.ss.LoadSheet(id)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Status != SheetStatusDeleted {
		t.Errorf("status = %q, want deleted tombstone", saved.Status)
	}
}

func TestApplyCommandUnknownType(t *testing.T) {
	f := newTestFSM(t)
	res := f.applyCommand(RaftCommand{Type: "bogus"}, 1)
	if err, ok := res.(error); !ok || err == nil {
		t.Errorf("unknown command result = %v, want error", res)
	}
}

func TestApplyEditCommandMissingPayload(t *testing.T) {
	f := newTestFSM(t)
	res := f.applyCommand(RaftCommand{Type: CmdCellEdit}, 1)
	if err, ok := res.(error); !ok || err == nil {
		t.Errorf("missing payload result = %v, want error", res)
	}
}
