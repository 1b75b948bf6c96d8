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
	"testing"

	"github.com/pmezard/go-difflib/difflib"
)

// newTestSheet builds a sheet with both lineups filled in, fielders assigned
// on both defenses, and a two-man home rotation so pitching changes have
// somewhere to go.
func newTestSheet() *Sheet {
	s := &Sheet{ID: "11111111-2222-3333-4444-555555555555"}
	s.normalize()
	s.Rosters[SideAway] = Roster{
		{Name: "Al", Positions: []string{"3B"}},
		{Name: "Ben", Positions: []string{"SS"}},
		{Name: "Coe", Positions: []string{"C"}},
		{Name: "Dee", Positions: []string{"LF"}},
	}
	s.Rosters[SideHome] = Roster{
		{Name: "Hal", Positions: []string{"C"}},
		{Name: "Ike", Positions: []string{"SS"}},
		{Name: "Jan", Positions: []string{"3B"}},
	}
	s.PitcherRotation[SideHome] = []string{"Hank", "Rita"}
	s.PitcherRotation[SideAway] = []string{"Ace"}
	s.State.SetPitcher(SideHome, "Hank")
	s.State.SetPitcher(SideAway, "Ace")
	return s
}

// requireEqualBooks fails with a unified JSON diff when two stat books differ.
func requireEqualBooks(t *testing.T, want, got *StatBook, context string) {
	t.Helper()
	if Equal(want, got) {
		return
	}
	wantJSON, _ := json.MarshalIndent(want, "", "  ")
	gotJSON, _ := json.MarshalIndent(got, "", "  ")
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(wantJSON)),
		B:        difflib.SplitLines(string(gotJSON)),
		FromFile: "want",
		ToFile:   "got",
		Context:  3,
	})
	t.Errorf("%s: stat books differ:\n%s", context, diff)
}

func TestApplyEditStrikeout(t *testing.T) {
	s := newTestSheet()

	delta, err := s.ApplyEdit("away-b1-i1", "K")
	if err != nil {
		t.Fatalf("ApplyEdit: %v", err)
	}

	if got := *s.Stats.PitchingFor("Hank"); got != (PitchingLine{BattersFaced: 1, Outs: 1, Strikeouts: 1}) {
		t.Errorf("Hank pitching = %+v", got)
	}
	if got := *s.Stats.HittingFor("Ben"); got != (HittingLine{AtBats: 1, Strikeouts: 1}) {
		t.Errorf("Ben hitting = %+v", got)
	}
	if delta.Empty() {
		t.Error("delta should report the new credits")
	}
	if got := delta.Hitting["Ben"]; got != (HittingLine{AtBats: 1, Strikeouts: 1}) {
		t.Errorf("delta for Ben = %+v", got)
	}
}

func TestApplyEditRejectsBadKey(t *testing.T) {
	s := newTestSheet()
	for _, key := range []string{"", "b1-i1", "west-b1-i1", "away-b1-i0", "away-bx-i1"} {
		if _, err := s.ApplyEdit(key, "K"); err == nil {
			t.Errorf("ApplyEdit(%q) accepted an invalid key", key)
		}
	}
}

func TestApplyEditUndoIsSymmetric(t *testing.T) {
	s := newTestSheet()
	before := s.Stats.Clone()

	if _, err := s.ApplyEdit("away-b0-i1", "2RBI HR"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := s.ApplyEdit("away-b0-i1", ""); err != nil {
		t.Fatalf("clear: %v", err)
	}

	requireEqualBooks(t, before, s.Stats, "after apply+clear")
	if _, ok := s.Cells["away-b0-i1"]; ok {
		t.Error("cleared cell should be removed from the grid")
	}
}

func TestApplyEditCorrectionReplacesCredits(t *testing.T) {
	s := newTestSheet()

	if _, err := s.ApplyEdit("away-b0-i1", "K"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	delta, err := s.ApplyEdit("away-b0-i1", "BB")
	if err != nil {
		t.Fatalf("correct: %v", err)
	}

	if got := *s.Stats.HittingFor("Al"); got != (HittingLine{Walks: 1}) {
		t.Errorf("Al hitting after correction = %+v", got)
	}
	if got := *s.Stats.PitchingFor("Hank"); got != (PitchingLine{BattersFaced: 1, Walks: 1}) {
		t.Errorf("Hank pitching after correction = %+v", got)
	}
	// The correction delta is the net of undo and redo.
	if got := delta.Hitting["Al"]; got != (HittingLine{AtBats: -1, Strikeouts: -1, Walks: 1}) {
		t.Errorf("correction delta for Al = %+v", got)
	}
}

func TestUndoAfterLineupChangeDebitsOriginalBatter(t *testing.T) {
	s := newTestSheet()

	if _, err := s.ApplyEdit("away-b0-i1", "K SB"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// The row's occupant changes between entry and correction.
	s.Rosters[SideAway][0].Name = "Zed"
	if _, err := s.ApplyEdit("away-b0-i1", ""); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if got := *s.Stats.HittingFor("Al"); got != (HittingLine{}) {
		t.Errorf("Al hitting = %+v, want zeroed after correction", got)
	}
	if got := *s.Stats.FieldingFor("Al"); got != (FieldingLine{}) {
		t.Errorf("Al fielding = %+v, want zeroed after correction", got)
	}
	if got := *s.Stats.HittingFor("Zed"); got != (HittingLine{}) {
		t.Errorf("Zed hitting = %+v, want untouched", got)
	}
}

func TestPitchingChangeAdvancesRotation(t *testing.T) {
	s := newTestSheet()

	if _, err := s.ApplyEdit("away-b2-i1", "PC2"); err != nil {
		t.Fatalf("apply PC: %v", err)
	}

	if got := s.State.ActivePitcher(SideHome); got != "Rita" {
		t.Errorf("active pitcher = %q, want Rita", got)
	}
	if got := s.State.PreviousPitcher; got != "Hank" {
		t.Errorf("previous pitcher = %q, want Hank", got)
	}
	if got := s.State.InheritedRunners; got != 2 {
		t.Errorf("inherited runners = %d, want 2", got)
	}
	if got := s.PitcherIndex[SideHome]; got != 1 {
		t.Errorf("rotation index = %d, want 1", got)
	}
}

func TestPitchingChangeUndoRestoresState(t *testing.T) {
	s := newTestSheet()

	if _, err := s.ApplyEdit("away-b2-i1", "PC2"); err != nil {
		t.Fatalf("apply PC: %v", err)
	}
	if _, err := s.ApplyEdit("away-b2-i1", ""); err != nil {
		t.Fatalf("clear PC: %v", err)
	}

	if got := s.State.ActivePitcher(SideHome); got != "Hank" {
		t.Errorf("active pitcher = %q, want Hank restored", got)
	}
	if got := s.State.PreviousPitcher; got != "" {
		t.Errorf("previous pitcher = %q, want empty", got)
	}
	if got := s.State.InheritedRunners; got != 0 {
		t.Errorf("inherited runners = %d, want 0", got)
	}
	if got := s.PitcherIndex[SideHome]; got != 0 {
		t.Errorf("rotation index = %d, want 0", got)
	}
}

func TestPitchingChangeExhaustedRotation(t *testing.T) {
	s := newTestSheet()

	// Away rotation has only Ace; a PC from the home half has nobody to
	// bring in and must keep the identity.
	if _, err := s.ApplyEdit("home-b0-i1", "PC1"); err != nil {
		t.Fatalf("apply PC: %v", err)
	}
	if got := s.State.ActivePitcher(SideAway); got != "Ace" {
		t.Errorf("active pitcher = %q, want Ace unchanged", got)
	}
	if got := s.State.InheritedRunners; got != 1 {
		t.Errorf("inherited runners = %d, want 1", got)
	}
	if got := s.PitcherIndex[SideAway]; got != 0 {
		t.Errorf("rotation index = %d, want 0", got)
	}
}

func TestAppendPitcherQueuesReliever(t *testing.T) {
	s := newTestSheet()

	s.AppendPitcher(SideAway, "Relief")
	if got := s.State.ActivePitcher(SideAway); got != "Ace" {
		t.Errorf("active pitcher = %q, want Ace still in", got)
	}
	// Appending the tail again does not grow the rotation.
	s.AppendPitcher(SideAway, "Relief")
	if got := len(s.PitcherRotation[SideAway]); got != 2 {
		t.Fatalf("rotation length = %d, want 2", got)
	}

	if _, err := s.ApplyEdit("home-b0-i1", "PC2"); err != nil {
		t.Fatalf("apply PC: %v", err)
	}
	if got := s.State.ActivePitcher(SideAway); got != "Relief" {
		t.Errorf("active pitcher = %q, want Relief after the change", got)
	}
	if got := s.State.PreviousPitcher; got != "Ace" {
		t.Errorf("previous pitcher = %q, want Ace", got)
	}
	if got := s.State.InheritedRunners; got != 2 {
		t.Errorf("inherited runners = %d, want 2", got)
	}
	if got := s.PitcherIndex[SideAway]; got != 1 {
		t.Errorf("rotation index = %d, want 1", got)
	}
}

func TestInheritedRunsChargePreviousPitcher(t *testing.T) {
	s := newTestSheet()

	if _, err := s.ApplyEdit("away-b2-i1", "PC2"); err != nil {
		t.Fatalf("apply PC: %v", err)
	}
	if _, err := s.ApplyEdit("away-b3-i1", "3RBI 2B"); err != nil {
		t.Fatalf("apply hit: %v", err)
	}

	if got := s.Stats.PitchingFor("Hank").Runs; got != 2 {
		t.Errorf("Hank charged %d runs, want 2 inherited", got)
	}
	if got := s.Stats.PitchingFor("Rita").Runs; got != 1 {
		t.Errorf("Rita charged %d runs, want 1", got)
	}
	// The hit itself is Rita's either way.
	if got := s.Stats.PitchingFor("Rita").Hits; got != 1 {
		t.Errorf("Rita hits = %d, want 1", got)
	}
	if got := s.Stats.HittingFor("Dee").RBI; got != 3 {
		t.Errorf("Dee RBI = %d, want 3", got)
	}
}

func TestInheritedRunsUndo(t *testing.T) {
	s := newTestSheet()

	if _, err := s.ApplyEdit("away-b2-i1", "PC2"); err != nil {
		t.Fatalf("apply PC: %v", err)
	}
	snapshot := s.Stats.Clone()

	if _, err := s.ApplyEdit("away-b3-i1", "3RBI 2B"); err != nil {
		t.Fatalf("apply hit: %v", err)
	}
	if _, err := s.ApplyEdit("away-b3-i1", ""); err != nil {
		t.Fatalf("clear hit: %v", err)
	}

	requireEqualBooks(t, snapshot, s.Stats, "after inherited-run undo")
	if got := s.State.InheritedRunners; got != 2 {
		t.Errorf("inherited runners = %d, want 2 restored", got)
	}
}

func TestHalfInningStrandsInheritedRunners(t *testing.T) {
	s := newTestSheet()

	if _, err := s.ApplyEdit("away-b2-i1", "PC2"); err != nil {
		t.Fatalf("apply PC: %v", err)
	}
	s.HalfInning()
	if _, err := s.ApplyEdit("home-b0-i1", "RBI HR"); err != nil {
		t.Fatalf("apply HR: %v", err)
	}

	// The run scores in the other half against the other defense; Hank's
	// stranded runners charge nothing.
	if got := s.Stats.PitchingFor("Hank").Runs; got != 0 {
		t.Errorf("Hank charged %d runs across half innings, want 0", got)
	}
	if got := s.Stats.PitchingFor("Ace").Runs; got != 1 {
		t.Errorf("Ace charged %d runs, want 1", got)
	}
}

func TestFielderCredit(t *testing.T) {
	s := newTestSheet()

	// Home batting: the away defense is on the field. NP5 is Al at 3B.
	if _, err := s.ApplyEdit("home-b1-i1", "NP5 OUT"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := s.Stats.FieldingFor("Al").NicePlays; got != 1 {
		t.Errorf("Al nice plays = %d, want 1", got)
	}
	// The robbed batter reached on obstruction for the hitting ledger.
	if got := s.Stats.HittingFor("Ike").ReachedOnObstruction; got != 1 {
		t.Errorf("Ike reached-on-obstruction = %d, want 1", got)
	}

	// E6 against the home defense is Ike at SS.
	if _, err := s.ApplyEdit("away-b0-i1", "1B E6"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := s.Stats.FieldingFor("Ike").Errors; got != 1 {
		t.Errorf("Ike errors = %d, want 1", got)
	}
}

func TestFielderVacatedPositionSkipsCredit(t *testing.T) {
	s := newTestSheet()
	// Ike leaves SS for P; E6 no longer resolves.
	s.Rosters[SideHome][1].AppendPosition("P")

	if _, err := s.ApplyEdit("away-b0-i1", "1B E6"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := s.Stats.FieldingFor("Ike").Errors; got != 0 {
		t.Errorf("Ike errors = %d, want 0 after leaving SS", got)
	}
	// The rest of the event still lands.
	if got := s.Stats.HittingFor("Al").Hits; got != 1 {
		t.Errorf("Al hits = %d, want 1", got)
	}
}

func TestStolenBaseAgainstBattersOwnRow(t *testing.T) {
	s := newTestSheet()

	if _, err := s.ApplyEdit("away-b0-i1", "1B SB"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := s.Stats.FieldingFor("Al").StolenBases; got != 1 {
		t.Errorf("Al stolen bases = %d, want 1", got)
	}
	if len(s.Stats.Fielding) != 1 {
		t.Errorf("fielding rows = %d, want only the runner's", len(s.Stats.Fielding))
	}
}

func TestNoActivePitcherSkipsPitchingCredit(t *testing.T) {
	s := newTestSheet()
	s.State.HomePitcher = ""

	if _, err := s.ApplyEdit("away-b0-i1", "K"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(s.Stats.Pitching) != 0 {
		t.Errorf("pitching rows = %+v, want none", s.Stats.Pitching)
	}
	if got := *s.Stats.HittingFor("Al"); got != (HittingLine{AtBats: 1, Strikeouts: 1}) {
		t.Errorf("Al hitting = %+v", got)
	}
}

func TestEmptyLineupRowSkipsHittingCredit(t *testing.T) {
	s := newTestSheet()

	if _, err := s.ApplyEdit("away-b99-i1", "K"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(s.Stats.Hitting) != 0 {
		t.Errorf("hitting rows = %+v, want none", s.Stats.Hitting)
	}
	// The defending pitcher still faced a batter.
	if got := s.Stats.PitchingFor("Hank").BattersFaced; got != 1 {
		t.Errorf("Hank BF = %d, want 1", got)
	}
}

// playTestGame runs a short game through the incremental driver in game
// order, with half-inning boundaries where the recompute driver would put
// them.
func playTestGame(t *testing.T, s *Sheet) {
	t.Helper()
	innings := []struct {
		key  string
		text string
	}{
		{"away-b0-i1", "1B SB"},
		{"away-b1-i1", "K"},
		{"away-b2-i1", "PC2"},
		{"away-b3-i1", "2RBI 2B"},
		{"home-b0-i1", "RBI HR"},
		{"home-b1-i1", "NP5 OUT"},
		{"home-b2-i1", "1B E6"},
		{"away-b0-i2", "SF"},
		{"away-b1-i2", "FC OUT"},
		{"home-b0-i2", "BB"},
		{"home-b1-i2", "DP"},
	}
	prevHalf := ""
	for _, e := range innings {
		ref, err := parseCellKey(e.key)
		if err != nil {
			t.Fatalf("bad key %q: %v", e.key, err)
		}
		half := ref.Side + string(rune('0'+ref.Inning))
		if prevHalf != "" && half != prevHalf {
			s.HalfInning()
		}
		prevHalf = half
		if _, err := s.ApplyEdit(e.key, e.text); err != nil {
			t.Fatalf("ApplyEdit(%s, %q): %v", e.key, e.text, err)
		}
	}
}

func TestIncrementalMatchesRecompute(t *testing.T) {
	incremental := newTestSheet()
	playTestGame(t, incremental)

	recomputed := newTestSheet()
	playTestGame(t, recomputed)
	recomputed.Recompute()

	requireEqualBooks(t, incremental.Stats, recomputed.Stats, "incremental vs recompute")

	if incremental.State != recomputed.State {
		t.Errorf("game state diverged:\nincremental: %+v\nrecomputed:  %+v", incremental.State, recomputed.State)
	}
	if incremental.PitcherIndex[SideHome] != recomputed.PitcherIndex[SideHome] {
		t.Errorf("rotation index diverged: %d vs %d",
			incremental.PitcherIndex[SideHome], recomputed.PitcherIndex[SideHome])
	}
}

func TestRecomputeIsIdempotent(t *testing.T) {
	s := newTestSheet()
	playTestGame(t, s)
	s.Recompute()
	first := s.Stats.Clone()
	s.Recompute()
	requireEqualBooks(t, first, s.Stats, "second recompute")
}

func TestRecomputeRepairsTamperedStats(t *testing.T) {
	s := newTestSheet()
	playTestGame(t, s)
	want := s.Stats.Clone()

	s.Stats.ApplyHittingDelta("Al", HittingLine{Hits: 40})
	s.Stats.SetPitching("Nobody", PitchingLine{Outs: 99})

	s.Recompute()
	requireEqualBooks(t, want, s.Stats, "after recompute of tampered book")
}

func TestOrderedCellKeys(t *testing.T) {
	s := newTestSheet()
	s.Cells = map[string]Cell{
		"home-b0-i2": {Text: "K"},
		"away-b1-i1": {Text: "K"},
		"home-b2-i1": {Text: "K"},
		"away-b0-i2": {Text: "K"},
		"away-b0-i1": {Text: "K"},
	}
	got := s.orderedCellKeys()
	want := []string{"away-b0-i1", "away-b1-i1", "home-b2-i1", "away-b0-i2", "home-b0-i2"}
	if len(got) != len(want) {
		t.Fatalf("got %d keys, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("key[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
