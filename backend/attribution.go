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
	"log"

	"github.com/ttbt-io/statkeeper/backend/notation"
)

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// attribute routes a parsed event to the stat records it credits and returns
// the memo needed to undo it later. Unresolvable identities (no active
// pitcher, empty roster row, no fielder at the position) skip that single
// credit with a warning; they never abort the rest of the event.
func (s *Sheet) attribute(ref cellRef, ev notation.Event) Cell {
	defSide := Opponent(ref.Side)

	if ev.PitchingChange {
		memo := Cell{
			Pitcher:      s.State.ActivePitcher(defSide),
			PrevPitcher:  s.State.PreviousPitcher,
			PrevRuns:     s.State.InheritedRunners,
			PitcherIndex: s.PitcherIndex[defSide],
		}
		next := s.nextPitcher(defSide)
		if next == "" {
			log.Printf("Warning: pitching change for %s side of sheet %s has no next pitcher in rotation; identity unchanged", defSide, s.ID)
			next = s.State.ActivePitcher(defSide)
		} else {
			s.PitcherIndex[defSide]++
		}
		s.State.PitchingChange(defSide, next, ev.InheritedRunners)
		return memo
	}

	var memo Cell
	batter := s.batterName(ref)
	if batter == "" && !ev.IsZero() {
		log.Printf("Warning: no batter in %s lineup row %d of sheet %s; hitting credit skipped", ref.Side, ref.Row, s.ID)
	}

	pitcher := s.State.ActivePitcher(defSide)
	if pitcher == "" {
		if !ev.IsZero() {
			log.Printf("Warning: no active pitcher for %s side of sheet %s; pitching credit skipped", defSide, s.ID)
		}
	} else {
		memo.Pitcher = pitcher
		s.Stats.ApplyPitchingDelta(pitcher, PitchingLine{
			BattersFaced: ev.BattersFaced,
			Outs:         ev.Outs,
			Hits:         ev.Hits,
			HomeRuns:     ev.HomeRuns,
			Walks:        ev.Walks,
			Strikeouts:   ev.Strikeouts,
		})

		prevRuns, currRuns := s.State.RunsScored(ev.Runs)
		if prevRuns > 0 && s.State.PreviousPitcher == "" {
			log.Printf("Warning: inherited runs with no previous pitcher on sheet %s; crediting %s", s.ID, pitcher)
			currRuns += prevRuns
			prevRuns = 0
		}
		if prevRuns > 0 {
			memo.PrevPitcher = s.State.PreviousPitcher
			memo.PrevRuns = prevRuns
			s.Stats.ApplyPitchingDelta(memo.PrevPitcher, PitchingLine{Runs: prevRuns})
		}
		if currRuns > 0 {
			s.Stats.ApplyPitchingDelta(pitcher, PitchingLine{Runs: currRuns})
		}
	}

	if batter != "" {
		memo.Batter = batter
		s.Stats.ApplyHittingDelta(batter, HittingLine{
			AtBats:               ev.AtBats,
			Hits:                 ev.Hits,
			HomeRuns:             ev.HomeRuns,
			RBI:                  ev.Runs,
			Walks:                ev.Walks,
			Strikeouts:           ev.Strikeouts,
			ReachedOnObstruction: boolToInt(ev.NicePlay),
			DoublePlays:          boolToInt(ev.DoublePlay),
			TotalBases:           ev.TotalBases,
		})
		if ev.StolenBase {
			s.Stats.ApplyFieldingDelta(batter, FieldingLine{StolenBases: 1})
		}
	}

	if ev.Fielder > 0 {
		slot, ok := s.Rosters[defSide].FindByPositionNumber(ev.Fielder)
		if !ok {
			log.Printf("Warning: no %s fielder at position %s on sheet %s; fielding credit skipped",
				defSide, notation.PositionCode(ev.Fielder), s.ID)
		} else {
			memo.Fielder = slot.Name
			s.Stats.ApplyFieldingDelta(slot.Name, FieldingLine{
				NicePlays: boolToInt(ev.NicePlay),
				Errors:    boolToInt(ev.Error),
			})
		}
	}

	return memo
}

// unattribute reverses a previously applied event using its memo, debiting
// exactly the players that were credited. Every debit clamps at zero, so a
// drifted memo degrades to a logged warning instead of negative stats.
func (s *Sheet) unattribute(ref cellRef, ev notation.Event, memo Cell) {
	defSide := Opponent(ref.Side)

	if ev.PitchingChange {
		// Rewind the state snapshot the change replaced.
		s.PitcherIndex[defSide] = memo.PitcherIndex
		if defSide == SideHome {
			s.State.HomePitcher = memo.Pitcher
		} else {
			s.State.AwayPitcher = memo.Pitcher
		}
		s.State.PreviousPitcher = memo.PrevPitcher
		s.State.InheritedRunners = memo.PrevRuns
		return
	}

	if memo.Pitcher != "" {
		currRuns := ev.Runs - memo.PrevRuns
		s.Stats.ApplyPitchingDelta(memo.Pitcher, neg(PitchingLine{
			BattersFaced: ev.BattersFaced,
			Outs:         ev.Outs,
			Hits:         ev.Hits,
			HomeRuns:     ev.HomeRuns,
			Runs:         currRuns,
			Walks:        ev.Walks,
			Strikeouts:   ev.Strikeouts,
		}))
		if memo.PrevRuns > 0 && memo.PrevPitcher != "" {
			s.Stats.ApplyPitchingDelta(memo.PrevPitcher, neg(PitchingLine{Runs: memo.PrevRuns}))
		}
		s.State.restoreRuns(memo.PrevRuns)
	}

	if memo.Batter != "" {
		s.Stats.ApplyHittingDelta(memo.Batter, negHitting(HittingLine{
			AtBats:               ev.AtBats,
			Hits:                 ev.Hits,
			HomeRuns:             ev.HomeRuns,
			RBI:                  ev.Runs,
			Walks:                ev.Walks,
			Strikeouts:           ev.Strikeouts,
			ReachedOnObstruction: boolToInt(ev.NicePlay),
			DoublePlays:          boolToInt(ev.DoublePlay),
			TotalBases:           ev.TotalBases,
		}))
		if ev.StolenBase {
			s.Stats.ApplyFieldingDelta(memo.Batter, negFielding(FieldingLine{StolenBases: 1}))
		}
	}

	if memo.Fielder != "" {
		s.Stats.ApplyFieldingDelta(memo.Fielder, negFielding(FieldingLine{
			NicePlays: boolToInt(ev.NicePlay),
			Errors:    boolToInt(ev.Error),
		}))
	}
}
