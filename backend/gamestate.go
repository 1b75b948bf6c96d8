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

import "log"

// Team sides. These match the keys used throughout rosters and cell keys.
const (
	SideAway = "away"
	SideHome = "home"
)

// MaxInheritedRunners is the most baserunners a relief pitcher can inherit.
const MaxInheritedRunners = 3

// GameState tracks who is pitching for each side and how many inherited
// runners are still charged to the previous pitcher. Only one team defends
// at a time, so a single inherited-runner counter suffices; a half-inning
// boundary clears it unconditionally.
type GameState struct {
	AwayPitcher      string `json:"awayPitcher,omitempty"`
	HomePitcher      string `json:"homePitcher,omitempty"`
	PreviousPitcher  string `json:"previousPitcher,omitempty"`
	InheritedRunners int    `json:"inheritedRunners,omitempty"`
}

// ActivePitcher returns the pitcher currently on the mound for the given
// defending side, or "" if none has been set.
func (g *GameState) ActivePitcher(side string) string {
	if side == SideHome {
		return g.HomePitcher
	}
	return g.AwayPitcher
}

// SetPitcher installs a pitcher for a side and clears the inherited-runner
// counter. Used for starters and clean changes between innings.
func (g *GameState) SetPitcher(side, name string) {
	if side == SideHome {
		g.HomePitcher = name
	} else {
		g.AwayPitcher = name
	}
	g.InheritedRunners = 0
}

// PitchingChange swaps in a new pitcher mid-inning with the given number of
// inherited runners. The departing pitcher remains eligible for run
// attribution until the next change overwrites the memory.
func (g *GameState) PitchingChange(side, name string, runners int) {
	if runners < 0 {
		runners = 0
	}
	if runners > MaxInheritedRunners {
		runners = MaxInheritedRunners
	}
	g.PreviousPitcher = g.ActivePitcher(side)
	if side == SideHome {
		g.HomePitcher = name
	} else {
		g.AwayPitcher = name
	}
	g.InheritedRunners = runners
}

// HalfInning marks a change of batting team. Runners left on base never
// carry across it, so the inherited counter goes to zero no matter what.
// Pitcher identities and the previous-pitcher memory are untouched.
func (g *GameState) HalfInning() {
	g.InheritedRunners = 0
}

// RunsScored splits n runs between the previous and current pitcher:
// inherited runners score against the pitcher who put them on. Returns how
// many runs each is charged, decrementing the counter as it goes.
func (g *GameState) RunsScored(n int) (prevRuns, currRuns int) {
	if n <= 0 {
		return 0, 0
	}
	prevRuns = n
	if prevRuns > g.InheritedRunners {
		prevRuns = g.InheritedRunners
	}
	g.InheritedRunners -= prevRuns
	return prevRuns, n - prevRuns
}

// restoreRuns gives back inherited runners drained by an edit that is being
// undone. The counter is capped; overshoot means the shadow state drifted.
func (g *GameState) restoreRuns(n int) {
	if n <= 0 {
		return
	}
	g.InheritedRunners += n
	if g.InheritedRunners > MaxInheritedRunners {
		log.Printf("Warning: inherited-runner counter overflow (%d); clamping to %d", g.InheritedRunners, MaxInheritedRunners)
		g.InheritedRunners = MaxInheritedRunners
	}
}

// Opponent returns the other side.
func Opponent(side string) string {
	if side == SideHome {
		return SideAway
	}
	return SideHome
}
