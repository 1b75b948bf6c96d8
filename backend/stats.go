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

// PitchingLine holds the raw counting stats for one pitcher.
type PitchingLine struct {
	BattersFaced int `json:"bf"`
	Outs         int `json:"outs"`
	Hits         int `json:"hits"`
	HomeRuns     int `json:"hr"`
	Runs         int `json:"runs"`
	Walks        int `json:"walks"`
	Strikeouts   int `json:"so"`
}

// HittingLine holds the raw counting stats for one batter.
type HittingLine struct {
	AtBats               int `json:"ab"`
	Hits                 int `json:"hits"`
	HomeRuns             int `json:"hr"`
	RBI                  int `json:"rbi"`
	Walks                int `json:"walks"`
	Strikeouts           int `json:"so"`
	ReachedOnObstruction int `json:"rob"`
	DoublePlays          int `json:"dp"`
	TotalBases           int `json:"tb"`
}

// FieldingLine holds the raw counting stats for one fielder. StolenBases is
// tracked against the runner's own roster row ("stolen bases while this
// player was on base"), not against the defense.
type FieldingLine struct {
	NicePlays   int `json:"np"`
	Errors      int `json:"errors"`
	StolenBases int `json:"sb"`
}

// clampAdd adds a signed delta to a counter, flooring at zero. Underflow is
// absorbed, not fatal, but it means the shadow state drifted from the grid.
func clampAdd(field *int, delta int, player, stat string) {
	*field += delta
	if *field < 0 {
		log.Printf("Warning: stat underflow for %s.%s (clamped to 0); shadow state may be stale", player, stat)
		*field = 0
	}
}

func (l *PitchingLine) add(d PitchingLine, player string) {
	clampAdd(&l.BattersFaced, d.BattersFaced, player, "bf")
	clampAdd(&l.Outs, d.Outs, player, "outs")
	clampAdd(&l.Hits, d.Hits, player, "hits")
	clampAdd(&l.HomeRuns, d.HomeRuns, player, "hr")
	clampAdd(&l.Runs, d.Runs, player, "runs")
	clampAdd(&l.Walks, d.Walks, player, "walks")
	clampAdd(&l.Strikeouts, d.Strikeouts, player, "so")
}

func (l *HittingLine) add(d HittingLine, player string) {
	clampAdd(&l.AtBats, d.AtBats, player, "ab")
	clampAdd(&l.Hits, d.Hits, player, "hits")
	clampAdd(&l.HomeRuns, d.HomeRuns, player, "hr")
	clampAdd(&l.RBI, d.RBI, player, "rbi")
	clampAdd(&l.Walks, d.Walks, player, "walks")
	clampAdd(&l.Strikeouts, d.Strikeouts, player, "so")
	clampAdd(&l.ReachedOnObstruction, d.ReachedOnObstruction, player, "rob")
	clampAdd(&l.DoublePlays, d.DoublePlays, player, "dp")
	clampAdd(&l.TotalBases, d.TotalBases, player, "tb")
}

func (l *FieldingLine) add(d FieldingLine, player string) {
	clampAdd(&l.NicePlays, d.NicePlays, player, "np")
	clampAdd(&l.Errors, d.Errors, player, "errors")
	clampAdd(&l.StolenBases, d.StolenBases, player, "sb")
}

func neg(d PitchingLine) PitchingLine {
	return PitchingLine{
		BattersFaced: -d.BattersFaced,
		Outs:         -d.Outs,
		Hits:         -d.Hits,
		HomeRuns:     -d.HomeRuns,
		Runs:         -d.Runs,
		Walks:        -d.Walks,
		Strikeouts:   -d.Strikeouts,
	}
}

func negHitting(d HittingLine) HittingLine {
	return HittingLine{
		AtBats:               -d.AtBats,
		Hits:                 -d.Hits,
		HomeRuns:             -d.HomeRuns,
		RBI:                  -d.RBI,
		Walks:                -d.Walks,
		Strikeouts:           -d.Strikeouts,
		ReachedOnObstruction: -d.ReachedOnObstruction,
		DoublePlays:          -d.DoublePlays,
		TotalBases:           -d.TotalBases,
	}
}

func negFielding(d FieldingLine) FieldingLine {
	return FieldingLine{
		NicePlays:   -d.NicePlays,
		Errors:      -d.Errors,
		StolenBases: -d.StolenBases,
	}
}

// StatBook is the per-game set of stat records, one map per discipline,
// keyed by player name (unique within a game). Records are created on first
// credit and persist until an explicit Reset.
type StatBook struct {
	Pitching map[string]*PitchingLine `json:"pitching"`
	Hitting  map[string]*HittingLine  `json:"hitting"`
	Fielding map[string]*FieldingLine `json:"fielding"`
}

// NewStatBook creates an empty StatBook.
func NewStatBook() *StatBook {
	b := &StatBook{}
	b.normalize()
	return b
}

func (b *StatBook) normalize() {
	if b.Pitching == nil {
		b.Pitching = make(map[string]*PitchingLine)
	}
	if b.Hitting == nil {
		b.Hitting = make(map[string]*HittingLine)
	}
	if b.Fielding == nil {
		b.Fielding = make(map[string]*FieldingLine)
	}
}

// PitchingFor returns the pitching record for a player, creating a zero
// record on first use.
func (b *StatBook) PitchingFor(name string) *PitchingLine {
	l, ok := b.Pitching[name]
	if !ok {
		l = &PitchingLine{}
		b.Pitching[name] = l
	}
	return l
}

// HittingFor returns the hitting record for a player, creating a zero record
// on first use.
func (b *StatBook) HittingFor(name string) *HittingLine {
	l, ok := b.Hitting[name]
	if !ok {
		l = &HittingLine{}
		b.Hitting[name] = l
	}
	return l
}

// FieldingFor returns the fielding record for a player, creating a zero
// record on first use.
func (b *StatBook) FieldingFor(name string) *FieldingLine {
	l, ok := b.Fielding[name]
	if !ok {
		l = &FieldingLine{}
		b.Fielding[name] = l
	}
	return l
}

// ApplyPitchingDelta adds signed deltas to a player's pitching record,
// clamping every field at zero.
func (b *StatBook) ApplyPitchingDelta(name string, d PitchingLine) {
	b.PitchingFor(name).add(d, name)
}

// ApplyHittingDelta adds signed deltas to a player's hitting record,
// clamping every field at zero.
func (b *StatBook) ApplyHittingDelta(name string, d HittingLine) {
	b.HittingFor(name).add(d, name)
}

// ApplyFieldingDelta adds signed deltas to a player's fielding record,
// clamping every field at zero.
func (b *StatBook) ApplyFieldingDelta(name string, d FieldingLine) {
	b.FieldingFor(name).add(d, name)
}

// SetPitching replaces a player's full pitching record (absolute mode).
func (b *StatBook) SetPitching(name string, l PitchingLine) {
	b.Pitching[name] = &l
}

// SetHitting replaces a player's full hitting record (absolute mode).
func (b *StatBook) SetHitting(name string, l HittingLine) {
	b.Hitting[name] = &l
}

// SetFielding replaces a player's full fielding record (absolute mode).
func (b *StatBook) SetFielding(name string, l FieldingLine) {
	b.Fielding[name] = &l
}

// Reset zeroes every record in place. Players keep their rows; a reset game
// still lists everyone who ever appeared.
func (b *StatBook) Reset() {
	for name := range b.Pitching {
		b.Pitching[name] = &PitchingLine{}
	}
	for name := range b.Hitting {
		b.Hitting[name] = &HittingLine{}
	}
	for name := range b.Fielding {
		b.Fielding[name] = &FieldingLine{}
	}
}

// Clone returns a deep copy, used to compute per-edit deltas. A nil book
// clones to an empty one.
func (b *StatBook) Clone() *StatBook {
	c := NewStatBook()
	if b == nil {
		return c
	}
	for name, l := range b.Pitching {
		cp := *l
		c.Pitching[name] = &cp
	}
	for name, l := range b.Hitting {
		cp := *l
		c.Hitting[name] = &cp
	}
	for name, l := range b.Fielding {
		cp := *l
		c.Fielding[name] = &cp
	}
	return c
}

// StatDelta is the signed difference between two StatBooks, reported back to
// the caller after an incremental pass so it can apply a minimal write.
type StatDelta struct {
	Pitching map[string]PitchingLine `json:"pitching,omitempty"`
	Hitting  map[string]HittingLine  `json:"hitting,omitempty"`
	Fielding map[string]FieldingLine `json:"fielding,omitempty"`
}

// Empty reports whether the delta changes nothing.
func (d StatDelta) Empty() bool {
	return len(d.Pitching) == 0 && len(d.Hitting) == 0 && len(d.Fielding) == 0
}

// Diff computes after-minus-before for every player present in either book,
// omitting players whose lines are unchanged.
func Diff(before, after *StatBook) StatDelta {
	if before == nil {
		before = NewStatBook()
	}
	if after == nil {
		after = NewStatBook()
	}
	d := StatDelta{
		Pitching: make(map[string]PitchingLine),
		Hitting:  make(map[string]HittingLine),
		Fielding: make(map[string]FieldingLine),
	}
	names := make(map[string]bool)
	for n := range before.Pitching {
		names[n] = true
	}
	for n := range after.Pitching {
		names[n] = true
	}
	for n := range names {
		var b, a PitchingLine
		if l, ok := before.Pitching[n]; ok {
			b = *l
		}
		if l, ok := after.Pitching[n]; ok {
			a = *l
		}
		if diff := (PitchingLine{
			BattersFaced: a.BattersFaced - b.BattersFaced,
			Outs:         a.Outs - b.Outs,
			Hits:         a.Hits - b.Hits,
			HomeRuns:     a.HomeRuns - b.HomeRuns,
			Runs:         a.Runs - b.Runs,
			Walks:        a.Walks - b.Walks,
			Strikeouts:   a.Strikeouts - b.Strikeouts,
		}); diff != (PitchingLine{}) {
			d.Pitching[n] = diff
		}
	}

	names = make(map[string]bool)
	for n := range before.Hitting {
		names[n] = true
	}
	for n := range after.Hitting {
		names[n] = true
	}
	for n := range names {
		var b, a HittingLine
		if l, ok := before.Hitting[n]; ok {
			b = *l
		}
		if l, ok := after.Hitting[n]; ok {
			a = *l
		}
		if diff := (HittingLine{
			AtBats:               a.AtBats - b.AtBats,
			Hits:                 a.Hits - b.Hits,
			HomeRuns:             a.HomeRuns - b.HomeRuns,
			RBI:                  a.RBI - b.RBI,
			Walks:                a.Walks - b.Walks,
			Strikeouts:           a.Strikeouts - b.Strikeouts,
			ReachedOnObstruction: a.ReachedOnObstruction - b.ReachedOnObstruction,
			DoublePlays:          a.DoublePlays - b.DoublePlays,
			TotalBases:           a.TotalBases - b.TotalBases,
		}); diff != (HittingLine{}) {
			d.Hitting[n] = diff
		}
	}

	names = make(map[string]bool)
	for n := range before.Fielding {
		names[n] = true
	}
	for n := range after.Fielding {
		names[n] = true
	}
	for n := range names {
		var b, a FieldingLine
		if l, ok := before.Fielding[n]; ok {
			b = *l
		}
		if l, ok := after.Fielding[n]; ok {
			a = *l
		}
		if diff := (FieldingLine{
			NicePlays:   a.NicePlays - b.NicePlays,
			Errors:      a.Errors - b.Errors,
			StolenBases: a.StolenBases - b.StolenBases,
		}); diff != (FieldingLine{}) {
			d.Fielding[n] = diff
		}
	}
	return d
}

// Equal reports whether two books hold identical non-zero totals.
func Equal(a, b *StatBook) bool {
	return Diff(a, b).Empty()
}
