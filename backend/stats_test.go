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

import "testing"

func TestApplyDeltaClampsAtZero(t *testing.T) {
	b := NewStatBook()
	b.ApplyPitchingDelta("Hank", PitchingLine{Outs: 2, Strikeouts: 1})
	b.ApplyPitchingDelta("Hank", PitchingLine{Outs: -5, Strikeouts: -1})

	l := b.PitchingFor("Hank")
	if l.Outs != 0 {
		t.Errorf("Outs = %d, want 0 after clamped underflow", l.Outs)
	}
	if l.Strikeouts != 0 {
		t.Errorf("Strikeouts = %d, want 0", l.Strikeouts)
	}

	b.ApplyHittingDelta("Joe", HittingLine{Hits: -3})
	if got := b.HittingFor("Joe").Hits; got != 0 {
		t.Errorf("Hits = %d, want 0", got)
	}
	b.ApplyFieldingDelta("Joe", FieldingLine{Errors: -1})
	if got := b.FieldingFor("Joe").Errors; got != 0 {
		t.Errorf("Errors = %d, want 0", got)
	}
}

func TestResetKeepsRows(t *testing.T) {
	b := NewStatBook()
	b.ApplyPitchingDelta("Hank", PitchingLine{Outs: 3})
	b.ApplyHittingDelta("Joe", HittingLine{Hits: 2})
	b.ApplyFieldingDelta("Ann", FieldingLine{NicePlays: 1})

	b.Reset()

	for _, name := range []string{"Hank"} {
		l, ok := b.Pitching[name]
		if !ok {
			t.Fatalf("pitching row for %s dropped by Reset", name)
		}
		if *l != (PitchingLine{}) {
			t.Errorf("pitching row for %s = %+v, want zeroes", name, *l)
		}
	}
	if l, ok := b.Hitting["Joe"]; !ok || *l != (HittingLine{}) {
		t.Errorf("hitting row = %+v (ok=%v), want zeroed row", l, ok)
	}
	if l, ok := b.Fielding["Ann"]; !ok || *l != (FieldingLine{}) {
		t.Errorf("fielding row = %+v (ok=%v), want zeroed row", l, ok)
	}
}

func TestSetAbsoluteReplacesRecord(t *testing.T) {
	b := NewStatBook()
	b.ApplyHittingDelta("Joe", HittingLine{Hits: 1, AtBats: 2})

	b.SetHitting("Joe", HittingLine{Hits: 4, AtBats: 4})
	if got := *b.HittingFor("Joe"); got != (HittingLine{Hits: 4, AtBats: 4}) {
		t.Errorf("after SetHitting, row = %+v", got)
	}

	b.SetPitching("Hank", PitchingLine{Outs: 9})
	if got := *b.PitchingFor("Hank"); got != (PitchingLine{Outs: 9}) {
		t.Errorf("after SetPitching, row = %+v", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	b := NewStatBook()
	b.ApplyPitchingDelta("Hank", PitchingLine{Outs: 3})

	c := b.Clone()
	c.ApplyPitchingDelta("Hank", PitchingLine{Outs: 3})

	if got := b.PitchingFor("Hank").Outs; got != 3 {
		t.Errorf("original mutated through clone: Outs = %d, want 3", got)
	}
	if got := c.PitchingFor("Hank").Outs; got != 6 {
		t.Errorf("clone Outs = %d, want 6", got)
	}

	var nilBook *StatBook
	if c := nilBook.Clone(); c == nil || len(c.Pitching) != 0 {
		t.Errorf("nil book should clone to an empty book, got %+v", c)
	}
}

func TestDiffReportsOnlyChanges(t *testing.T) {
	before := NewStatBook()
	before.ApplyHittingDelta("Joe", HittingLine{Hits: 1, AtBats: 1})
	before.ApplyHittingDelta("Sam", HittingLine{AtBats: 1})

	after := before.Clone()
	after.ApplyHittingDelta("Joe", HittingLine{Hits: 1, AtBats: 1, TotalBases: 2})
	after.ApplyPitchingDelta("Hank", PitchingLine{Outs: 1})

	d := Diff(before, after)
	if len(d.Hitting) != 1 {
		t.Fatalf("Hitting delta has %d entries, want 1: %+v", len(d.Hitting), d.Hitting)
	}
	if got := d.Hitting["Joe"]; got != (HittingLine{Hits: 1, AtBats: 1, TotalBases: 2}) {
		t.Errorf("Joe delta = %+v", got)
	}
	if got := d.Pitching["Hank"]; got != (PitchingLine{Outs: 1}) {
		t.Errorf("Hank delta = %+v", got)
	}
	if _, ok := d.Hitting["Sam"]; ok {
		t.Error("unchanged player must not appear in delta")
	}

	if !Diff(before, before).Empty() {
		t.Error("self-diff should be empty")
	}
	if !Diff(nil, nil).Empty() {
		t.Error("nil-diff should be empty")
	}
}
