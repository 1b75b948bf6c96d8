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
	"testing"

	"github.com/google/uuid"
)

func TestValidateSheetID(t *testing.T) {
	if err := ValidateSheetID(uuid.NewString()); err != nil {
		t.Errorf("valid UUID rejected: %v", err)
	}
	for _, id := range []string{"", "not-a-uuid", "12345678-1234-1234-1234-12345678901g"} {
		if err := ValidateSheetID(id); err == nil {
			t.Errorf("ValidateSheetID(%q) accepted", id)
		}
	}
}

func TestValidateCellEdit(t *testing.T) {
	tests := []struct {
		key     string
		text    string
		wantErr bool
	}{
		{"away-b0-i1", "HR", false},
		{"home-b12-i9", "", false},
		{"home-b0-i10", "K", false},
		{"away-b0-i0", "K", true},
		{"mid-b0-i1", "K", true},
		{"away-b0", "K", true},
		{"away-b0-i1", strings.Repeat("x", 121), true},
	}
	for _, tc := range tests {
		err := ValidateCellEdit(tc.key, tc.text)
		if (err != nil) != tc.wantErr {
			t.Errorf("ValidateCellEdit(%q, %d chars) = %v, wantErr=%v", tc.key, len(tc.text), err, tc.wantErr)
		}
	}
}

func TestValidatePitcherUpdate(t *testing.T) {
	if err := ValidatePitcherUpdate(SideHome, "Hank"); err != nil {
		t.Errorf("valid update rejected: %v", err)
	}
	if err := ValidatePitcherUpdate("left", "Hank"); err == nil {
		t.Error("invalid side accepted")
	}
	if err := ValidatePitcherUpdate(SideAway, "   "); err == nil {
		t.Error("blank name accepted")
	}
	if err := ValidatePitcherUpdate(SideAway, strings.Repeat("n", 51)); err == nil {
		t.Error("overlong name accepted")
	}
}

func TestValidateRosterUpdate(t *testing.T) {
	ok := Roster{{Name: "Ann", Number: "7", Positions: []string{"SS", "P"}}}
	if err := ValidateRosterUpdate(SideAway, ok); err != nil {
		t.Errorf("valid roster rejected: %v", err)
	}

	if err := ValidateRosterUpdate("neither", ok); err == nil {
		t.Error("invalid side accepted")
	}
	if err := ValidateRosterUpdate(SideAway, make(Roster, 100)); err == nil {
		t.Error("100-slot roster accepted")
	}
	long := Roster{{Name: strings.Repeat("n", 51)}}
	if err := ValidateRosterUpdate(SideAway, long); err == nil {
		t.Error("overlong player name accepted")
	}
	manyPos := Roster{{Name: "Ann", Positions: make([]string, 31)}}
	if err := ValidateRosterUpdate(SideAway, manyPos); err == nil {
		t.Error("31 position entries accepted")
	}
}

func TestValidateSheet(t *testing.T) {
	s := &Sheet{
		ID:   uuid.NewString(),
		Away: "Hawks",
		Home: "Owls",
		Date: "2026-05-04T18:30:00Z",
	}
	s.normalize()
	s.Rosters[SideAway] = Roster{{Name: "Al"}}
	s.PitcherRotation[SideHome] = []string{"Hank"}
	s.Cells["away-b0-i1"] = Cell{Text: "K"}
	if err := ValidateSheet(s); err != nil {
		t.Errorf("valid sheet rejected: %v", err)
	}

	bad := &Sheet{ID: s.ID, Date: "May 4th"}
	bad.normalize()
	if err := ValidateSheet(bad); err == nil {
		t.Error("non-RFC3339 date accepted")
	}

	badCell := &Sheet{ID: s.ID}
	badCell.normalize()
	badCell.Cells["bogus"] = Cell{Text: "K"}
	if err := ValidateSheet(badCell); err == nil {
		t.Error("invalid cell key accepted")
	}

	badSide := &Sheet{ID: s.ID}
	badSide.normalize()
	badSide.PitcherRotation["visitors"] = []string{"Hank"}
	if err := ValidateSheet(badSide); err == nil {
		t.Error("unknown rotation side accepted")
	}
}

func TestIsValidEmail(t *testing.T) {
	if !isValidEmail("user@example.com") {
		t.Error("plain address rejected")
	}
	for _, s := range []string{"", "user", "@example.com"} {
		if isValidEmail(s) {
			t.Errorf("isValidEmail(%q) = true", s)
		}
	}
}
