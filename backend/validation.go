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
	"net/mail"
	"regexp"
	"strings"
	"time"
)

// uuidRegex is a regex for standard UUIDs (8-4-4-4-12 hex digits)
var uuidRegex = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)

// isValidUUID checks if the string is a valid UUID.
func isValidUUID(id string) bool {
	return uuidRegex.MatchString(id)
}

// isValidEmail checks if the string is a valid email address.
func isValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

const (
	CurrentProtocolVersion = 1
	CurrentAppVersion      = "0.1.0"
)

// validateStringLen checks if the string length is within the limit.
func validateStringLen(s string, max int, name string) error {
	if len(s) > max {
		return fmt.Errorf("%s too long (max %d chars)", name, max)
	}
	return nil
}

func validateSide(side string) error {
	if side != SideAway && side != SideHome {
		return fmt.Errorf("invalid side: %q", side)
	}
	return nil
}

// ValidateSheetID checks the canonical sheet ID format.
func ValidateSheetID(id string) error {
	if !isValidUUID(id) {
		return fmt.Errorf("invalid sheet ID format: %s", id)
	}
	return nil
}

// ValidateCellKey checks the side-batter-inning cell addressing format.
func ValidateCellKey(key string) error {
	if _, err := parseCellKey(key); err != nil {
		return err
	}
	return nil
}

// ValidateNotation bounds the raw at-bat text. The parser itself accepts
// anything; the cap is a transport-level guard against garbage payloads.
func ValidateNotation(text string) error {
	return validateStringLen(text, 120, "notation")
}

// ValidateCellEdit checks a cell edit request.
func ValidateCellEdit(key, text string) error {
	if err := ValidateCellKey(key); err != nil {
		return err
	}
	return ValidateNotation(text)
}

// ValidatePitcherUpdate checks a pitcher assignment request.
func ValidatePitcherUpdate(side, name string) error {
	if err := validateSide(side); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("missing pitcher name")
	}
	return validateStringLen(name, 50, "pitcher name")
}

// ValidateRosterUpdate checks a full roster replacement for one side.
func ValidateRosterUpdate(side string, roster Roster) error {
	if err := validateSide(side); err != nil {
		return err
	}
	if len(roster) > 99 {
		return fmt.Errorf("roster too long: %d slots", len(roster))
	}
	for i, slot := range roster {
		if err := validateStringLen(slot.Name, 50, "player name"); err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
		if err := validateStringLen(slot.Number, 10, "player number"); err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
		if len(slot.Positions) > 30 {
			return fmt.Errorf("slot %d: too many position entries", i)
		}
		for _, pos := range slot.Positions {
			if err := validateStringLen(pos, 10, "position"); err != nil {
				return fmt.Errorf("slot %d: %w", i, err)
			}
		}
	}
	return nil
}

// ValidateSheetMeta checks the descriptive metadata of a new or updated sheet.
func ValidateSheetMeta(s *Sheet) error {
	if err := ValidateSheetID(s.ID); err != nil {
		return err
	}
	if err := validateStringLen(s.Away, 50, "away team"); err != nil {
		return err
	}
	if err := validateStringLen(s.Home, 50, "home team"); err != nil {
		return err
	}
	if err := validateStringLen(s.Event, 100, "event"); err != nil {
		return err
	}
	if err := validateStringLen(s.Location, 100, "location"); err != nil {
		return err
	}
	if s.Date != "" {
		if _, err := time.Parse(time.RFC3339, s.Date); err != nil {
			return fmt.Errorf("invalid date format: %v", err)
		}
	}
	return nil
}

// ValidateSheet validates a full sheet structure: metadata, rosters, pitcher
// rotations and every cell key and notation string.
func ValidateSheet(s *Sheet) error {
	if err := ValidateSheetMeta(s); err != nil {
		return err
	}
	for side, roster := range s.Rosters {
		if err := ValidateRosterUpdate(side, roster); err != nil {
			return fmt.Errorf("roster %s: %w", side, err)
		}
	}
	for side, rot := range s.PitcherRotation {
		if err := validateSide(side); err != nil {
			return err
		}
		for _, name := range rot {
			if err := validateStringLen(name, 50, "pitcher name"); err != nil {
				return err
			}
		}
	}
	for key, cell := range s.Cells {
		if err := ValidateCellEdit(key, cell.Text); err != nil {
			return fmt.Errorf("cell %s: %w", key, err)
		}
	}
	return nil
}
