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
	"fmt"
	"iter"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
)

// ErrBusy is returned when a sheet's lock could not be acquired within the
// caller's deadline. The sheet itself is fine; the caller should retry.
var ErrBusy = errors.New("sheet busy")

// Permissions defines access control for a sheet.
type Permissions struct {
	Public string            `json:"public"` // "none", "read"
	Users  map[string]string `json:"users"`  // "email": "read"|"write"
}

// SheetStore manages sheet persistence to disk.
type SheetStore struct {
	DataDir string
	Debug   bool
	storage *storage.Storage
	mu      sync.Map // *sync.RWMutex per sheet ID, protects reads and writes
	sem     sync.Map // chan struct{} (cap 1) per sheet ID, for bounded Acquire
	cache   sync.Map // latest []byte (JSON) per sheet ID

	dirtyMu sync.Mutex
	dirty   map[string]bool
}

// NewSheetStore creates a new SheetStore.
func NewSheetStore(dataDir string, s *storage.Storage) *SheetStore {
	return &SheetStore{
		DataDir: dataDir,
		storage: s,
		dirty:   make(map[string]bool),
	}
}

func sheetFilenames(sheetID string) (string, string) {
	encoded := url.PathEscape(sheetID)
	return filepath.Join("sheets", fmt.Sprintf("%s.json", encoded)),
		filepath.Join("sheets", fmt.Sprintf("%s.meta.json", encoded))
}

// Acquire takes the exclusive edit lock for a sheet, waiting at most timeout.
// On success it returns a release func; otherwise it returns ErrBusy. This is
// the only lock in the store that can refuse: the internal read/write mutexes
// always block because persistence operations are short.
func (ss *SheetStore) Acquire(sheetID string, timeout time.Duration) (func(), error) {
	v, _ := ss.sem.LoadOrStore(sheetID, make(chan struct{}, 1))
	sem := v.(chan struct{})

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-t.C:
		return nil, fmt.Errorf("acquire %s: %w", sheetID, ErrBusy)
	}
}

// SaveSheet saves the sheet data atomically.
func (ss *SheetStore) SaveSheet(sheet *Sheet) error {
	sheetID := sheet.ID
	m, _ := ss.mu.LoadOrStore(sheetID, &sync.RWMutex{})
	mutex := m.(*sync.RWMutex)

	mutex.Lock()
	defer mutex.Unlock()

	filename, metaFilename := sheetFilenames(sheetID)

	if err := ss.storage.SaveDataFile(filename, sheet); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}

	// Metadata sidecar, so listing does not have to load full cell maps.
	meta := SheetMetadata{
		ID:          sheet.ID,
		OwnerID:     sheet.OwnerID,
		Permissions: sheet.Permissions,
		Status:      sheet.Status,
		DeletedAt:   sheet.DeletedAt,
	}
	if err := ss.storage.SaveDataFile(metaFilename, &meta); err != nil {
		log.Printf("Warning: Failed to save metadata sidecar for sheet %s: %v", sheetID, err)
	}

	if jsonBytes, err := json.Marshal(sheet); err == nil {
		ss.cache.Store(sheetID, jsonBytes)
	}

	ss.dirtyMu.Lock()
	delete(ss.dirty, sheetID)
	ss.dirtyMu.Unlock()

	return nil
}

// SaveSheetInMemory updates the in-memory cache and marks the sheet as dirty.
// If forceSync is true, it writes to disk immediately.
func (ss *SheetStore) SaveSheetInMemory(sheet *Sheet, forceSync bool) error {
	jsonBytes, err := json.Marshal(sheet)
	if err != nil {
		return err
	}
	ss.cache.Store(sheet.ID, jsonBytes)

	if forceSync {
		return ss.SaveSheet(sheet)
	}

	ss.dirtyMu.Lock()
	ss.dirty[sheet.ID] = true
	ss.dirtyMu.Unlock()

	return nil
}

// Flush persists a specific sheet to disk if it is dirty.
func (ss *SheetStore) Flush(sheetID string) error {
	ss.dirtyMu.Lock()
	if !ss.dirty[sheetID] {
		ss.dirtyMu.Unlock()
		return nil
	}
	ss.dirtyMu.Unlock()

	val, ok := ss.cache.Load(sheetID)
	if !ok {
		ss.dirtyMu.Lock()
		delete(ss.dirty, sheetID)
		ss.dirtyMu.Unlock()
		return fmt.Errorf("sheet %s marked dirty but not found in cache", sheetID)
	}

	var s Sheet
	if err := json.Unmarshal(val.([]byte), &s); err != nil {
		return fmt.Errorf("failed to unmarshal sheet from cache for flush: %w", err)
	}

	// SaveSheet clears the dirty flag.
	return ss.SaveSheet(&s)
}

// FlushAll persists all dirty sheets to disk.
func (ss *SheetStore) FlushAll() error {
	ss.dirtyMu.Lock()
	dirtyIds := make([]string, 0, len(ss.dirty))
	for id := range ss.dirty {
		dirtyIds = append(dirtyIds, id)
	}
	ss.dirtyMu.Unlock()

	for _, id := range dirtyIds {
		if err := ss.Flush(id); err != nil {
			return fmt.Errorf("failed to flush sheet %s: %w", id, err)
		}
	}
	return nil
}

// LoadSheet loads the sheet data by ID. The dirty cache is authoritative.
func (ss *SheetStore) LoadSheet(sheetID string) (*Sheet, error) {
	if val, ok := ss.cache.Load(sheetID); ok {
		var s Sheet
		if err := json.Unmarshal(val.([]byte), &s); err == nil {
			if ss.Debug {
				log.Printf("[CACHE] Hit for sheet %s", sheetID)
			}
			s.normalize()
			return &s, nil
		}
		ss.cache.Delete(sheetID)
	}
	if ss.Debug {
		log.Printf("[CACHE] Miss for sheet %s", sheetID)
	}

	m, _ := ss.mu.LoadOrStore(sheetID, &sync.RWMutex{})
	mutex := m.(*sync.RWMutex)

	mutex.RLock()
	defer mutex.RUnlock()

	filename, _ := sheetFilenames(sheetID)

	var s Sheet
	err := ss.storage.ReadDataFile(filename, &s)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	s.normalize()

	if jsonBytes, err := json.Marshal(&s); err == nil {
		ss.cache.Store(sheetID, jsonBytes)
	}

	return &s, nil
}

// LoadSheetAsJSON is a helper for API handlers that just want bytes.
func (ss *SheetStore) LoadSheetAsJSON(sheetID string) ([]byte, error) {
	s, err := ss.LoadSheet(sheetID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// DeleteSheet deletes a sheet by overwriting it with a tombstone.
func (ss *SheetStore) DeleteSheet(sheetID string) error {
	// Load first to get OwnerID.
	s, err := ss.LoadSheet(sheetID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	m, _ := ss.mu.LoadOrStore(sheetID, &sync.RWMutex{})
	mutex := m.(*sync.RWMutex)

	mutex.Lock()
	defer mutex.Unlock()

	tombstone := &Sheet{
		ID:            sheetID,
		SchemaVersion: CurrentSchemaVersion,
		Status:        SheetStatusDeleted,
		OwnerID:       s.OwnerID,
		DeletedAt:     time.Now().UnixNano(),
	}

	filename, metaFilename := sheetFilenames(sheetID)

	if err := ss.storage.SaveDataFile(filename, tombstone); err != nil {
		return fmt.Errorf("storage.SaveDataFile (tombstone): %w", err)
	}

	meta := SheetMetadata{
		ID:        sheetID,
		OwnerID:   s.OwnerID,
		Status:    SheetStatusDeleted,
		DeletedAt: tombstone.DeletedAt,
	}
	if err := ss.storage.SaveDataFile(metaFilename, &meta); err != nil {
		log.Printf("Warning: Failed to save metadata tombstone for sheet %s: %v", sheetID, err)
	}

	if jsonBytes, err := json.Marshal(tombstone); err == nil {
		ss.cache.Store(sheetID, jsonBytes)
	}

	return nil
}

// PurgeSheet permanently deletes the sheet file.
func (ss *SheetStore) PurgeSheet(sheetID string) error {
	m, _ := ss.mu.LoadOrStore(sheetID, &sync.RWMutex{})
	mutex := m.(*sync.RWMutex)

	mutex.Lock()
	defer mutex.Unlock()

	ss.cache.Delete(sheetID)

	filename, metaFilename := sheetFilenames(sheetID)
	fullPath := filepath.Join(ss.DataDir, filename)
	fullMetaPath := filepath.Join(ss.DataDir, metaFilename)

	if err := os.Remove(fullPath); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("could not purge sheet file: %w", err)
		}
	}
	if err := os.Remove(fullMetaPath); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Warning: could not purge meta file for sheet %s: %v", sheetID, err)
		}
	}
	return nil
}

// RestoreSheet writes a sheet from a cluster snapshot straight to disk,
// replacing any local copy.
func (ss *SheetStore) RestoreSheet(sheet *Sheet) error {
	sheet.normalize()
	return ss.SaveSheet(sheet)
}

// ListAllSheetIDs returns the IDs of all sheets present on disk or in the
// dirty cache.
func (ss *SheetStore) ListAllSheetIDs() ([]string, error) {
	seen := make(map[string]bool)

	sheetsDir := filepath.Join(ss.DataDir, "sheets")
	files, err := os.ReadDir(sheetsDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not read sheets directory: %w", err)
	}
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".meta.json") {
			continue
		}
		if id, err := url.PathUnescape(strings.TrimSuffix(name, ".json")); err == nil {
			seen[id] = true
		}
	}

	ss.dirtyMu.Lock()
	for id := range ss.dirty {
		seen[id] = true
	}
	ss.dirtyMu.Unlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids, nil
}

// SheetSummary represents a summary of a sheet for listing.
type SheetSummary struct {
	ID       string `json:"id"`
	Date     string `json:"date"`
	Location string `json:"location"`
	Event    string `json:"event"`
	Away     string `json:"away"`
	Home     string `json:"home"`
	Status   string `json:"status"`
	OwnerID  string `json:"ownerId"`
}

// SheetSummaryFor loads a sheet and reduces it to its listing summary.
func (ss *SheetStore) SheetSummaryFor(sheetID string) (SheetSummary, error) {
	s, err := ss.LoadSheet(sheetID)
	if err != nil {
		return SheetSummary{}, err
	}
	return SheetSummary{
		ID:       s.ID,
		Date:     s.Date,
		Location: s.Location,
		Event:    s.Event,
		Away:     s.Away,
		Home:     s.Home,
		Status:   s.Status,
		OwnerID:  s.OwnerID,
	}, nil
}

// SheetMetadata contains only the fields needed for indexing.
type SheetMetadata struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"ownerId"`
	Permissions Permissions `json:"permissions"`
	Status      string      `json:"status"`
	DeletedAt   int64       `json:"deletedAt"`
}

// ListAllSheetMetadata returns metadata for all sheets without loading full
// cell maps. Sidecar files are the fast path; sheets without one fall back to
// a full load.
func (ss *SheetStore) ListAllSheetMetadata() iter.Seq2[SheetMetadata, error] {
	return func(yield func(SheetMetadata, error) bool) {
		sheetsDir := filepath.Join(ss.DataDir, "sheets")
		files, err := os.ReadDir(sheetsDir)
		if err != nil && !os.IsNotExist(err) {
			yield(SheetMetadata{}, fmt.Errorf("could not read sheets directory: %w", err))
			return
		}

		hasMeta := make(map[string]bool)
		hasSheet := make(map[string]bool)

		for _, file := range files {
			if file.IsDir() {
				continue
			}
			name := file.Name()
			if strings.HasSuffix(name, ".meta.json") {
				encoded := strings.TrimSuffix(name, ".meta.json")
				if id, err := url.PathUnescape(encoded); err == nil {
					hasMeta[id] = true
				}
			} else if strings.HasSuffix(name, ".json") {
				encoded := strings.TrimSuffix(name, ".json")
				if id, err := url.PathUnescape(encoded); err == nil {
					hasSheet[id] = true
				}
			}
		}

		processed := make(map[string]bool)

		for id := range hasMeta {
			processed[id] = true

			_, metaFilename := sheetFilenames(id)
			var meta SheetMetadata
			if err := ss.storage.ReadDataFile(metaFilename, &meta); err != nil {
				log.Printf("Warning: failed to load metadata for %s: %v. Falling back to main file.", id, err)
				hasSheet[id] = true
				processed[id] = false
				continue
			}

			if !yield(meta, nil) {
				return
			}
		}

		for id := range hasSheet {
			if processed[id] {
				continue
			}
			processed[id] = true

			s, err := ss.LoadSheet(id)
			if err != nil {
				log.Printf("Warning: failed to load sheet %s from disk: %v", id, err)
				continue
			}

			if !yield(SheetMetadata{
				ID:          s.ID,
				OwnerID:     s.OwnerID,
				Permissions: s.Permissions,
				Status:      s.Status,
				DeletedAt:   s.DeletedAt,
			}, nil) {
				return
			}
		}

		// Dirty cache last: sheets created in memory but not yet flushed.
		ss.dirtyMu.Lock()
		dirtyIds := make([]string, 0, len(ss.dirty))
		for id := range ss.dirty {
			dirtyIds = append(dirtyIds, id)
		}
		ss.dirtyMu.Unlock()

		for _, id := range dirtyIds {
			if processed[id] {
				continue
			}

			s, err := ss.LoadSheet(id)
			if err != nil {
				log.Printf("Error: Failed to load dirty sheet %s: %v", id, err)
				continue
			}

			if !yield(SheetMetadata{
				ID:          s.ID,
				OwnerID:     s.OwnerID,
				Permissions: s.Permissions,
				Status:      s.Status,
				DeletedAt:   s.DeletedAt,
			}, nil) {
				return
			}
		}
	}
}

// ListAllSheets returns an iterator over all sheets in the sheets directory.
func (ss *SheetStore) ListAllSheets() iter.Seq2[*Sheet, error] {
	return func(yield func(*Sheet, error) bool) {
		sheetsDir := filepath.Join(ss.DataDir, "sheets")
		files, err := os.ReadDir(sheetsDir)
		if err != nil && !os.IsNotExist(err) {
			yield(nil, fmt.Errorf("could not read sheets directory: %w", err))
			return
		}

		seen := make(map[string]bool)

		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") || strings.HasSuffix(file.Name(), ".meta.json") {
				continue
			}
			encoded := strings.TrimSuffix(file.Name(), ".json")
			sheetID, err := url.PathUnescape(encoded)
			if err != nil {
				continue
			}

			seen[sheetID] = true

			s, err := ss.LoadSheet(sheetID)
			if err != nil {
				log.Printf("Warning: could not load sheet '%s': %v", sheetID, err)
				continue
			}
			if !yield(s, nil) {
				return
			}
		}

		ss.dirtyMu.Lock()
		dirtyIds := make([]string, 0, len(ss.dirty))
		for id := range ss.dirty {
			dirtyIds = append(dirtyIds, id)
		}
		ss.dirtyMu.Unlock()

		for _, id := range dirtyIds {
			if seen[id] {
				continue
			}

			s, err := ss.LoadSheet(id)
			if err != nil {
				log.Printf("Error: Failed to load dirty sheet %s: %v", id, err)
				continue
			}
			if !yield(s, nil) {
				return
			}
		}
	}
}
