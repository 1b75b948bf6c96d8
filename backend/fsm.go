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
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/hashicorp/raft"
)

var ErrConflict = errors.New("conflict detected")

// FSM implements the raft.FSM interface. All sheet mutations flow through
// here so every node applies them in the same order.
type FSM struct {
	ss          *SheetStore
	hm          *HubManager
	storage     *storage.Storage
	initialized atomic.Bool
	rm          *RaftManager

	nodeMap          sync.Map // map[string]*NodeMeta
	lastAppliedIndex atomic.Uint64
}

// NewFSM creates a new FSM.
func NewFSM(ss *SheetStore, hm *HubManager, s *storage.Storage) *FSM {
	f := &FSM{
		ss:      ss,
		hm:      hm,
		storage: s,
	}
	if s != nil {
		if _, err := os.Stat(filepath.Join(s.Dir(), "initialized")); err == nil {
			f.initialized.Store(true)
		}
		f.loadNodes()
	}
	return f
}

// LastAppliedIndex returns the index of the last applied log entry.
func (f *FSM) LastAppliedIndex() uint64 {
	return f.lastAppliedIndex.Load()
}

func (f *FSM) loadNodes() {
	if f.storage == nil {
		return
	}
	var nodes map[string]*NodeMeta
	if err := f.storage.ReadDataFile("nodes.json", &nodes); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("FSM Error: failed to read nodes.json: %v", err)
		}
		return
	}
	for k, v := range nodes {
		f.nodeMap.Store(k, v)
	}
}

func (f *FSM) saveNodes() {
	if f.storage == nil {
		return
	}
	nodes := make(map[string]*NodeMeta)
	f.nodeMap.Range(func(k, v interface{}) bool {
		nodes[k.(string)] = v.(*NodeMeta)
		return true
	})
	if err := f.storage.SaveDataFile("nodes.json", nodes); err != nil {
		log.Printf("FSM Error: failed to save nodes.json: %v", err)
	}
}

// IsInitialized returns true if the node has joined a cluster (processed a
// NodeMeta from another node).
func (f *FSM) IsInitialized() bool {
	return f.initialized.Load()
}

func (f *FSM) setInitialized() {
	if f.initialized.Swap(true) {
		return
	}
	if f.storage != nil {
		if err := f.storage.SaveDataFile("initialized", "true"); err != nil {
			log.Printf("FSM Error: failed to save initialized state: %v", err)
		}
	}
}

// Apply applies a Raft log entry to the sheet store.
func (f *FSM) Apply(l *raft.Log) interface{} {
	if len(l.Data) == 0 {
		return nil
	}
	var cmd RaftCommand
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		log.Printf("FSM Apply Error: failed to decode command: %v", err)
		return err
	}

	res := f.applyCommand(cmd, l.Index)
	f.lastAppliedIndex.Store(l.Index)
	return res
}

func (f *FSM) GetHubManager() *HubManager {
	return f.hm
}

func (f *FSM) GetHub(id string) *Hub {
	return f.hm.GetHub(id, f.ss)
}

func (f *FSM) GetStore() *SheetStore {
	return f.ss
}

func (f *FSM) GetNodeCount() int {
	count := 0
	f.nodeMap.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func (f *FSM) GetAllNodes() map[string]string {
	nodes := make(map[string]string)
	f.nodeMap.Range(func(key, value interface{}) bool {
		if meta, ok := value.(*NodeMeta); ok {
			nodes[key.(string)] = meta.HttpAddr
		}
		return true
	})
	return nodes
}

func (f *FSM) GetNodeAddr(nodeID string) string {
	if val, ok := f.nodeMap.Load(nodeID); ok {
		if meta, ok := val.(*NodeMeta); ok {
			return meta.HttpAddr
		}
	}
	return ""
}

func (f *FSM) GetNodeMeta(nodeID string) *NodeMeta {
	if val, ok := f.nodeMap.Load(nodeID); ok {
		if meta, ok := val.(*NodeMeta); ok {
			return meta
		}
	}
	return nil
}

// applyEdit applies one mutating sheet operation. A nil cell key with a
// CmdCellEdit type is a protocol error; everything else routes to the
// sheet engine.
func applyEdit(s *Sheet, cmd RaftCommand) (StatDelta, error) {
	switch cmd.Type {
	case CmdCellEdit:
		return s.ApplyEdit(cmd.Edit.CellKey, cmd.Edit.Text)
	case CmdSetPitcher:
		if cmd.Edit.Append {
			s.AppendPitcher(cmd.Edit.Side, cmd.Edit.Pitcher)
			return StatDelta{}, nil
		}
		before := s.Stats.Clone()
		s.SetPitcher(cmd.Edit.Side, cmd.Edit.Pitcher)
		return Diff(before, s.Stats), nil
	case CmdRosterUpdate:
		s.normalize()
		s.Rosters[cmd.Edit.Side] = cmd.Edit.Roster
		return StatDelta{}, nil
	case CmdHalfInning:
		s.HalfInning()
		return StatDelta{}, nil
	case CmdRecompute:
		before := s.Stats.Clone()
		s.Recompute()
		return Diff(before, s.Stats), nil
	default:
		return StatDelta{}, fmt.Errorf("not an edit command: %s", cmd.Type)
	}
}

func (f *FSM) applyEditCommand(cmd RaftCommand, index uint64) error {
	sheetID := cmd.Edit.SheetID
	s, err := f.ss.LoadSheet(sheetID)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load sheet %s: %w", sheetID, err)
		}
		s = &Sheet{ID: sheetID}
	} else if s.ID != sheetID {
		return fmt.Errorf("data consistency error: loaded sheet ID %s does not match expected %s", s.ID, sheetID)
	}

	if index > 0 && index <= s.LastRaftIndex {
		return nil // Already applied
	}

	delta, err := applyEdit(s, cmd)
	if err != nil {
		return err
	}

	if index > 0 {
		s.LastRaftIndex = index
	}

	if err := f.ss.SaveSheetInMemory(s, f.rm == nil); err != nil {
		return err
	}
	f.broadcastSheetUpdate(sheetID, s, delta)
	return nil
}

func (f *FSM) broadcastSheetUpdate(sheetID string, s *Sheet, delta StatDelta) {
	if f.hm == nil {
		return
	}
	msg := struct {
		Type  string     `json:"type"`
		Sheet *Sheet     `json:"sheet"`
		Delta *StatDelta `json:"delta,omitempty"`
	}{Type: "sheet_update", Sheet: s}
	if !delta.Empty() {
		msg.Delta = &delta
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("FSM Error: failed to marshal update for sheet %s: %v", sheetID, err)
		return
	}
	f.hm.BroadcastToSheet(sheetID, data)
}

func (f *FSM) applySaveSheet(id string, data []byte, index uint64, force bool) error {
	var s Sheet
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to unmarshal sheet data: %w", err)
	}

	existing, err := f.ss.LoadSheet(id)
	if err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
		// A full overwrite with fewer cells than we have is a replayed or
		// forked state. Reject unless forced.
		if !force && len(s.Cells) < len(existing.Cells) {
			return fmt.Errorf("incoming sheet state is older or forked (%d cells < %d): %w",
				len(s.Cells), len(existing.Cells), ErrConflict)
		}
	}

	if index > 0 {
		s.LastRaftIndex = index
	}

	// Full saves rebuild stats from the cells rather than trusting the
	// sender's aggregate.
	s.Recompute()

	if err := f.ss.SaveSheet(&s); err != nil {
		return err
	}
	f.broadcastSheetUpdate(id, &s, StatDelta{})
	return nil
}

func (f *FSM) applyDeleteSheet(id string, index uint64) error {
	existing, err := f.ss.LoadSheet(id)
	if err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
	}

	if err := f.ss.DeleteSheet(id); err != nil {
		return err
	}
	f.hm.RemoveHub(id)
	return nil
}

func (f *FSM) applyCommand(cmd RaftCommand, index uint64) interface{} {
	switch cmd.Type {
	case CmdSaveSheet:
		return f.applySaveSheet(cmd.ID, *cmd.SheetData, index, cmd.Force)
	case CmdDeleteSheet:
		return f.applyDeleteSheet(cmd.ID, index)
	case CmdCellEdit, CmdSetPitcher, CmdRosterUpdate, CmdHalfInning, CmdRecompute:
		if cmd.Edit == nil || cmd.Edit.SheetID == "" {
			return fmt.Errorf("missing edit payload for %s", cmd.Type)
		}
		return f.applyEditCommand(cmd, index)
	case CmdNodeMeta:
		if cmd.NodeMeta == nil {
			return fmt.Errorf("missing node meta")
		}
		f.nodeMap.Store(cmd.NodeMeta.NodeID, cmd.NodeMeta)
		f.saveNodes()
		if f.rm != nil && (cmd.NodeMeta.NodeID != f.rm.NodeID || f.rm.Bootstrap) {
			f.setInitialized()
		}
		return nil
	case CmdNodeLeft:
		if cmd.NodeMeta == nil {
			return fmt.Errorf("missing node meta for leave")
		}
		f.nodeMap.Delete(cmd.NodeMeta.NodeID)
		f.saveNodes()
		return nil
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

type batchItem struct {
	index     int // Original index in the []*raft.Log slice
	raftIndex uint64
	cmd       RaftCommand
}

type sheetJob struct {
	id       string
	isSystem bool
	items    []batchItem

	// Output
	sheet   *Sheet
	deleted bool
	dirty   bool
	delta   StatDelta
}

// ApplyBatch implements the raft.BatchingFSM interface. Commands are grouped
// per sheet so each sheet is loaded and saved once per batch.
func (f *FSM) ApplyBatch(logs []*raft.Log) []interface{} {
	results := make([]interface{}, len(logs))
	jobs := make(map[string]*sheetJob)

	// 1. Decode and group.
	for i, l := range logs {
		if l.Type != raft.LogCommand || len(l.Data) == 0 {
			continue
		}

		var cmd RaftCommand
		if err := json.Unmarshal(l.Data, &cmd); err != nil {
			log.Printf("FSM ApplyBatch Error: failed to decode command: %v", err)
			results[i] = err
			continue
		}

		var key string
		var isSystem bool
		switch cmd.Type {
		case CmdSaveSheet, CmdDeleteSheet:
			key = "sheet:" + cmd.ID
		case CmdCellEdit, CmdSetPitcher, CmdRosterUpdate, CmdHalfInning, CmdRecompute:
			if cmd.Edit != nil {
				key = "sheet:" + cmd.Edit.SheetID
			}
		case CmdNodeMeta, CmdNodeLeft:
			key = "sys:global"
			isSystem = true
		default:
			results[i] = fmt.Errorf("unknown command type: %s", cmd.Type)
			continue
		}

		if key == "" {
			results[i] = fmt.Errorf("could not determine resource key for command type %s", cmd.Type)
			continue
		}

		if _, ok := jobs[key]; !ok {
			parts := strings.SplitN(key, ":", 2)
			jobs[key] = &sheetJob{
				id:       parts[1],
				isSystem: isSystem,
			}
		}
		jobs[key].items = append(jobs[key].items, batchItem{index: i, raftIndex: l.Index, cmd: cmd})
	}

	// 2. Execute per-sheet jobs in parallel.
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(j *sheetJob) {
			defer wg.Done()
			f.processJob(j, results)
		}(job)
	}
	wg.Wait()

	// 3. Broadcast side effects sequentially.
	for _, job := range jobs {
		if !job.dirty || job.isSystem {
			continue
		}
		if job.deleted {
			f.hm.RemoveHub(job.id)
		} else if job.sheet != nil {
			f.broadcastSheetUpdate(job.id, job.sheet, job.delta)
		}
	}

	if len(logs) > 0 {
		f.lastAppliedIndex.Store(logs[len(logs)-1].Index)
	}

	return results
}

func (f *FSM) processJob(j *sheetJob, results []interface{}) {
	if j.isSystem {
		for _, item := range j.items {
			results[item.index] = f.applyCommand(item.cmd, item.raftIndex)
		}
		return
	}

	s, err := f.ss.LoadSheet(j.id)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			for _, item := range j.items {
				results[item.index] = fmt.Errorf("failed to load sheet %s: %w", j.id, err)
			}
			return
		}
		s = &Sheet{ID: j.id}
	}

	dirty := false
	deleted := false
	forceDiskSave := false
	before := s.Stats.Clone()

	for _, item := range j.items {
		if item.raftIndex > 0 && item.raftIndex <= s.LastRaftIndex {
			results[item.index] = nil
			continue
		}

		if deleted {
			if item.cmd.Type != CmdSaveSheet {
				results[item.index] = fmt.Errorf("cannot apply command to deleted sheet %s", j.id)
				continue
			}
			s = &Sheet{ID: j.id}
			deleted = false
		}

		switch item.cmd.Type {
		case CmdSaveSheet:
			var newS Sheet
			if err := json.Unmarshal(*item.cmd.SheetData, &newS); err != nil {
				results[item.index] = err
				continue
			}
			if !item.cmd.Force && len(newS.Cells) < len(s.Cells) {
				results[item.index] = fmt.Errorf("incoming sheet state is older or forked (%d cells < %d): %w",
					len(newS.Cells), len(s.Cells), ErrConflict)
				continue
			}
			s = &newS
			s.LastRaftIndex = item.raftIndex
			s.Recompute()
			dirty = true
			forceDiskSave = true
			results[item.index] = nil

		case CmdDeleteSheet:
			deleted = true
			s.LastRaftIndex = item.raftIndex
			dirty = true
			forceDiskSave = true
			results[item.index] = nil

		default:
			if item.cmd.Edit == nil {
				results[item.index] = fmt.Errorf("missing edit payload for %s", item.cmd.Type)
				continue
			}
			if _, err := applyEdit(s, item.cmd); err != nil {
				results[item.index] = err
				continue
			}
			s.LastRaftIndex = item.raftIndex
			dirty = true
			results[item.index] = nil
		}
	}

	if !dirty {
		return
	}

	if deleted {
		if err := f.ss.DeleteSheet(j.id); err != nil {
			log.Printf("Batch Error: failed to delete sheet %s: %v", j.id, err)
			for _, item := range j.items {
				if results[item.index] == nil {
					results[item.index] = err
				}
			}
			return
		}
		j.deleted = true
		j.dirty = true
		return
	}

	var saveErr error
	if forceDiskSave {
		saveErr = f.ss.SaveSheet(s)
	} else {
		saveErr = f.ss.SaveSheetInMemory(s, f.rm == nil)
	}
	if saveErr != nil {
		log.Printf("Batch Error: failed to save sheet %s: %v", j.id, saveErr)
		for _, item := range j.items {
			if results[item.index] == nil {
				results[item.index] = saveErr
			}
		}
		return
	}
	j.sheet = s
	j.dirty = true
	j.delta = Diff(before, s.Stats)
}

// FSMSnapshot represents a snapshot of the FSM state.
type FSMSnapshot struct {
	fsm *FSM
}

// Persist saves the snapshot to the given sink.
func (s *FSMSnapshot) Persist(sink raft.SnapshotSink) error {
	return s.fsm.persist(sink)
}

// Release releases the snapshot.
func (s *FSMSnapshot) Release() {}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	// Flush all dirty state to disk so the snapshotter reads fresh data.
	if err := f.ss.FlushAll(); err != nil {
		log.Printf("FSM Snapshot Error: flushing sheets failed: %v", err)
		return nil, err
	}

	state := map[string]any{
		"lastAppliedIndex": f.LastAppliedIndex(),
		"timestamp":        time.Now().UnixNano(),
	}
	if f.storage != nil {
		if err := f.storage.SaveDataFile("fsm_state.json", state); err != nil {
			log.Printf("Warning: failed to save fsm_state.json: %v", err)
		}
	}

	return &FSMSnapshot{fsm: f}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	return f.restore(rc)
}

func (f *FSM) FlushAll() error {
	return f.ss.FlushAll()
}
