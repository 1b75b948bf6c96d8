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
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"runtime"
	"strings"
	"sync"
)

type snapshotManifest struct {
	NodeMap     map[string]*NodeMeta `json:"nodeMap"`
	Initialized bool                 `json:"initialized"`
	RaftIndex   uint64               `json:"raftIndex"`
}

func (f *FSM) persist(sink io.WriteCloser) error {
	defer sink.Close()

	// Flush in-memory state so the snapshot reads fresh data.
	if err := f.ss.FlushAll(); err != nil {
		return fmt.Errorf("failed to flush sheets: %w", err)
	}

	gw := gzip.NewWriter(sink)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	nodes := make(map[string]*NodeMeta)
	f.nodeMap.Range(func(key, value interface{}) bool {
		nodes[key.(string)] = value.(*NodeMeta)
		return true
	})
	manifest := snapshotManifest{
		NodeMap:     nodes,
		Initialized: f.initialized.Load(),
		RaftIndex:   f.LastAppliedIndex(),
	}
	manifestBytes, _ := json.Marshal(manifest)
	if err := writeFileToTar(tw, "manifest.json", manifestBytes); err != nil {
		return err
	}

	sheetIDs, err := f.ss.ListAllSheetIDs()
	if err != nil {
		return err
	}

	for _, id := range sheetIDs {
		s, err := f.ss.LoadSheet(id)
		if err != nil {
			log.Printf("Snapshot Warning: failed to load sheet %s: %v", id, err)
			continue
		}
		data, err := json.Marshal(s)
		if err != nil {
			log.Printf("Snapshot Warning: failed to marshal sheet %s: %v", id, err)
			continue
		}
		name := fmt.Sprintf("sheets/%s.json", url.PathEscape(id))
		if err := writeFileToTar(tw, name, data); err != nil {
			return err
		}
	}

	return nil
}

func (f *FSM) restore(rc io.Reader) error {
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	processedSheets := make(map[string]bool)
	shouldSkipRestore := false

	// Worker pool for the sheet restore writes.
	numWorkers := runtime.NumCPU()
	jobs := make(chan *Sheet, numWorkers)
	errCh := make(chan error, 1)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range jobs {
				select {
				case <-errCh:
					return
				default:
				}
				if err := f.ss.RestoreSheet(s); err != nil {
					select {
					case errCh <- err:
					default:
					}
				}
			}
		}()
	}

	teardown := func() { close(jobs); wg.Wait() }

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			teardown()
			return err
		}

		select {
		case err := <-errCh:
			teardown()
			return err
		default:
		}

		if header.Size > 10*1024*1024 {
			teardown()
			return fmt.Errorf("snapshot entry %s too large: %d bytes", header.Name, header.Size)
		}

		if header.Name == "manifest.json" {
			var manifest snapshotManifest
			if err := json.NewDecoder(tr).Decode(&manifest); err != nil {
				teardown()
				return err
			}
			for k, v := range manifest.NodeMap {
				f.nodeMap.Store(k, v)
			}
			if manifest.Initialized {
				f.setInitialized()
			}

			// If the local state is at least as fresh as the snapshot,
			// skip rewriting every sheet.
			if f.IsInitialized() && f.storage != nil {
				var state map[string]any
				if err := f.storage.ReadDataFile("fsm_state.json", &state); err == nil {
					var localIndex uint64
					if v, ok := state["lastAppliedIndex"]; ok {
						switch val := v.(type) {
						case float64:
							localIndex = uint64(val)
						case int:
							localIndex = uint64(val)
						case int64:
							localIndex = uint64(val)
						case uint64:
							localIndex = val
						}
					}
					if localIndex >= manifest.RaftIndex && manifest.RaftIndex > 0 {
						log.Printf("Smart Restore: Local state (Index %d) is fresh enough. Skipping.", localIndex)
						shouldSkipRestore = true
					}
				}
			}
			continue
		}

		if shouldSkipRestore {
			continue
		}

		if strings.HasPrefix(header.Name, "sheets/") {
			var s Sheet
			if err := json.NewDecoder(tr).Decode(&s); err != nil {
				log.Printf("Restore Warning: failed to unmarshal sheet %s: %v", header.Name, err)
				continue
			}
			processedSheets[s.ID] = true
			select {
			case jobs <- &s:
			case err := <-errCh:
				teardown()
				return err
			}
		}
	}

	teardown()
	select {
	case err := <-errCh:
		return err
	default:
	}

	f.saveNodes()

	if shouldSkipRestore {
		return nil
	}

	// Delete local sheets absent from the snapshot.
	sheetIDs, err := f.ss.ListAllSheetIDs()
	if err != nil {
		log.Printf("Restore Cleanup Warning: failed to list sheets for zombie cleanup: %v", err)
		return nil
	}
	for _, id := range sheetIDs {
		if !processedSheets[id] {
			f.ss.DeleteSheet(id)
		}
	}

	return nil
}

func writeFileToTar(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name: name,
		Size: int64(len(data)),
		Mode: 0644,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}
