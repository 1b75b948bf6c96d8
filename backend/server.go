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
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
)

func generateETag(data []byte) string {
	return fmt.Sprintf("\"%x\"", sha256.Sum256(data))
}

func hubBusyResponse(w http.ResponseWriter, retryAfter string) {
	w.Header().Set("Retry-After", retryAfter)
	http.Error(w, "Too Many Requests: Server is busy", http.StatusTooManyRequests)
}

func parsePagination(r *http.Request) (int, int, string, string, string) {
	limit := 50
	offset := 0
	sortBy := r.URL.Query().Get("sortBy")
	order := r.URL.Query().Get("order")
	query := r.URL.Query().Get("q")

	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil {
			offset = val
		}
	}

	if limit < 1 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	return limit, offset, sortBy, order, query
}

// Options represent server options.
type Options struct {
	Addr             string
	ClusterAdvertise string
	ClusterAddr      string
	Cert             *tls.Certificate
	DataDir          string
	UseMockAuth      bool
	Debug            bool
	SheetStore       *SheetStore
	Storage          *storage.Storage
	MasterKey        crypto.MasterKey
	Listener         net.Listener

	// Raft Options
	RaftEnabled           bool
	RaftBind              string
	RaftAdvertise         string
	RaftSecret            string
	RaftJoin              string // Address of leader to join
	RaftBootstrap         bool
	RaftManager           *RaftManager      // Allow injecting pre-configured RaftManager
	RaftManagerChan       chan *RaftManager // For testing: receive the created RaftManager
	UseProductionTimeouts bool              // Set to true to use longer timeouts (e.g. for production)

	// Auth Options
	AuthCookieName string
	AuthJWKSURL    string
}

const (
	retryAfterLoad   = "2"
	retryAfterSave   = "10"
	retryAfterEdit   = "5"
	retryAfterDelete = "5"
)

// How long a delete waits for the sheet's store slot before giving up.
const deleteAcquireTimeout = 2 * time.Second

// Server represents the running server instance.
type Server struct {
	httpServer *http.Server
	raftMgr    *RaftManager
}

// Shutdown gracefully shuts down the server and Raft node.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []string

	flush := func() {
		if s.raftMgr != nil {
			if err := s.raftMgr.Shutdown(); err != nil {
				errs = append(errs, fmt.Sprintf("raft: %v", err))
			}
			// Ensure any dirty FSM state is flushed to disk on shutdown
			if s.raftMgr.FSM != nil {
				if err := s.raftMgr.FSM.FlushAll(); err != nil {
					errs = append(errs, fmt.Sprintf("fsm flush: %v", err))
				}
			}
		}
	}
	flush()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("http: %v", err))
	}
	flush()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %s", strings.Join(errs, ", "))
	}
	return nil
}

// StartServer starts the web server and registers the API handlers.
func StartServer(opts Options) (*Server, error) {
	raftMgr, handler := NewServerHandler(opts)

	if raftMgr != nil {
		// Wait for Raft to replay log and catch up to ensure data consistency
		// before starting the public HTTP server.
		if err := raftMgr.WaitForSync(30 * time.Second); err != nil {
			log.Printf("Warning: Raft sync timed out: %v", err)
		}
	}

	httpServer := &http.Server{
		Addr:    opts.Addr,
		Handler: handler,
	}

	if opts.Cert != nil {
		httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*opts.Cert},
		}
	}

	go func() {
		var err error
		if opts.Listener != nil {
			if httpServer.TLSConfig != nil {
				log.Printf("Starting HTTPS server on provided listener %s...", opts.Listener.Addr())
				err = httpServer.ServeTLS(opts.Listener, "", "")
			} else {
				log.Printf("Starting HTTP server on provided listener %s...", opts.Listener.Addr())
				err = httpServer.Serve(opts.Listener)
			}
		} else {
			log.Printf("Server starting on port %s...\n", opts.Addr)
			if opts.Cert != nil {
				err = httpServer.ListenAndServeTLS("", "")
			} else if _, statErr := os.Stat("certs/cert.pem"); statErr == nil {
				log.Println("Starting HTTPS server using certs/cert.pem...")
				err = httpServer.ListenAndServeTLS("certs/cert.pem", "certs/key.pem")
			} else {
				log.Println("Starting HTTP server...")
				err = httpServer.ListenAndServe()
			}
		}

		if err != nil && !errors.Is(err, net.ErrClosed) && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	return &Server{
			httpServer: httpServer,
			raftMgr:    raftMgr,
		},
		nil
}

// NewServerHandler creates and configures the HTTP handler for the server.
func NewServerHandler(opts Options) (*RaftManager, http.Handler) {
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}

	if opts.Storage == nil {
		opts.Storage = storage.New(opts.DataDir, nil)
	}

	ss := opts.SheetStore
	if ss == nil {
		ss = NewSheetStore(opts.DataDir, opts.Storage)
	}

	var raftMgr *RaftManager
	hm := NewHubManager()

	if opts.RaftEnabled {
		if opts.RaftManager != nil {
			raftMgr = opts.RaftManager
		} else {
			raftDataDir := filepath.Join(opts.DataDir, "raft")
			if err := os.MkdirAll(raftDataDir, 0755); err != nil {
				log.Fatalf("Failed to create Raft data directory: %v", err)
			}
			raftStorage := storage.New(raftDataDir, opts.MasterKey)
			fsm := NewFSM(ss, hm, raftStorage)

			raftMgr = NewRaftManager(raftDataDir, opts.RaftBind, opts.RaftAdvertise, opts.ClusterAdvertise, opts.ClusterAddr, opts.RaftSecret, fsm)
			raftMgr.UseProductionTimeouts = opts.UseProductionTimeouts
		}

		if opts.RaftManagerChan != nil {
			go func() { opts.RaftManagerChan <- raftMgr }()
		}
		hm.SetRaftManager(raftMgr)
	}

	mux := http.NewServeMux()

	// Cluster Join Handler (Public API - Secured by Secret)
	mux.HandleFunc("/api/cluster/join", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusBadRequest)
			return
		}
		raftMgr.handleJoin(w, r)
	})
	// Cluster Leave/Remove Handler (Public API - Secured by Secret)
	mux.HandleFunc("/api/cluster/remove", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusBadRequest)
			return
		}
		raftMgr.handleRemove(w, r)
	})
	// Cluster Status Handler (Public/Protected)
	mux.HandleFunc("/api/cluster/status", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil || !opts.RaftEnabled {
			http.Error(w, "Raft is not enabled on this node", http.StatusNotImplemented)
			return
		}
		raftMgr.handleStatus(w, r)
	})

	// User Status Endpoint
	mux.HandleFunc("/api/me", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Unauthenticated", http.StatusForbidden)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": userId})
	})

	// Incremental edits: cell notation, pitcher changes, roster updates,
	// half-inning advances and full recomputes.
	mux.HandleFunc("/api/edit", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)

		var msg Message
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&msg); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}

		sheetId := msg.SheetId
		if sheetId == "" || !isValidUUID(sheetId) {
			sheetId = r.URL.Query().Get("sheetId")
			if sheetId == "" || !isValidUUID(sheetId) {
				http.Error(w, "Bad Request: sheetId is missing or invalid", http.StatusBadRequest)
				return
			}
		}

		cmd, err := commandFromMessage(sheetId, msg, userId)
		if err != nil {
			http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
			return
		}

		// Serialize through Hub
		hub := hm.GetHub(sheetId, ss)
		reply := make(chan HubResponse, 1)
		select {
		case hub.requests <- HubRequest{
			Type:    ReqTypeHTTPEdit,
			UserId:  userId,
			Command: cmd,
			Reply:   reply,
		}:
			select {
			case resp := <-reply:
				if resp.Error != nil {
					log.Printf("Error processing HTTP edit: %v", resp.Error)
					errStr := resp.Error.Error()
					switch {
					case errors.Is(resp.Error, ErrConflict):
						http.Error(w, errStr, http.StatusConflict)
					case strings.Contains(errStr, "forbidden"):
						http.Error(w, errStr, http.StatusForbidden)
					case strings.Contains(errStr, "unauthenticated"):
						http.Error(w, errStr, http.StatusForbidden)
					default:
						http.Error(w, errStr, http.StatusInternalServerError)
					}
					return
				}

				w.WriteHeader(http.StatusOK)
			case <-r.Context().Done():
				return
			}
		default:
			hubBusyResponse(w, retryAfterEdit)
		}
	})

	mux.HandleFunc("/api/save", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		var s Sheet
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 20*1048576)).Decode(&s); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}

		sheetId := s.ID
		if sheetId == "" || !isValidUUID(sheetId) {
			http.Error(w, "Bad Request: sheetId is missing or invalid", http.StatusBadRequest)
			return
		}

		// Authorization Check
		existing, err := ss.LoadSheet(sheetId)
		if err == nil {
			level := GetSheetAccess(userId, existing)
			if level < AccessWrite {
				http.Error(w, "Forbidden: You do not have write access to this sheet", http.StatusForbidden)
				return
			}
			// Enforce existing ownership
			s.OwnerID = existing.OwnerID
		} else if errors.Is(err, os.ErrNotExist) {
			// New sheet: Set owner to current user
			s.OwnerID = userId
		} else {
			log.Printf("Error checking existing sheet %s: %v", sheetId, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		// Enforce Schema Version
		s.SchemaVersion = CurrentSchemaVersion

		if err := ValidateSheet(&s); err != nil {
			log.Printf("Validation error for sheet %s: %v", sheetId, err)
			http.Error(w, fmt.Sprintf("Bad Request: Data validation failed: %v", err), http.StatusBadRequest)
			return
		}

		body, err := json.Marshal(s)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		// Serialize through Hub
		force := r.URL.Query().Get("force") == "true"
		hub := hm.GetHub(sheetId, ss)
		reply := make(chan HubResponse, 1)
		select {
		case hub.requests <- HubRequest{
			Type:    ReqTypeHTTPSave,
			Payload: body,
			Reply:   reply,
			Force:   force,
		}:
			select {
			case resp := <-reply:
				if resp.Error != nil {
					if errors.Is(resp.Error, ErrNotLeader) && raftMgr != nil {
						r.Body = io.NopCloser(bytes.NewReader(body))
						raftMgr.forwardRequestToLeader(w, r)
						return
					}
					if errors.Is(resp.Error, ErrConflict) {
						http.Error(w, "Conflict: A newer version of this sheet exists", http.StatusConflict)
						return
					}
					log.Printf("Internal Server Error during Hub Save: %v", resp.Error)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}

				w.WriteHeader(http.StatusOK)
				fmt.Fprintf(w, "Sheet %s saved successfully", sheetId)
			case <-r.Context().Done():
				return
			}
		default:
			hubBusyResponse(w, retryAfterSave)
		}
	})

	mux.HandleFunc("/api/load/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)

		sheetId := strings.TrimPrefix(r.URL.Path, "/api/load/")
		if sheetId == "" || !isValidUUID(sheetId) {
			http.Error(w, "Bad Request: sheetId is missing or invalid", http.StatusBadRequest)
			return
		}

		// Serialize through Hub
		hub := hm.GetHub(sheetId, ss)
		reply := make(chan HubResponse, 1)
		select {
		case hub.requests <- HubRequest{
			Type:  ReqTypeHTTPLoad,
			Reply: reply,
		}:
			select {
			case resp := <-reply:
				if resp.Error != nil {
					if os.IsNotExist(resp.Error) {
						http.Error(w, "Not Found: Sheet not found", http.StatusNotFound)
					} else {
						log.Printf("Internal Server Error during Hub Load: %v", resp.Error)
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					}
					return
				}
				data := resp.Data

				// Authorization Check
				var s Sheet
				if err := json.Unmarshal(data, &s); err != nil {
					log.Printf("Error unmarshaling sheet data for auth check: %v", err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
				if GetSheetAccess(userId, &s) < AccessRead {
					http.Error(w, "Forbidden: You do not have access to this sheet", http.StatusForbidden)
					return
				}

				etag := generateETag(data)
				if r.Header.Get("If-None-Match") == etag {
					w.WriteHeader(http.StatusNotModified)
					return
				}

				w.Header().Set("ETag", etag)
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
			case <-r.Context().Done():
				return
			}
		default:
			hubBusyResponse(w, retryAfterLoad)
		}
	})

	// Aggregated stat book for one sheet.
	mux.HandleFunc("/api/stats/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)

		sheetId := strings.TrimPrefix(r.URL.Path, "/api/stats/")
		if sheetId == "" || !isValidUUID(sheetId) {
			http.Error(w, "Bad Request: sheetId is missing or invalid", http.StatusBadRequest)
			return
		}

		hub := hm.GetHub(sheetId, ss)
		reply := make(chan HubResponse, 1)
		select {
		case hub.requests <- HubRequest{
			Type:  ReqTypeHTTPLoad,
			Reply: reply,
		}:
			select {
			case resp := <-reply:
				if resp.Error != nil {
					if os.IsNotExist(resp.Error) {
						http.Error(w, "Not Found: Sheet not found", http.StatusNotFound)
					} else {
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					}
					return
				}

				var s Sheet
				if err := json.Unmarshal(resp.Data, &s); err != nil {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
				if GetSheetAccess(userId, &s) < AccessRead {
					http.Error(w, "Forbidden: You do not have access to this sheet", http.StatusForbidden)
					return
				}

				stats := s.Stats
				if stats == nil {
					stats = NewStatBook()
				}
				data, err := json.Marshal(stats)
				if err != nil {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}

				etag := generateETag(data)
				if r.Header.Get("If-None-Match") == etag {
					w.WriteHeader(http.StatusNotModified)
					return
				}

				w.Header().Set("ETag", etag)
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
			case <-r.Context().Done():
				return
			}
		default:
			hubBusyResponse(w, retryAfterLoad)
		}
	})

	mux.HandleFunc("/api/list-sheets", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		var knownIds []string
		if r.Method == http.MethodPost {
			var body struct {
				KnownIds []string `json:"knownIds"`
			}
			// Ignore error on decode if body empty, just treat as empty list
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&body); err == nil {
				knownIds = body.KnownIds
			}
		} else if r.Method != http.MethodGet {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		limit, offset, sortBy, order, query := parsePagination(r)

		deleted := make(map[string]bool)
		var accessibleIds []string
		for md, err := range ss.ListAllSheetMetadata() {
			if err != nil {
				continue
			}
			if md.Status == SheetStatusDeleted {
				deleted[md.ID] = true
				continue
			}
			stub := Sheet{OwnerID: md.OwnerID, Permissions: md.Permissions}
			if GetSheetAccess(userId, &stub) < AccessRead {
				continue
			}
			accessibleIds = append(accessibleIds, md.ID)
		}

		summaries := make([]SheetSummary, 0, len(accessibleIds))
		for _, sid := range accessibleIds {
			sum, err := ss.SheetSummaryFor(sid)
			if err != nil {
				continue
			}
			if query != "" && !summaryMatches(sum, query) {
				continue
			}
			summaries = append(summaries, sum)
		}

		sortSummaries(summaries, sortBy, order)
		total := len(summaries)

		// Pagination Logic
		var page []SheetSummary
		if offset < total {
			end := offset + limit
			if end > total {
				end = total
			}
			page = summaries[offset:end]
		}
		if page == nil {
			page = make([]SheetSummary, 0)
		}

		// Report tombstones for sheets the client still knows about
		for _, kid := range knownIds {
			if deleted[kid] {
				page = append(page, SheetSummary{
					ID:     kid,
					Status: SheetStatusDeleted,
				})
			}
		}

		respData := struct {
			Data []SheetSummary `json:"data"`
			Meta struct {
				Total  int `json:"total"`
				Offset int `json:"offset"`
				Limit  int `json:"limit"`
			} `json:"meta"`
		}{
			Data: page,
		}
		respData.Meta.Total = total
		respData.Meta.Offset = offset
		respData.Meta.Limit = limit

		response, err := json.Marshal(respData)
		if err != nil {
			log.Printf("Internal Server Error during JSON Marshal: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		etag := generateETag(response)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/json")
		w.Write(response)
	})

	mux.HandleFunc("/api/delete-sheet", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		var data struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&data); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}

		sheetId := data.ID
		if sheetId == "" || !isValidUUID(sheetId) {
			http.Error(w, "Bad Request: sheetId is missing or invalid", http.StatusBadRequest)
			return
		}

		// Authorization Check
		s, err := ss.LoadSheet(sheetId)
		if err == nil {
			if GetSheetAccess(userId, s) < AccessAdmin {
				http.Error(w, "Forbidden: Only the owner can delete this sheet", http.StatusForbidden)
				return
			}
		}

		release, err := ss.Acquire(sheetId, deleteAcquireTimeout)
		if err != nil {
			if errors.Is(err, ErrBusy) {
				hubBusyResponse(w, retryAfterDelete)
				return
			}
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		defer release()

		if raftMgr != nil {
			cmd := RaftCommand{Type: CmdDeleteSheet, ID: sheetId}
			if _, err := raftMgr.Propose(cmd); err != nil {
				if errors.Is(err, ErrNotLeader) {
					body, _ := json.Marshal(data)
					r.Body = io.NopCloser(bytes.NewReader(body))
					raftMgr.forwardRequestToLeader(w, r)
					return
				}
				log.Printf("Raft Propose Error: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		} else {
			if err := ss.DeleteSheet(sheetId); err != nil {
				log.Printf("Internal Server Error during DeleteSheet: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			hm.RemoveHub(sheetId)
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Sheet %s deleted successfully", sheetId)
	})

	mux.HandleFunc("/api/check-deletions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		var req struct {
			SheetIDs []string `json:"sheetIds"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&req); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		deleted := make(map[string]bool)
		inaccessible := make(map[string]bool)
		for md, err := range ss.ListAllSheetMetadata() {
			if err != nil {
				continue
			}
			if md.Status == SheetStatusDeleted {
				deleted[md.ID] = true
				continue
			}
			stub := Sheet{OwnerID: md.OwnerID, Permissions: md.Permissions}
			if GetSheetAccess(userId, &stub) < AccessRead {
				inaccessible[md.ID] = true
			}
		}

		var resp struct {
			DeletedSheetIDs []string `json:"deletedSheetIds"`
		}
		resp.DeletedSheetIDs = make([]string, 0)
		for _, sid := range req.SheetIDs {
			// Report as deleted if explicitly tombstoned OR if it exists but
			// is no longer accessible
			if deleted[sid] || inaccessible[sid] {
				resp.DeletedSheetIDs = append(resp.DeletedSheetIDs, sid)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/api/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWS(ss, hm, w, r)
	})

	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		if opts.UseMockAuth {
			http.SetCookie(w, &http.Cookie{
				Name:  "mock_auth_user",
				Value: "test@example.com",
				Path:  "/",
			})
		} else if userId := getUserID(r); userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><head><script src='/login-success.js'></script></head><body>Login successful. Closing window...</body></html>"))
	})

	// Mock SSO endpoints for local development
	if opts.UseMockAuth {
		mux.HandleFunc("/.sso/{$}", ssoStatusHandler)
		mux.HandleFunc("/.sso/logout", ssoLogoutHandler)
	}

	handler := http.Handler(mux)
	if opts.UseMockAuth {
		handler = mockAuthMiddleware(opts, handler)
	} else {
		handler = jwtAuthMiddleware(opts, handler)
	}
	handler = loggingMiddleware(handler)
	handler = securityMiddleware(handler)
	handler = cacheControlMiddleware(handler)

	if raftMgr != nil {
		if err := raftMgr.Start(opts.RaftBootstrap); err != nil {
			log.Fatalf("Failed to start Raft: %v", err)
		}
	}

	return raftMgr, handler
}

func summaryMatches(sum SheetSummary, query string) bool {
	q := strings.ToLower(query)
	for _, field := range []string{sum.Away, sum.Home, sum.Event, sum.Location} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

func sortSummaries(summaries []SheetSummary, sortBy, order string) {
	less := func(a, b SheetSummary) bool { return a.Date > b.Date } // newest first
	switch sortBy {
	case "event":
		less = func(a, b SheetSummary) bool { return a.Event < b.Event }
	case "away":
		less = func(a, b SheetSummary) bool { return a.Away < b.Away }
	case "home":
		less = func(a, b SheetSummary) bool { return a.Home < b.Home }
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		if order == "asc" && sortBy == "" {
			return summaries[j].Date > summaries[i].Date
		}
		if order == "desc" && sortBy != "" {
			return less(summaries[j], summaries[i])
		}
		return less(summaries[i], summaries[j])
	})
}

// cacheControlMiddleware adds Cache-Control headers optimized for clients
// syncing behind a proxy.
func cacheControlMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/.sso/") {
			w.Header().Set("Cache-Control", "private, no-cache, no-transform")
		} else {
			w.Header().Set("Cache-Control", "public, max-age=300, proxy-revalidate, no-transform")
		}
		next.ServeHTTP(w, r)
	})
}

// securityMiddleware adds HTTP security headers to responses.
func securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data: blob:")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// mockAuthMiddleware simulates TLSProxy by checking for a cookie and setting the UserID context.
func mockAuthMiddleware(opts Options, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookieName := "mock_auth_user"
		cookie, err := r.Cookie(cookieName)
		if err == nil && cookie.Value != "" {
			// Simulate TLSProxy adding the UserID from a cookie
			ctx := context.WithValue(r.Context(), userIDKey, normalizeEmail(cookie.Value))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ssoStatusHandler returns the current user status.
func ssoStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	userId := getUserID(r)
	if userId == "" {
		w.Write([]byte("null\n"))
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"email": userId,
		"name":  "Test User",
	})
}

// ssoLogoutHandler logs the user out (clears cookie).
func ssoLogoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:    "mock_auth_user",
		Value:   "",
		Path:    "/",
		Expires: time.Unix(0, 0),
		MaxAge:  -1,
	})
	w.WriteHeader(http.StatusOK)
}

// loggingMiddleware logs the method and URL path of every incoming HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("Received request: %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
