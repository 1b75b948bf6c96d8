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
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/raft"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// Message types for WebSocket communication
const (
	MsgTypeJoin        = "JOIN"
	MsgTypeAck         = "ACK"
	MsgTypeEdit        = "EDIT"
	MsgTypeSetPitcher  = "SET_PITCHER"
	MsgTypeRoster      = "ROSTER"
	MsgTypeHalfInning  = "HALF_INNING"
	MsgTypeRecompute   = "RECOMPUTE"
	MsgTypeSheetUpdate = "SHEET_UPDATE"
	MsgTypeError       = "ERROR"
)

// Message represents a WebSocket message
type Message struct {
	Type    string     `json:"type"`
	SheetId string     `json:"sheetId,omitempty"`
	CellKey string     `json:"cellKey,omitempty"`
	Text    string     `json:"text,omitempty"`
	Side    string     `json:"side,omitempty"`
	Pitcher string     `json:"pitcher,omitempty"`
	Append  bool       `json:"append,omitempty"`
	Roster  Roster     `json:"roster,omitempty"`
	Sheet   *Sheet     `json:"sheet,omitempty"`
	Delta   *StatDelta `json:"delta,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// HubRequest types
const (
	ReqTypeWSJoin    = "WS_JOIN"
	ReqTypeWSEdit    = "WS_EDIT"
	ReqTypeHTTPLoad  = "HTTP_LOAD"
	ReqTypeHTTPSave  = "HTTP_SAVE"
	ReqTypeHTTPEdit  = "HTTP_EDIT"
	ReqTypeBroadcast = "BROADCAST"
)

// HubRequest represents a request to the Hub
type HubRequest struct {
	Type    string
	Client  *wsClient        // For WS requests
	UserId  string           // For HTTP requests
	Message Message          // For WS requests
	Command RaftCommand      // For HTTP/WS edits
	Payload []byte           // For HTTP Save/Broadcast
	Force   bool             // For HTTP Save: overwrite despite conflicts
	Reply   chan HubResponse // For HTTP requests
}

// HubResponse represents a response from the Hub
type HubResponse struct {
	Data  []byte // For HTTP Load
	Error error
}

// Hub serializes all access to one sheet and broadcasts updates to the
// connected clients.
type Hub struct {
	sheetId string

	// Registered clients.
	clients map[*wsClient]bool

	// Inbound requests
	requests chan HubRequest

	// Register requests from the clients.
	register chan *wsClient

	// Unregister requests from clients.
	unregister chan *wsClient

	// In-memory state
	sheetData *Sheet

	ss *SheetStore
	hm *HubManager
	rm *RaftManager
}

func newHub(id string, ss *SheetStore, hm *HubManager, rm *RaftManager) *Hub {
	return &Hub{
		sheetId:    id,
		requests:   make(chan HubRequest, 64), // Buffered to prevent dropping FSM updates
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		clients:    make(map[*wsClient]bool),
		ss:         ss,
		hm:         hm,
		rm:         rm,
	}
}

func (h *Hub) run() {
	idleTimer := time.NewTicker(5 * time.Minute)
	defer idleTimer.Stop()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case req := <-h.requests:
			h.ensureLoaded(req.Reply)
			if h.sheetData == nil {
				if req.Client != nil {
					req.Client.sendJSON(Message{Type: MsgTypeError, Error: "Server error loading sheet"})
				}
				continue
			}

			switch req.Type {
			case ReqTypeWSJoin:
				if req.Client != nil && !h.clients[req.Client] {
					continue
				}
				h.handleWSJoin(req.Client)
			case ReqTypeWSEdit:
				h.handleWSEdit(req)
			case ReqTypeHTTPEdit:
				h.handleHTTPEdit(req)
			case ReqTypeHTTPLoad:
				h.handleHTTPLoad(req.Reply)
			case ReqTypeHTTPSave:
				h.handleHTTPSave(req.Payload, req.Force, req.Reply)
			case ReqTypeBroadcast:
				h.handleBroadcast(req.Payload)
			}
		case <-idleTimer.C:
			if len(h.clients) == 0 {
				h.hm.RemoveHub(h.sheetId)
				return
			}
		}
	}
}

func (h *Hub) ensureLoaded(reply chan HubResponse) {
	if h.sheetData != nil {
		return
	}
	s, err := h.ss.LoadSheet(h.sheetId)
	if err != nil {
		if os.IsNotExist(err) {
			h.sheetData = &Sheet{ID: h.sheetId}
			h.sheetData.normalize()
			return
		}
		log.Printf("Hub: Error loading sheet %s: %v", h.sheetId, err)
		if reply != nil {
			reply <- HubResponse{Error: err}
		}
		return
	}
	h.sheetData = s
}

func (h *Hub) handleBroadcast(data []byte) {
	var msg struct {
		Sheet *Sheet     `json:"sheet"`
		Delta *StatDelta `json:"delta"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("handleBroadcast: Error unmarshaling sheet update: %v", err)
		return
	}
	if msg.Sheet != nil {
		h.sheetData = msg.Sheet
	}
	h.broadcast(Message{Type: MsgTypeSheetUpdate, Sheet: msg.Sheet, Delta: msg.Delta})
}

func (h *Hub) handleWSJoin(c *wsClient) {
	if h.sheetData.OwnerID != "" {
		access := GetSheetAccess(c.userId, h.sheetData)
		if access < AccessRead {
			log.Printf("Forbidden: User %s attempted to join sheet %s without permissions", maskEmail(c.userId), h.sheetId)
			c.sendJSON(Message{Type: MsgTypeError, Error: "Forbidden: You do not have access to this sheet"})
			return
		}
	}
	c.sendJSON(Message{Type: MsgTypeSheetUpdate, Sheet: h.sheetData})
}

func (h *Hub) handleWSEdit(req HubRequest) {
	c := req.Client
	cmd, err := commandFromMessage(h.sheetId, req.Message, c.userId)
	if err != nil {
		c.sendJSON(Message{Type: MsgTypeError, Error: err.Error()})
		return
	}

	if err := h.applyOrPropose(cmd, c.userId); err != nil {
		c.sendJSON(Message{Type: MsgTypeError, Error: err.Error()})
		return
	}
	c.sendJSON(Message{Type: MsgTypeAck})
}

func (h *Hub) handleHTTPEdit(req HubRequest) {
	err := h.applyOrPropose(req.Command, req.UserId)
	if req.Reply != nil {
		req.Reply <- HubResponse{Error: err}
	}
}

// commandFromMessage translates a client edit message into a Raft command.
func commandFromMessage(sheetID string, msg Message, userID string) (RaftCommand, error) {
	edit := &EditPayload{SheetID: sheetID, UserID: userID}
	switch msg.Type {
	case MsgTypeEdit:
		if err := ValidateCellEdit(msg.CellKey, msg.Text); err != nil {
			return RaftCommand{}, err
		}
		edit.CellKey = msg.CellKey
		edit.Text = msg.Text
		return RaftCommand{Type: CmdCellEdit, Edit: edit}, nil
	case MsgTypeSetPitcher:
		if err := ValidatePitcherUpdate(msg.Side, msg.Pitcher); err != nil {
			return RaftCommand{}, err
		}
		edit.Side = msg.Side
		edit.Pitcher = msg.Pitcher
		edit.Append = msg.Append
		return RaftCommand{Type: CmdSetPitcher, Edit: edit}, nil
	case MsgTypeRoster:
		if err := ValidateRosterUpdate(msg.Side, msg.Roster); err != nil {
			return RaftCommand{}, err
		}
		edit.Side = msg.Side
		edit.Roster = msg.Roster
		return RaftCommand{Type: CmdRosterUpdate, Edit: edit}, nil
	case MsgTypeHalfInning:
		return RaftCommand{Type: CmdHalfInning, Edit: edit}, nil
	case MsgTypeRecompute:
		return RaftCommand{Type: CmdRecompute, Edit: edit}, nil
	default:
		return RaftCommand{}, fmt.Errorf("unknown edit type: %s", msg.Type)
	}
}

// applyOrPropose routes a mutation through Raft when clustered, forwarding to
// the leader from followers. In standalone mode it applies directly and
// broadcasts.
func (h *Hub) applyOrPropose(cmd RaftCommand, userID string) error {
	access := GetSheetAccess(userID, h.sheetData)
	if h.sheetData.OwnerID != "" && access < AccessWrite {
		log.Printf("Forbidden: User %s attempted to edit sheet %s", maskEmail(userID), h.sheetId)
		if userID == "" {
			return fmt.Errorf("unauthenticated: login required")
		}
		return fmt.Errorf("forbidden: no write access to this sheet")
	}

	if h.rm != nil {
		if h.rm.Raft.State() != raft.Leader {
			if err := h.rm.ForwardPropose(cmd); err != nil {
				return err
			}
			return nil
		}
		if _, err := h.rm.Propose(cmd); err != nil {
			return err
		}
		// The FSM broadcast updates h.sheetData.
		return nil
	}

	// Standalone path: apply to a clone so a failed edit leaves the
	// in-memory state untouched.
	clone := h.sheetData.Clone()
	delta, err := applyEdit(clone, cmd)
	if err != nil {
		return err
	}
	if err := h.ss.SaveSheet(clone); err != nil {
		return fmt.Errorf("server error saving sheet: %w", err)
	}
	h.sheetData = clone
	h.broadcast(Message{Type: MsgTypeSheetUpdate, Sheet: h.sheetData, Delta: &delta})
	return nil
}

func (h *Hub) broadcast(msg Message) {
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			close(client.send)
			delete(h.clients, client)
		}
	}
}

func (h *Hub) handleHTTPLoad(reply chan HubResponse) {
	data, err := json.Marshal(h.sheetData)
	reply <- HubResponse{Data: data, Error: err}
}

func (h *Hub) handleHTTPSave(payload []byte, force bool, reply chan HubResponse) {
	if h.rm != nil {
		raw := json.RawMessage(payload)
		cmd := RaftCommand{
			Type:      CmdSaveSheet,
			ID:        h.sheetId,
			SheetData: &raw,
			Force:     force,
		}
		var err error
		if h.rm.Raft.State() != raft.Leader {
			err = h.rm.ForwardPropose(cmd)
		} else {
			_, err = h.rm.Propose(cmd)
		}
		reply <- HubResponse{Error: err}
		return
	}

	var newSheet Sheet
	if err := json.Unmarshal(payload, &newSheet); err != nil {
		reply <- HubResponse{Error: err}
		return
	}
	if !force && len(newSheet.Cells) < len(h.sheetData.Cells) {
		reply <- HubResponse{Error: fmt.Errorf("sheet %s has fewer cells than stored copy: %w", h.sheetId, ErrConflict)}
		return
	}
	newSheet.Recompute()
	h.sheetData = &newSheet
	if err := h.ss.SaveSheet(h.sheetData); err != nil {
		reply <- HubResponse{Error: err}
		return
	}
	h.broadcast(Message{Type: MsgTypeSheetUpdate, Sheet: h.sheetData})
	reply <- HubResponse{Error: nil}
}

// HubManager manages hubs for different sheets
type HubManager struct {
	hubs map[string]*Hub
	mu   sync.Mutex
	rm   *RaftManager
}

func NewHubManager() *HubManager {
	return &HubManager{
		hubs: make(map[string]*Hub),
	}
}

func (hm *HubManager) SetRaftManager(rm *RaftManager) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.rm = rm
}

func (hm *HubManager) GetHub(id string, ss *SheetStore) *Hub {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if hub, ok := hm.hubs[id]; ok {
		return hub
	}

	hub := newHub(id, ss, hm, hm.rm)
	hm.hubs[id] = hub
	go hub.run()
	return hub
}

func (hm *HubManager) RemoveHub(id string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	delete(hm.hubs, id)
}

func (hm *HubManager) Clear() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.hubs = make(map[string]*Hub)
}

func (hm *HubManager) GetTotalConnectionCount() int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	count := 0
	for _, hub := range hm.hubs {
		count += len(hub.clients)
	}
	return count
}

func (hm *HubManager) BroadcastToSheet(sheetID string, data []byte) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hub, ok := hm.hubs[sheetID]
	if !ok {
		return
	}

	// Send via channel to serialize with the Hub goroutine.
	select {
	case hub.requests <- HubRequest{
		Type:    ReqTypeBroadcast,
		Payload: data,
	}:
	default:
		log.Printf("Warning: Hub channel full, dropping broadcast for sheet %s", sheetID)
	}
}

// wsClient is a middleman between the websocket connection and the hub.
type wsClient struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan Message

	userId  string
	sheetId string
}

// readPump pumps messages from the websocket connection to the hub.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("error: %v", err)
			}
			break
		}

		switch msg.Type {
		case MsgTypeJoin:
			c.hub.requests <- HubRequest{Type: ReqTypeWSJoin, Client: c, Message: msg}
		case MsgTypeEdit, MsgTypeSetPitcher, MsgTypeRoster, MsgTypeHalfInning, MsgTypeRecompute:
			c.hub.requests <- HubRequest{Type: ReqTypeWSEdit, Client: c, Message: msg}
		case "PING":
			c.sendJSON(Message{Type: "PONG"})
		default:
			log.Printf("Unknown message type: %s", msg.Type)
			c.sendJSON(Message{Type: MsgTypeError, Error: "Unknown message type"})
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) sendJSON(msg Message) {
	select {
	case c.send <- msg:
	default:
	}
}

// ServeWS handles websocket requests from the peer.
func ServeWS(ss *SheetStore, hm *HubManager, w http.ResponseWriter, r *http.Request) {
	userId := getUserID(r)

	sheetId := r.URL.Query().Get("sheetId")
	if sheetId == "" || !isValidUUID(sheetId) {
		http.Error(w, "Invalid sheetId", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	hub := hm.GetHub(sheetId, ss)
	client := &wsClient{hub: hub, conn: conn, send: make(chan Message, 256), userId: userId, sheetId: sheetId}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}
