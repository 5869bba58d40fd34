/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callcontrol

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tejzpr/pbxlink/pbxsdk"
)

// actionCall records one control verb the fake PBX received.
type actionCall struct {
	DN     string
	ID     int
	Action string
	Req    ActionRequest
}

// fakePBX is an in-process stand-in for the upstream platform: token
// endpoint, topology and detail fetches, per-participant actions, and
// the push-event websocket.
type fakePBX struct {
	t *testing.T

	mu      sync.Mutex
	lines   map[string]*lineDTO
	actions []actionCall
	// actionHook decides the response for a control verb. Returning
	// status 0 means 200 OK. Nil allows everything.
	actionHook func(call actionCall) (status int, reason string)

	participantFetches int32
	topologyFetches    int32

	wsConns []*websocket.Conn

	server   *httptest.Server
	upgrader websocket.Upgrader
}

func newFakePBX(t *testing.T) *fakePBX {
	f := &fakePBX{
		t:        t,
		lines:    make(map[string]*lineDTO),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

// setLine installs or replaces one line in the served topology.
func (f *fakePBX) setLine(dn string, kind LineKind, devices []Device, participants []Participant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines[dn] = &lineDTO{DN: dn, Type: kind, Devices: devices, Participants: participants}
}

// setParticipant upserts one participant on a line already installed.
func (f *fakePBX) setParticipant(dn string, p Participant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line, ok := f.lines[dn]
	if !ok {
		line = &lineDTO{DN: dn, Type: KindExtension}
		f.lines[dn] = line
	}
	for i := range line.Participants {
		if line.Participants[i].ID == p.ID {
			line.Participants[i] = p
			return
		}
	}
	line.Participants = append(line.Participants, p)
}

// removeParticipant drops one participant from the served topology.
func (f *fakePBX) removeParticipant(dn string, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line, ok := f.lines[dn]
	if !ok {
		return
	}
	kept := line.Participants[:0]
	for _, p := range line.Participants {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	line.Participants = kept
}

// recordedActions returns a copy of every control verb received so far.
func (f *fakePBX) recordedActions() []actionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]actionCall, len(f.actions))
	copy(out, f.actions)
	return out
}

// pushFrame delivers one push frame over every connected websocket. It
// waits briefly for the first connection to register, since the server
// handler records it just after the client handshake returns.
func (f *fakePBX) pushFrame(eventType int, entity string) {
	var conns []*websocket.Conn
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		conns = make([]*websocket.Conn, len(f.wsConns))
		copy(conns, f.wsConns)
		f.mu.Unlock()
		if len(conns) > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(conns) == 0 {
		f.t.Fatal("no push transport connection to deliver the frame on")
	}

	msg := fmt.Sprintf(`{"event":{"event_type":%d,"entity":"%s"}}`, eventType, entity)
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			f.t.Logf("push frame write failed: %v", err)
		}
	}
}

func (f *fakePBX) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/connect/token" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "fake-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
		return
	}
	if r.URL.Path == "/callcontrol/ws" {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.wsConns = append(f.wsConns, conn)
		f.mu.Unlock()
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 0 || parts[0] != "callcontrol" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		f.serveTopology(w)
	case len(parts) == 4 && r.Method == http.MethodGet:
		f.serveDetail(w, parts[1], parts[2], parts[3])
	case len(parts) == 3 && parts[2] == "makecall" && r.Method == http.MethodPost:
		f.recordMakeCall(w, parts[1], "")
	case len(parts) == 5 && parts[2] == "devices" && parts[4] == "makecall" && r.Method == http.MethodPost:
		f.recordMakeCall(w, parts[1], parts[3])
	case len(parts) == 5 && parts[2] == "participants" && r.Method == http.MethodPost:
		f.serveAction(w, r, parts[1], parts[3], parts[4])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakePBX) serveTopology(w http.ResponseWriter) {
	f.mu.Lock()
	f.topologyFetches++
	dtos := make([]lineDTO, 0, len(f.lines))
	for _, line := range f.lines {
		dtos = append(dtos, *line)
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dtos)
}

func (f *fakePBX) serveDetail(w http.ResponseWriter, dn, kind, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line, ok := f.lines[dn]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch kind {
	case "participants":
		f.participantFetches++
		pid, err := strconv.Atoi(id)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, p := range line.Participants {
			if p.ID == pid {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(p)
				return
			}
		}
	case "devices":
		for _, d := range line.Devices {
			if d.ID == id {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(d)
				return
			}
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func (f *fakePBX) recordMakeCall(w http.ResponseWriter, dn, deviceID string) {
	f.mu.Lock()
	f.actions = append(f.actions, actionCall{DN: dn, ID: -1, Action: "makecall:" + deviceID})
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (f *fakePBX) serveAction(w http.ResponseWriter, r *http.Request, dn, id, action string) {
	pid, err := strconv.Atoi(id)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req ActionRequest
	json.NewDecoder(r.Body).Decode(&req)

	call := actionCall{DN: dn, ID: pid, Action: action, Req: req}
	f.mu.Lock()
	f.actions = append(f.actions, call)
	hook := f.actionHook
	f.mu.Unlock()

	status, reason := 0, ""
	if hook != nil {
		status, reason = hook(call)
	}
	if status == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": "rejected", "reason": reason})
}

// newTestManager wires a Manager against the fake PBX.
func newTestManager(t *testing.T, f *fakePBX, cfg *Config) *Manager {
	t.Helper()
	clientCfg := pbxsdk.DefaultConfig()
	clientCfg.BaseURL = f.server.URL
	clientCfg.ClientID = "app"
	clientCfg.ClientSecret = "secret"
	client, err := pbxsdk.NewClient(clientCfg)
	if err != nil {
		t.Fatalf("Unexpected error creating client: %v", err)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.RerouteSettle == 0 || cfg.RerouteSettle == time.Second {
		cfg.RerouteSettle = 10 * time.Millisecond
	}
	m := NewManager(client, nil, nil, cfg)
	t.Cleanup(m.Shutdown)
	return m
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", msg)
}
