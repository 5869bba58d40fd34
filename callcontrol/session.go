/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package callcontrol is the call-control session engine. For each
// logged-in operator it opens an authenticated control channel to the
// PBX, mirrors the operator's line/device/participant state in an
// in-memory topology, exposes high-level call actions, and pushes
// consistent state snapshots to a notification sink after every
// committed mutation.
package callcontrol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tejzpr/pbxlink/notify"
	"github.com/tejzpr/pbxlink/pbxsdk"
	"github.com/tejzpr/pbxlink/push"
)

// Event types delivered through the notification sink.
const (
	EventCallUpdated    = "call_updated"
	EventCallEnded      = "call_ended"
	EventDevicesChanged = "devices_changed"
	EventTransportState = "transport_state"
)

// CallRecorder persists call-detail-record updates. Calls are
// best-effort: the engine invokes them asynchronously after the guarded
// mutation commits and logs (but never propagates) failures.
type CallRecorder interface {
	Upsert(ctx context.Context, rec CallRecord) error
}

// Operator identifies the application user a session is created for.
type Operator struct {
	// UserID is the application's identifier for the operator.
	UserID string

	// OwnedLine is the operator's own extension — the only line this
	// operator may select.
	OwnedLine string

	// ControlLine optionally names a secondary line (typically a
	// routing point) the session is also permitted to act through.
	// When empty, the manager adopts the configured application
	// identity line if the topology reports it as a routing point.
	ControlLine string
}

// Config holds the configuration for the session Manager
type Config struct {
	// ApplicationDN is the application-identity line; adopted as the
	// control line for sessions that do not configure one explicitly,
	// provided the topology reports it as a routing point.
	ApplicationDN string

	// DialTimeoutSeconds is passed to upstream make-call requests.
	DialTimeoutSeconds int

	// RerouteSettle is how long the answer last-resort maneuver waits
	// after rerouting a leg to the control line before re-resyncing.
	RerouteSettle time.Duration

	// RecordTimeout bounds each best-effort call-record write.
	RecordTimeout time.Duration

	// Push configures each session's push transport.
	Push *push.Config

	// Logger for engine operations. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration for the session Manager
func DefaultConfig() *Config {
	return &Config{
		DialTimeoutSeconds: 30,
		RerouteSettle:      time.Second,
		RecordTimeout:      5 * time.Second,
	}
}

// Manager creates and owns sessions. One session exists per logged-in
// operator; no mutable state is shared across sessions.
type Manager struct {
	upstream *Upstream
	sink     notify.Sink
	recorder CallRecorder
	config   *Config
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session Manager. recorder may be nil to disable
// call-detail-record persistence.
func NewManager(client *pbxsdk.Client, sink notify.Sink, recorder CallRecorder, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.RerouteSettle == 0 {
		config.RerouteSettle = time.Second
	}
	if config.RecordTimeout == 0 {
		config.RecordTimeout = 5 * time.Second
	}
	if sink == nil {
		sink = notify.NewNoopSink()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		upstream: NewUpstream(client),
		sink:     sink,
		recorder: recorder,
		config:   config,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Session is one operator's call-control session. All session-owned
// state (topology, selection, active device, connectivity flag and the
// per-participant bookkeeping) is serialized through the session lock;
// the lock is held only while mutating in-memory structures and
// computing the resulting snapshot — network calls happen outside it.
type Session struct {
	// ID is the engine-assigned session identifier.
	ID string

	userID    string
	ownedLine string

	mu            sync.Mutex
	topo          *Topology
	controlLine   string
	selectedLine  string
	activeDevice  string
	transportUp   bool
	closed        bool
	directions    map[partKey]Direction
	establishedAt map[partKey]time.Time

	upstream  *Upstream
	transport *push.Supervisor
	sink      notify.Sink
	recorder  CallRecorder
	config    *Config
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// CreateSession logs an operator in: it performs a full topology resync,
// validates the owned and control lines, adopts the application-identity
// routing point as the control line when none was configured, connects
// the push transport and starts the ingestion worker. The returned
// session is registered with the manager until Close.
func (m *Manager) CreateSession(ctx context.Context, op Operator) (*Session, error) {
	if op.UserID == "" || op.OwnedLine == "" {
		return nil, fmt.Errorf("%w: user id and owned line are required", ErrBadRequest)
	}

	lines, err := m.upstream.FetchTopology(ctx)
	if err != nil {
		return nil, err
	}

	topo := NewTopology()
	topo.Replace(lines)

	owned, ok := topo.Line(op.OwnedLine)
	if !ok {
		return nil, fmt.Errorf("%w: line %q is not visible to this credential", ErrForbidden, op.OwnedLine)
	}
	if owned.Kind.IsRoutingPoint() {
		return nil, fmt.Errorf("%w: line %q is not an extension", ErrForbidden, op.OwnedLine)
	}

	controlLine := op.ControlLine
	if controlLine != "" {
		if _, ok := topo.Line(controlLine); !ok {
			return nil, fmt.Errorf("configured control line %q not present in topology", controlLine)
		}
	} else if m.config.ApplicationDN != "" {
		if app, ok := topo.Line(m.config.ApplicationDN); ok && app.Kind.IsRoutingPoint() {
			controlLine = app.DN
		}
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:            uuid.New().String(),
		userID:        op.UserID,
		ownedLine:     op.OwnedLine,
		topo:          topo,
		controlLine:   controlLine,
		selectedLine:  op.OwnedLine,
		directions:    make(map[partKey]Direction),
		establishedAt: make(map[partKey]time.Time),
		upstream:      m.upstream,
		sink:          m.sink,
		recorder:      m.recorder,
		config:        m.config,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	s.logger = m.logger.With("session_id", s.ID, "user_id", op.UserID)
	s.seedBookkeepingLocked()

	s.transport = push.New(m.upstream.WebSocketURL(), m.upstream.Client(), m.config.Push)
	s.transport.OnStateChange(s.handleTransportState)
	if err := s.transport.Connect(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("connecting push transport: %w", err)
	}
	s.mu.Lock()
	s.transportUp = true
	snap := s.snapshotLocked()
	s.mu.Unlock()

	go s.ingestLoop(sessionCtx)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	s.logger.Info("session created",
		"owned_line", s.ownedLine,
		"control_line", controlLine,
	)
	s.publishSnapshot(snap)
	return s, nil
}

// Session returns a registered session by id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// CloseSession disposes a session and removes it from the manager.
func (m *Manager) CloseSession(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %q", ErrNotFound, id)
	}
	return s.Close()
}

// Shutdown disposes every registered session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			m.logger.Warn("error closing session", "session_id", s.ID, "error", err)
		}
	}
}

// --- Session accessors and mutations ---

// UserID returns the owning operator's id.
func (s *Session) UserID() string { return s.userID }

// OwnedLine returns the operator's own extension.
func (s *Session) OwnedLine() string { return s.ownedLine }

// ControlLine returns the session's control line, if any.
func (s *Session) ControlLine() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controlLine
}

// SelectedLine returns the currently selected line.
func (s *Session) SelectedLine() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedLine
}

// SelectLine switches the session's selected line. Operators may select
// only their owned line; switching purges every participant and device
// not on the newly monitored lines.
func (s *Session) SelectLine(dn string) (Snapshot, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionClosed
	}
	if dn != s.ownedLine {
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: operator may only select line %q", ErrForbidden, s.ownedLine)
	}
	if _, ok := s.topo.Line(dn); !ok {
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: line %q", ErrNotFound, dn)
	}

	s.selectedLine = dn
	s.topo.PurgeExcept(s.selectedLine, s.controlLine)
	s.pruneBookkeepingLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publishSnapshot(snap)
	return snap, nil
}

// SetActiveDevice selects the output device used for device-scoped
// dialing. The device must be registered on the selected line.
func (s *Session) SetActiveDevice(deviceID string) (Snapshot, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionClosed
	}
	line, ok := s.topo.Line(s.selectedLine)
	if !ok {
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: line %q", ErrNotFound, s.selectedLine)
	}
	if _, ok := line.Devices[deviceID]; !ok {
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: device %q on line %q", ErrNotFound, deviceID, s.selectedLine)
	}

	s.activeDevice = deviceID
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publishSnapshot(snap)
	return snap, nil
}

// Snapshot computes the current immutable session snapshot.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Refresh performs a full topology resync and republishes the snapshot.
// The dispatcher runs it before answer attempts so candidate resolution
// sees current state.
func (s *Session) Refresh(ctx context.Context) error {
	lines, err := s.upstream.FetchTopology(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.topo.Replace(lines)
	s.seedBookkeepingLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publishSnapshot(snap)
	return nil
}

// Close disposes the session: the push transport is shut down, the
// ingestion worker terminates, and any in-flight reconnect loop is
// suppressed. In-flight HTTP calls complete or fail naturally.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.transport.Close()
	s.cancel()
	<-s.done
	s.logger.Info("session closed")
	return nil
}

// handleTransportState is the push transport's connectivity callback.
func (s *Session) handleTransportState(connected, permanent bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.transportUp = connected
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publishSnapshot(snap)
	s.publishEvent(notify.Envelope{
		EventType: EventTransportState,
		Payload: map[string]interface{}{
			"connected": connected,
			"permanent": permanent,
		},
	})
	if permanent {
		s.logger.Error("push transport permanently down; session remains usable for http actions")
	}
}

// --- Locked helpers ---

// snapshotLocked builds the immutable projection of the session state.
// Caller holds s.mu.
func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:    s.ID,
		UserID:       s.userID,
		SelectedLine: s.selectedLine,
		ControlLine:  s.controlLine,
		ActiveDevice: s.activeDevice,
		TransportUp:  s.transportUp,
		Devices:      s.topo.Devices(s.selectedLine),
		GeneratedAt:  time.Now().UTC(),
	}
	for _, dn := range monitoredLines(s.selectedLine, s.controlLine) {
		for _, p := range s.topo.Participants(dn) {
			snap.Calls = append(snap.Calls, s.callViewLocked(p))
		}
	}
	return snap
}

// callViewLocked projects one participant into its read-only call view.
// Caller holds s.mu.
func (s *Session) callViewLocked(p Participant) CallView {
	key := partKey{dn: p.DN, id: p.ID}
	view := CallView{
		ParticipantID: p.ID,
		DN:            p.DN,
		CallID:        p.CallID,
		LegID:         p.LegID,
		Status:        p.Status,
		PartyNumber:   p.PartyNumber,
		PartyName:     p.PartyName,
		Terminal:      !p.Status.Active(),
	}

	if dir, ok := s.directions[key]; ok {
		view.Direction = dir
	} else {
		view.Direction = inferDirection(p, "", false)
	}

	if line, ok := s.topo.Line(p.DN); ok {
		view.Answerable = p.DirectControl || line.Kind.IsRoutingPoint()
	} else {
		view.Answerable = p.DirectControl
	}

	if ts, ok := s.establishedAt[key]; ok {
		t := ts
		view.EstablishedAt = &t
	}
	return view
}

// inferDirection derives a participant's direction tag: outbound while
// mid-dial, inbound when ringing with direct control, otherwise the
// prior known direction, defaulting to outbound.
func inferDirection(p Participant, prior Direction, hasPrior bool) Direction {
	switch {
	case p.Status == StatusDialing:
		return DirectionOutbound
	case p.Status == StatusRinging && p.DirectControl:
		return DirectionInbound
	case hasPrior:
		return prior
	default:
		return DirectionOutbound
	}
}

// seedBookkeepingLocked fills direction tags and connect timestamps for
// participants that arrived via resync rather than ingestion. Caller
// holds s.mu.
func (s *Session) seedBookkeepingLocked() {
	for _, dn := range s.topo.DNs() {
		for _, p := range s.topo.Participants(dn) {
			key := partKey{dn: p.DN, id: p.ID}
			if _, ok := s.directions[key]; !ok {
				s.directions[key] = inferDirection(p, "", false)
			}
			if p.Status == StatusConnected {
				if _, ok := s.establishedAt[key]; !ok {
					s.establishedAt[key] = time.Now().UTC()
				}
			}
		}
	}
}

// pruneBookkeepingLocked drops per-participant bookkeeping for lines no
// longer monitored. Caller holds s.mu.
func (s *Session) pruneBookkeepingLocked() {
	monitored := make(map[string]bool)
	for _, dn := range monitoredLines(s.selectedLine, s.controlLine) {
		monitored[dn] = true
	}
	for key := range s.directions {
		if !monitored[key.dn] {
			delete(s.directions, key)
		}
	}
	for key := range s.establishedAt {
		if !monitored[key.dn] {
			delete(s.establishedAt, key)
		}
	}
}

// --- Fire-and-forget outputs ---

// publishSnapshot hands a snapshot to the sink without blocking the
// caller; delivery failures are logged and swallowed.
func (s *Session) publishSnapshot(snap Snapshot) {
	go func() {
		if err := s.sink.PublishSnapshot(s.ID, snap); err != nil {
			s.logger.Warn("snapshot delivery failed", "error", err)
		}
	}()
}

// publishEvent hands one event envelope to the sink, fire-and-forget.
func (s *Session) publishEvent(env notify.Envelope) {
	go func() {
		if err := s.sink.PublishEvent(s.ID, env); err != nil {
			s.logger.Warn("event delivery failed", "event_type", env.EventType, "error", err)
		}
	}()
}

// recordAsync dispatches a best-effort call-detail-record write after a
// participant mutation commits. Failures never block the control path.
func (s *Session) recordAsync(view CallView) {
	if s.recorder == nil {
		return
	}
	rec := CallRecord{
		SessionID:     s.ID,
		UserID:        s.userID,
		DN:            view.DN,
		ParticipantID: view.ParticipantID,
		CallID:        view.CallID,
		Status:        view.Status,
		Direction:     view.Direction,
		PartyNumber:   view.PartyNumber,
		PartyName:     view.PartyName,
		EstablishedAt: view.EstablishedAt,
		UpdatedAt:     time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.RecordTimeout)
		defer cancel()
		if err := s.recorder.Upsert(ctx, rec); err != nil {
			s.logger.Warn("call record write failed",
				"dn", rec.DN,
				"participant_id", rec.ParticipantID,
				"error", err)
		}
	}()
}
