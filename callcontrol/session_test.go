/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callcontrol

import (
	"context"
	"errors"
	"testing"
)

func TestCreateSessionValidation(t *testing.T) {
	f := newFakePBX(t)
	f.setLine("100", KindExtension, nil, nil)
	f.setLine("9", KindRoutePoint, nil, nil)
	m := newTestManager(t, f, nil)

	t.Run("missing user id", func(t *testing.T) {
		_, err := m.CreateSession(context.Background(), Operator{OwnedLine: "100"})
		if !errors.Is(err, ErrBadRequest) {
			t.Errorf("Expected ErrBadRequest, got %v", err)
		}
	})

	t.Run("owned line not in topology", func(t *testing.T) {
		_, err := m.CreateSession(context.Background(), Operator{UserID: "u1", OwnedLine: "404"})
		if !errors.Is(err, ErrForbidden) {
			t.Errorf("Expected ErrForbidden, got %v", err)
		}
	})

	t.Run("owned line is a routing point", func(t *testing.T) {
		_, err := m.CreateSession(context.Background(), Operator{UserID: "u1", OwnedLine: "9"})
		if !errors.Is(err, ErrForbidden) {
			t.Errorf("Expected ErrForbidden, got %v", err)
		}
	})

	t.Run("configured control line absent", func(t *testing.T) {
		_, err := m.CreateSession(context.Background(), Operator{UserID: "u1", OwnedLine: "100", ControlLine: "404"})
		if err == nil {
			t.Error("Expected error for an absent control line")
		}
	})

	t.Run("valid", func(t *testing.T) {
		sess, err := m.CreateSession(context.Background(), Operator{UserID: "u1", OwnedLine: "100", ControlLine: "9"})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		defer sess.Close()
		if sess.OwnedLine() != "100" {
			t.Errorf("Expected owned line 100, got %q", sess.OwnedLine())
		}
		if sess.ControlLine() != "9" {
			t.Errorf("Expected control line 9, got %q", sess.ControlLine())
		}
		if sess.SelectedLine() != "100" {
			t.Errorf("Expected selected line 100, got %q", sess.SelectedLine())
		}
	})
}

func TestCreateSessionAdoptsApplicationDN(t *testing.T) {
	t.Run("routing point adopted", func(t *testing.T) {
		f := newFakePBX(t)
		f.setLine("100", KindExtension, nil, nil)
		f.setLine("8000", KindRoutePoint, nil, nil)
		cfg := DefaultConfig()
		cfg.ApplicationDN = "8000"
		m := newTestManager(t, f, cfg)

		sess, err := m.CreateSession(context.Background(), Operator{UserID: "u1", OwnedLine: "100"})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		defer sess.Close()
		if sess.ControlLine() != "8000" {
			t.Errorf("Expected adopted control line 8000, got %q", sess.ControlLine())
		}
	})

	t.Run("extension not adopted", func(t *testing.T) {
		f := newFakePBX(t)
		f.setLine("100", KindExtension, nil, nil)
		f.setLine("8000", KindExtension, nil, nil)
		cfg := DefaultConfig()
		cfg.ApplicationDN = "8000"
		m := newTestManager(t, f, cfg)

		sess, err := m.CreateSession(context.Background(), Operator{UserID: "u1", OwnedLine: "100"})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		defer sess.Close()
		if sess.ControlLine() != "" {
			t.Errorf("Expected no control line, got %q", sess.ControlLine())
		}
	})
}

func TestSelectLine(t *testing.T) {
	f := newFakePBX(t)
	f.setLine("100", KindExtension, nil, []Participant{{ID: 1, CallID: 10, Status: StatusConnected}})
	f.setLine("9", KindRoutePoint, nil, []Participant{{ID: 2, CallID: 11, Status: StatusRinging}})
	f.setLine("200", KindExtension, nil, []Participant{{ID: 3, CallID: 12, Status: StatusConnected}})
	m := newTestManager(t, f, nil)

	sess, err := m.CreateSession(context.Background(), Operator{UserID: "u1", OwnedLine: "100", ControlLine: "9"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer sess.Close()

	t.Run("forbidden for a non-owned line", func(t *testing.T) {
		_, err := sess.SelectLine("200")
		if !errors.Is(err, ErrForbidden) {
			t.Errorf("Expected ErrForbidden, got %v", err)
		}
	})

	t.Run("purges non-monitored lines", func(t *testing.T) {
		snap, err := sess.SelectLine("100")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		for _, call := range snap.Calls {
			if call.DN == "200" {
				t.Errorf("Expected line 200 purged, found call %d", call.ParticipantID)
			}
		}
		// Monitored lines keep their participants.
		found := map[int]bool{}
		for _, call := range snap.Calls {
			found[call.ParticipantID] = true
		}
		if !found[1] || !found[2] {
			t.Errorf("Expected participants 1 and 2 retained, got %v", snap.Calls)
		}

		sess.mu.Lock()
		stale := len(sess.topo.Participants("200"))
		sess.mu.Unlock()
		if stale != 0 {
			t.Errorf("Expected store purged of line 200, found %d participants", stale)
		}
	})
}

func TestSetActiveDevice(t *testing.T) {
	f := newFakePBX(t)
	f.setLine("100", KindExtension, []Device{{ID: "d1", Label: "Desk"}}, nil)
	m := newTestManager(t, f, nil)

	sess, err := m.CreateSession(context.Background(), Operator{UserID: "u1", OwnedLine: "100"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer sess.Close()

	t.Run("unknown device", func(t *testing.T) {
		_, err := sess.SetActiveDevice("nope")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("registered device", func(t *testing.T) {
		snap, err := sess.SetActiveDevice("d1")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if snap.ActiveDevice != "d1" {
			t.Errorf("Expected active device d1, got %q", snap.ActiveDevice)
		}
	})
}

func TestSnapshotShape(t *testing.T) {
	f := newFakePBX(t)
	f.setLine("100", KindExtension,
		[]Device{{ID: "d1", Label: "Desk"}},
		[]Participant{{ID: 1, CallID: 10, Status: StatusDialing}})
	f.setLine("9", KindRoutePoint, nil,
		[]Participant{{ID: 2, CallID: 11, Status: StatusRinging, DirectControl: true}})
	m := newTestManager(t, f, nil)

	sess, err := m.CreateSession(context.Background(), Operator{UserID: "u1", OwnedLine: "100", ControlLine: "9"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer sess.Close()

	snap := sess.Snapshot()
	if snap.SessionID != sess.ID || snap.UserID != "u1" {
		t.Errorf("Unexpected identity fields: %+v", snap)
	}
	if !snap.TransportUp {
		t.Error("Expected transport up after create")
	}
	if len(snap.Devices) != 1 || snap.Devices[0].ID != "d1" {
		t.Errorf("Expected device d1 in snapshot, got %v", snap.Devices)
	}
	if len(snap.Calls) != 2 {
		t.Fatalf("Expected 2 calls, got %v", snap.Calls)
	}
	for _, call := range snap.Calls {
		switch call.ParticipantID {
		case 1:
			if call.Direction != DirectionOutbound {
				t.Errorf("Expected dialing call outbound, got %s", call.Direction)
			}
		case 2:
			if call.Direction != DirectionInbound {
				t.Errorf("Expected ringing direct-control call inbound, got %s", call.Direction)
			}
			if !call.Answerable {
				t.Error("Expected routing-point call answerable")
			}
		}
	}
}

func TestCloseSession(t *testing.T) {
	f := newFakePBX(t)
	f.setLine("100", KindExtension, nil, nil)
	m := newTestManager(t, f, nil)

	sess, err := m.CreateSession(context.Background(), Operator{UserID: "u1", OwnedLine: "100"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if err := m.CloseSession(sess.ID); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, ok := m.Session(sess.ID); ok {
		t.Error("Expected session deregistered after close")
	}
	if _, err := sess.SelectLine("100"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
	if err := m.CloseSession(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a second close, got %v", err)
	}
}
