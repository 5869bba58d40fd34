/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callcontrol

import (
	"context"
	"errors"
	"time"

	"github.com/tejzpr/pbxlink/notify"
	"github.com/tejzpr/pbxlink/pbxsdk"
	"github.com/tejzpr/pbxlink/push"
)

// ingestLoop is the session's single ingestion worker. It consumes push
// frames strictly in arrival order; each frame is fully applied (or
// discarded) before the next is read, so snapshots never interleave
// partial updates.
func (s *Session) ingestLoop(ctx context.Context) {
	defer close(s.done)

	frames := s.transport.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			s.applyFrame(ctx, frame)
		}
	}
}

// applyFrame routes one push frame to its handler. Frames that do not
// parse are dropped with a log line; they never wedge the worker.
func (s *Session) applyFrame(ctx context.Context, frame push.Frame) {
	dn, kind, id, ok := parseEntity(frame.Entity)
	if !ok {
		s.logger.Debug("dropping malformed push frame", "entity", frame.Entity)
		return
	}

	switch kind {
	case entityParticipants:
		pid, ok := parseParticipantID(id)
		if !ok {
			s.logger.Debug("dropping push frame with bad participant id", "entity", frame.Entity)
			return
		}
		switch frame.EventType {
		case push.EventUpsert:
			s.ingestParticipantUpsert(ctx, dn, pid)
		case push.EventRemove:
			s.ingestParticipantRemove(dn, pid)
		default:
			s.logger.Debug("dropping push frame with unknown event type",
				"event_type", frame.EventType, "entity", frame.Entity)
		}
	case entityDevices:
		switch frame.EventType {
		case push.EventUpsert:
			s.ingestDeviceUpsert(ctx, dn, id)
		case push.EventRemove:
			s.ingestDeviceRemove(dn, id)
		default:
			s.logger.Debug("dropping push frame with unknown event type",
				"event_type", frame.EventType, "entity", frame.Entity)
		}
	}
}

// monitoredLocked reports whether dn is one of the session's monitored
// lines. Caller holds s.mu.
func (s *Session) monitoredLocked(dn string) bool {
	return dn == s.selectedLine || (s.controlLine != "" && dn == s.controlLine)
}

// ingestParticipantUpsert fetches the full participant for an upsert
// event and merges it into the topology. Events for unmonitored lines
// are ignored without an upstream round trip. The fetch happens outside
// the session lock; the monitored check is repeated after reacquiring it
// because the selection may have changed in between.
func (s *Session) ingestParticipantUpsert(ctx context.Context, dn string, pid int) {
	s.mu.Lock()
	if s.closed || !s.monitoredLocked(dn) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	p, err := s.upstream.GetParticipant(ctx, dn, pid)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if pbxsdk.IsNotFound(err) {
			// Leg vanished between the event and our fetch; the remove
			// event is on its way or already consumed.
			s.logger.Debug("participant gone before fetch", "dn", dn, "participant_id", pid)
			return
		}
		s.logger.Warn("participant fetch failed", "dn", dn, "participant_id", pid, "error", err)
		return
	}
	p.DN = dn
	p.ID = pid

	s.mu.Lock()
	if s.closed || !s.monitoredLocked(dn) {
		s.mu.Unlock()
		return
	}

	key := partKey{dn: dn, id: pid}
	prior, hadPrior := s.directions[key]
	s.directions[key] = inferDirection(p, prior, hadPrior)

	switch {
	case p.Status == StatusConnected:
		if _, ok := s.establishedAt[key]; !ok {
			s.establishedAt[key] = time.Now().UTC()
		}
	case !p.Status.Active():
		delete(s.establishedAt, key)
	}

	s.topo.UpsertParticipant(p)
	view := s.callViewLocked(p)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publishEvent(notify.Envelope{EventType: EventCallUpdated, Payload: view})
	s.recordAsync(view)
	s.publishSnapshot(snap)
}

// ingestParticipantRemove drops a participant from the topology. Removal
// of a participant the session never held is a no-op and publishes
// nothing.
func (s *Session) ingestParticipantRemove(dn string, pid int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	removed, ok := s.topo.RemoveParticipant(dn, pid)
	if !ok {
		s.mu.Unlock()
		return
	}

	key := partKey{dn: dn, id: pid}
	removed.Status = StatusEnded
	view := s.callViewLocked(removed)
	delete(s.directions, key)
	delete(s.establishedAt, key)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publishEvent(notify.Envelope{EventType: EventCallEnded, Payload: view})
	s.recordAsync(view)
	s.publishSnapshot(snap)
}

// ingestDeviceUpsert fetches a device for an upsert event and merges it.
// Device events only matter for the selected line; the snapshot's device
// list is scoped to it.
func (s *Session) ingestDeviceUpsert(ctx context.Context, dn, deviceID string) {
	s.mu.Lock()
	if s.closed || !s.monitoredLocked(dn) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	dev, err := s.upstream.GetDevice(ctx, dn, deviceID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if pbxsdk.IsNotFound(err) {
			s.logger.Debug("device gone before fetch", "dn", dn, "device_id", deviceID)
			return
		}
		s.logger.Warn("device fetch failed", "dn", dn, "device_id", deviceID, "error", err)
		return
	}
	dev.DN = dn
	dev.ID = deviceID

	s.mu.Lock()
	if s.closed || !s.monitoredLocked(dn) {
		s.mu.Unlock()
		return
	}
	s.topo.UpsertDevice(dev)
	changedSelected := dn == s.selectedLine
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if changedSelected {
		s.publishEvent(notify.Envelope{EventType: EventDevicesChanged, Payload: snap.Devices})
	}
	s.publishSnapshot(snap)
}

// ingestDeviceRemove drops a device registration. When the removed
// device was the session's active device, the selection is cleared.
func (s *Session) ingestDeviceRemove(dn, deviceID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.topo.RemoveDevice(dn, deviceID); !ok {
		s.mu.Unlock()
		return
	}
	if s.activeDevice == deviceID && dn == s.selectedLine {
		s.activeDevice = ""
	}
	changedSelected := dn == s.selectedLine
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if changedSelected {
		s.publishEvent(notify.Envelope{EventType: EventDevicesChanged, Payload: snap.Devices})
	}
	s.publishSnapshot(snap)
}
