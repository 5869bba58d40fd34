/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package notify is the downstream pub/sub boundary of the session
// engine. The engine calls a Sink after every committed state change;
// delivery is fire-and-forget and failures are never surfaced back into
// session state.
package notify

import "log/slog"

// Envelope wraps a typed event payload for delivery to subscribers.
type Envelope struct {
	EventType string      `json:"event_type"`
	Payload   interface{} `json:"payload"`
}

// Sink receives state snapshots and events for one session.
// Implementations may fan out to websocket hubs, message brokers, or
// anything else; errors they return are logged by the engine and
// otherwise ignored.
type Sink interface {
	// PublishSnapshot delivers a full session-state snapshot.
	PublishSnapshot(sessionID string, snapshot interface{}) error

	// PublishEvent delivers one incremental event.
	PublishEvent(sessionID string, env Envelope) error
}

// NoopSink discards everything. Use when no subscriber transport is
// configured.
type NoopSink struct{}

// NewNoopSink creates a sink that silently discards deliveries.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) PublishSnapshot(string, interface{}) error { return nil }

func (s *NoopSink) PublishEvent(string, Envelope) error { return nil }

// LogSink logs deliveries at debug level. Useful for development.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs deliveries.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) PublishSnapshot(sessionID string, snapshot interface{}) error {
	s.logger.Debug("snapshot published", "session_id", sessionID)
	return nil
}

func (s *LogSink) PublishEvent(sessionID string, env Envelope) error {
	s.logger.Debug("event published",
		"session_id", sessionID,
		"event_type", env.EventType)
	return nil
}
