/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callcontrol

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/tejzpr/pbxlink/pbxsdk"
)

// actionOutcome classifies one control attempt against a candidate.
type actionOutcome int

const (
	outcomeSuccess actionOutcome = iota
	// outcomeRetryable marks validation, permission and not-found
	// rejections from the upstream platform: the candidate cannot be
	// acted on, but another one might.
	outcomeRetryable
	outcomeFatal
)

// classifyActionErr maps an upstream error to an outcome tag for the
// answer fallback loop.
func classifyActionErr(err error) actionOutcome {
	if err == nil {
		return outcomeSuccess
	}
	switch {
	case pbxsdk.IsBadRequest(err),
		pbxsdk.IsForbidden(err),
		pbxsdk.IsNotFound(err),
		pbxsdk.IsUpstreamRejection(err):
		return outcomeRetryable
	default:
		return outcomeFatal
	}
}

// Dial places an outbound call to destination from the selected line,
// or from the active device when one is set.
func (s *Session) Dial(ctx context.Context, destination string) error {
	if destination == "" {
		return fmt.Errorf("%w: destination is required", ErrBadRequest)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	dn := s.selectedLine
	device := s.activeDevice
	s.mu.Unlock()

	if device != "" {
		return s.upstream.MakeCallFromDevice(ctx, dn, device, destination, s.config.DialTimeoutSeconds)
	}
	return s.upstream.MakeCall(ctx, dn, destination, s.config.DialTimeoutSeconds)
}

// Reject declines a ringing call. The best-resolved target is used
// directly; upstream rejections are surfaced verbatim.
func (s *Session) Reject(ctx context.Context, participantID int) error {
	return s.singleAction(ctx, participantID, ActionDrop, &ActionRequest{Reason: "rejected"})
}

// End terminates an established call.
func (s *Session) End(ctx context.Context, participantID int) error {
	return s.singleAction(ctx, participantID, ActionDrop, nil)
}

// Transfer hands the call off to destination.
func (s *Session) Transfer(ctx context.Context, participantID int, destination string) error {
	if destination == "" {
		return fmt.Errorf("%w: transfer destination is required", ErrBadRequest)
	}
	return s.singleAction(ctx, participantID, ActionTransferTo, &ActionRequest{Destination: destination})
}

// Divert redirects a not-yet-answered call to destination.
func (s *Session) Divert(ctx context.Context, participantID int, destination string) error {
	if destination == "" {
		return fmt.Errorf("%w: divert destination is required", ErrBadRequest)
	}
	return s.singleAction(ctx, participantID, ActionDivert, &ActionRequest{Destination: destination})
}

// StreamAudio opens the opaque audio read stream for a participant.
// The caller owns the returned stream and must close it.
func (s *Session) StreamAudio(ctx context.Context, participantID int) (io.ReadCloser, error) {
	target, err := s.resolveSingle(participantID)
	if err != nil {
		return nil, err
	}
	return s.upstream.OpenAudioStream(ctx, target.DN, target.ID)
}

// SendAudio writes an opaque byte stream to a participant.
func (s *Session) SendAudio(ctx context.Context, participantID int, audio io.Reader) error {
	target, err := s.resolveSingle(participantID)
	if err != nil {
		return err
	}
	return s.upstream.SendAudioStream(ctx, target.DN, target.ID, audio)
}

// resolveSingle runs the two-pass resolver under the session lock and
// returns the single best target for the requested participant id.
func (s *Session) resolveSingle(participantID int) (Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Candidate{}, ErrSessionClosed
	}
	target, ok := resolveParticipant(s.topo, s.selectedLine, s.controlLine, participantID)
	if !ok {
		return Candidate{}, fmt.Errorf("%w: participant %d", ErrNotFound, participantID)
	}
	return target, nil
}

// singleAction resolves the requested participant to its best target and
// issues one control verb against it.
func (s *Session) singleAction(ctx context.Context, participantID int, action string, req *ActionRequest) error {
	target, err := s.resolveSingle(participantID)
	if err != nil {
		return err
	}
	if err := s.upstream.ParticipantAction(ctx, target.DN, target.ID, action, req); err != nil {
		return fmt.Errorf("%s on %s: %w", action, target, err)
	}
	return nil
}

// Answer answers a ringing call. Because the ringing leg frequently
// differs from the leg the caller named — the platform assigns distinct
// participant ids per monitored line for one logical call — the ranked
// candidate list is tried in order: the first success wins, retryable
// rejections move on to the next candidate, and anything else fails
// immediately. When every candidate is spent and none were answerable,
// a configured control line enables a last resort: reroute the ringing
// leg to the control line, resync, and answer the leg that appears
// there. The returned Candidate identifies the leg actually answered.
func (s *Session) Answer(ctx context.Context, participantID int) (Candidate, error) {
	// Pre-answer refresh so resolution sees current state. A failed
	// refresh is not fatal; the cached topology is still usable.
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("pre-answer refresh failed", "error", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Candidate{}, ErrSessionClosed
	}
	selected, control := s.selectedLine, s.controlLine
	requestedDN := ""
	if req, ok := resolveParticipant(s.topo, selected, control, participantID); ok {
		requestedDN = req.DN
	}
	candidates := answerCandidates(s.topo, selected, control, requestedDN, participantID)
	s.mu.Unlock()

	if len(candidates) == 0 {
		return Candidate{}, fmt.Errorf("%w: no candidate for participant %d", ErrNotFound, participantID)
	}

	answerErr := &AnswerError{RequestedID: participantID}
	anyAnswerable := false
	for _, cand := range candidates {
		if cand.Answerable() {
			anyAnswerable = true
		}
		err := s.upstream.ParticipantAction(ctx, cand.DN, cand.ID, ActionAnswer, nil)
		switch classifyActionErr(err) {
		case outcomeSuccess:
			s.logger.Info("answered", "dn", cand.DN, "participant_id", cand.ID)
			return cand, nil
		case outcomeRetryable:
			reason := pbxsdk.VendorReason(err)
			s.logger.Debug("answer candidate rejected",
				"dn", cand.DN, "participant_id", cand.ID, "reason", reason)
			answerErr.Attempts = append(answerErr.Attempts, AnswerAttempt{Candidate: cand, Reason: reason})
			answerErr.LastReason = reason
		case outcomeFatal:
			return Candidate{}, fmt.Errorf("answer on %s: %w", cand, err)
		}
	}

	if !anyAnswerable {
		if cand, err := s.rerouteAnswer(ctx, candidates, answerErr); err == nil {
			return cand, nil
		}
	}
	return Candidate{}, answerErr
}

// rerouteAnswer is the answer last resort: route the ringing leg to the
// control line, let the platform settle, resync, and answer the
// newly appeared participant on the control line that shares the
// original call id. It runs only when a control line is configured and
// differs from the ringing candidate's line. A partial failure (the
// reroute lands but the answer does not) leaves the call on the control
// line; the attempt record carries the reason.
func (s *Session) rerouteAnswer(ctx context.Context, candidates []Candidate, answerErr *AnswerError) (Candidate, error) {
	s.mu.Lock()
	control := s.controlLine
	s.mu.Unlock()
	if control == "" {
		return Candidate{}, answerErr
	}

	var ringing Candidate
	found := false
	for _, cand := range candidates {
		if cand.Ringing() && cand.DN != control {
			ringing = cand
			found = true
			break
		}
	}
	if !found {
		return Candidate{}, answerErr
	}

	s.logger.Info("rerouting ringing leg to control line",
		"dn", ringing.DN, "participant_id", ringing.ID, "control_line", control)
	err := s.upstream.ParticipantAction(ctx, ringing.DN, ringing.ID, ActionRouteTo,
		&ActionRequest{Destination: control})
	if err != nil {
		reason := pbxsdk.VendorReason(err)
		answerErr.Attempts = append(answerErr.Attempts, AnswerAttempt{Candidate: ringing, Reason: "reroute: " + reason})
		answerErr.LastReason = reason
		return Candidate{}, answerErr
	}

	select {
	case <-time.After(s.config.RerouteSettle):
	case <-ctx.Done():
		answerErr.LastReason = ctx.Err().Error()
		return Candidate{}, answerErr
	}

	if err := s.Refresh(ctx); err != nil {
		reason := fmt.Sprintf("post-reroute resync: %v", err)
		answerErr.LastReason = reason
		return Candidate{}, answerErr
	}

	s.mu.Lock()
	var rerouted Candidate
	found = false
	if line, ok := s.topo.Line(control); ok {
		for _, p := range s.topo.Participants(control) {
			if p.CallID == ringing.CallID && p.Status.Active() {
				rerouted = candidateOf(line, p)
				found = true
				break
			}
		}
	}
	s.mu.Unlock()
	if !found {
		answerErr.LastReason = fmt.Sprintf("call %d did not reappear on control line %s", ringing.CallID, control)
		return Candidate{}, answerErr
	}

	if err := s.upstream.ParticipantAction(ctx, rerouted.DN, rerouted.ID, ActionAnswer, nil); err != nil {
		reason := pbxsdk.VendorReason(err)
		answerErr.Attempts = append(answerErr.Attempts, AnswerAttempt{Candidate: rerouted, Reason: reason})
		answerErr.LastReason = reason
		return Candidate{}, answerErr
	}
	s.logger.Info("answered after reroute", "dn", rerouted.DN, "participant_id", rerouted.ID)
	return rerouted, nil
}
