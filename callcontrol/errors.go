/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callcontrol

import (
	"errors"
	"fmt"
	"strings"
)

// Engine-level error kinds. Upstream HTTP failures keep their pbxsdk
// types; these sentinels cover failures the engine decides itself
// (entitlement checks, lookups against the local topology, lifecycle).
var (
	// ErrForbidden marks an action the operator is not entitled to,
	// such as selecting a line it does not own.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound marks a line, participant or device absent from the
	// session's topology.
	ErrNotFound = errors.New("not found")

	// ErrBadRequest marks malformed caller input, such as a transfer
	// with no destination.
	ErrBadRequest = errors.New("bad request")

	// ErrSessionClosed marks any operation on a disposed session.
	ErrSessionClosed = errors.New("session closed")
)

// AnswerAttempt records one candidate the answer fallback chain tried
// and the vendor reason it was rejected with.
type AnswerAttempt struct {
	Candidate Candidate
	Reason    string
}

// AnswerError is returned when the answer fallback chain is exhausted:
// every ranked candidate was tried (plus the reroute-then-answer last
// resort, when applicable) and none succeeded. It carries the full list
// of attempted candidates and the last vendor-reported reason.
type AnswerError struct {
	RequestedID int
	Attempts    []AnswerAttempt
	LastReason  string
}

// Error implements the error interface.
func (e *AnswerError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "answer failed for participant %d", e.RequestedID)
	if len(e.Attempts) == 0 {
		b.WriteString(": no candidates found")
	} else {
		b.WriteString(": tried ")
		for i, a := range e.Attempts {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(a.Candidate.String())
		}
	}
	if e.LastReason != "" {
		fmt.Fprintf(&b, "; last reason: %s", e.LastReason)
	}
	return b.String()
}
