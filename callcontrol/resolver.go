/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callcontrol

import "sort"

// The participant candidate resolver locates a controllable call leg
// when the caller-supplied identifier is stale, ambiguous, or not
// directly controllable. The upstream platform assigns distinct
// participant ids to the same logical call on each monitored line, so a
// requested id frequently names a leg this session cannot act on while
// an equivalent, controllable leg exists elsewhere in the topology.
//
// All functions here operate on a Topology under the owning session's
// lock and allocate only Candidate values; nothing is retained.

// candidateOf builds a Candidate for p on its owning line.
func candidateOf(line *LineInfo, p Participant) Candidate {
	return Candidate{
		DN:            line.DN,
		Kind:          line.Kind,
		ID:            p.ID,
		CallID:        p.CallID,
		Status:        p.Status,
		DirectControl: p.DirectControl,
	}
}

// collectCandidates gathers every participant on the given lines that
// matches pred, walking lines and participants in ascending order so the
// result is deterministic for a fixed topology.
func collectCandidates(t *Topology, dns []string, pred func(Candidate) bool) []Candidate {
	var out []Candidate
	seen := make(map[string]bool, len(dns))
	for _, dn := range dns {
		if dn == "" || seen[dn] {
			continue
		}
		seen[dn] = true
		line, ok := t.Line(dn)
		if !ok {
			continue
		}
		for _, p := range t.Participants(dn) {
			c := candidateOf(line, p)
			if pred(c) {
				out = append(out, c)
			}
		}
	}
	return out
}

// monitoredLines returns the session's monitored lines: the selected
// line plus the control line.
func monitoredLines(selected, control string) []string {
	if control == "" || control == selected {
		return []string{selected}
	}
	return []string{selected, control}
}

// betterResolve reports whether a outranks b for single-target
// resolution: answerability first, then residency on the control line,
// then residency on the selected line, then lowest participant id.
func betterResolve(a, b Candidate, selected, control string) bool {
	if a.Answerable() != b.Answerable() {
		return a.Answerable()
	}
	if (a.DN == control) != (b.DN == control) {
		return a.DN == control
	}
	if (a.DN == selected) != (b.DN == selected) {
		return a.DN == selected
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.DN < b.DN
}

// pickBest returns the highest-ranked candidate under betterResolve.
func pickBest(cands []Candidate, selected, control string) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if betterResolve(c, best, selected, control) {
			best = c
		}
	}
	return best, true
}

// resolveParticipant finds the single best target for the requested
// participant id. The scoped pass searches only the monitored lines; the
// global pass across the entire topology runs only when the scoped pass
// yields no answerable candidate.
func resolveParticipant(t *Topology, selected, control string, requestedID int) (Candidate, bool) {
	matchID := func(c Candidate) bool { return c.ID == requestedID }

	scoped := collectCandidates(t, monitoredLines(selected, control), matchID)
	if best, ok := pickBest(scoped, selected, control); ok && best.Answerable() {
		return best, true
	}

	global := collectCandidates(t, t.DNs(), matchID)
	if best, ok := pickBest(global, selected, control); ok {
		return best, true
	}

	return pickBest(scoped, selected, control)
}

// answerCandidates builds the ranked fallback list for an answer action.
// The inclusion set is: the originally requested candidate; any other
// candidate sharing the requested participant id, scoped then global;
// any candidate sharing the same upstream call id, scoped then global;
// any ringing candidate on the selected line; any ringing candidate on
// the control line. Duplicates are removed, then the whole list is
// ordered by answerability, "is currently ringing", control-line
// residency, selected-line residency, and ascending participant id. The
// ordering is deterministic: two runs over identical topology state
// produce identical lists.
func answerCandidates(t *Topology, selected, control, requestedDN string, requestedID int) []Candidate {
	var pool []Candidate
	add := func(cands ...Candidate) {
		pool = append(pool, cands...)
	}

	monitored := monitoredLines(selected, control)
	all := t.DNs()
	matchID := func(c Candidate) bool { return c.ID == requestedID }

	// Originally requested candidate.
	if line, ok := t.Line(requestedDN); ok {
		if p, ok := line.Participants[requestedID]; ok {
			add(candidateOf(line, p))
		}
	}

	// Same participant id, scoped then global.
	sameID := collectCandidates(t, monitored, matchID)
	add(sameID...)
	sameIDGlobal := collectCandidates(t, all, matchID)
	add(sameIDGlobal...)

	// Same upstream call id, scoped then global. The reference call ids
	// come from every same-id match found above.
	callIDs := make(map[int]bool)
	for _, c := range pool {
		if c.CallID != 0 {
			callIDs[c.CallID] = true
		}
	}
	matchCall := func(c Candidate) bool { return callIDs[c.CallID] }
	if len(callIDs) > 0 {
		add(collectCandidates(t, monitored, matchCall)...)
		add(collectCandidates(t, all, matchCall)...)
	}

	// Ringing legs on the selected line, then the control line.
	ringing := func(c Candidate) bool { return c.Ringing() }
	add(collectCandidates(t, []string{selected}, ringing)...)
	if control != "" {
		add(collectCandidates(t, []string{control}, ringing)...)
	}

	// De-duplicate by (line, participant id), keeping first sight.
	seen := make(map[partKey]bool, len(pool))
	deduped := pool[:0]
	for _, c := range pool {
		k := partKey{dn: c.DN, id: c.ID}
		if seen[k] {
			continue
		}
		seen[k] = true
		deduped = append(deduped, c)
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		a, b := deduped[i], deduped[j]
		if a.Answerable() != b.Answerable() {
			return a.Answerable()
		}
		if a.Ringing() != b.Ringing() {
			return a.Ringing()
		}
		if (a.DN == control) != (b.DN == control) {
			return a.DN == control
		}
		if (a.DN == selected) != (b.DN == selected) {
			return a.DN == selected
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.DN < b.DN
	})
	return deduped
}
