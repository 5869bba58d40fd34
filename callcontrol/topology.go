/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callcontrol

import "sort"

// Topology is the in-memory cache of lines, devices and active
// participants, keyed by line identifier (DN). It is owned exclusively
// by one session and carries no lock of its own: every access happens
// under the owning session's lock.
type Topology struct {
	lines map[string]*LineInfo
}

// NewTopology returns an empty topology.
func NewTopology() *Topology {
	return &Topology{lines: make(map[string]*LineInfo)}
}

// Replace swaps the entire cache for the result of a full resync.
func (t *Topology) Replace(lines []LineInfo) {
	t.lines = make(map[string]*LineInfo, len(lines))
	for i := range lines {
		line := lines[i]
		if line.Devices == nil {
			line.Devices = make(map[string]Device)
		}
		if line.Participants == nil {
			line.Participants = make(map[int]Participant)
		}
		t.lines[line.DN] = &line
	}
}

// Line returns the cached info for dn.
func (t *Topology) Line(dn string) (*LineInfo, bool) {
	info, ok := t.lines[dn]
	return info, ok
}

// DNs returns all cached line identifiers in ascending order. The
// stable order keeps every topology walk deterministic.
func (t *Topology) DNs() []string {
	dns := make([]string, 0, len(t.lines))
	for dn := range t.lines {
		dns = append(dns, dn)
	}
	sort.Strings(dns)
	return dns
}

// UpsertParticipant writes p into its owning line, creating the line
// entry if the resync never reported it.
func (t *Topology) UpsertParticipant(p Participant) {
	line := t.ensureLine(p.DN)
	line.Participants[p.ID] = p
}

// RemoveParticipant deletes the participant and returns the removed
// record. Removing an absent participant is a no-op.
func (t *Topology) RemoveParticipant(dn string, id int) (Participant, bool) {
	line, ok := t.lines[dn]
	if !ok {
		return Participant{}, false
	}
	p, ok := line.Participants[id]
	if !ok {
		return Participant{}, false
	}
	delete(line.Participants, id)
	return p, true
}

// UpsertDevice writes d into its owning line.
func (t *Topology) UpsertDevice(d Device) {
	line := t.ensureLine(d.DN)
	line.Devices[d.ID] = d
}

// RemoveDevice deletes the device and returns the removed record.
func (t *Topology) RemoveDevice(dn, id string) (Device, bool) {
	line, ok := t.lines[dn]
	if !ok {
		return Device{}, false
	}
	d, ok := line.Devices[id]
	if !ok {
		return Device{}, false
	}
	delete(line.Devices, id)
	return d, true
}

// PurgeExcept removes every participant and device whose owning line is
// not in keep. Line entries themselves survive so kind lookups keep
// working.
func (t *Topology) PurgeExcept(keep ...string) {
	kept := make(map[string]bool, len(keep))
	for _, dn := range keep {
		if dn != "" {
			kept[dn] = true
		}
	}
	for dn, line := range t.lines {
		if kept[dn] {
			continue
		}
		line.Participants = make(map[int]Participant)
		line.Devices = make(map[string]Device)
	}
}

// Devices returns the device list for dn sorted by device id.
func (t *Topology) Devices(dn string) []Device {
	line, ok := t.lines[dn]
	if !ok {
		return nil
	}
	devices := make([]Device, 0, len(line.Devices))
	for _, d := range line.Devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// Participants returns the participants for dn sorted by id.
func (t *Topology) Participants(dn string) []Participant {
	line, ok := t.lines[dn]
	if !ok {
		return nil
	}
	parts := make([]Participant, 0, len(line.Participants))
	for _, p := range line.Participants {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].ID < parts[j].ID })
	return parts
}

func (t *Topology) ensureLine(dn string) *LineInfo {
	line, ok := t.lines[dn]
	if !ok {
		line = &LineInfo{
			DN:           dn,
			Kind:         KindExtension,
			Devices:      make(map[string]Device),
			Participants: make(map[int]Participant),
		}
		t.lines[dn] = line
	}
	return line
}
