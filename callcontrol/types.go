/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callcontrol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LineKind classifies an addressable endpoint (DN) on the PBX.
type LineKind string

const (
	KindExtension  LineKind = "Extension"
	KindRoutePoint LineKind = "RoutePoint"
	KindQueue      LineKind = "Queue"
)

// IsRoutingPoint reports whether the line can receive rerouted calls and
// carries broader control permissions than an ordinary extension.
func (k LineKind) IsRoutingPoint() bool {
	return k == KindRoutePoint || k == KindQueue
}

// ParticipantStatus is the lifecycle status of one call leg.
type ParticipantStatus string

const (
	StatusDialing   ParticipantStatus = "Dialing"
	StatusRinging   ParticipantStatus = "Ringing"
	StatusConnected ParticipantStatus = "Connected"
	StatusEnded     ParticipantStatus = "Ended"
)

// Active reports whether the status is one of the in-progress states.
func (s ParticipantStatus) Active() bool {
	return s == StatusDialing || s == StatusRinging || s == StatusConnected
}

// Direction tags a participant as inbound or outbound from the
// operator's point of view.
type Direction string

const (
	DirectionInbound  Direction = "Inbound"
	DirectionOutbound Direction = "Outbound"
)

// Participant is one leg of an in-progress call as seen on a given line.
type Participant struct {
	ID            int               `json:"id"`
	DN            string            `json:"dn"`
	CallID        int               `json:"callid"`
	LegID         int               `json:"legid"`
	Status        ParticipantStatus `json:"status"`
	PartyNumber   string            `json:"party_caller_id"`
	PartyName     string            `json:"party_caller_name"`
	DirectControl bool              `json:"direct_control"`
}

// Device is a registered endpoint on a line. The label is descriptive
// only (UI display).
type Device struct {
	ID    string `json:"device_id"`
	DN    string `json:"dn"`
	Label string `json:"user_agent"`
}

// LineInfo holds everything the engine mirrors for one line.
type LineInfo struct {
	DN           string
	Kind         LineKind
	Devices      map[string]Device
	Participants map[int]Participant
}

// lineDTO is the wire shape of a line in the full-topology response.
type lineDTO struct {
	DN           string        `json:"dn"`
	Type         LineKind      `json:"type"`
	Devices      []Device      `json:"devices"`
	Participants []Participant `json:"participants"`
}

func (d lineDTO) toLineInfo() LineInfo {
	info := LineInfo{
		DN:           d.DN,
		Kind:         d.Type,
		Devices:      make(map[string]Device, len(d.Devices)),
		Participants: make(map[int]Participant, len(d.Participants)),
	}
	for _, dev := range d.Devices {
		dev.DN = d.DN
		info.Devices[dev.ID] = dev
	}
	for _, p := range d.Participants {
		p.DN = d.DN
		info.Participants[p.ID] = p
	}
	return info
}

// CallView is the read-only projection of a participant combined with
// session-derived direction, answerability and connect time. It is
// recomputed on every mutation and never persisted.
type CallView struct {
	ParticipantID int               `json:"participant_id"`
	DN            string            `json:"dn"`
	CallID        int               `json:"call_id"`
	LegID         int               `json:"leg_id"`
	Status        ParticipantStatus `json:"status"`
	Direction     Direction         `json:"direction"`
	Answerable    bool              `json:"answerable"`
	PartyNumber   string            `json:"party_number"`
	PartyName     string            `json:"party_name"`
	EstablishedAt *time.Time        `json:"established_at,omitempty"`
	Terminal      bool              `json:"terminal"`
}

// Snapshot is the immutable session-wide state handed to the
// notification sink after every committed mutation.
type Snapshot struct {
	SessionID    string     `json:"session_id"`
	UserID       string     `json:"user_id"`
	SelectedLine string     `json:"selected_line"`
	ControlLine  string     `json:"control_line,omitempty"`
	ActiveDevice string     `json:"active_device,omitempty"`
	TransportUp  bool       `json:"transport_up"`
	Devices      []Device   `json:"devices"`
	Calls        []CallView `json:"calls"`
	GeneratedAt  time.Time  `json:"generated_at"`
}

// Candidate is an ephemeral lookup result produced by the resolver and
// used to rank and retry control actions against real targets. It is
// never stored.
type Candidate struct {
	DN            string            `json:"dn"`
	Kind          LineKind          `json:"kind"`
	ID            int               `json:"participant_id"`
	CallID        int               `json:"call_id"`
	Status        ParticipantStatus `json:"status"`
	DirectControl bool              `json:"direct_control"`
}

// Answerable reports whether a control action may be issued on this
// candidate without an intermediary reroute: either the platform granted
// direct control, or the owning line is a routing point.
func (c Candidate) Answerable() bool {
	return c.DirectControl || c.Kind.IsRoutingPoint()
}

// Ringing reports whether the candidate is currently ringing.
func (c Candidate) Ringing() bool {
	return c.Status == StatusRinging
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s/%d (call %d, %s)", c.DN, c.ID, c.CallID, c.Status)
}

// CallRecord is the best-effort call-detail-record update handed to the
// recorder after every participant upsert or remove.
type CallRecord struct {
	SessionID     string
	UserID        string
	DN            string
	ParticipantID int
	CallID        int
	Status        ParticipantStatus
	Direction     Direction
	PartyNumber   string
	PartyName     string
	EstablishedAt *time.Time
	UpdatedAt     time.Time
}

// partKey identifies a participant across the session's per-participant
// bookkeeping maps (direction tags, connect timestamps).
type partKey struct {
	dn string
	id int
}

// Entity kinds carried in push-event entity paths.
const (
	entityParticipants = "participants"
	entityDevices      = "devices"
)

// parseEntity splits a push-event entity path of the form
// "/callcontrol/{dn}/{kind}/{id}" into its components. ok is false for
// anything malformed or missing identifiers.
func parseEntity(entity string) (dn, kind, id string, ok bool) {
	parts := strings.Split(strings.Trim(entity, "/"), "/")
	if len(parts) != 4 || parts[0] != "callcontrol" {
		return "", "", "", false
	}
	dn, kind, id = parts[1], parts[2], parts[3]
	if dn == "" || id == "" {
		return "", "", "", false
	}
	if kind != entityParticipants && kind != entityDevices {
		return "", "", "", false
	}
	return dn, kind, id, true
}

// parseParticipantID converts the id segment of a participant entity
// path. Participant ids are numeric on the wire.
func parseParticipantID(id string) (int, bool) {
	n, err := strconv.Atoi(id)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
