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
	"net/http"
	"net/url"

	"github.com/tejzpr/pbxlink/pbxsdk"
)

// Control verbs accepted by the upstream per-participant action endpoint.
const (
	ActionAnswer     = "answer"
	ActionDrop       = "drop"
	ActionDivert     = "divert"
	ActionRouteTo    = "routeto"
	ActionTransferTo = "transferto"
)

// ActionRequest is the optional body of a per-participant control call.
type ActionRequest struct {
	Destination string `json:"destination,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// makeCallRequest is the body of a make-call request.
type makeCallRequest struct {
	Destination string `json:"destination"`
	Timeout     int    `json:"timeout,omitempty"`
}

// Upstream wraps the PBX control-plane HTTP surface consumed by the
// session engine. All calls run outside the session lock.
type Upstream struct {
	client *pbxsdk.Client
}

// NewUpstream creates an Upstream on top of an authenticated PBX client.
func NewUpstream(client *pbxsdk.Client) *Upstream {
	return &Upstream{client: client}
}

// WebSocketURL derives the push-transport endpoint from the client's
// base URL.
func (u *Upstream) WebSocketURL() string {
	ws := *u.client.BaseURL()
	switch ws.Scheme {
	case "https":
		ws.Scheme = "wss"
	default:
		ws.Scheme = "ws"
	}
	ws.Path = "/callcontrol/ws"
	return ws.String()
}

// Client exposes the underlying PBX client (the push transport shares
// its token source).
func (u *Upstream) Client() *pbxsdk.Client {
	return u.client
}

// FetchTopology performs a full-topology fetch: every line the
// credential may observe, with its devices and active participants.
func (u *Upstream) FetchTopology(ctx context.Context) ([]LineInfo, error) {
	resp, err := u.client.Do(ctx, http.MethodGet, "/callcontrol", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("topology fetch failed: %w", err)
	}

	var dtos []lineDTO
	if err := pbxsdk.ParseResponse(resp, &dtos); err != nil {
		return nil, fmt.Errorf("topology fetch failed: %w", err)
	}

	lines := make([]LineInfo, 0, len(dtos))
	for _, dto := range dtos {
		lines = append(lines, dto.toLineInfo())
	}
	return lines, nil
}

// GetParticipant fetches the detail record for one participant; upsert
// ingestion calls this for every participant push frame.
func (u *Upstream) GetParticipant(ctx context.Context, dn string, id int) (Participant, error) {
	path := fmt.Sprintf("/callcontrol/%s/participants/%d", url.PathEscape(dn), id)
	resp, err := u.client.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return Participant{}, err
	}

	var p Participant
	if err := pbxsdk.ParseResponse(resp, &p); err != nil {
		return Participant{}, err
	}
	p.DN = dn
	if p.ID == 0 {
		p.ID = id
	}
	return p, nil
}

// GetDevice fetches the detail record for one device.
func (u *Upstream) GetDevice(ctx context.Context, dn, id string) (Device, error) {
	path := fmt.Sprintf("/callcontrol/%s/devices/%s", url.PathEscape(dn), url.PathEscape(id))
	resp, err := u.client.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return Device{}, err
	}

	var d Device
	if err := pbxsdk.ParseResponse(resp, &d); err != nil {
		return Device{}, err
	}
	d.DN = dn
	if d.ID == "" {
		d.ID = id
	}
	return d, nil
}

// MakeCall dials destination from the line itself.
func (u *Upstream) MakeCall(ctx context.Context, dn, destination string, timeout int) error {
	path := fmt.Sprintf("/callcontrol/%s/makecall", url.PathEscape(dn))
	resp, err := u.client.Do(ctx, http.MethodPost, path, nil, makeCallRequest{
		Destination: destination,
		Timeout:     timeout,
	})
	if err != nil {
		return err
	}
	return pbxsdk.ParseResponse(resp, nil)
}

// MakeCallFromDevice dials destination from a specific registered device
// on the line.
func (u *Upstream) MakeCallFromDevice(ctx context.Context, dn, deviceID, destination string, timeout int) error {
	path := fmt.Sprintf("/callcontrol/%s/devices/%s/makecall",
		url.PathEscape(dn), url.PathEscape(deviceID))
	resp, err := u.client.Do(ctx, http.MethodPost, path, nil, makeCallRequest{
		Destination: destination,
		Timeout:     timeout,
	})
	if err != nil {
		return err
	}
	return pbxsdk.ParseResponse(resp, nil)
}

// ParticipantAction issues a control verb against a (line, participant)
// pair. req may be nil for verbs that take no parameters.
func (u *Upstream) ParticipantAction(ctx context.Context, dn string, id int, action string, req *ActionRequest) error {
	path := fmt.Sprintf("/callcontrol/%s/participants/%d/%s",
		url.PathEscape(dn), id, url.PathEscape(action))

	var body interface{}
	if req != nil {
		body = req
	}
	resp, err := u.client.Do(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return err
	}
	return pbxsdk.ParseResponse(resp, nil)
}

// OpenAudioStream opens the opaque read stream for a participant. The
// caller owns the returned body.
func (u *Upstream) OpenAudioStream(ctx context.Context, dn string, id int) (io.ReadCloser, error) {
	path := fmt.Sprintf("/callcontrol/%s/participants/%d/stream", url.PathEscape(dn), id)
	resp, err := u.client.DoRaw(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, pbxsdk.NewAPIError(resp, body)
	}
	return resp.Body, nil
}

// SendAudioStream writes an opaque byte stream to a participant.
func (u *Upstream) SendAudioStream(ctx context.Context, dn string, id int, audio io.Reader) error {
	path := fmt.Sprintf("/callcontrol/%s/participants/%d/stream", url.PathEscape(dn), id)
	resp, err := u.client.DoRaw(ctx, http.MethodPost, path, "application/octet-stream", audio)
	if err != nil {
		return err
	}
	return pbxsdk.ParseResponse(resp, nil)
}
