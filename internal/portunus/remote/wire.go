package remote

import (
	"fmt"
	"time"

	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

// gRPC method names served by the authority. Messages are the DTOs below,
// encoded with the "cbor" content-subtype.
const (
	ServiceName  = "portunus.node.v1.Authority"
	MethodHealth = "/" + ServiceName + "/Health"
	MethodPush   = "/" + ServiceName + "/Push"
	MethodPull   = "/" + ServiceName + "/Pull"
)

// HTTP routes served by the authority.
const (
	PathHealth      = "/v1/health"
	PathEvents      = "/v1/events"
	PathCredentials = "/v1/credentials"
)

type EventDTO struct {
	ID           string `json:"id" cbor:"1,keyasint"`
	DeviceID     string `json:"device_id" cbor:"2,keyasint"`
	CredentialID string `json:"credential_id,omitempty" cbor:"3,keyasint,omitempty"`
	Outcome      string `json:"outcome" cbor:"4,keyasint"`
	Reason       string `json:"reason,omitempty" cbor:"5,keyasint,omitempty"`
	TimestampMs  int64  `json:"timestamp_ms" cbor:"6,keyasint"`
	DoorBefore   string `json:"door_before,omitempty" cbor:"7,keyasint,omitempty"`
	DoorAfter    string `json:"door_after,omitempty" cbor:"8,keyasint,omitempty"`
	Priority     bool   `json:"priority,omitempty" cbor:"9,keyasint,omitempty"`
}

type CredentialDTO struct {
	ID       string `json:"id" cbor:"1,keyasint"`
	Decision string `json:"decision" cbor:"2,keyasint"`
	Version  uint64 `json:"version" cbor:"3,keyasint"`
}

type HealthRequest struct {
	DeviceID string `json:"device_id" cbor:"1,keyasint"`
}

type HealthResponse struct {
	Status string `json:"status" cbor:"1,keyasint"`
}

type PushRequest struct {
	DeviceID string     `json:"device_id" cbor:"1,keyasint"`
	Events   []EventDTO `json:"events" cbor:"2,keyasint"`
}

type PushResultDTO struct {
	EventID string `json:"event_id" cbor:"1,keyasint"`
	Acked   bool   `json:"acked" cbor:"2,keyasint"`
	Error   string `json:"error,omitempty" cbor:"3,keyasint,omitempty"`
}

type PushResponse struct {
	Results []PushResultDTO `json:"results" cbor:"1,keyasint"`
}

type PullRequest struct {
	DeviceID string `json:"device_id" cbor:"1,keyasint"`
	Since    uint64 `json:"since" cbor:"2,keyasint"`
}

type PullResponse struct {
	Updates []CredentialDTO `json:"updates" cbor:"1,keyasint"`
	Cursor  uint64          `json:"cursor" cbor:"2,keyasint"`
}

func EventToDTO(ev types.AccessEvent) EventDTO {
	return EventDTO{
		ID:           ev.ID,
		DeviceID:     ev.DeviceID,
		CredentialID: ev.CredentialID,
		Outcome:      string(ev.Outcome),
		Reason:       ev.Reason,
		TimestampMs:  ev.Timestamp.UnixMilli(),
		DoorBefore:   string(ev.DoorBefore),
		DoorAfter:    string(ev.DoorAfter),
		Priority:     ev.Priority,
	}
}

func EventFromDTO(d EventDTO) types.AccessEvent {
	return types.AccessEvent{
		ID:           d.ID,
		DeviceID:     d.DeviceID,
		CredentialID: d.CredentialID,
		Outcome:      types.Outcome(d.Outcome),
		Reason:       d.Reason,
		Timestamp:    time.UnixMilli(d.TimestampMs).UTC(),
		DoorBefore:   types.DoorState(d.DoorBefore),
		DoorAfter:    types.DoorState(d.DoorAfter),
		Priority:     d.Priority,
	}
}

func EventsToDTO(evs []types.AccessEvent) []EventDTO {
	out := make([]EventDTO, len(evs))
	for i, ev := range evs {
		out[i] = EventToDTO(ev)
	}
	return out
}

func CredentialToDTO(c types.Credential) CredentialDTO {
	return CredentialDTO{ID: c.ID, Decision: string(c.Decision), Version: c.Version}
}

// PushResults validates resp against the events that were sent. Every
// result must name a sent event; results for events the authority did not
// mention are reported as not acked.
func PushResults(sent []types.AccessEvent, resp PushResponse) ([]PushResult, error) {
	byID := make(map[string]PushResultDTO, len(resp.Results))
	for _, r := range resp.Results {
		if r.EventID == "" {
			return nil, fmt.Errorf("%w: push result without event id", ErrMalformedResponse)
		}
		byID[r.EventID] = r
	}

	out := make([]PushResult, len(sent))
	matched := 0
	for i, ev := range sent {
		r, ok := byID[ev.ID]
		if !ok {
			out[i] = PushResult{EventID: ev.ID, Error: "no result"}
			continue
		}
		matched++
		out[i] = PushResult{EventID: ev.ID, Acked: r.Acked, Error: r.Error}
	}
	if matched != len(byID) {
		return nil, fmt.Errorf("%w: push results name events that were not sent", ErrMalformedResponse)
	}
	return out, nil
}

// Pull validates resp and converts it. A decision outside allow/deny, an
// empty id, or an update newer than the advertised cursor is malformed.
func Pull(resp PullResponse) (PullResult, error) {
	out := PullResult{Cursor: resp.Cursor, Updates: make([]types.Credential, 0, len(resp.Updates))}
	for _, u := range resp.Updates {
		d := types.Decision(u.Decision)
		switch {
		case u.ID == "":
			return PullResult{}, fmt.Errorf("%w: credential without id", ErrMalformedResponse)
		case !d.Valid():
			return PullResult{}, fmt.Errorf("%w: credential %s has decision %q", ErrMalformedResponse, u.ID, u.Decision)
		case u.Version == 0 || u.Version > resp.Cursor:
			return PullResult{}, fmt.Errorf("%w: credential %s version %d outside cursor %d", ErrMalformedResponse, u.ID, u.Version, resp.Cursor)
		}
		out.Updates = append(out.Updates, types.Credential{ID: u.ID, Decision: d, Version: u.Version})
	}
	return out, nil
}
