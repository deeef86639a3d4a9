package record

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

// Field numbers are part of the on-flash format; never renumber.
const (
	eventID           protowire.Number = 1
	eventDeviceID     protowire.Number = 2
	eventCredentialID protowire.Number = 3
	eventOutcome      protowire.Number = 4
	eventReason       protowire.Number = 5
	eventTimestampMs  protowire.Number = 6
	eventDoorBefore   protowire.Number = 7
	eventDoorAfter    protowire.Number = 8
	eventPriority     protowire.Number = 9

	credID           protowire.Number = 1
	credDecision     protowire.Number = 2
	credVersion      protowire.Number = 3
	credReceivedAtMs protowire.Number = 4

	cursorAckedEventID      protowire.Number = 1
	cursorCredentialVersion protowire.Number = 2
	cursorLastSyncMs        protowire.Number = 3
)

func EncodeEvent(ev types.AccessEvent) ([]byte, error) {
	var b []byte
	b = appendString(b, eventID, ev.ID)
	b = appendString(b, eventDeviceID, ev.DeviceID)
	b = appendString(b, eventCredentialID, ev.CredentialID)
	b = appendString(b, eventOutcome, string(ev.Outcome))
	b = appendString(b, eventReason, ev.Reason)
	b = appendTime(b, eventTimestampMs, ev.Timestamp)
	b = appendString(b, eventDoorBefore, string(ev.DoorBefore))
	b = appendString(b, eventDoorAfter, string(ev.DoorAfter))
	if ev.Priority {
		b = appendVarint(b, eventPriority, 1)
	}
	return Seal(KindEvent, b)
}

func DecodeEvent(data []byte) (types.AccessEvent, error) {
	payload, err := Unseal(KindEvent, data)
	if err != nil {
		return types.AccessEvent{}, err
	}

	var ev types.AccessEvent
	err = walk(payload, func(num protowire.Number, f field) (err error) {
		switch num {
		case eventID:
			ev.ID, err = f.str()
		case eventDeviceID:
			ev.DeviceID, err = f.str()
		case eventCredentialID:
			ev.CredentialID, err = f.str()
		case eventOutcome:
			var s string
			s, err = f.str()
			ev.Outcome = types.Outcome(s)
		case eventReason:
			ev.Reason, err = f.str()
		case eventTimestampMs:
			ev.Timestamp, err = f.time()
		case eventDoorBefore:
			var s string
			s, err = f.str()
			ev.DoorBefore = types.DoorState(s)
		case eventDoorAfter:
			var s string
			s, err = f.str()
			ev.DoorAfter = types.DoorState(s)
		case eventPriority:
			var v uint64
			v, err = f.varint()
			ev.Priority = v != 0
		}
		return err
	})
	if err != nil {
		return types.AccessEvent{}, err
	}
	if ev.ID == "" {
		return types.AccessEvent{}, fmt.Errorf("%w: event without id", ErrCorrupt)
	}
	return ev, nil
}

func EncodeCredential(c types.Credential) ([]byte, error) {
	var b []byte
	b = appendString(b, credID, c.ID)
	b = appendString(b, credDecision, string(c.Decision))
	b = appendVarint(b, credVersion, c.Version)
	b = appendTime(b, credReceivedAtMs, c.ReceivedAt)
	return Seal(KindCredential, b)
}

func DecodeCredential(data []byte) (types.Credential, error) {
	payload, err := Unseal(KindCredential, data)
	if err != nil {
		return types.Credential{}, err
	}

	var c types.Credential
	err = walk(payload, func(num protowire.Number, f field) (err error) {
		switch num {
		case credID:
			c.ID, err = f.str()
		case credDecision:
			var s string
			s, err = f.str()
			c.Decision = types.Decision(s)
		case credVersion:
			c.Version, err = f.varint()
		case credReceivedAtMs:
			c.ReceivedAt, err = f.time()
		}
		return err
	})
	if err != nil {
		return types.Credential{}, err
	}
	if c.ID == "" || !c.Decision.Valid() {
		return types.Credential{}, fmt.Errorf("%w: credential %q has decision %q", ErrCorrupt, c.ID, c.Decision)
	}
	return c, nil
}

func EncodeCursor(c types.SyncCursor) ([]byte, error) {
	var b []byte
	b = appendVarint(b, cursorAckedEventID, c.AckedEventID)
	b = appendVarint(b, cursorCredentialVersion, c.CredentialVersion)
	b = appendTime(b, cursorLastSyncMs, c.LastSyncAt)
	return Seal(KindCursor, b)
}

func DecodeCursor(data []byte) (types.SyncCursor, error) {
	payload, err := Unseal(KindCursor, data)
	if err != nil {
		return types.SyncCursor{}, err
	}

	var c types.SyncCursor
	err = walk(payload, func(num protowire.Number, f field) (err error) {
		switch num {
		case cursorAckedEventID:
			c.AckedEventID, err = f.varint()
		case cursorCredentialVersion:
			c.CredentialVersion, err = f.varint()
		case cursorLastSyncMs:
			c.LastSyncAt, err = f.time()
		}
		return err
	})
	if err != nil {
		return types.SyncCursor{}, err
	}
	return c, nil
}
