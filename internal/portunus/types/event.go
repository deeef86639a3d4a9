package types

import "time"

type Outcome string

const (
	OutcomeGranted    Outcome = "granted"
	OutcomeDenied     Outcome = "denied"
	OutcomeStaleAllow Outcome = "stale_allow"
	OutcomeError      Outcome = "error"
)

type DoorState string

const (
	DoorLocked      DoorState = "locked"
	DoorUnlocking   DoorState = "unlocking"
	DoorUnlocked    DoorState = "unlocked"
	DoorAlarmActive DoorState = "alarm_active"
)

// Reasons recorded on access events.
const (
	ReasonCredentialAllowed = "credential_allowed"
	ReasonCredentialDenied  = "credential_denied"
	ReasonUnknownCredential = "unknown_credential"
	ReasonStaleAllow        = "stale_allow"
	ReasonStalePending      = "stale_pending_confirmation"
	ReasonStorageFull       = "storage_full"
	ReasonAlarmActive       = "alarm_active"
	ReasonForcedEntry       = "forced_entry"
	ReasonAlarmReset        = "alarm_reset"
	ReasonQueueCorrupt      = "queue_entry_corrupt"
	ReasonCacheCorrupt      = "cache_entry_corrupt"
	ReasonCursorCorrupt     = "cursor_corrupt"
)

// AccessEvent is the audit record of one access attempt or alarm
// transition. ID is globally unique and is what the remote authority
// deduplicates on when a batch is replayed.
type AccessEvent struct {
	ID           string
	DeviceID     string
	CredentialID string
	Outcome      Outcome
	Reason       string
	Timestamp    time.Time
	DoorBefore   DoorState
	DoorAfter    DoorState

	// Priority is set on stale-allow grants so the authority can confirm
	// them ahead of routine traffic.
	Priority bool
}

// EventID is the node-local, monotonically increasing queue position.
type EventID uint64
