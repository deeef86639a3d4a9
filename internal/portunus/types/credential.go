package types

import "time"

// Decision is the remote authority's verdict for a credential.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	return d == DecisionAllow || d == DecisionDeny
}

// Credential is a scanned identifier and the last decision the remote
// authority issued for it. A credential is never edited in place; a newer
// Version supersedes it.
type Credential struct {
	ID         string
	Decision   Decision
	Version    uint64
	ReceivedAt time.Time // when the node merged it; zero for remote-side values
}

// SyncCursor marks how far synchronisation has progressed in both
// directions. It is persisted as a single record and never moves backwards.
type SyncCursor struct {
	AckedEventID      uint64
	CredentialVersion uint64
	LastSyncAt        time.Time
}

// Merge returns the field-wise maximum of c and o, so a cursor can only
// advance.
func (c SyncCursor) Merge(o SyncCursor) SyncCursor {
	out := c
	if o.AckedEventID > out.AckedEventID {
		out.AckedEventID = o.AckedEventID
	}
	if o.CredentialVersion > out.CredentialVersion {
		out.CredentialVersion = o.CredentialVersion
	}
	if o.LastSyncAt.After(out.LastSyncAt) {
		out.LastSyncAt = o.LastSyncAt
	}
	return out
}
