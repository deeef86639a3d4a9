package access

import (
	"fmt"
	"strings"
)

// StalePolicy decides an allow-credential scan when the cache is older
// than the trust threshold.
type StalePolicy string

const (
	// StaleAllow grants, marks the event for priority confirmation.
	StaleAllow StalePolicy = "allow"
	// StaleDeny refuses until the next successful sync.
	StaleDeny StalePolicy = "deny"
)

func ParseStalePolicy(s string) (StalePolicy, error) {
	switch p := StalePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case StaleAllow, StaleDeny:
		return p, nil
	default:
		return "", fmt.Errorf("access: unknown stale policy %q", s)
	}
}
