// Package domain contains core domain types for the Deckster conversation engine.
package domain

import (
	"time"
)

// Owner is the anonymous identity that owns one or more sessions.
type Owner struct {
	OwnerID     string    `json:"owner_id"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Idle returns how long the owner has been inactive at now.
// Returns 0 if the owner was seen after now.
func (o *Owner) Idle(now time.Time) time.Duration {
	d := now.Sub(o.LastSeenAt)
	if d < 0 {
		return 0
	}
	return d
}
