// Package lifecycle decides whether a secret may still be revealed and
// consumes its read budget without ever overspending it.
package lifecycle

import (
	"time"

	"secret.drop/internal/models"
)

type Status int

const (
	Active Status = iota
	ExpiredByTime
	ExhaustedByReads
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case ExpiredByTime:
		return "expired"
	case ExhaustedByReads:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further reveal can succeed.
func (s Status) Terminal() bool {
	return s != Active
}

// Evaluate is the single definition of "active" used by reveal, listing,
// stats and the reaper. It has no side effects.
func Evaluate(secret *models.Secret, now time.Time) Status {
	if secret.MaxReads != nil && secret.ReadCount >= *secret.MaxReads {
		return ExhaustedByReads
	}
	if secret.ExpiresAt != nil && !now.Before(*secret.ExpiresAt) {
		return ExpiredByTime
	}
	if secret.Deleted {
		// tombstoned without hitting either bound: consumed elsewhere
		return ExhaustedByReads
	}
	return Active
}
