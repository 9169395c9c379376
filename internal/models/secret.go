package models

import "time"

type PayloadKind string

const (
	PayloadText PayloadKind = "text"
	PayloadFile PayloadKind = "file"
)

// Payload is the secret content. Data may be sealed at rest; see crypto.Sealer.
type Payload struct {
	Kind        PayloadKind
	Data        []byte
	Filename    string
	ContentType string
}

type Secret struct {
	ID        string
	Payload   Payload
	Verifier  string // argon2id PHC string, never the password
	CreatedAt time.Time
	ExpiresAt *time.Time
	MaxReads  *int
	ReadCount int
	Deleted   bool
}

// Mutation is the only write allowed on an existing secret. Stores apply it
// under a compare on ReadCount.
type Mutation struct {
	ReadCount int
	Deleted   bool
}

// Clone returns a deep copy so callers never share pointers with a store.
func (s *Secret) Clone() *Secret {
	if s == nil {
		return nil
	}
	c := *s
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		c.ExpiresAt = &t
	}
	if s.MaxReads != nil {
		n := *s.MaxReads
		c.MaxReads = &n
	}
	if s.Payload.Data != nil {
		c.Payload.Data = append([]byte(nil), s.Payload.Data...)
	}
	return &c
}

// RemainingReads is nil when the secret has no read bound.
func (s *Secret) RemainingReads() *int {
	if s.MaxReads == nil {
		return nil
	}
	n := *s.MaxReads - s.ReadCount
	if n < 0 {
		n = 0
	}
	return &n
}
