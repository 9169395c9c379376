package lifecycle

import (
	"context"
	"time"
)

// Clock is the authoritative time source for expiry decisions.
type Clock interface {
	Now(ctx context.Context) (time.Time, error)
}

type SystemClock struct{}

func (SystemClock) Now(context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

// ClockFunc adapts a plain function, mostly for tests.
type ClockFunc func() time.Time

func (f ClockFunc) Now(context.Context) (time.Time, error) {
	return f(), nil
}
