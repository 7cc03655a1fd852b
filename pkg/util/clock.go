package util

import "time"

// Clock stamps orders and trades. Tests substitute a deterministic one.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
