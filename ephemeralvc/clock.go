package ephemeralvc

import "time"

// Clock supplies the current time. Member join times, reminder due
// times and cooldowns all read from it, so tests can control ordering.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

func nowMilli(c Clock) int64 {
	return c.Now().UnixMilli()
}
