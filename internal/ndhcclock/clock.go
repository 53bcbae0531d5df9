// Package ndhcclock provides the single monotonic-millisecond time source
// shared by the ARP and DHCP state machines (spec §4.3). Tests substitute
// a Clock implementation driven by hand instead of wall-clock time.
package ndhcclock

import "time"

// Clock returns the current time as a monotonic millisecond counter. It is
// not wall-clock time and must never be persisted or compared across
// process restarts.
type Clock interface {
	NowMS() int64
}

// System is the real Clock, backed by time.Now()'s monotonic reading.
type System struct {
	epoch time.Time
}

// NewSystem returns a System clock pinned to the current instant as its
// epoch, so NowMS() starts near zero and fits comfortably in an int64 for
// the life of the process.
func NewSystem() *System {
	return &System{epoch: time.Now()}
}

// NowMS implements Clock.
func (s *System) NowMS() int64 {
	return time.Since(s.epoch).Milliseconds()
}

// NoDeadline is the sentinel returned by NextWake when a sub-state-machine
// has nothing scheduled.
const NoDeadline int64 = -1

// Min returns the earlier of two deadlines, treating NoDeadline as "later
// than everything".
func Min(a, b int64) int64 {
	switch {
	case a == NoDeadline:
		return b
	case b == NoDeadline:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

// SleepDuration computes how long the event loop should block given the
// next absolute deadline and the current time, clamped to zero (spec
// §4.3: "sleeps until min(dhcp.next, arp.next) - now, clamped to zero").
// A NoDeadline next means block indefinitely (-1 duration passed through
// to the caller's multiplexer wait, which treats negative as "forever").
func SleepDuration(next, now int64) time.Duration {
	if next == NoDeadline {
		return -1
	}
	d := next - now
	if d < 0 {
		d = 0
	}
	return time.Duration(d) * time.Millisecond
}
