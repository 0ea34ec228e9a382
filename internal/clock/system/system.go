// Package system provides the wall clock used by the scheduler and runner.
package system

import "time"

// Clock implements crawler.Clock. Times are UTC and truncated to whole
// milliseconds, the precision tasks are persisted with, so a recovered task
// compares equal to the one that was saved.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
