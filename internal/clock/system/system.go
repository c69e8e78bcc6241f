// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/harvester/internal/crawler"
)

var _ crawler.Clock = Clock{}

// Clock reports UTC wall time. Queue claim stamps, cooldown deadlines and
// first/last seen timestamps all come from it.
type Clock struct{}

// New returns a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
