// Package meter reads resistance from the bench multimeter. Two hardware
// backends are supported, the Fluke 287 over its serial remote interface and
// the UNI-T UT61E+ through a byte-stream bridge, plus a simulated meter.
package meter

import (
	"errors"
	"strings"
)

// Errors shared by the meter backends.
var (
	ErrNotOpen     = errors.New("meter not open")
	ErrNoReading   = errors.New("no reading available")
	ErrBadResponse = errors.New("malformed meter response")
)

// Reading is one decoded measurement.
type Reading struct {
	Value    float64
	Unit     string // normalized lower case, e.g. "ohm", "vdc"
	Overload bool   // input exceeds the selected range
	Negative bool
}

// IsResistance reports whether the meter was in a resistance function when
// the reading was taken.
func (r Reading) IsResistance() bool {
	return strings.Contains(r.Unit, "ohm")
}

// Meter is the surface the measurement sequence drives. Read blocks until
// one measurement arrives or the backend read timeout expires; Flush drops
// any buffered stale data so the next Read reflects the current circuit.
type Meter interface {
	Open() error
	Close() error
	Flush() error
	Read() (Reading, error)
}
