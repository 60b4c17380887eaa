// Package relay controls the 8-channel relay matrix that routes the pins of
// the unit under test to either the resistance meter or the hipot circuit.
//
// The matrix is addressed through the Board interface so the bench can run
// against a real Modbus-RTU coil module or a simulated board when hardware
// is absent.
package relay

import (
	"errors"
	"fmt"
)

// NumRelays is the channel count of the bench relay board.
const NumRelays = 8

var (
	// ErrBadRelay is returned for relay indices outside 0..7.
	ErrBadRelay = errors.New("relay index out of range")

	// ErrNotOpen is returned when a board is used before Open.
	ErrNotOpen = errors.New("relay board not open")
)

// Mapping holds the relay pattern for one measurement intent: the indices to
// drive closed and the indices to drive open.
type Mapping struct {
	On  []int
	Off []int
}

// Board is the control surface of a relay matrix backend.
//
// Set and Apply operate on logical relay state; a backend with inverted coil
// wiring translates internally. AllOff must always be safe to call, including
// after errors.
type Board interface {
	Open() error
	Close() error
	Set(relay int, on bool) error
	AllOff() error
	Apply(m Mapping) error
}

// CoilReader is implemented by backends that can read actual coil state back
// from the hardware. Used by the self-test walk to verify wiring.
type CoilReader interface {
	Coils() ([NumRelays]bool, error)
}

// Position identifies one pin-pair measurement intent on the DUT.
type Position int

const (
	Pin1to6 Position = iota
	Pin2to5
	Pin3to4
)

// Positions lists the measurement positions in bench order.
var Positions = []Position{Pin1to6, Pin2to5, Pin3to4}

func (p Position) String() string {
	switch p {
	case Pin1to6:
		return "pin 1 to 6"
	case Pin2to5:
		return "pin 2 to 5"
	case Pin3to4:
		return "pin 3 to 4"
	}
	return fmt.Sprintf("position(%d)", int(p))
}

// Key returns the short identifier used in result records.
func (p Position) Key() string {
	switch p {
	case Pin1to6:
		return "P1to6"
	case Pin2to5:
		return "P2to5"
	case Pin3to4:
		return "P3to4"
	}
	return fmt.Sprintf("P?%d", int(p))
}

// Relay assignments fixed by the bench wiring:
//
//	relay 0, 1  DUT pins 2 and 5
//	relay 2, 3  DUT pins 3 and 4
//	relay 4     meter common (pins 1 and 6)
//	relay 6, 7  hipot circuit
const (
	relayPin2      = 0
	relayPin5      = 1
	relayPin3      = 2
	relayPin4      = 3
	relayMeter     = 4
	relayHipotPath = 6
	relayHipotMain = 7
)

// MeasureMapping returns the relay pattern that connects the meter across
// the given pin pair. Everything not named On is expected open; callers
// drive AllOff before applying.
func MeasureMapping(p Position) (Mapping, error) {
	switch p {
	case Pin1to6:
		return Mapping{On: []int{relayMeter}}, nil
	case Pin2to5:
		return Mapping{On: []int{relayPin2, relayPin5, relayMeter}}, nil
	case Pin3to4:
		return Mapping{On: []int{relayPin3, relayPin4}}, nil
	}
	return Mapping{}, fmt.Errorf("no relay mapping for %s", p)
}

// HipotMainRelay is the relay that connects the DUT to the hipot circuit.
func HipotMainRelay() int { return relayHipotMain }

// HipotPathRelay is the second relay that completes the hipot path.
func HipotPathRelay() int { return relayHipotPath }

func checkRelay(relay int) error {
	if relay < 0 || relay >= NumRelays {
		return fmt.Errorf("%w: %d", ErrBadRelay, relay)
	}
	return nil
}
