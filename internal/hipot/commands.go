package hipot

import (
	"fmt"
	"strconv"
	"strings"
)

// Commands wraps a Conn with the 3865 command dialect. Methods map one to
// one onto instrument commands; flow logic lives in Driver.
type Commands struct {
	conn Conn
}

func NewCommands(conn Conn) *Commands {
	return &Commands{conn: conn}
}

// Reset aborts any running test and returns the tester to its idle screen.
func (c *Commands) Reset() error {
	return c.conn.Send("RESET")
}

// ClearStatus clears the status and error registers.
func (c *Commands) ClearStatus() error {
	if err := c.conn.Send("*CLS"); err != nil {
		return err
	}
	return c.conn.Send("SYST:CLE")
}

// Identify queries *IDN? and returns the raw identity string.
func (c *Commands) Identify() (string, error) {
	return c.conn.Query("*IDN?")
}

// SetVoltage programs the withstand voltage in volts.
func (c *Commands) SetVoltage(volts float64) error {
	return c.conn.Send(fmt.Sprintf("VOLT %.0f", volts))
}

// SetCurrentTrip programs the leakage trip limit in milliamps.
func (c *Commands) SetCurrentTrip(ma float64) error {
	return c.conn.Send(fmt.Sprintf("CURR:TRIP %.2f", ma))
}

// SetRampTime programs the voltage ramp-up time in seconds.
func (c *Commands) SetRampTime(sec float64) error {
	return c.conn.Send(fmt.Sprintf("RAMP %.1f", sec))
}

// SetDwellTime programs the hold time at full voltage in seconds.
func (c *Commands) SetDwellTime(sec float64) error {
	return c.conn.Send(fmt.Sprintf("DWEL %.1f", sec))
}

// SetFallTime programs the ramp-down time in seconds.
func (c *Commands) SetFallTime(sec float64) error {
	return c.conn.Send(fmt.Sprintf("FALL %.1f", sec))
}

// SetPolarity selects output polarity, normally "NORMAL".
func (c *Commands) SetPolarity(pol string) error {
	return c.conn.Send("POL " + strings.ToUpper(pol))
}

// LoadFile recalls a stored test file on the instrument by index.
func (c *Commands) LoadFile(index int) error {
	return c.conn.Send(fmt.Sprintf("FL %d", index))
}

// LoadedFile queries which stored file is active.
func (c *Commands) LoadedFile() (int, error) {
	resp, err := c.conn.Query("FL?")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(resp))
	if err != nil {
		return 0, fmt.Errorf("parse FL? response %q: %w", resp, err)
	}
	return n, nil
}

// Start begins the loaded test, the same as the front-panel TEST key.
func (c *Commands) Start() error {
	return c.conn.Send("TEST")
}

// Result queries the step 1 result line.
func (c *Commands) Result() (string, error) {
	if err := c.conn.FlushInput(); err != nil {
		return "", err
	}
	return c.conn.Query("RD 1?")
}

// Save stores the current setup into file slot index on the instrument.
func (c *Commands) Save(index int) error {
	return c.conn.Send(fmt.Sprintf("*SAV %d", index))
}

// Recall loads file slot index, the *RCL form of LoadFile.
func (c *Commands) Recall(index int) error {
	return c.conn.Send(fmt.Sprintf("*RCL %d", index))
}
