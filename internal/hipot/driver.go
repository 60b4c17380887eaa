package hipot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Settings is one withstand test setup. Zero fields are left at whatever the
// instrument already has programmed.
type Settings struct {
	Voltage  float64 // volts
	TripMA   float64 // milliamps
	RampSec  float64
	DwellSec float64
	FallSec  float64
	Polarity string
}

// Merge overlays non-zero fields of o onto s and returns the result.
func (s Settings) Merge(o Settings) Settings {
	if o.Voltage != 0 {
		s.Voltage = o.Voltage
	}
	if o.TripMA != 0 {
		s.TripMA = o.TripMA
	}
	if o.RampSec != 0 {
		s.RampSec = o.RampSec
	}
	if o.DwellSec != 0 {
		s.DwellSec = o.DwellSec
	}
	if o.FallSec != 0 {
		s.FallSec = o.FallSec
	}
	if o.Polarity != "" {
		s.Polarity = o.Polarity
	}
	return s
}

// Result is the outcome of one withstand test run.
type Result struct {
	Raw    string
	Passed bool
}

// Driver sequences the tester through configure, run and readback.
type Driver struct {
	cmd  *Commands
	conn Conn
	log  *zap.Logger

	// PollInterval is how often the result line is queried while a test
	// runs. Defaults to one second.
	PollInterval time.Duration
}

func NewDriver(conn Conn, log *zap.Logger) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{
		cmd:          NewCommands(conn),
		conn:         conn,
		log:          log,
		PollInterval: time.Second,
	}
}

// Init opens the transport and brings the tester to a known idle state.
func (d *Driver) Init() error {
	if err := d.conn.Open(); err != nil {
		return err
	}
	if err := d.cmd.Reset(); err != nil {
		return fmt.Errorf("reset tester: %w", err)
	}
	if err := d.cmd.ClearStatus(); err != nil {
		return fmt.Errorf("clear tester status: %w", err)
	}
	id, err := d.cmd.Identify()
	if err != nil {
		return fmt.Errorf("identify tester: %w", err)
	}
	d.log.Info("hipot tester ready", zap.String("identity", id))
	return nil
}

func (d *Driver) Close() error {
	return d.conn.Close()
}

// Reset aborts any running test and drops the output.
func (d *Driver) Reset() error {
	return d.cmd.Reset()
}

// Configure programs the non-zero fields of s onto the instrument.
func (d *Driver) Configure(s Settings) error {
	steps := []struct {
		skip bool
		name string
		fn   func() error
	}{
		{s.Voltage == 0, "voltage", func() error { return d.cmd.SetVoltage(s.Voltage) }},
		{s.TripMA == 0, "current trip", func() error { return d.cmd.SetCurrentTrip(s.TripMA) }},
		{s.RampSec == 0, "ramp time", func() error { return d.cmd.SetRampTime(s.RampSec) }},
		{s.DwellSec == 0, "dwell time", func() error { return d.cmd.SetDwellTime(s.DwellSec) }},
		{s.FallSec == 0, "fall time", func() error { return d.cmd.SetFallTime(s.FallSec) }},
		{s.Polarity == "", "polarity", func() error { return d.cmd.SetPolarity(s.Polarity) }},
	}
	for _, st := range steps {
		if st.skip {
			continue
		}
		if err := st.fn(); err != nil {
			return fmt.Errorf("program %s: %w", st.name, err)
		}
	}
	return nil
}

// SaveFile stores the currently programmed setup into instrument slot index.
func (d *Driver) SaveFile(index int) error {
	return d.cmd.Save(index)
}

// RecallFile loads instrument slot index without running it.
func (d *Driver) RecallFile(index int) error {
	return d.cmd.Recall(index)
}

// Start triggers the loaded test without waiting for the verdict. Pair with
// Result for manual control; RunFromFile covers the normal flow.
func (d *Driver) Start() error {
	return d.cmd.Start()
}

// Result queries the current step 1 result line.
func (d *Driver) Result() (string, error) {
	return d.cmd.Result()
}

// FileForLineVoltage picks the stored test file for an element's rated line
// voltage. High-line elements (440 and 480 V) use the second file, which is
// programmed with the higher withstand voltage.
func FileForLineVoltage(lineVolts int) int {
	if lineVolts == 440 || lineVolts == 480 {
		return 2
	}
	return 1
}

// RunFromFile recalls a stored test file, starts it and polls the result
// line until the test concludes or ctx is cancelled. On cancellation the
// tester is reset before returning.
func (d *Driver) RunFromFile(ctx context.Context, index int) (Result, error) {
	if err := d.cmd.LoadFile(index); err != nil {
		return Result{}, fmt.Errorf("load file %d: %w", index, err)
	}
	loaded, err := d.cmd.LoadedFile()
	if err != nil {
		return Result{}, err
	}
	if loaded != index {
		return Result{}, fmt.Errorf("tester loaded file %d, want %d", loaded, index)
	}
	return d.runLoaded(ctx)
}

// RunOnce starts whatever test is currently loaded.
func (d *Driver) RunOnce(ctx context.Context) (Result, error) {
	return d.runLoaded(ctx)
}

func (d *Driver) runLoaded(ctx context.Context) (Result, error) {
	if err := d.cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start test: %w", err)
	}
	d.log.Info("withstand test started")

	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := d.cmd.Reset(); err != nil {
				d.log.Error("reset after cancel failed", zap.Error(err))
			}
			return Result{}, ctx.Err()
		case <-ticker.C:
		}

		raw, err := d.cmd.Result()
		if err != nil {
			d.log.Debug("result poll failed, retrying", zap.Error(err))
			continue
		}
		if !resultFinal(raw) {
			continue
		}
		res := Result{Raw: raw, Passed: Passed(raw)}
		d.log.Info("withstand test finished",
			zap.String("result", raw), zap.Bool("passed", res.Passed))
		return res, nil
	}
}

// Passed reports whether a result line indicates a passing test.
func Passed(raw string) bool {
	return strings.Contains(strings.ToUpper(strings.TrimSpace(raw)), "PASS")
}

// resultFinal reports whether a result line is a concluded verdict rather
// than an in-progress status such as "Dwell" or "Ramp".
func resultFinal(raw string) bool {
	up := strings.ToUpper(raw)
	for _, token := range []string{"PASS", "FAIL", "ABORT", "HI-LIMIT", "LO-LIMIT", "ARC", "SHORT", "BREAKDOWN"} {
		if strings.Contains(up, token) {
			return true
		}
	}
	return false
}
