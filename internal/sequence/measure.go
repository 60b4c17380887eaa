// Package sequence holds the bench procedures: walking the relay matrix
// through the element's terminal pairs for resistance measurement, and
// switching the element onto the withstand tester for the hipot test.
package sequence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jtellisfry/ElementTesterV2/internal/meter"
	"github.com/jtellisfry/ElementTesterV2/internal/relay"
)

// Range is an inclusive resistance acceptance window in ohms.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains reports whether v falls inside the window.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// IsZero reports an unset window. An unset window records readings without
// judging them, for bare measurement runs.
func (r Range) IsZero() bool {
	return r.Min == 0 && r.Max == 0
}

func (r Range) String() string {
	return fmt.Sprintf("%.2f-%.2f ohm", r.Min, r.Max)
}

// PointResult is the outcome of measuring one terminal pair.
type PointResult struct {
	Position relay.Position
	Ohms     float64
	Overload bool
	Pass     bool
	Err      error
}

// MeasureResult aggregates the three point measurements.
type MeasureResult struct {
	Points []PointResult
	Range  Range
}

// Passed reports whether every point measured in range.
func (r MeasureResult) Passed() bool {
	if len(r.Points) == 0 {
		return false
	}
	for _, p := range r.Points {
		if !p.Pass {
			return false
		}
	}
	return true
}

// MeasureParams tunes the measurement walk.
type MeasureParams struct {
	// SettleTime is the pause after the relays change before the meter
	// is trusted. Contact bounce and meter autorange both need it.
	SettleTime time.Duration
	// ReadRetries is how many meter reads are attempted per point before
	// the point is recorded as failed.
	ReadRetries int
	// PointTimeout bounds the whole read phase of one point, so a meter
	// that answers slowly but within its own timeout cannot stall the
	// walk indefinitely.
	PointTimeout time.Duration
}

func (p *MeasureParams) applyDefaults() {
	if p.SettleTime == 0 {
		p.SettleTime = 2 * time.Second
	}
	if p.ReadRetries == 0 {
		p.ReadRetries = 3
	}
	if p.PointTimeout == 0 {
		p.PointTimeout = 30 * time.Second
	}
}

// Measurer walks the element's terminal pairs and reads each resistance.
type Measurer struct {
	board relay.Board
	meter meter.Meter
	log   *zap.Logger
	p     MeasureParams
}

func NewMeasurer(board relay.Board, m meter.Meter, p MeasureParams, log *zap.Logger) *Measurer {
	if log == nil {
		log = zap.NewNop()
	}
	p.applyDefaults()
	return &Measurer{board: board, meter: m, log: log, p: p}
}

// Run measures every terminal pair against the acceptance window. Relays
// are opened between points and again before returning, including on error
// and cancellation, so the matrix never holds a stale path.
func (m *Measurer) Run(ctx context.Context, window Range) (MeasureResult, error) {
	res := MeasureResult{Range: window}

	if err := m.board.AllOff(); err != nil {
		return res, fmt.Errorf("clear relays: %w", err)
	}
	defer func() {
		if err := m.board.AllOff(); err != nil {
			m.log.Error("relay release failed", zap.Error(err))
		}
	}()

	for _, pos := range relay.Positions {
		point, err := m.measurePoint(ctx, pos, window)
		if err != nil {
			return res, err
		}
		res.Points = append(res.Points, point)
	}
	return res, nil
}

func (m *Measurer) measurePoint(ctx context.Context, pos relay.Position, window Range) (PointResult, error) {
	point := PointResult{Position: pos}

	mapping, err := relay.MeasureMapping(pos)
	if err != nil {
		return point, err
	}
	if err := m.board.AllOff(); err != nil {
		return point, fmt.Errorf("clear relays before %s: %w", pos, err)
	}
	if err := m.board.Apply(mapping); err != nil {
		return point, fmt.Errorf("route %s: %w", pos, err)
	}
	m.log.Info("measuring", zap.String("position", pos.String()))

	if err := sleepCtx(ctx, m.p.SettleTime); err != nil {
		return point, err
	}
	if err := m.meter.Flush(); err != nil {
		return point, fmt.Errorf("flush meter: %w", err)
	}

	readCtx, cancel := context.WithTimeout(ctx, m.p.PointTimeout)
	reading, err := m.readWithRetry(readCtx)
	cancel()
	if err != nil {
		// a cancelled walk aborts; an expired point deadline just fails
		// this point
		if ctx.Err() != nil {
			return point, ctx.Err()
		}
		point.Err = err
		m.log.Warn("point read failed",
			zap.String("position", pos.String()), zap.Error(err))
		return point, nil
	}

	point.Overload = reading.Overload
	point.Ohms = reading.Value
	point.Pass = !reading.Overload && (window.IsZero() || window.Contains(reading.Value))
	m.log.Info("point measured",
		zap.String("position", pos.String()),
		zap.Float64("ohms", point.Ohms),
		zap.Bool("overload", point.Overload),
		zap.Bool("pass", point.Pass))
	return point, nil
}

// readWithRetry reads the meter until a resistance reading arrives, the
// retry budget runs out, or ctx is cancelled. An overload reading counts
// as a valid result, it means the circuit is open.
func (m *Measurer) readWithRetry(ctx context.Context) (meter.Reading, error) {
	var lastErr error
	for attempt := 0; attempt < m.p.ReadRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return meter.Reading{}, err
		}
		reading, err := m.meter.Read()
		if err != nil {
			lastErr = err
			continue
		}
		if !reading.IsResistance() {
			lastErr = fmt.Errorf("meter in %s function, want resistance", reading.Unit)
			continue
		}
		return reading, nil
	}
	return meter.Reading{}, fmt.Errorf("no resistance reading after %d attempts: %w",
		m.p.ReadRetries, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
