package runner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jtellisfry/ElementTesterV2/internal/hipot"
	"github.com/jtellisfry/ElementTesterV2/internal/relay"
	"github.com/jtellisfry/ElementTesterV2/internal/results"
	"github.com/jtellisfry/ElementTesterV2/internal/sequence"
)

// RunHipot runs the withstand test alone, without a session record. Used
// by maintenance to exercise the tester path.
func (r *Runner) RunHipot(ctx context.Context, voltage int, simulate bool) (sequence.HipotResult, error) {
	b, err := r.openBench(simulate)
	if err != nil {
		return sequence.HipotResult{}, err
	}
	defer b.close(r.log)

	h := sequence.NewHipotRunner(b.board, b.hipot, sequence.HipotParams{
		SettleTime: r.cfg.Sequence.HipotSettle,
	}, r.log)
	return h.Run(ctx, hipot.FileForLineVoltage(voltage))
}

// RunMeasure runs the resistance walk alone, without a session record.
func (r *Runner) RunMeasure(ctx context.Context, voltage, wattage int, simulate bool) (sequence.MeasureResult, error) {
	window, err := r.cfg.RangeFor(voltage, wattage)
	if err != nil {
		return sequence.MeasureResult{}, err
	}
	b, err := r.openBench(simulate)
	if err != nil {
		return sequence.MeasureResult{}, err
	}
	defer b.close(r.log)

	m := sequence.NewMeasurer(b.board, b.meter, sequence.MeasureParams{
		SettleTime:   r.cfg.Sequence.MeasureSettle,
		ReadRetries:  r.cfg.Sequence.ReadRetries,
		PointTimeout: r.cfg.Sequence.PointTimeout,
	}, r.log)
	return m.Run(ctx, window)
}

// SelfTest cycles every relay and verifies the coil state reads back when
// the board supports readback. The hipot relays are included; nothing is
// wired to the tester during a self test.
func (r *Runner) SelfTest(ctx context.Context, simulate bool) error {
	b, err := r.openBench(simulate)
	if err != nil {
		return err
	}
	defer b.close(r.log)

	reader, canRead := b.board.(relay.CoilReader)
	for i := 0; i < relay.NumRelays; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.board.Set(i, true); err != nil {
			return fmt.Errorf("relay %d on: %w", i, err)
		}
		if canRead {
			coils, err := reader.Coils()
			if err != nil {
				return fmt.Errorf("relay %d readback: %w", i, err)
			}
			if !coils[i] {
				return fmt.Errorf("relay %d did not close", i)
			}
		}
		if err := b.board.Set(i, false); err != nil {
			return fmt.Errorf("relay %d off: %w", i, err)
		}
		r.log.Info("relay cycled", zap.Int("relay", i))
	}
	return b.board.AllOff()
}

// History returns the most recent sessions from the history store.
func (r *Runner) History(ctx context.Context, limit int) ([]results.SessionSummary, error) {
	if r.cfg.Results.HistoryDB == "" {
		return nil, fmt.Errorf("no history database configured")
	}
	store, err := results.OpenStore(r.cfg.Results.HistoryDB)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.RecentSessions(ctx, limit)
}
