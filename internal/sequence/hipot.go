package sequence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jtellisfry/ElementTesterV2/internal/hipot"
	"github.com/jtellisfry/ElementTesterV2/internal/relay"
)

// HipotParams tunes the withstand test procedure.
type HipotParams struct {
	// SettleTime is the pause after the hipot path closes before the
	// tester starts. The relays must be fully seated before high voltage
	// is applied.
	SettleTime time.Duration
	// KeepClosed leaves the hipot relays closed after a run, for
	// repeated tests on the same element without relay wear.
	KeepClosed bool
}

func (p *HipotParams) applyDefaults() {
	if p.SettleTime == 0 {
		p.SettleTime = 3 * time.Second
	}
}

// HipotResult is the outcome of one withstand test run.
type HipotResult struct {
	FileIndex int
	Raw       string
	Passed    bool
}

// HipotRunner switches the element onto the withstand tester and runs a
// stored test file.
type HipotRunner struct {
	board  relay.Board
	driver *hipot.Driver
	log    *zap.Logger
	p      HipotParams

	// engaged tracks relays left closed by a KeepClosed run so a retry
	// does not cycle the contactors.
	engaged bool
}

func NewHipotRunner(board relay.Board, d *hipot.Driver, p HipotParams, log *zap.Logger) *HipotRunner {
	if log == nil {
		log = zap.NewNop()
	}
	p.applyDefaults()
	return &HipotRunner{board: board, driver: d, log: log, p: p}
}

// Run connects the element to the tester and runs stored file fileIndex.
//
// The main contactor closes before the path relay so the path relay never
// makes or breaks under load. Any error after the relays close drops every
// relay before returning.
func (h *HipotRunner) Run(ctx context.Context, fileIndex int) (HipotResult, error) {
	res := HipotResult{FileIndex: fileIndex}

	if !h.engaged {
		if err := h.board.AllOff(); err != nil {
			return res, fmt.Errorf("clear relays: %w", err)
		}
	}
	if err := h.driver.Reset(); err != nil {
		return res, fmt.Errorf("reset tester: %w", err)
	}

	if !h.engaged {
		if err := h.board.Set(relay.HipotMainRelay(), true); err != nil {
			return res, h.emergencyOff(fmt.Errorf("close main contactor: %w", err))
		}
		if err := h.board.Set(relay.HipotPathRelay(), true); err != nil {
			return res, h.emergencyOff(fmt.Errorf("close hipot path: %w", err))
		}
		h.log.Info("hipot path closed", zap.Int("file", fileIndex))

		if err := sleepCtx(ctx, h.p.SettleTime); err != nil {
			return res, h.emergencyOff(err)
		}
	}

	run, err := h.driver.RunFromFile(ctx, fileIndex)
	if err != nil {
		return res, h.emergencyOff(fmt.Errorf("withstand test: %w", err))
	}
	res.Raw = run.Raw
	res.Passed = run.Passed

	// idle the tester before touching the relays again
	if err := h.driver.Reset(); err != nil {
		return res, h.emergencyOff(fmt.Errorf("reset after test: %w", err))
	}

	if h.p.KeepClosed {
		h.engaged = true
	} else {
		if err := h.board.AllOff(); err != nil {
			return res, fmt.Errorf("release relays: %w", err)
		}
		h.engaged = false
	}
	h.log.Info("hipot run finished",
		zap.Bool("passed", res.Passed), zap.String("result", res.Raw))
	return res, nil
}

// Release drops the hipot relays, for use after a KeepClosed session.
func (h *HipotRunner) Release() error {
	h.engaged = false
	return h.board.AllOff()
}

// emergencyOff opens every relay and resets the tester, preserving the
// original error. Called whenever a run aborts with high voltage possibly
// still routed.
func (h *HipotRunner) emergencyOff(cause error) error {
	h.log.Error("hipot emergency shutdown", zap.Error(cause))
	h.engaged = false
	if err := h.driver.Reset(); err != nil {
		h.log.Error("tester reset failed during shutdown", zap.Error(err))
	}
	if err := h.board.AllOff(); err != nil {
		h.log.Error("relay release failed during shutdown", zap.Error(err))
		return fmt.Errorf("%w (and relay release failed: %v)", cause, err)
	}
	return cause
}
