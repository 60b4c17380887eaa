// Package runner wires the configured hardware together and executes a
// complete test job: withstand test first, then the resistance walk, with
// bounded retries per stage and every attempt logged to the session record.
package runner

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jtellisfry/ElementTesterV2/internal/config"
	"github.com/jtellisfry/ElementTesterV2/internal/hipot"
	"github.com/jtellisfry/ElementTesterV2/internal/meter"
	"github.com/jtellisfry/ElementTesterV2/internal/relay"
	"github.com/jtellisfry/ElementTesterV2/internal/results"
	"github.com/jtellisfry/ElementTesterV2/internal/sequence"
)

// Job identifies one element under test.
type Job struct {
	WorkOrder  string
	PartNumber string
	Voltage    int // rated line voltage
	Wattage    int // rated power
	// Simulate forces the simulated backends regardless of config.
	Simulate bool
}

// Outcome is the result of a full job.
type Outcome struct {
	SessionID     string
	HipotPassed   bool
	MeasurePassed bool
	Points        []sequence.PointResult
}

// Passed reports the overall verdict.
func (o Outcome) Passed() bool {
	return o.HipotPassed && o.MeasurePassed
}

// SimulateForced reports whether the operator entries select demo mode.
// The floor crews use these combinations to exercise the station without
// an element wired in.
func SimulateForced(workOrder, partNumber string) bool {
	wo := strings.ToLower(strings.TrimSpace(workOrder))
	pn := strings.ToLower(strings.TrimSpace(partNumber))
	return (wo == "test" && pn == "test") || (wo == "demo" && pn == "demo")
}

// Runner executes jobs against the configured bench.
type Runner struct {
	cfg config.Config
	log *zap.Logger
}

func New(cfg config.Config, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{cfg: cfg, log: log}
}

// bench is the opened hardware set for one job.
type bench struct {
	board relay.Board
	meter meter.Meter
	hipot *hipot.Driver
}

func (b *bench) close(log *zap.Logger) {
	if err := b.board.AllOff(); err != nil {
		log.Error("relay release on shutdown failed", zap.Error(err))
	}
	if err := b.hipot.Close(); err != nil {
		log.Error("hipot close failed", zap.Error(err))
	}
	if err := b.meter.Close(); err != nil {
		log.Error("meter close failed", zap.Error(err))
	}
	if err := b.board.Close(); err != nil {
		log.Error("relay close failed", zap.Error(err))
	}
}

// Run executes one job end to end and returns its outcome. A stage failure
// is not an error; errors mean the bench itself misbehaved.
func (r *Runner) Run(ctx context.Context, job Job) (Outcome, error) {
	simulate := job.Simulate || SimulateForced(job.WorkOrder, job.PartNumber)
	if simulate {
		r.log.Info("running in simulate mode")
	}

	window, err := r.cfg.RangeFor(job.Voltage, job.Wattage)
	if err != nil {
		return Outcome{}, err
	}

	b, err := r.openBench(simulate)
	if err != nil {
		return Outcome{}, err
	}
	defer b.close(r.log)

	session, store, err := r.openRecords(ctx, job)
	if err != nil {
		return Outcome{}, err
	}
	if store != nil {
		defer store.Close()
	}
	out := Outcome{SessionID: session.ID}
	defer func() {
		if err := session.Finalize(out.Passed(), ""); err != nil {
			r.log.Error("session finalize failed", zap.Error(err))
		}
		if store != nil {
			if err := store.FinalizeSession(ctx, session.ID, out.Passed()); err != nil {
				r.log.Error("history finalize failed", zap.Error(err))
			}
		}
	}()

	out.HipotPassed, err = r.runHipotStage(ctx, b, job, session, store)
	if err != nil {
		return out, err
	}
	if !out.HipotPassed {
		r.log.Warn("hipot stage failed, skipping measurement")
		return out, nil
	}

	out.MeasurePassed, out.Points, err = r.runMeasureStage(ctx, b, window, session, store)
	return out, err
}

func (r *Runner) openBench(simulate bool) (*bench, error) {
	b := &bench{}
	if simulate {
		b.board = relay.NewSimBoard(r.log)
		b.meter = meter.NewSimMeter(r.log)
		b.hipot = hipot.NewDriver(hipot.NewSimConn(), r.log)
	} else {
		board, err := r.buildBoard()
		if err != nil {
			return nil, err
		}
		m, err := r.buildMeter()
		if err != nil {
			return nil, err
		}
		b.board = board
		b.meter = m
		b.hipot = hipot.NewDriver(hipot.NewSerialConn(hipot.SerialParams{
			Device:      r.cfg.Hipot.Device,
			BaudRate:    r.cfg.Hipot.BaudRate,
			ReadTimeout: r.cfg.Hipot.ReadTimeout,
		}, r.log), r.log)
	}

	if err := b.board.Open(); err != nil {
		return nil, fmt.Errorf("relay board: %w", err)
	}
	if err := b.meter.Open(); err != nil {
		b.board.Close()
		return nil, fmt.Errorf("meter: %w", err)
	}
	if err := b.hipot.Init(); err != nil {
		b.meter.Close()
		b.board.Close()
		return nil, fmt.Errorf("hipot tester: %w", err)
	}
	return b, nil
}

func (r *Runner) buildBoard() (relay.Board, error) {
	switch r.cfg.Relay.Driver {
	case config.RelayDriverSim:
		return relay.NewSimBoard(r.log), nil
	case config.RelayDriverRTU:
		return relay.NewRTUBoard(relay.RTUParams{
			Device:     r.cfg.Relay.Device,
			BaudRate:   r.cfg.Relay.BaudRate,
			UnitID:     byte(r.cfg.Relay.UnitID),
			ActiveHigh: r.cfg.Relay.ActiveHigh,
		}, r.log), nil
	}
	return nil, fmt.Errorf("unknown relay driver %q", r.cfg.Relay.Driver)
}

func (r *Runner) buildMeter() (meter.Meter, error) {
	switch r.cfg.Meter.Driver {
	case config.MeterDriverSim:
		return meter.NewSimMeter(r.log), nil
	case config.MeterDriverFluke287:
		return meter.NewFluke287(meter.Fluke287Params{
			Device:   r.cfg.Meter.Device,
			BaudRate: r.cfg.Meter.BaudRate,
		}, r.log), nil
	case config.MeterDriverUT61E:
		src := meter.NewSerialPacketSource(r.cfg.Meter.Device, r.cfg.Meter.BaudRate, r.log)
		return meter.NewUT61E(src, r.log), nil
	}
	return nil, fmt.Errorf("unknown meter driver %q", r.cfg.Meter.Driver)
}

func (r *Runner) openRecords(ctx context.Context, job Job) (*results.Session, *results.Store, error) {
	cfgText := fmt.Sprintf("%dV %dW", job.Voltage, job.Wattage)
	session, err := results.StartSession(results.SessionParams{
		Dir:       r.cfg.Results.Dir,
		MirrorDir: r.cfg.Results.MirrorDir,
	}, job.WorkOrder, job.PartNumber, cfgText, r.log)
	if err != nil {
		return nil, nil, err
	}

	var store *results.Store
	if r.cfg.Results.HistoryDB != "" {
		store, err = results.OpenStore(r.cfg.Results.HistoryDB)
		if err != nil {
			// history is secondary; the text log still records everything
			r.log.Error("history db unavailable", zap.Error(err))
			store = nil
		} else if err := store.RecordSession(ctx, session); err != nil {
			r.log.Error("history record failed", zap.Error(err))
		}
	}
	return session, store, nil
}

func (r *Runner) runHipotStage(ctx context.Context, b *bench, job Job, session *results.Session, store *results.Store) (bool, error) {
	// relays stay closed across retries so the contactors only cycle once
	// per stage; the stage releases them on the way out
	h := sequence.NewHipotRunner(b.board, b.hipot, sequence.HipotParams{
		SettleTime: r.cfg.Sequence.HipotSettle,
		KeepClosed: true,
	}, r.log)
	defer func() {
		if err := h.Release(); err != nil {
			r.log.Error("hipot relay release failed", zap.Error(err))
		}
	}()
	fileIndex := hipot.FileForLineVoltage(job.Voltage)

	for attempt := 1; attempt <= r.stageRetries(); attempt++ {
		res, err := h.Run(ctx, fileIndex)
		if err != nil {
			return false, err
		}
		msg := fmt.Sprintf("withstand test file %d", fileIndex)
		if err := session.LogHipotAttempt(res.Passed, msg, res.Raw); err != nil {
			return false, err
		}
		if store != nil {
			if err := store.RecordAttempt(ctx, session.ID, results.StageHipot,
				attempt, res.Passed, msg, res.Raw); err != nil {
				r.log.Error("history attempt record failed", zap.Error(err))
			}
		}
		if res.Passed {
			return true, nil
		}
		r.log.Warn("hipot attempt failed",
			zap.Int("attempt", attempt), zap.String("result", res.Raw))
	}
	return false, nil
}

func (r *Runner) runMeasureStage(ctx context.Context, b *bench, window sequence.Range, session *results.Session, store *results.Store) (bool, []sequence.PointResult, error) {
	m := sequence.NewMeasurer(b.board, b.meter, sequence.MeasureParams{
		SettleTime:   r.cfg.Sequence.MeasureSettle,
		ReadRetries:  r.cfg.Sequence.ReadRetries,
		PointTimeout: r.cfg.Sequence.PointTimeout,
	}, r.log)

	var lastPoints []sequence.PointResult
	for attempt := 1; attempt <= r.stageRetries(); attempt++ {
		res, err := m.Run(ctx, window)
		if err != nil {
			return false, lastPoints, err
		}
		lastPoints = res.Points

		msg := fmt.Sprintf("resistance window %s", window)
		if err := session.LogMeasurementAttempt(res.Passed(), msg, pointValues(res.Points)); err != nil {
			return false, lastPoints, err
		}
		if store != nil {
			if err := store.RecordAttempt(ctx, session.ID, results.StageMeasurement,
				attempt, res.Passed(), msg, formatPoints(res.Points)); err != nil {
				r.log.Error("history attempt record failed", zap.Error(err))
			}
		}
		if res.Passed() {
			return true, lastPoints, nil
		}
		r.log.Warn("measurement attempt failed", zap.Int("attempt", attempt))
	}
	return false, lastPoints, nil
}

func (r *Runner) stageRetries() int {
	if r.cfg.Sequence.StageRetries < 1 {
		return 1
	}
	return r.cfg.Sequence.StageRetries
}

func pointValues(points []sequence.PointResult) []results.PointValue {
	out := make([]results.PointValue, 0, len(points))
	for _, p := range points {
		out = append(out, results.PointValue{
			Label: p.Position.String(),
			Text:  pointText(p),
		})
	}
	return out
}

func pointText(p sequence.PointResult) string {
	switch {
	case p.Err != nil:
		return "read failed: " + p.Err.Error()
	case p.Overload:
		return "OL"
	default:
		return fmt.Sprintf("%.3f ohm", p.Ohms)
	}
}

func formatPoints(points []sequence.PointResult) string {
	parts := make([]string, 0, len(points))
	for _, p := range points {
		parts = append(parts, fmt.Sprintf("%s=%s", p.Position.Key(), pointText(p)))
	}
	return strings.Join(parts, " ")
}
