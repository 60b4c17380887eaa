// Package results records test outcomes twice: a human-readable session
// log file per work order, and a SQLite store for querying history.
package results

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var sessionFilePattern = regexp.MustCompile(`^ET_ELOV(\d{4})\.txt$`)

const rule = "======================================================================"
const thinRule = "----------------------------------------------------------------------"

// Session is one test session log file, opened when the operator enters a
// work order and part number and finalized with the overall verdict.
//
// Every write is mirrored to MirrorDir best-effort; a dead network share
// must never block the bench.
type Session struct {
	log *zap.Logger

	dir       string
	mirrorDir string

	ID         string
	WorkOrder  string
	PartNumber string
	StartTime  time.Time

	path       string
	mirrorPath string

	hipotAttempts   int
	measureAttempts int
	finalized       bool
}

// SessionParams configures where session files land.
type SessionParams struct {
	Dir       string
	MirrorDir string // optional secondary location, written best-effort
}

// StartSession allocates the next sequence number under dir, creates the
// session file and writes its header.
func StartSession(p SessionParams, workOrder, partNumber, configuration string, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	seq, err := nextSequence(p.Dir)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("ET_ELOV%04d.txt", seq)
	s := &Session{
		log:        log,
		dir:        p.Dir,
		mirrorDir:  p.MirrorDir,
		ID:         strings.TrimSuffix(name, ".txt"),
		WorkOrder:  workOrder,
		PartNumber: partNumber,
		StartTime:  time.Now(),
		path:       filepath.Join(p.Dir, name),
		mirrorPath: filepath.Join(p.MirrorDir, name),
	}

	var sb strings.Builder
	fmt.Fprintln(&sb, rule)
	fmt.Fprintln(&sb, "ELEMENT TESTER - TEST SESSION LOG")
	fmt.Fprintln(&sb, rule)
	fmt.Fprintf(&sb, "Session ID:    %s\n", s.ID)
	fmt.Fprintf(&sb, "Start Time:    %s\n", s.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&sb, "Work Order:    %s\n", workOrder)
	fmt.Fprintf(&sb, "Part Number:   %s\n", partNumber)
	if configuration != "" {
		fmt.Fprintf(&sb, "Configuration: %s\n", configuration)
	}
	fmt.Fprintln(&sb, thinRule)
	fmt.Fprintln(&sb)

	if err := os.WriteFile(s.path, []byte(sb.String()), 0o644); err != nil {
		return nil, fmt.Errorf("write session header: %w", err)
	}
	s.mirror(sb.String(), true)
	log.Info("test session started",
		zap.String("session", s.ID),
		zap.String("work_order", workOrder),
		zap.String("part_number", partNumber))
	return s, nil
}

// Path returns the primary session file path.
func (s *Session) Path() string { return s.path }

// LogHipotAttempt appends one withstand test attempt.
func (s *Session) LogHipotAttempt(passed bool, message, raw string) error {
	s.hipotAttempts++
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] HIPOT TEST - Attempt #%d\n", clock(), s.hipotAttempts)
	fmt.Fprintf(&sb, "    Result: %s\n", verdict(passed))
	fmt.Fprintf(&sb, "    Message: %s\n", message)
	if raw != "" {
		fmt.Fprintf(&sb, "    Raw: %s\n", raw)
	}
	fmt.Fprintln(&sb)
	return s.append(sb.String())
}

// PointValue is one pin-pair reading for the session log.
type PointValue struct {
	Label string // e.g. "Pin 1 to 6"
	Text  string // formatted reading, "9.45 ohm" or "OL"
}

// LogMeasurementAttempt appends one resistance walk attempt with its pin
// readings.
func (s *Session) LogMeasurementAttempt(passed bool, message string, values []PointValue) error {
	s.measureAttempts++
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] MEASUREMENT TEST - Attempt #%d\n", clock(), s.measureAttempts)
	fmt.Fprintf(&sb, "    Result: %s\n", verdict(passed))
	fmt.Fprintf(&sb, "    Message: %s\n", message)
	if len(values) > 0 {
		fmt.Fprintln(&sb, "    Pin Readings:")
		for _, v := range values {
			fmt.Fprintf(&sb, "        %s: %s\n", v.Label, v.Text)
		}
	}
	fmt.Fprintln(&sb)
	return s.append(sb.String())
}

// Finalize appends the session summary. Safe to call once; later calls are
// no-ops so an abort path can finalize defensively.
func (s *Session) Finalize(overallPass bool, notes string) error {
	if s.finalized {
		return nil
	}
	s.finalized = true
	end := time.Now()

	var sb strings.Builder
	fmt.Fprintln(&sb, thinRule)
	fmt.Fprintln(&sb, "SESSION SUMMARY")
	fmt.Fprintln(&sb, thinRule)
	fmt.Fprintf(&sb, "End Time:      %s\n", end.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&sb, "Duration:      %.1f seconds\n", end.Sub(s.StartTime).Seconds())
	fmt.Fprintf(&sb, "Hipot Attempts:       %d\n", s.hipotAttempts)
	fmt.Fprintf(&sb, "Measurement Attempts: %d\n", s.measureAttempts)
	fmt.Fprintf(&sb, "\nFINAL RESULT: %s\n", verdict(overallPass))
	if notes != "" {
		fmt.Fprintf(&sb, "Notes: %s\n", notes)
	}
	fmt.Fprintln(&sb, rule)

	s.log.Info("test session finalized",
		zap.String("session", s.ID), zap.Bool("passed", overallPass))
	return s.append(sb.String())
}

func (s *Session) append(content string) error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("append session log: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("append session log: %w", err)
	}
	s.mirror(content, false)
	return nil
}

// mirror writes to the secondary location, logging failures instead of
// returning them.
func (s *Session) mirror(content string, truncate bool) {
	if s.mirrorDir == "" {
		return
	}
	if err := os.MkdirAll(s.mirrorDir, 0o755); err != nil {
		s.log.Warn("mirror dir unavailable", zap.Error(err))
		return
	}
	flags := os.O_APPEND | os.O_CREATE | os.O_WRONLY
	if truncate {
		flags = os.O_TRUNC | os.O_CREATE | os.O_WRONLY
	}
	f, err := os.OpenFile(s.mirrorPath, flags, 0o644)
	if err != nil {
		s.log.Warn("mirror write failed", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		s.log.Warn("mirror write failed", zap.Error(err))
	}
}

// nextSequence scans dir for existing session files and returns the highest
// sequence number plus one. The numbering survives restarts because it is
// derived from the files themselves.
func nextSequence(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("scan results dir: %w", err)
	}
	max := 0
	for _, e := range entries {
		m := sessionFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

func verdict(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}

func clock() string {
	return time.Now().Format("15:04:05")
}
