package meter

import (
	"sync"

	"go.uber.org/zap"
)

// SimMeter returns synthetic resistance readings, walking a sawtooth so
// consecutive reads differ. Used in simulate mode and in tests.
type SimMeter struct {
	// Base is the first value returned after Open. Defaults to 100 ohms.
	Base float64
	// Step is added on every read, wrapping after 50 increments.
	Step float64

	log *zap.Logger

	mu    sync.Mutex
	open  bool
	reads int
}

func NewSimMeter(log *zap.Logger) *SimMeter {
	if log == nil {
		log = zap.NewNop()
	}
	return &SimMeter{Base: 100.0, Step: 0.5, log: log}
}

func (m *SimMeter) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = true
	m.reads = 0
	m.log.Info("meter open (simulated)")
	return nil
}

func (m *SimMeter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

func (m *SimMeter) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrNotOpen
	}
	return nil
}

func (m *SimMeter) Read() (Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return Reading{}, ErrNotOpen
	}
	val := m.Base + float64(m.reads%50)*m.Step
	m.reads++
	return Reading{Value: val, Unit: "ohm"}, nil
}
