package relay

import (
	"sync"

	"go.uber.org/zap"
)

// SimBoard is the simulated relay matrix used when hardware is absent or
// simulate mode is forced. It tracks logical coil state in memory.
type SimBoard struct {
	log *zap.Logger

	mu    sync.Mutex
	open  bool
	coils [NumRelays]bool
}

func NewSimBoard(log *zap.Logger) *SimBoard {
	if log == nil {
		log = zap.NewNop()
	}
	return &SimBoard{log: log}
}

func (b *SimBoard) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = true
	b.coils = [NumRelays]bool{}
	b.log.Info("relay board open (simulated)")
	return nil
}

func (b *SimBoard) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	return nil
}

func (b *SimBoard) Set(relay int, on bool) error {
	if err := checkRelay(relay); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return ErrNotOpen
	}
	b.coils[relay] = on
	b.log.Debug("sim relay set", zap.Int("relay", relay), zap.Bool("on", on))
	return nil
}

func (b *SimBoard) AllOff() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return ErrNotOpen
	}
	b.coils = [NumRelays]bool{}
	b.log.Debug("sim relays all off")
	return nil
}

func (b *SimBoard) Apply(m Mapping) error {
	for _, r := range m.Off {
		if err := b.Set(r, false); err != nil {
			return err
		}
	}
	for _, r := range m.On {
		if err := b.Set(r, true); err != nil {
			return err
		}
	}
	return nil
}

// Coils reports the tracked coil state.
func (b *SimBoard) Coils() ([NumRelays]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return [NumRelays]bool{}, ErrNotOpen
	}
	return b.coils, nil
}
