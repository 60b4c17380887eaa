package hipot

import (
	"strconv"
	"strings"
	"sync"
)

// SimConn is an in-memory stand-in for the tester, used in simulate mode
// and in tests. It answers the queries the driver issues and records every
// command it sees.
type SimConn struct {
	// Verdict is the result line returned once a started test has been
	// polled PollsUntilDone times. Defaults to a passing line.
	Verdict string
	// PollsUntilDone is how many RD 1? queries return an in-progress
	// status before the verdict appears.
	PollsUntilDone int

	mu      sync.Mutex
	open    bool
	file    int
	running bool
	polls   int
	Sent    []string
}

func NewSimConn() *SimConn {
	return &SimConn{Verdict: "01 ACW PASS 1.50kV 0.25mA"}
}

func (c *SimConn) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = true
	return nil
}

func (c *SimConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

func (c *SimConn) FlushInput() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return ErrNotOpen
	}
	return nil
}

func (c *SimConn) Send(cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return ErrNotOpen
	}
	c.Sent = append(c.Sent, cmd)
	switch {
	case cmd == "RESET":
		c.running = false
		c.polls = 0
	case cmd == "TEST":
		c.running = true
		c.polls = 0
	case strings.HasPrefix(cmd, "FL "):
		if n, err := strconv.Atoi(strings.TrimPrefix(cmd, "FL ")); err == nil {
			c.file = n
		}
	case strings.HasPrefix(cmd, "*RCL "):
		if n, err := strconv.Atoi(strings.TrimPrefix(cmd, "*RCL ")); err == nil {
			c.file = n
		}
	}
	return nil
}

func (c *SimConn) Query(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return "", ErrNotOpen
	}
	c.Sent = append(c.Sent, cmd)
	switch cmd {
	case "*IDN?":
		return "Associated Research Inc.,3865,SIM000,1.00", nil
	case "FL?":
		return strconv.Itoa(c.file), nil
	case "RD 1?":
		if !c.running {
			return "01 ACW Abort", nil
		}
		c.polls++
		if c.polls <= c.PollsUntilDone {
			return "01 ACW Dwell 1.50kV 0.20mA", nil
		}
		c.running = false
		return c.Verdict, nil
	}
	return "", nil
}
