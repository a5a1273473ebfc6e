package supervisor

import "time"

// State is the lifecycle state of the push channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Policy bounds the retry schedule.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultPolicy retries after 1s, 2s, 4s, 8s, 8s and then gives up.
func DefaultPolicy() Policy {
	return Policy{Base: time.Second, Max: 8 * time.Second, MaxAttempts: 5}
}

// Delay returns min(Base*2^attempt, Max).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		if d > p.Max/2 {
			return p.Max
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Machine is the backoff state machine. It is a value; every transition
// returns the next machine and leaves the receiver untouched.
type Machine struct {
	State   State
	Attempt int
	// Delay is the wait before the next retry while in StateBackoff.
	Delay time.Duration
	// Unavailable is set once retries are exhausted. The channel stays
	// down until the next Begin.
	Unavailable bool
}

// Begin starts a fresh connection attempt.
func (m Machine) Begin() Machine {
	return Machine{State: StateConnecting, Attempt: m.Attempt}
}

// Connected records a successful connection and resets the attempt counter.
func (m Machine) Connected() Machine {
	return Machine{State: StateConnected}
}

// Failed records a failed or lost connection. It schedules a retry, or
// declares the channel unavailable once the attempt cap is reached.
func (m Machine) Failed(p Policy) Machine {
	if m.Attempt >= p.MaxAttempts {
		return Machine{State: StateDisconnected, Attempt: m.Attempt, Unavailable: true}
	}
	return Machine{State: StateBackoff, Attempt: m.Attempt + 1, Delay: p.Delay(m.Attempt)}
}

// Retry leaves backoff for the next connection attempt.
func (m Machine) Retry() Machine {
	if m.State != StateBackoff {
		return m
	}
	return Machine{State: StateConnecting, Attempt: m.Attempt}
}

// Stopped tears the channel down on request.
func (m Machine) Stopped() Machine {
	return Machine{State: StateDisconnected}
}
