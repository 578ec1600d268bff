package audit

import (
	"errors"
	"fmt"
)

// ReadinessState tracks whether a sink that connects in the background can
// take direct sends yet.
type ReadinessState int

const (
	// StateInitialized is the start state, before the sink was started.
	StateInitialized ReadinessState = iota
	// StateStarting means the sink is connecting and nothing was buffered yet.
	StateStarting
	// StatePending means events are buffered while the sink connects.
	StatePending
	// StateWorking means the backlog was flushed and sends go to the sink.
	StateWorking
)

// ErrInvalidState is returned once an emitter observes a readiness state
// outside the four defined ones. It is not recoverable.
var ErrInvalidState = errors.New("audit: emitter is in an indefinite state")

func (s ReadinessState) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateStarting:
		return "starting"
	case StatePending:
		return "pending"
	case StateWorking:
		return "working"
	default:
		return fmt.Sprintf("ReadinessState(%d)", int(s))
	}
}

// Valid reports whether s is one of the defined states.
func (s ReadinessState) Valid() bool {
	return s >= StateInitialized && s <= StateWorking
}

// buffering reports whether sends in this state go to the backlog.
func (s ReadinessState) buffering() bool {
	return s == StateInitialized || s == StateStarting || s == StatePending
}
