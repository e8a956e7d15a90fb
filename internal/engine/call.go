package engine

import (
	"context"

	"github.com/muurk/rbfhub/internal/protocol"
)

// State is the lifecycle state of a correlated request.
type State int

const (
	StateSent State = iota
	StateAwaiting
	StateRetrying
	StateCompleted
	StateTimedOut
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateSent:
		return "sent"
	case StateAwaiting:
		return "awaiting"
	case StateRetrying:
		return "retrying"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed out"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateCanceled
}

// MemberFailure is one addressee of a batch that did not succeed.
type MemberFailure struct {
	Device protocol.DeviceID
	Err    error
}

// Result is the terminal outcome of a request.
//
// For single-target requests Data holds the acknowledgement data after the
// status byte and Err is nil on success. For batches, members are split into
// Succeeded, Failed and Canceled; a batch with at least one success has a nil
// Err even when other members failed.
type Result struct {
	Op        protocol.Opcode
	State     State
	Data      []byte
	Succeeded []protocol.DeviceID
	Failed    []MemberFailure
	Canceled  []protocol.DeviceID
	Attempts  int
	Err       error
}

// PartialFailure reports whether some members succeeded and others failed.
func (r Result) PartialFailure() bool {
	return len(r.Succeeded) > 0 && len(r.Failed) > 0
}

// Call is the future of a submitted request.
type Call struct {
	Op      protocol.Opcode
	Targets []protocol.DeviceID

	done   chan struct{}
	result Result
}

func newCall(op protocol.Opcode, targets []protocol.DeviceID) *Call {
	return &Call{Op: op, Targets: targets, done: make(chan struct{})}
}

// complete is the correlator sink of the call. It runs once, on the worker.
func (c *Call) complete(r Result) {
	c.result = r
	close(c.done)
}

// Done is closed when the request reaches a terminal state.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (c *Call) Result() Result {
	select {
	case <-c.done:
		return c.result
	default:
		return Result{Op: c.Op, State: StateAwaiting}
	}
}

// Wait blocks until the request finishes or ctx ends.
func (c *Call) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, c.result.Err
	case <-ctx.Done():
		return Result{Op: c.Op, State: StateAwaiting}, ctx.Err()
	}
}
