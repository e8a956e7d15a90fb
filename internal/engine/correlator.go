package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/rbfhub/internal/protocol"
)

// key correlates a response with its request. The hub exposes no transaction
// id, so the expected response opcode and the responding peer are used.
type key struct {
	op  protocol.Opcode
	dev protocol.DeviceID
}

// Request is a frame submitted to the correlator.
type Request struct {
	Frame protocol.Frame
	// Targets are the devices expected to answer. Empty means Frame.Peer.
	Targets []protocol.DeviceID
	// Batch requests complete per member and tolerate partial failure.
	Batch  bool
	Policy Policy
	// OnAck, if set, is called for an OK acknowledgement of a single-target
	// request. Returning done=false keeps the request open for further
	// acknowledgements (paged responses) and restarts its deadline.
	OnAck func(f protocol.Frame, data []byte) (done bool, err error)
	// Sink receives the terminal result exactly once, on the worker.
	Sink func(Result)
}

type pending struct {
	req      Request
	raw      []byte
	resp     protocol.Opcode
	targets  []protocol.DeviceID
	waiting  map[protocol.DeviceID]struct{}
	deadline time.Time
	retries  int
	attempts int
	state    State

	data      []byte
	succeeded []protocol.DeviceID
	failed    []MemberFailure
	canceled  []protocol.DeviceID
}

// correlator is the pending-request table. It is not safe for concurrent use;
// the engine worker owns it and passes the current time to every call.
type correlator struct {
	send  func([]byte) error
	log   *zap.Logger
	byKey map[key]*pending
	order []*pending

	retransmits atomic.Uint64
	timeouts    atomic.Uint64
	unmatched   atomic.Uint64
	count       atomic.Int64
}

func newCorrelator(send func([]byte) error, log *zap.Logger) *correlator {
	return &correlator{
		send:  send,
		log:   log,
		byKey: make(map[key]*pending),
	}
}

// Submit transmits req and registers it. It fails with a Busy error, leaving
// the outstanding request untouched, if any target already has a request
// awaiting the same response.
func (c *correlator) Submit(req Request, now time.Time) error {
	op := req.Frame.Opcode
	targets := req.Targets
	if len(targets) == 0 {
		targets = []protocol.DeviceID{req.Frame.Peer}
	}
	resp := op.Response()

	seen := make(map[protocol.DeviceID]struct{}, len(targets))
	for _, t := range targets {
		if _, dup := seen[t]; dup {
			return NewValidationError(fmt.Sprintf("%s: device %s listed twice", op, t), nil)
		}
		seen[t] = struct{}{}
		if _, busy := c.byKey[key{resp, t}]; busy {
			return NewBusyError(op, t)
		}
	}

	raw, err := protocol.Encode(req.Frame)
	if err != nil {
		return NewValidationError(fmt.Sprintf("%s: encode failed", op), err)
	}
	if err := c.send(raw); err != nil {
		return NewTransportError(fmt.Sprintf("%s: send failed", op), err)
	}

	p := &pending{
		req:      req,
		raw:      raw,
		resp:     resp,
		targets:  targets,
		waiting:  seen,
		deadline: now.Add(req.Policy.Timeout),
		retries:  req.Policy.Retries,
		attempts: 1,
		state:    StateAwaiting,
	}
	for _, t := range targets {
		c.byKey[key{resp, t}] = p
	}
	c.order = append(c.order, p)
	c.count.Store(int64(len(c.order)))

	c.log.Debug("Request sent",
		zap.String("op", op.String()),
		zap.Int("targets", len(targets)),
		zap.Duration("timeout", req.Policy.Timeout),
		zap.Int("retries", req.Policy.Retries),
	)
	return nil
}

// Match resolves an acknowledgement. It reports whether f belonged to an
// outstanding request; acknowledgements arriving after completion, timeout or
// cancel are not matched.
func (c *correlator) Match(f protocol.Frame, now time.Time) bool {
	if !f.Opcode.IsResponse() {
		return false
	}
	p, ok := c.byKey[key{f.Opcode, f.Peer}]
	if !ok {
		c.unmatched.Add(1)
		return false
	}
	status, data, err := protocol.ParseAck(f)
	if err != nil {
		c.log.Warn("Malformed acknowledgement", zap.String("op", f.Opcode.String()), zap.Error(err))
		c.unmatched.Add(1)
		return false
	}
	op := p.req.Frame.Opcode

	if !p.req.Batch {
		switch {
		case status != protocol.StatusOK:
			c.finish(p, StateCompleted, NewRejectError(op, f.Peer, status))
		case p.req.OnAck != nil:
			done, err := p.req.OnAck(f, data)
			if err != nil {
				c.finish(p, StateCompleted, err)
			} else if done {
				p.succeeded = append(p.succeeded, f.Peer)
				c.finish(p, StateCompleted, nil)
			} else {
				p.deadline = now.Add(p.req.Policy.Timeout)
			}
		default:
			p.data = data
			p.succeeded = append(p.succeeded, f.Peer)
			c.finish(p, StateCompleted, nil)
		}
		return true
	}

	delete(p.waiting, f.Peer)
	delete(c.byKey, key{f.Opcode, f.Peer})
	if status == protocol.StatusOK {
		p.succeeded = append(p.succeeded, f.Peer)
	} else {
		p.failed = append(p.failed, MemberFailure{Device: f.Peer, Err: NewRejectError(op, f.Peer, status)})
	}
	if len(p.waiting) == 0 {
		c.finish(p, StateCompleted, batchErr(p))
	}
	return true
}

// Expire retransmits or times out every request whose deadline has passed.
func (c *correlator) Expire(now time.Time) {
	// finish mutates c.order, so walk a copy.
	for _, p := range append([]*pending(nil), c.order...) {
		if now.Before(p.deadline) {
			continue
		}
		op := p.req.Frame.Opcode
		if p.retries > 0 {
			p.retries--
			p.attempts++
			p.state = StateRetrying
			c.retransmits.Add(1)
			c.log.Debug("Retransmitting request",
				zap.String("op", op.String()),
				zap.Int("attempt", p.attempts),
				zap.Int("waiting", len(p.waiting)),
			)
			if err := c.send(p.raw); err != nil {
				c.log.Warn("Retransmission failed", zap.String("op", op.String()), zap.Error(err))
			}
			p.state = StateAwaiting
			p.deadline = now.Add(p.req.Policy.Timeout)
			continue
		}

		c.timeouts.Add(1)
		if !p.req.Batch {
			c.log.Warn("Request timed out", zap.String("op", op.String()), zap.Int("attempts", p.attempts))
			c.finish(p, StateTimedOut, NewTimeoutError(op, p.targets[0], p.attempts))
			continue
		}

		for _, t := range p.targets {
			if _, ok := p.waiting[t]; ok {
				p.failed = append(p.failed, MemberFailure{Device: t, Err: NewTimeoutError(op, t, p.attempts)})
			}
		}
		responded := len(p.succeeded) + len(p.failed) - len(p.waiting)
		c.log.Warn("Batch request expired",
			zap.String("op", op.String()),
			zap.Int("succeeded", len(p.succeeded)),
			zap.Int("silent", len(p.waiting)),
		)
		if responded == 0 {
			c.finish(p, StateTimedOut, NewTimeoutError(op, protocol.HubID, p.attempts))
		} else {
			c.finish(p, StateCompleted, batchErr(p))
		}
	}
}

// Cancel withdraws ids from the requests for reqOp that address them. A
// request whose members are all withdrawn ends Canceled. It returns how many
// members were withdrawn.
func (c *correlator) Cancel(reqOp protocol.Opcode, ids []protocol.DeviceID) int {
	resp := reqOp.Response()
	n := 0
	for _, id := range ids {
		k := key{resp, id}
		p, ok := c.byKey[k]
		if !ok {
			continue
		}
		delete(c.byKey, k)
		delete(p.waiting, id)
		p.canceled = append(p.canceled, id)
		n++
		if len(p.waiting) == 0 {
			var err error
			if len(p.succeeded) == 0 {
				err = NewCanceledError(reqOp, "stopped before any device answered")
			}
			c.finish(p, StateCanceled, err)
		}
	}
	return n
}

// CancelAll ends every outstanding request with err.
func (c *correlator) CancelAll(err error) {
	for _, p := range append([]*pending(nil), c.order...) {
		for _, t := range p.targets {
			if _, ok := p.waiting[t]; ok {
				p.canceled = append(p.canceled, t)
			}
		}
		c.finish(p, StateCanceled, err)
	}
}

// Pending returns the number of outstanding requests. Safe from any goroutine.
func (c *correlator) Pending() int {
	return int(c.count.Load())
}

// NextDeadline returns the earliest deadline, or the zero time when idle.
func (c *correlator) NextDeadline() time.Time {
	var next time.Time
	for _, p := range c.order {
		if next.IsZero() || p.deadline.Before(next) {
			next = p.deadline
		}
	}
	return next
}

// finish removes p and fires its sink. Every path out of the table goes
// through here, so the sink fires exactly once.
func (c *correlator) finish(p *pending, state State, err error) {
	if p.state.Terminal() {
		return
	}
	p.state = state
	for t := range p.waiting {
		delete(c.byKey, key{p.resp, t})
	}
	for i, q := range c.order {
		if q == p {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.count.Store(int64(len(c.order)))

	if p.req.Sink != nil {
		p.req.Sink(Result{
			Op:        p.req.Frame.Opcode,
			State:     state,
			Data:      p.data,
			Succeeded: p.succeeded,
			Failed:    p.failed,
			Canceled:  p.canceled,
			Attempts:  p.attempts,
			Err:       err,
		})
	}
}

// batchErr is nil when at least one member succeeded.
func batchErr(p *pending) error {
	if len(p.succeeded) > 0 || len(p.failed) == 0 {
		return nil
	}
	return NewPartialFailureError(p.req.Frame.Opcode, 0, len(p.failed))
}
