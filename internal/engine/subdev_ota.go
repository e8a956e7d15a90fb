package engine

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/muurk/rbfhub/internal/protocol"
)

// SubdevOTAPhase identifies a sub-device OTA event.
type SubdevOTAPhase int

const (
	SubdevOTAStarted SubdevOTAPhase = iota
	SubdevOTAStartFail
	SubdevOTAProgress
	SubdevOTAComplete
	SubdevOTAFail
	SubdevOTARequestTimeout
)

func (p SubdevOTAPhase) String() string {
	switch p {
	case SubdevOTAStarted:
		return "started"
	case SubdevOTAStartFail:
		return "start_fail"
	case SubdevOTAProgress:
		return "progress"
	case SubdevOTAComplete:
		return "complete"
	case SubdevOTAFail:
		return "fail"
	case SubdevOTARequestTimeout:
		return "request_timeout"
	default:
		return "unknown"
	}
}

// SubdevFailure is one device that did not upgrade.
type SubdevFailure struct {
	No   uint8                       `json:"no"`
	Code protocol.SubdevOTAErrorCode `json:"code"`
}

// SubdevOTAStatus is a snapshot of the sub-device upgrade batch.
type SubdevOTAStatus struct {
	Session   string            `json:"session,omitempty"`
	Active    bool              `json:"active"`
	Category  protocol.Category `json:"category"`
	Devices   []uint8           `json:"devices,omitempty"`
	Size      uint32            `json:"size"`
	Offset    uint32            `json:"offset"`
	Percent   int               `json:"percent"`
	Succeeded []uint8           `json:"succeeded,omitempty"`
	Failures  []SubdevFailure   `json:"failures,omitempty"`
}

// SubdevOTAEvent is carried by EventSubdevOTA. Terminal events list every
// failed device in Failures and every upgraded one in Succeeded.
type SubdevOTAEvent struct {
	Session   string
	Phase     SubdevOTAPhase
	Category  protocol.Category
	Percent   int
	Succeeded []uint8
	Failures  []SubdevFailure
	Err       error
}

func (ev *SubdevOTAEvent) String() string {
	switch ev.Phase {
	case SubdevOTAProgress:
		return fmt.Sprintf("%s %d%%", ev.Phase, ev.Percent)
	case SubdevOTAComplete, SubdevOTAFail, SubdevOTARequestTimeout:
		return fmt.Sprintf("%s ok=%v failed=%d", ev.Phase, ev.Succeeded, len(ev.Failures))
	}
	if ev.Err != nil {
		return fmt.Sprintf("%s: %v", ev.Phase, ev.Err)
	}
	return ev.Phase.String()
}

type subdevOutcome int

const (
	outcomePending subdevOutcome = iota
	outcomeOK
	outcomeFailed
)

// subdevOTA is the batch upgrade state machine. Worker only, apart from status.
type subdevOTA struct {
	e        *Engine
	active   bool
	started  bool
	session  string
	cat      protocol.Category
	nos      []uint8
	outcomes map[uint8]subdevOutcome
	failures []SubdevFailure
	size     uint32
	offset   uint32
	pct      int
	src      io.ReaderAt
	last     time.Time
	status   atomic.Pointer[SubdevOTAStatus]
}

func newSubdevOTA(e *Engine) *subdevOTA {
	o := &subdevOTA{e: e}
	o.publish()
	return o
}

func (o *subdevOTA) succeeded() []uint8 {
	var ok []uint8
	for _, no := range o.nos {
		if o.outcomes[no] == outcomeOK {
			ok = append(ok, no)
		}
	}
	return ok
}

func (o *subdevOTA) publish() {
	st := SubdevOTAStatus{
		Session:   o.session,
		Active:    o.active,
		Category:  o.cat,
		Devices:   slices.Clone(o.nos),
		Size:      o.size,
		Offset:    o.offset,
		Percent:   o.pct,
		Succeeded: o.succeeded(),
		Failures:  slices.Clone(o.failures),
	}
	o.status.Store(&st)
}

func (o *subdevOTA) emit(now time.Time, phase SubdevOTAPhase, err error) {
	ev := &SubdevOTAEvent{
		Session:  o.session,
		Phase:    phase,
		Category: o.cat,
		Percent:  o.pct,
		Err:      err,
	}
	switch phase {
	case SubdevOTAComplete, SubdevOTAFail, SubdevOTARequestTimeout:
		ev.Succeeded = o.succeeded()
		ev.Failures = slices.Clone(o.failures)
	}
	o.e.emit(Event{Kind: EventSubdevOTA, Time: now, SubdevOTA: ev})
}

// validateSubdevBatch rejects batches the hub cannot upgrade.
func validateSubdevBatch(cat protocol.Category, nos []uint8, size uint32) error {
	if !cat.Valid() {
		return NewValidationError(fmt.Sprintf("invalid category %d", cat), nil)
	}
	if cat == protocol.CategoryKeyFob {
		return NewValidationError("key fobs do not support firmware upgrades", nil)
	}
	if len(nos) == 0 || len(nos) > protocol.MaxSubdevOTADevices {
		return NewValidationError(fmt.Sprintf("batch must hold 1 to %d devices, got %d", protocol.MaxSubdevOTADevices, len(nos)), nil)
	}
	seen := make(map[uint8]bool, len(nos))
	for _, no := range nos {
		if no == 0 {
			return NewValidationError("registration number must be in [1,255]", nil)
		}
		if seen[no] {
			return NewValidationError(fmt.Sprintf("device %d listed twice", no), nil)
		}
		seen[no] = true
	}
	if size == 0 {
		return NewValidationError("firmware size must be positive", nil)
	}
	return nil
}

func (o *subdevOTA) begin(now time.Time, cat protocol.Category, nos []uint8, size uint32, src io.ReaderAt) (string, error) {
	if o.active {
		return "", NewBusyError(protocol.OpSubdevOTAStart, protocol.HubID)
	}
	f, err := protocol.BuildSubdevOTAStart(cat, nos, size)
	if err != nil {
		return "", NewValidationError("sub-device OTA start", err)
	}

	o.session = uuid.NewString()
	o.cat, o.nos, o.size, o.src = cat, slices.Clone(nos), size, src
	o.offset, o.pct, o.failures, o.started = 0, 0, nil, false
	o.outcomes = make(map[uint8]subdevOutcome, len(nos))
	for _, no := range nos {
		o.outcomes[no] = outcomePending
	}

	err = o.e.corr.Submit(Request{
		Frame:  f,
		Policy: o.e.opts.OTA,
		Sink:   o.onStart,
	}, now)
	if err != nil {
		return "", err
	}
	o.active = true
	o.last = now
	o.publish()
	o.e.log.Info("Sub-device OTA started",
		zap.String("session", o.session),
		zap.String("category", cat.String()),
		zap.Uint8s("devices", nos),
		zap.Uint32("size", size),
	)
	return o.session, nil
}

func (o *subdevOTA) onStart(r Result) {
	if !o.active || o.started {
		return
	}
	now := o.e.now()
	if r.Err != nil {
		o.end(now, SubdevOTAStartFail, r.Err)
		return
	}
	o.started = true
	o.last = now
	o.emit(now, SubdevOTAStarted, nil)
}

func (o *subdevOTA) onDataRequest(m *protocol.DataRequest, now time.Time) {
	if !o.active {
		o.e.log.Warn("Sub-device OTA data request without session", zap.Uint32("offset", m.Offset))
		return
	}
	if !o.started {
		o.started = true
		o.emit(now, SubdevOTAStarted, nil)
	}
	o.last = now

	chunk, err := readChunk(o.src, o.size, m)
	if err == nil {
		var f protocol.Frame
		if f, err = protocol.BuildOTAData(protocol.OpSubdevOTAData, m.Offset, chunk); err == nil {
			err = o.e.send(f)
		}
	}
	if err != nil {
		// The pull cannot go on: every undecided device fails.
		for _, no := range o.nos {
			if o.outcomes[no] == outcomePending {
				o.outcomes[no] = outcomeFailed
				o.failures = append(o.failures, SubdevFailure{No: no, Code: protocol.SubdevErrUnknown})
			}
		}
		o.sendAbort()
		o.end(now, SubdevOTAFail, err)
		return
	}

	o.offset = m.Offset + uint32(len(chunk))
	if pct := percent(o.offset, o.size); pct != o.pct {
		o.pct = pct
		o.publish()
		o.emit(now, SubdevOTAProgress, nil)
	} else {
		o.publish()
	}
}

func (o *subdevOTA) onResult(m *protocol.SubdevOTAResult, now time.Time) {
	if !o.active {
		o.e.log.Warn("Sub-device OTA result without session", zap.Uint8("no", m.No))
		return
	}
	outcome, ok := o.outcomes[m.No]
	if !ok || outcome != outcomePending {
		o.e.log.Warn("Unexpected sub-device OTA result", zap.Uint8("no", m.No), zap.String("status", m.Status.String()))
		return
	}
	o.last = now
	if m.Status == protocol.StatusOK {
		o.outcomes[m.No] = outcomeOK
	} else {
		o.outcomes[m.No] = outcomeFailed
		o.failures = append(o.failures, SubdevFailure{No: m.No, Code: m.ErrCode})
		o.e.log.Warn("Sub-device upgrade failed",
			zap.Uint8("no", m.No),
			zap.String("status", m.Status.String()),
			zap.String("code", m.ErrCode.String()),
		)
	}
	o.publish()

	for _, no := range o.nos {
		if o.outcomes[no] == outcomePending {
			return
		}
	}
	if len(o.failures) == 0 {
		o.end(now, SubdevOTAComplete, nil)
	} else {
		o.end(now, SubdevOTAFail, NewPartialFailureError(protocol.OpSubdevOTAStart, len(o.nos)-len(o.failures), len(o.failures)))
	}
}

func (o *subdevOTA) tick(now time.Time) {
	if o.active && o.started && now.Sub(o.last) >= o.e.opts.OTAStallTimeout {
		o.sendAbort()
		o.end(now, SubdevOTARequestTimeout, &Error{
			Type:    ErrTypeTimeout,
			Op:      protocol.OpSubdevOTAData,
			Message: fmt.Sprintf("hub stopped requesting data at offset %d", o.offset),
		})
	}
}

func (o *subdevOTA) abort(now time.Time, err error, sendAbort bool) bool {
	if !o.active {
		return false
	}
	if sendAbort {
		o.sendAbort()
	}
	o.end(now, SubdevOTAFail, err)
	o.e.corr.Cancel(protocol.OpSubdevOTAStart, []protocol.DeviceID{protocol.HubID})
	return true
}

func (o *subdevOTA) sendAbort() {
	if err := o.e.send(protocol.HubCommand(protocol.OpSubdevOTAAbort)); err != nil {
		o.e.log.Warn("Failed to send sub-device OTA abort", zap.Error(err))
	}
}

func (o *subdevOTA) end(now time.Time, phase SubdevOTAPhase, err error) {
	o.active = false
	o.src = nil
	o.publish()
	o.e.log.Info("Sub-device OTA finished",
		zap.String("session", o.session),
		zap.String("result", phase.String()),
		zap.Uint8s("succeeded", o.succeeded()),
		zap.Int("failed", len(o.failures)),
	)
	o.emit(now, phase, err)
}

// StartSubdevOTA upgrades up to MaxSubdevOTADevices devices of one category
// with size bytes read from src. Unsupported categories and malformed batches
// are rejected here, before anything is sent. It returns the session id once
// the start request is on the wire; the outcome arrives as EventSubdevOTA.
func (e *Engine) StartSubdevOTA(ctx context.Context, cat protocol.Category, nos []uint8, size uint32, src io.ReaderAt) (string, error) {
	if err := validateSubdevBatch(cat, nos, size); err != nil {
		return "", err
	}
	if src == nil {
		return "", NewValidationError("firmware source is required", nil)
	}
	var session string
	err := e.exec(ctx, func(now time.Time) error {
		var err error
		session, err = e.subOTA.begin(now, cat, nos, size, src)
		return err
	})
	return session, err
}

// SubdevOTAStatus returns the current or last sub-device batch status.
func (e *Engine) SubdevOTAStatus() SubdevOTAStatus {
	return *e.subOTA.status.Load()
}

// AbortSubdevOTA stops the active batch and tells the hub to abort.
func (e *Engine) AbortSubdevOTA(ctx context.Context) error {
	return e.exec(ctx, func(now time.Time) error {
		if !e.subOTA.abort(now, NewCanceledError(protocol.OpSubdevOTAStart, "aborted by host"), true) {
			return NewValidationError("no sub-device upgrade in progress", nil)
		}
		return nil
	})
}
