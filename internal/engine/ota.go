package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/rbfhub/internal/protocol"
)

// HubOTAState is the state of the hub firmware upgrade.
type HubOTAState int

const (
	HubOTAIdle HubOTAState = iota
	HubOTAEnteringBootloader
	HubOTABootloaderReady
	HubOTABootloaderFailed
	HubOTAStarting
	HubOTAUploading
	HubOTAComplete
	HubOTAFailed
)

func (s HubOTAState) String() string {
	switch s {
	case HubOTAIdle:
		return "idle"
	case HubOTAEnteringBootloader:
		return "entering bootloader"
	case HubOTABootloaderReady:
		return "bootloader ready"
	case HubOTABootloaderFailed:
		return "bootloader failed"
	case HubOTAStarting:
		return "starting"
	case HubOTAUploading:
		return "uploading"
	case HubOTAComplete:
		return "complete"
	case HubOTAFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether a session is in progress.
func (s HubOTAState) Active() bool {
	switch s {
	case HubOTAEnteringBootloader, HubOTABootloaderReady, HubOTAStarting, HubOTAUploading:
		return true
	}
	return false
}

// HubOTAPhase identifies a hub OTA event.
type HubOTAPhase int

const (
	HubOTAEnterBootloaderSuccess HubOTAPhase = iota
	HubOTAEnterBootloaderFail
	HubOTAStartSuccess
	HubOTAStartFail
	HubOTAProgress
	HubOTAUpgradeComplete
	HubOTAUpgradeFail
)

func (p HubOTAPhase) String() string {
	switch p {
	case HubOTAEnterBootloaderSuccess:
		return "enter_bootloader_success"
	case HubOTAEnterBootloaderFail:
		return "enter_bootloader_fail"
	case HubOTAStartSuccess:
		return "start_success"
	case HubOTAStartFail:
		return "start_fail"
	case HubOTAProgress:
		return "progress"
	case HubOTAUpgradeComplete:
		return "complete"
	case HubOTAUpgradeFail:
		return "fail"
	default:
		return "unknown"
	}
}

// HubOTAStatus is a snapshot of the hub upgrade.
type HubOTAStatus struct {
	State     HubOTAState `json:"-"`
	StateName string      `json:"state"`
	Upgrading bool        `json:"upgrading"`
	Size      uint32      `json:"size"`
	Offset    uint32      `json:"offset"`
	Percent   int         `json:"percent"`
	Err       error       `json:"-"`
}

// HubOTAEvent is carried by EventHubOTA.
type HubOTAEvent struct {
	Phase  HubOTAPhase
	Status HubOTAStatus
	Err    error
}

func (ev *HubOTAEvent) String() string {
	if ev.Err != nil {
		return fmt.Sprintf("%s: %v", ev.Phase, ev.Err)
	}
	return fmt.Sprintf("%s %d%%", ev.Phase, ev.Status.Percent)
}

// hubOTA is the hub upgrade state machine. Worker only, apart from status.
type hubOTA struct {
	e      *Engine
	state  HubOTAState
	size   uint32
	offset uint32
	pct    int
	src    io.ReaderAt
	last   time.Time
	err    error
	status atomic.Pointer[HubOTAStatus]
}

func newHubOTA(e *Engine) *hubOTA {
	o := &hubOTA{e: e}
	o.publish()
	return o
}

func (o *hubOTA) publish() {
	st := HubOTAStatus{
		State:     o.state,
		StateName: o.state.String(),
		Upgrading: o.state.Active(),
		Size:      o.size,
		Offset:    o.offset,
		Percent:   o.pct,
		Err:       o.err,
	}
	o.status.Store(&st)
}

func (o *hubOTA) set(s HubOTAState) {
	o.state = s
	o.publish()
}

func (o *hubOTA) emit(now time.Time, phase HubOTAPhase, err error) {
	o.e.emit(Event{
		Kind:   EventHubOTA,
		Time:   now,
		HubOTA: &HubOTAEvent{Phase: phase, Status: *o.status.Load(), Err: err},
	})
}

func (o *hubOTA) begin(now time.Time, size uint32, src io.ReaderAt) error {
	if o.state.Active() {
		return NewBusyError(protocol.OpOTAEnterBootloader, protocol.HubID)
	}
	o.size, o.offset, o.pct, o.src, o.err = size, 0, 0, src, nil

	err := o.e.corr.Submit(Request{
		Frame:  protocol.HubCommand(protocol.OpOTAEnterBootloader),
		Policy: o.e.opts.OTA,
		Sink:   o.onBootloader,
	}, now)
	if err != nil {
		return err
	}
	o.set(HubOTAEnteringBootloader)
	o.e.log.Info("Hub OTA started", zap.Uint32("size", size))
	return nil
}

func (o *hubOTA) onBootloader(r Result) {
	if o.state != HubOTAEnteringBootloader {
		return
	}
	now := o.e.now()
	if r.Err != nil {
		// Terminal: retrying is the caller's decision.
		o.err = r.Err
		o.set(HubOTABootloaderFailed)
		o.emit(now, HubOTAEnterBootloaderFail, r.Err)
		return
	}
	o.set(HubOTABootloaderReady)
	o.emit(now, HubOTAEnterBootloaderSuccess, nil)

	err := o.e.corr.Submit(Request{
		Frame:  protocol.BuildOTAStart(o.size),
		Policy: o.e.opts.OTA,
		Sink:   o.onStart,
	}, now)
	if err != nil {
		o.err = err
		o.set(HubOTAFailed)
		o.emit(now, HubOTAStartFail, err)
		return
	}
	o.set(HubOTAStarting)
}

func (o *hubOTA) onStart(r Result) {
	if o.state != HubOTAStarting {
		// Aborted, or the first data request arrived before the acknowledgement.
		return
	}
	now := o.e.now()
	if r.Err != nil {
		o.err = r.Err
		o.set(HubOTAFailed)
		o.emit(now, HubOTAStartFail, r.Err)
		return
	}
	o.last = now
	o.set(HubOTAUploading)
	o.emit(now, HubOTAStartSuccess, nil)
}

func (o *hubOTA) onDataRequest(m *protocol.DataRequest, now time.Time) {
	switch o.state {
	case HubOTAStarting:
		o.last = now
		o.set(HubOTAUploading)
		o.emit(now, HubOTAStartSuccess, nil)
	case HubOTAUploading:
	default:
		o.e.log.Warn("OTA data request without session", zap.Uint32("offset", m.Offset))
		return
	}
	o.last = now

	chunk, err := readChunk(o.src, o.size, m)
	if err != nil {
		o.fail(now, err, true)
		return
	}
	f, err := protocol.BuildOTAData(protocol.OpOTAData, m.Offset, chunk)
	if err != nil {
		o.fail(now, err, true)
		return
	}
	if err := o.e.send(f); err != nil {
		o.fail(now, err, false)
		return
	}

	o.offset = m.Offset + uint32(len(chunk))
	pct := percent(o.offset, o.size)
	if pct != o.pct {
		o.pct = pct
		o.publish()
		o.emit(now, HubOTAProgress, nil)
	} else {
		o.publish()
	}
}

func (o *hubOTA) onResult(m *protocol.OTAResult, now time.Time) {
	if o.state != HubOTAUploading {
		o.e.log.Warn("OTA result without session", zap.String("status", m.Status.String()))
		return
	}
	if m.Status != protocol.StatusOK {
		o.fail(now, NewRejectError(protocol.OpOTAStart, protocol.HubID, m.Status), false)
		return
	}
	o.src = nil
	o.set(HubOTAComplete)
	o.e.log.Info("Hub OTA complete", zap.Uint32("size", o.size))
	o.emit(now, HubOTAUpgradeComplete, nil)
}

func (o *hubOTA) tick(now time.Time) {
	if o.state == HubOTAUploading && now.Sub(o.last) >= o.e.opts.OTAStallTimeout {
		o.fail(now, &Error{
			Type:    ErrTypeTimeout,
			Op:      protocol.OpOTAData,
			Message: fmt.Sprintf("hub stopped requesting data at offset %d", o.offset),
		}, true)
	}
}

// abort ends an active session. It is used by AbortHubOTA and shutdown.
func (o *hubOTA) abort(now time.Time, err error, sendAbort bool) bool {
	if !o.state.Active() {
		return false
	}
	o.fail(now, err, sendAbort)
	o.e.corr.Cancel(protocol.OpOTAEnterBootloader, []protocol.DeviceID{protocol.HubID})
	o.e.corr.Cancel(protocol.OpOTAStart, []protocol.DeviceID{protocol.HubID})
	return true
}

func (o *hubOTA) fail(now time.Time, err error, sendAbort bool) {
	if sendAbort {
		if serr := o.e.send(protocol.HubCommand(protocol.OpOTAAbort)); serr != nil {
			o.e.log.Warn("Failed to send OTA abort", zap.Error(serr))
		}
	}
	o.src = nil
	o.err = err
	o.set(HubOTAFailed)
	o.e.log.Warn("Hub OTA failed", zap.Uint32("offset", o.offset), zap.Error(err))
	o.emit(now, HubOTAUpgradeFail, err)
}

// readChunk fetches the bytes a data request asks for.
func readChunk(src io.ReaderAt, size uint32, m *protocol.DataRequest) ([]byte, error) {
	if uint64(m.Offset)+uint64(m.Size) > uint64(size) {
		return nil, NewValidationError(fmt.Sprintf("data request [%d,+%d) beyond image of %d bytes", m.Offset, m.Size, size), nil)
	}
	if int(m.Size)+4 > protocol.MaxPayloadSize {
		return nil, NewValidationError(fmt.Sprintf("data request of %d bytes exceeds frame", m.Size), nil)
	}
	buf := make([]byte, m.Size)
	n, err := src.ReadAt(buf, int64(m.Offset))
	if n == len(buf) && (err == nil || errors.Is(err, io.EOF)) {
		return buf, nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("firmware source at offset %d: %w", m.Offset, err)
}

// percent of total transferred once end bytes have been sent.
func percent(end, total uint32) int {
	if total == 0 {
		return 0
	}
	if end >= total {
		return 100
	}
	return int(uint64(end) * 100 / uint64(total))
}

// StartHubOTA upgrades the hub with size bytes read from src. It returns once
// the bootloader request is on the wire; progress and the outcome arrive as
// EventHubOTA events and through HubOTAStatus.
func (e *Engine) StartHubOTA(ctx context.Context, size uint32, src io.ReaderAt) error {
	if size == 0 {
		return NewValidationError("firmware size must be positive", nil)
	}
	if src == nil {
		return NewValidationError("firmware source is required", nil)
	}
	return e.exec(ctx, func(now time.Time) error {
		return e.hubOTA.begin(now, size, src)
	})
}

// HubOTAStatus returns the current hub upgrade status.
func (e *Engine) HubOTAStatus() HubOTAStatus {
	return *e.hubOTA.status.Load()
}

// AbortHubOTA stops an active hub upgrade and tells the hub to abort.
func (e *Engine) AbortHubOTA(ctx context.Context) error {
	return e.exec(ctx, func(now time.Time) error {
		if !e.hubOTA.abort(now, NewCanceledError(protocol.OpOTAStart, "aborted by host"), true) {
			return NewValidationError("no hub upgrade in progress", nil)
		}
		return nil
	})
}
