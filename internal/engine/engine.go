package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/rbfhub/internal/logging"
	"github.com/muurk/rbfhub/internal/protocol"
	"github.com/muurk/rbfhub/internal/registry"
	"github.com/muurk/rbfhub/internal/transport"
)

const readBufferSize = 2 * protocol.MaxFrameSize

// Engine drives one hub over one transport.
//
// A single worker goroutine reads the link, decodes frames, resolves pending
// requests, mutates the registry, runs the OTA state machines and dispatches
// events. Callers reach it through a bounded job queue and never touch that
// state directly; the registry is read through lock-free snapshots.
type Engine struct {
	link transport.Transport
	opts Options
	log  *zap.Logger

	reg    *registry.Registry
	dec    *protocol.Decoder
	corr   *correlator
	disp   *dispatcher
	hubOTA *hubOTA
	subOTA *subdevOTA

	jobs      chan job
	quit      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	// Owned by the worker.
	lastRx     time.Time
	lastReset  time.Time
	corruptRun int
	regInfo    []protocol.Record

	stats counters
}

type job struct {
	fn    func(now time.Time) error
	reply chan error
}

type counters struct {
	framesIn        atomic.Uint64
	framesOut       atomic.Uint64
	corrupt         atomic.Uint64
	skipped         atomic.Uint64
	malformed       atomic.Uint64
	unknown         atomic.Uint64
	transportFaults atomic.Uint64
	linkResets      atomic.Uint64
}

// Stats is a point-in-time view of the engine counters.
type Stats struct {
	FramesIn        uint64 `json:"frames_in"`
	FramesOut       uint64 `json:"frames_out"`
	CorruptFrames   uint64 `json:"corrupt_frames"`
	SkippedBytes    uint64 `json:"skipped_bytes"`
	Malformed       uint64 `json:"malformed"`
	Unknown         uint64 `json:"unknown"`
	Retransmits     uint64 `json:"retransmits"`
	Timeouts        uint64 `json:"timeouts"`
	Unmatched       uint64 `json:"unmatched"`
	TransportFaults uint64 `json:"transport_faults"`
	LinkResets      uint64 `json:"link_resets"`
	Events          uint64 `json:"events"`
	HandlerErrors   uint64 `json:"handler_errors"`
	Pending         int    `json:"pending"`
	Registered      int    `json:"registered"`
}

// New creates an engine for link. Register handlers, then call Start.
func New(link transport.Transport, opts Options) *Engine {
	opts = opts.withDefaults()
	log := opts.Logger.Named("engine")
	e := &Engine{
		link: link,
		opts: opts,
		log:  log,
		reg:  registry.New(),
		dec:  protocol.NewDecoder(),
		disp: newDispatcher(log),
		jobs: make(chan job, opts.SubmitQueue),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	e.corr = newCorrelator(e.write, log)
	e.hubOTA = newHubOTA(e)
	e.subOTA = newSubdevOTA(e)
	return e
}

// Start launches the worker. It is safe to call more than once.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.log.Info("Engine starting",
			zap.String("link", transport.Describe(e.link)),
			zap.Duration("poll_interval", e.opts.PollInterval),
		)
		go e.run()
	})
}

// Close stops the worker, fails every outstanding request and OTA session
// with ErrClosed and closes the transport.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.quit)
		// A never-started engine still needs its worker to run shutdown.
		e.startOnce.Do(func() { go e.run() })
	})
	<-e.done
	return nil
}

// Done is closed once the worker has exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Handle installs h as the handler of kind, replacing any previous one.
// A nil h removes it.
func (e *Engine) Handle(kind EventKind, h Handler) error {
	return e.disp.handle(kind, h)
}

// Subscribe registers fn to observe every event after its handler ran. The
// returned function removes the subscription.
func (e *Engine) Subscribe(fn func(Event)) (unsubscribe func()) {
	return e.disp.observe(fn)
}

// Registry returns the sub-device registry. Reads are safe from any goroutine.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		FramesIn:        e.stats.framesIn.Load(),
		FramesOut:       e.stats.framesOut.Load(),
		CorruptFrames:   e.stats.corrupt.Load(),
		SkippedBytes:    e.stats.skipped.Load(),
		Malformed:       e.stats.malformed.Load(),
		Unknown:         e.stats.unknown.Load(),
		Retransmits:     e.corr.retransmits.Load(),
		Timeouts:        e.corr.timeouts.Load(),
		Unmatched:       e.corr.unmatched.Load(),
		TransportFaults: e.stats.transportFaults.Load(),
		LinkResets:      e.stats.linkResets.Load(),
		Events:          e.disp.dispatched.Load(),
		HandlerErrors:   e.disp.failures.Load(),
		Pending:         e.corr.Pending(),
		Registered:      e.reg.Len(),
	}
}

func (e *Engine) now() time.Time { return e.opts.Clock() }

// exec runs fn on the worker and returns its verdict. It blocks only until
// the worker has run fn, never for a response from the hub.
func (e *Engine) exec(ctx context.Context, fn func(now time.Time) error) error {
	j := job{fn: fn, reply: make(chan error, 1)}
	select {
	case e.jobs <- j:
	case <-e.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.reply:
		return err
	case <-e.done:
		select {
		case err := <-j.reply:
			return err
		default:
			return ErrClosed
		}
	}
}

func (e *Engine) run() {
	defer close(e.done)

	buf := make([]byte, readBufferSize)
	e.lastRx = e.now()
	for {
		select {
		case <-e.quit:
			e.shutdown()
			return
		default:
		}

		e.drainJobs()

		n, err := e.link.Read(buf, e.opts.PollInterval)
		now := e.now()
		switch {
		case err != nil:
			if errors.Is(err, transport.ErrClosed) && e.closing() {
				continue
			}
			e.fault(now, NewTransportError("read failed", err))
			e.pause()
		case n > 0:
			e.lastRx = now
			e.dec.Feed(buf[:n])
			e.route(now)
		}

		e.corr.Expire(now)
		e.hubOTA.tick(now)
		e.subOTA.tick(now)
		e.watchdog(now)
	}
}

func (e *Engine) closing() bool {
	select {
	case <-e.quit:
		return true
	default:
		return false
	}
}

func (e *Engine) drainJobs() {
	for {
		select {
		case j := <-e.jobs:
			j.reply <- j.fn(e.now())
		default:
			return
		}
	}
}

// pause keeps a failing link from spinning the worker.
func (e *Engine) pause() {
	t := time.NewTimer(e.opts.PollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-e.quit:
	}
}

func (e *Engine) shutdown() {
	e.log.Info("Engine stopping", zap.Int("pending", e.corr.Pending()))
	e.corr.CancelAll(ErrClosed)
	e.hubOTA.abort(e.now(), ErrClosed, false)
	e.subOTA.abort(e.now(), ErrClosed, false)
	for {
		select {
		case j := <-e.jobs:
			j.reply <- ErrClosed
		default:
			if err := e.link.Close(); err != nil {
				e.log.Warn("Failed to close link", zap.Error(err))
			}
			return
		}
	}
}

// write transmits one encoded frame. Worker only.
func (e *Engine) write(raw []byte) error {
	logFrame("tx", raw)
	if _, err := e.link.Write(raw); err != nil {
		e.fault(e.now(), NewTransportError("write failed", err))
		return err
	}
	e.stats.framesOut.Add(1)
	return nil
}

// send encodes and transmits an uncorrelated frame. Worker only.
func (e *Engine) send(f protocol.Frame) error {
	raw, err := protocol.Encode(f)
	if err != nil {
		return NewValidationError(f.Opcode.String()+": encode failed", err)
	}
	if err := e.write(raw); err != nil {
		return NewTransportError(f.Opcode.String()+": send failed", err)
	}
	return nil
}

func logFrame(direction string, raw []byte) {
	if len(raw) < protocol.MinFrameSize {
		logging.LogRawBytes(direction, raw)
		return
	}
	peer := protocol.DeviceID{Category: protocol.Category(raw[5]), No: raw[6]}
	logging.LogFrame(direction, protocol.Opcode(raw[4]).String(), peer.String(), raw)
}

func (e *Engine) route(now time.Time) {
	for {
		f, err := e.dec.Next()
		if errors.Is(err, protocol.ErrNeedMoreData) {
			break
		}
		if errors.Is(err, protocol.ErrCorrupt) {
			e.corruptRun++
			e.stats.corrupt.Store(e.dec.Corrupt())
			continue
		}
		e.corruptRun = 0
		e.stats.framesIn.Add(1)
		if logging.DebugEnabled() {
			if raw, err := protocol.Encode(f); err == nil {
				logFrame("rx", raw)
			}
		}
		e.handleFrame(f, now)
	}
	e.stats.skipped.Store(e.dec.Skipped())
}

func (e *Engine) handleFrame(f protocol.Frame, now time.Time) {
	if f.Opcode.IsResponse() {
		if !e.corr.Match(f, now) {
			e.log.Debug("Unmatched acknowledgement",
				zap.String("op", f.Opcode.String()),
				zap.String("peer", f.Peer.String()),
			)
		}
		return
	}

	msg, err := protocol.ParseMessage(f)
	if err != nil {
		e.stats.malformed.Add(1)
		e.log.Warn("Malformed frame", zap.String("op", f.Opcode.String()), zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case *protocol.RegisterResponse:
		if m.Record.ErrCode == 0 {
			e.reg.Upsert(m.Record)
			e.log.Info("Device registered",
				zap.String("device", m.Record.ID.String()),
				zap.String("type", m.Record.Type.String()),
			)
		} else {
			e.log.Warn("Registration reported error",
				zap.String("device", m.Record.ID.String()),
				zap.Uint8("err_code", m.Record.ErrCode),
			)
		}
		e.emit(Event{Kind: EventRegisterResponse, Time: now, Device: m.Record.ID, Message: m})
	case *protocol.HubSyncRequest:
		e.emit(Event{Kind: EventHubSync, Time: now, Message: m})
	case *protocol.HubEvent:
		e.emit(Event{Kind: EventHubEvent, Time: now, Message: m})
	case *protocol.StatusReport:
		kind := EventHeartbeat
		switch m.Kind {
		case protocol.OpInputStatus:
			kind = EventInputStatus
		case protocol.OpOutputStatus:
			kind = EventOutputStatus
		}
		e.emit(Event{Kind: kind, Time: now, Device: m.Device, Message: m})
	case *protocol.InputEvent:
		e.emit(Event{Kind: EventInputEvent, Time: now, Device: m.Device, Message: m})
	case *protocol.KeyPress:
		e.emit(Event{Kind: EventKeyPress, Time: now, Device: m.Device, Message: m})
	case *protocol.KeypadInput:
		e.emit(Event{Kind: EventKeypadInput, Time: now, Device: m.Device, Message: m})
	case *protocol.KeypadAlarm:
		e.emit(Event{Kind: EventKeypadAlarm, Time: now, Device: m.Device, Message: m})
	case *protocol.Jamming:
		e.emit(Event{Kind: EventJamming, Time: now, Message: m})
	case *protocol.DataRequest:
		if m.Subdev {
			e.subOTA.onDataRequest(m, now)
		} else {
			e.hubOTA.onDataRequest(m, now)
		}
	case *protocol.OTAResult:
		e.hubOTA.onResult(m, now)
	case *protocol.SubdevOTAResult:
		e.subOTA.onResult(m, now)
	default:
		e.stats.unknown.Add(1)
		e.log.Debug("Unhandled frame", zap.String("message", msg.String()))
	}
}

func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.disp.dispatch(ev)
}

func (e *Engine) fault(now time.Time, err error) {
	e.stats.transportFaults.Add(1)
	e.log.Error("Transport fault", zap.String("link", transport.Describe(e.link)), zap.Error(err))
	e.emit(Event{Kind: EventTransportFault, Time: now, Err: err})
	e.resetLink(now, "transport fault")
}

func (e *Engine) watchdog(now time.Time) {
	if e.opts.CorruptThreshold > 0 && e.corruptRun >= e.opts.CorruptThreshold {
		err := NewFrameCorruptError(e.corruptRun)
		if e.resetLink(now, "corrupt frames") {
			e.emit(Event{Kind: EventTransportFault, Time: now, Err: err})
		}
	}
	if e.opts.SilenceTimeout > 0 && now.Sub(e.lastRx) >= e.opts.SilenceTimeout {
		e.resetLink(now, "link silent")
	}
}

// resetLink asks the transport to re-establish itself, at most once per
// ResetBackoff, and reports whether it did. Pending requests are left alone
// and retransmit on their own deadlines.
func (e *Engine) resetLink(now time.Time, reason string) bool {
	r, ok := e.link.(transport.Resetter)
	if !ok {
		return false
	}
	if !e.lastReset.IsZero() && now.Sub(e.lastReset) < e.opts.ResetBackoff {
		return false
	}
	e.lastReset = now
	e.lastRx = now
	e.corruptRun = 0
	e.dec.Reset()
	e.stats.linkResets.Add(1)

	e.log.Warn("Resetting link", zap.String("reason", reason), zap.String("link", transport.Describe(e.link)))
	if err := r.Reset(); err != nil {
		e.log.Error("Link reset failed", zap.Error(err))
	}
	return true
}
