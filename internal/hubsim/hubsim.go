// Package hubsim simulates the hub side of the link protocol.
//
// A Hub answers requests the way the RF hub firmware does: it keeps a device
// table, acknowledges commands, pages the registration table, answers
// find-me per device and pulls firmware images chunk by chunk. Behaviour can
// be scripted per device (silent, rejecting) and per opcode (dropped
// requests), which lets the engine be exercised without hardware. The same
// simulator backs the "rbfhub simulate" bench command.
package hubsim

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/rbfhub/internal/protocol"
	"github.com/muurk/rbfhub/internal/transport"
)

// DefaultChunkSize is the number of firmware bytes requested per pull.
const DefaultChunkSize = 256

// Config seeds a simulated hub.
type Config struct {
	Version   string
	PANID     uint32
	Noise     protocol.Noise
	Power     protocol.PowerReading
	Devices   []protocol.Record
	ChunkSize uint16
	// HeartbeatInterval makes every registered device report a heartbeat
	// periodically. Zero disables heartbeats.
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

type device struct {
	rec       protocol.Record
	silent    bool
	reject    protocol.Status
	otaStatus protocol.Status
	otaCode   protocol.SubdevOTAErrorCode
}

type pull struct {
	subdev bool
	size   uint32
	next   uint32
	chunks int
	image  []byte
	cat    protocol.Category
	nos    []uint8
}

// Hub is a simulated RF hub attached to one end of a transport.
type Hub struct {
	link transport.Transport
	cfg  Config
	log  *zap.Logger

	mu          sync.Mutex
	devices     map[protocol.DeviceID]*device
	registering bool
	panid       uint32
	drop        map[protocol.Opcode]int
	bootFail    bool
	stallAfter  int
	requests    []protocol.Frame
	ota         *pull
	firmware    []byte
	subdevImage []byte

	writeMu sync.Mutex
	started atomic.Bool
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New creates a simulated hub on link.
func New(link transport.Transport, cfg Config) *Hub {
	if cfg.Version == "" {
		cfg.Version = "RBF-HUB-SIM 1.0.0"
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		link:    link,
		cfg:     cfg,
		log:     cfg.Logger.Named("hubsim"),
		devices: make(map[protocol.DeviceID]*device),
		panid:   cfg.PANID,
		drop:    make(map[protocol.Opcode]int),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, rec := range cfg.Devices {
		h.devices[rec.ID] = &device{rec: rec}
	}
	return h
}

// Start runs the hub in a goroutine.
func (h *Hub) Start() {
	h.started.Store(true)
	go func() {
		if err := h.Serve(); err != nil {
			h.log.Debug("Simulator stopped", zap.Error(err))
		}
	}()
}

// Serve answers requests until Close is called or the link fails.
func (h *Hub) Serve() error {
	defer close(h.done)

	dec := protocol.NewDecoder()
	buf := make([]byte, 2*protocol.MaxFrameSize)
	lastBeat := time.Now()
	for {
		select {
		case <-h.quit:
			return nil
		default:
		}

		n, err := h.link.Read(buf, 10*time.Millisecond)
		if err != nil {
			return err
		}
		dec.Feed(buf[:n])
		for {
			f, err := dec.Next()
			if errors.Is(err, protocol.ErrNeedMoreData) {
				break
			}
			if err != nil {
				h.log.Debug("Discarded corrupt bytes")
				continue
			}
			h.handle(f)
		}

		if h.cfg.HeartbeatInterval > 0 && time.Since(lastBeat) >= h.cfg.HeartbeatInterval {
			lastBeat = time.Now()
			h.heartbeats()
		}
	}
}

// Close stops the hub and closes its end of the link.
func (h *Hub) Close() error {
	h.once.Do(func() { close(h.quit) })
	err := h.link.Close()
	if h.started.Load() {
		<-h.done
	}
	return err
}

func (h *Hub) send(f protocol.Frame) {
	raw, err := protocol.Encode(f)
	if err != nil {
		h.log.Warn("Cannot encode frame", zap.String("op", f.Opcode.String()), zap.Error(err))
		return
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.link.Write(raw); err != nil {
		h.log.Debug("Write failed", zap.Error(err))
	}
}

// Emit sends an unsolicited frame, e.g. a heartbeat or key press.
func (h *Hub) Emit(f protocol.Frame) { h.send(f) }

// WriteRaw writes bytes to the link unframed, for corruption tests.
func (h *Hub) WriteRaw(b []byte) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_, _ = h.link.Write(b)
}

// Pair registers rec as if the device had just been paired and reports it
// with a RegisterResponse.
func (h *Hub) Pair(rec protocol.Record) {
	h.mu.Lock()
	h.devices[rec.ID] = &device{rec: rec}
	h.mu.Unlock()
	h.send(protocol.BuildRegisterResponse(rec))
}

// Registering reports whether registration mode is on.
func (h *Hub) Registering() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registering
}

// SetSilent makes id ignore every request addressed to it.
func (h *Hub) SetSilent(id protocol.DeviceID, silent bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.devices[id]; ok {
		d.silent = silent
	}
}

// SetReject makes id answer every request with status.
func (h *Hub) SetReject(id protocol.DeviceID, status protocol.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.devices[id]; ok {
		d.reject = status
	}
}

// SetSubdevOTAResult sets the outcome device no reports after a batch upgrade.
func (h *Hub) SetSubdevOTAResult(cat protocol.Category, no uint8, status protocol.Status, code protocol.SubdevOTAErrorCode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.devices[protocol.DeviceID{Category: cat, No: no}]; ok {
		d.otaStatus, d.otaCode = status, code
	}
}

// DropNext ignores the next n requests with opcode op, as a lossy radio would.
func (h *Hub) DropNext(op protocol.Opcode, n int) {
	h.mu.Lock()
	h.drop[op] = n
	h.mu.Unlock()
}

// FailBootloader makes the next bootloader entry fail.
func (h *Hub) FailBootloader() {
	h.mu.Lock()
	h.bootFail = true
	h.mu.Unlock()
}

// StallAfter makes firmware pulls stop after n chunks, as a hub that hangs
// mid-transfer would. Zero restores normal pulls.
func (h *Hub) StallAfter(n int) {
	h.mu.Lock()
	h.stallAfter = n
	h.mu.Unlock()
}

// Requests returns every request received so far, in order.
func (h *Hub) Requests() []protocol.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Frame(nil), h.requests...)
}

// Count returns how many requests with opcode op were received.
func (h *Hub) Count(op protocol.Opcode) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, f := range h.requests {
		if f.Opcode == op {
			n++
		}
	}
	return n
}

// Devices returns the simulated device table.
func (h *Hub) Devices() []protocol.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recordsLocked()
}

func (h *Hub) recordsLocked() []protocol.Record {
	recs := make([]protocol.Record, 0, len(h.devices))
	for _, d := range h.devices {
		recs = append(recs, d.rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].ID.Category != recs[j].ID.Category {
			return recs[i].ID.Category < recs[j].ID.Category
		}
		return recs[i].ID.No < recs[j].ID.No
	})
	return recs
}

// Firmware returns the last hub image received in full.
func (h *Hub) Firmware() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return bytes.Clone(h.firmware)
}

// SubdevFirmware returns the last sub-device image received in full.
func (h *Hub) SubdevFirmware() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return bytes.Clone(h.subdevImage)
}

func (h *Hub) heartbeats() {
	for _, rec := range h.Devices() {
		h.send(protocol.BuildStatusReport(protocol.OpHeartbeat, rec.ID, idleStatus(rec.Type)))
	}
}

// idleStatus is the status body a healthy, quiet device of type t reports.
func idleStatus(t protocol.DeviceType) protocol.DeviceStatus {
	switch t {
	case protocol.TypeTempHumi:
		return &protocol.TempHumiStatus{Power: 100, RSSI: -60, Temperature: 21.5, Humidity: 45}
	case protocol.TypeIndoorSiren, protocol.TypeOutdoorSiren:
		return &protocol.SirenStatus{Type: t, Power: 100, RSSI: -60, PowerSupply: true, Volume: 2}
	case protocol.TypeSmartPlug, protocol.TypeRelay, protocol.TypeWallSwitch, protocol.TypeWaterValve:
		return &protocol.PowerStatus{Type: t, RSSI: -60, Voltage: 2300}
	default:
		return &protocol.SensorStatus{Type: t, Power: 100, RSSI: -60}
	}
}

func (h *Hub) ack(f protocol.Frame, peer protocol.DeviceID, status protocol.Status, data ...byte) {
	h.send(protocol.BuildAck(f.Opcode, peer, status, data...))
}

func (h *Hub) handle(f protocol.Frame) {
	h.mu.Lock()
	h.requests = append(h.requests, f)
	if n := h.drop[f.Opcode]; n > 0 {
		h.drop[f.Opcode] = n - 1
		h.mu.Unlock()
		h.log.Debug("Dropping request", zap.String("op", f.Opcode.String()))
		return
	}
	h.mu.Unlock()

	switch f.Opcode {
	case protocol.OpRegisterStart, protocol.OpRegisterStop:
		h.mu.Lock()
		h.registering = f.Opcode == protocol.OpRegisterStart
		h.mu.Unlock()
		h.ack(f, protocol.HubID, protocol.StatusOK)

	case protocol.OpRegisterInfo:
		h.pageRegistry()

	case protocol.OpDeviceDelete:
		h.mu.Lock()
		_, ok := h.devices[f.Peer]
		delete(h.devices, f.Peer)
		h.mu.Unlock()
		if !ok {
			h.ack(f, f.Peer, protocol.StatusNotRegistered)
			return
		}
		h.ack(f, f.Peer, protocol.StatusOK)

	case protocol.OpDeviceDeleteAll:
		h.mu.Lock()
		h.devices = make(map[protocol.DeviceID]*device)
		h.mu.Unlock()
		h.ack(f, protocol.HubID, protocol.StatusOK)

	case protocol.OpFindMeStart, protocol.OpRSSIStart:
		list := f.Payload
		if f.Opcode == protocol.OpFindMeStart && len(list) > 0 {
			list = list[1:]
		}
		ids, _, err := protocol.ParseDeviceList(list)
		if err != nil {
			h.ack(f, protocol.HubID, protocol.StatusInvalidParam)
			return
		}
		for _, id := range ids {
			status, ok := h.deviceAnswer(id)
			if ok {
				h.ack(f, id, status)
			}
		}

	case protocol.OpFindMeStop, protocol.OpRSSIStop:
		// Stops are not acknowledged.

	case protocol.OpOTAAbort, protocol.OpSubdevOTAAbort:
		h.mu.Lock()
		h.ota = nil
		h.mu.Unlock()

	case protocol.OpGetVersion:
		h.ack(f, protocol.HubID, protocol.StatusOK, []byte(h.cfg.Version)...)

	case protocol.OpGetPANID:
		h.mu.Lock()
		panid := h.panid
		h.mu.Unlock()
		h.ack(f, protocol.HubID, protocol.StatusOK, binary.LittleEndian.AppendUint32(nil, panid)...)

	case protocol.OpSetPANID:
		v, err := protocol.ParseU32(f.Payload)
		if err != nil {
			h.ack(f, protocol.HubID, protocol.StatusInvalidParam)
			return
		}
		h.mu.Lock()
		h.panid = v
		h.mu.Unlock()
		h.ack(f, protocol.HubID, protocol.StatusOK)

	case protocol.OpGetVolRes:
		b := binary.LittleEndian.AppendUint16(nil, h.cfg.Power.Voltage)
		b = binary.LittleEndian.AppendUint16(b, h.cfg.Power.Resistance)
		h.ack(f, protocol.HubID, protocol.StatusOK, b...)

	case protocol.OpGetNoise:
		h.ack(f, protocol.HubID, protocol.StatusOK, byte(h.cfg.Noise.Average), byte(h.cfg.Noise.Current))

	case protocol.OpIOAlarmSet, protocol.OpSetFreq, protocol.OpSetHubEx,
		protocol.OpCarrierStart, protocol.OpCarrierStop,
		protocol.OpCrystalAdjustHigh, protocol.OpCrystalAdjustLow, protocol.OpPA0Output,
		protocol.OpHubSyncDone, protocol.OpSounderBroadcast, protocol.OpIndoorSirenBroadcast:
		h.ack(f, protocol.HubID, protocol.StatusOK)

	case protocol.OpLEDIndicate,
		protocol.OpRelayCtrl, protocol.OpSmartPlugCtrl, protocol.OpWallSwitchCtrl,
		protocol.OpSounderVolume, protocol.OpIndoorSirenVolume,
		protocol.OpKeypadSet, protocol.OpPIRSet, protocol.OpTempHumiSet:
		if status, ok := h.deviceAnswer(f.Peer); ok {
			h.ack(f, f.Peer, status)
		}

	case protocol.OpOTAEnterBootloader:
		h.mu.Lock()
		fail := h.bootFail
		h.bootFail = false
		h.mu.Unlock()
		if fail {
			h.ack(f, protocol.HubID, protocol.StatusFailed)
			return
		}
		h.ack(f, protocol.HubID, protocol.StatusOK)

	case protocol.OpOTAStart:
		size, err := protocol.ParseOTASize(f.Payload)
		if err != nil || size == 0 {
			h.ack(f, protocol.HubID, protocol.StatusInvalidParam)
			return
		}
		h.ack(f, protocol.HubID, protocol.StatusOK)
		h.beginPull(&pull{size: size})

	case protocol.OpSubdevOTAStart:
		h.startSubdevPull(f)

	case protocol.OpOTAData, protocol.OpSubdevOTAData:
		h.receiveChunk(f)

	default:
		h.ack(f, f.Peer, protocol.StatusNotSupported)
	}
}

// deviceAnswer returns the status id answers with; ok is false when it
// stays silent.
func (h *Hub) deviceAnswer(id protocol.DeviceID) (protocol.Status, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.devices[id]
	switch {
	case !ok:
		return protocol.StatusNotRegistered, true
	case d.silent:
		return 0, false
	default:
		return d.reject, true
	}
}

func (h *Hub) pageRegistry() {
	recs := h.Devices()
	total := uint16(len(recs))
	if total == 0 {
		h.send(protocol.BuildRegisterInfoPage(0, 0, nil))
		return
	}
	for i, page := 0, uint16(0); i < len(recs); i, page = i+protocol.RecordsPerPage, page+1 {
		end := min(i+protocol.RecordsPerPage, len(recs))
		h.send(protocol.BuildRegisterInfoPage(total, page, recs[i:end]))
	}
}

func (h *Hub) startSubdevPull(f protocol.Frame) {
	if len(f.Payload) < 1 {
		h.ack(f, protocol.HubID, protocol.StatusInvalidParam)
		return
	}
	cat := protocol.Category(f.Payload[0])
	nos, rest, err := protocol.ParseNumberList(f.Payload[1:])
	if err != nil {
		h.ack(f, protocol.HubID, protocol.StatusInvalidParam)
		return
	}
	size, err := protocol.ParseOTASize(rest)
	if err != nil || size == 0 {
		h.ack(f, protocol.HubID, protocol.StatusInvalidParam)
		return
	}
	h.ack(f, protocol.HubID, protocol.StatusOK)
	h.beginPull(&pull{subdev: true, size: size, cat: cat, nos: nos})
}

func (h *Hub) beginPull(p *pull) {
	p.image = make([]byte, 0, p.size)
	h.mu.Lock()
	h.ota = p
	h.mu.Unlock()
	h.requestNext(p)
}

func (h *Hub) requestNext(p *pull) {
	op := protocol.OpOTADataRequest
	if p.subdev {
		op = protocol.OpSubdevOTADataRequest
	}
	size := min(uint32(h.cfg.ChunkSize), p.size-p.next)
	h.send(protocol.BuildDataRequest(op, p.next, uint16(size)))
}

func (h *Hub) receiveChunk(f protocol.Frame) {
	h.mu.Lock()
	p := h.ota
	h.mu.Unlock()
	if p == nil || p.subdev != (f.Opcode == protocol.OpSubdevOTAData) {
		return
	}
	offset, data, err := protocol.ParseOTAData(f.Payload)
	if err != nil || offset != p.next {
		h.log.Warn("Unexpected firmware chunk", zap.Uint32("offset", offset), zap.Uint32("want", p.next))
		return
	}
	p.image = append(p.image, data...)
	p.next += uint32(len(data))
	p.chunks++
	if p.next < p.size {
		h.mu.Lock()
		stall := h.stallAfter > 0 && p.chunks >= h.stallAfter
		h.mu.Unlock()
		if stall {
			h.log.Debug("Stalling firmware pull", zap.Uint32("offset", p.next))
			return
		}
		h.requestNext(p)
		return
	}

	h.mu.Lock()
	h.ota = nil
	if !p.subdev {
		h.firmware = p.image
		h.mu.Unlock()
		h.send(protocol.BuildOTAResult(protocol.StatusOK))
		return
	}
	h.subdevImage = p.image
	type outcome struct {
		no     uint8
		status protocol.Status
		code   protocol.SubdevOTAErrorCode
	}
	results := make([]outcome, 0, len(p.nos))
	for _, no := range p.nos {
		o := outcome{no: no}
		if d, ok := h.devices[protocol.DeviceID{Category: p.cat, No: no}]; ok {
			o.status, o.code = d.otaStatus, d.otaCode
		} else {
			o.status, o.code = protocol.StatusNotRegistered, protocol.SubdevErrUnknown
		}
		results = append(results, o)
	}
	h.mu.Unlock()
	for _, o := range results {
		h.send(protocol.BuildSubdevOTAResult(o.no, o.status, o.code))
	}
}
