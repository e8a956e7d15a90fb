package engine

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/muurk/rbfhub/internal/hubsim"
	"github.com/muurk/rbfhub/internal/logging"
	"github.com/muurk/rbfhub/internal/protocol"
	"github.com/muurk/rbfhub/internal/transport"
)

func fastOptions() Options {
	return Options{
		PollInterval:     2 * time.Millisecond,
		CorruptThreshold: -1,
		Simple:           Policy{Timeout: 50 * time.Millisecond, Retries: 2},
		Broadcast:        Policy{Timeout: 80 * time.Millisecond, Retries: 1},
		Query:            Policy{Timeout: 50 * time.Millisecond, Retries: 1},
		OTA:              Policy{Timeout: 200 * time.Millisecond, Retries: 1},
	}
}

type fixture struct {
	e      *Engine
	hub    *hubsim.Hub
	link   *transport.Pipe
	events chan Event
}

func newFixture(t *testing.T, cfg hubsim.Config, opts Options) *fixture {
	t.Helper()
	a, b := transport.NewPipe()
	hub := hubsim.New(b, cfg)
	hub.Start()

	e := New(a, opts)
	events := make(chan Event, 256)
	e.Subscribe(func(ev Event) {
		select {
		case events <- ev:
		default:
		}
	})
	e.Start()
	t.Cleanup(func() {
		_ = e.Close()
		_ = hub.Close()
	})
	return &fixture{e: e, hub: hub, link: a, events: events}
}

// next returns the next event of kind, skipping others.
func (f *fixture) next(t *testing.T, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return Event{}
		}
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// quiet fails if an event of kind arrives within d.
func (f *fixture) quiet(t *testing.T, kind EventKind, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case ev := <-f.events:
			if ev.Kind == kind {
				t.Errorf("unexpected %s event: %+v", kind, ev)
			}
		case <-timeout:
			return
		}
	}
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testRecord(cat protocol.Category, no uint8, typ protocol.DeviceType) protocol.Record {
	return protocol.Record{ID: protocol.DeviceID{Category: cat, No: no}, Type: typ, Version: [3]byte{1, 0, 0}}
}

func TestRegistrationFlow(t *testing.T) {
	f := newFixture(t, hubsim.Config{}, fastOptions())
	ctx := testCtx(t)

	if err := f.e.StartRegistration(ctx, protocol.RegisterLocal, [8]byte{}, [16]byte{}); err != nil {
		t.Fatalf("StartRegistration() error = %v", err)
	}

	pir := testRecord(protocol.CategoryIO, 1, protocol.TypePIR)
	siren := testRecord(protocol.CategorySounder, 1, protocol.TypeIndoorSiren)
	f.hub.Pair(pir)
	f.hub.Pair(siren)

	for _, want := range []protocol.DeviceID{pir.ID, siren.ID} {
		ev := f.next(t, EventRegisterResponse)
		if ev.Device != want {
			t.Errorf("registered device = %s, want %s", ev.Device, want)
		}
	}
	if n := f.e.Registry().Len(); n != 2 {
		t.Errorf("registry size = %d, want 2", n)
	}

	if err := f.e.StopRegistration(ctx); err != nil {
		t.Fatalf("StopRegistration() error = %v", err)
	}
	if err := f.e.DeleteDevice(ctx, pir.ID); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}
	if _, ok := f.e.Registry().Lookup(pir.ID); ok {
		t.Error("deleted device still in registry")
	}

	if err := f.e.DeleteAllDevices(ctx); err != nil {
		t.Fatalf("DeleteAllDevices() error = %v", err)
	}
	if n := f.e.Registry().Len(); n != 0 {
		t.Errorf("registry size after DeleteAllDevices() = %d, want 0", n)
	}

	// Deleting an unknown device is rejected by the hub.
	err := f.e.DeleteDevice(ctx, pir.ID)
	if code, ok := RejectCode(err); !ok || code != protocol.StatusNotRegistered {
		t.Errorf("DeleteDevice() of unknown device error = %v, want NotRegistered", err)
	}
}

func TestRefreshRegistryPaged(t *testing.T) {
	var recs []protocol.Record
	for no := uint8(1); no <= protocol.RecordsPerPage+5; no++ {
		recs = append(recs, testRecord(protocol.CategoryIO, no, protocol.TypeMC))
	}
	f := newFixture(t, hubsim.Config{Devices: recs}, fastOptions())

	got, err := f.e.RefreshRegistry(testCtx(t))
	if err != nil {
		t.Fatalf("RefreshRegistry() error = %v", err)
	}
	if len(got) != len(recs) {
		t.Errorf("RefreshRegistry() = %d records, want %d", len(got), len(recs))
	}
	ev := f.next(t, EventRegisterInfo)
	if ev.Err != nil || len(ev.Records) != len(recs) {
		t.Errorf("register info event = %d records, %v, want %d", len(ev.Records), ev.Err, len(recs))
	}
	if f.e.Registry().Len() != len(recs) {
		t.Errorf("registry size = %d, want %d", f.e.Registry().Len(), len(recs))
	}
}

func TestFindMePartial(t *testing.T) {
	devices := []protocol.Record{
		testRecord(protocol.CategoryIO, 1, protocol.TypeMC),
		testRecord(protocol.CategoryIO, 2, protocol.TypeMC),
		testRecord(protocol.CategoryIO, 3, protocol.TypeMC),
	}
	f := newFixture(t, hubsim.Config{Devices: devices}, fastOptions())
	f.hub.SetSilent(devices[1].ID, true)
	ctx := testCtx(t)

	ids := []protocol.DeviceID{devices[0].ID, devices[1].ID, devices[2].ID}
	call, err := f.e.StartFindMe(ctx, 3, ids)
	if err != nil {
		t.Fatalf("StartFindMe() error = %v", err)
	}

	// The same devices cannot be asked twice while the first is pending.
	if _, err := f.e.StartFindMe(ctx, 3, ids[:1]); !IsBusy(err) {
		t.Errorf("second StartFindMe() error = %v, want busy", err)
	}

	r, err := call.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(r.Succeeded) != 2 || len(r.Failed) != 1 || r.Failed[0].Device != ids[1] {
		t.Errorf("succeeded = %v, failed = %v, want io:2 silent", r.Succeeded, r.Failed)
	}
	if r.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", r.Attempts)
	}
	// The busy request never reached the wire.
	if n := f.hub.Count(protocol.OpFindMeStart); n != 2 {
		t.Errorf("find-me frames at hub = %d, want 2", n)
	}
}

func TestStopFindMe(t *testing.T) {
	dev := testRecord(protocol.CategoryIO, 1, protocol.TypeMC)
	f := newFixture(t, hubsim.Config{Devices: []protocol.Record{dev}}, fastOptions())
	f.hub.SetSilent(dev.ID, true)
	ctx := testCtx(t)

	call, err := f.e.StartFindMe(ctx, 1, []protocol.DeviceID{dev.ID})
	if err != nil {
		t.Fatalf("StartFindMe() error = %v", err)
	}
	if err := f.e.StopFindMe(ctx, []protocol.DeviceID{dev.ID}); err != nil {
		t.Fatalf("StopFindMe() error = %v", err)
	}
	r, err := call.Wait(ctx)
	if r.State != StateCanceled || !IsCanceled(err) {
		t.Errorf("Wait() = %s, %v, want canceled", r.State, err)
	}
}

func TestQueries(t *testing.T) {
	f := newFixture(t, hubsim.Config{
		Version: "RBF 3.4.5",
		PANID:   0xBEEF,
		Noise:   protocol.Noise{Average: -95, Current: -88},
		Power:   protocol.PowerReading{Voltage: 4980, Resistance: 10},
	}, fastOptions())
	ctx := testCtx(t)

	v, err := f.e.HubVersion(ctx)
	if err != nil || v != "RBF 3.4.5" {
		t.Errorf("HubVersion() = %q, %v, want %q", v, err, "RBF 3.4.5")
	}
	if ev := f.next(t, EventHubVersion); ev.Version != "RBF 3.4.5" {
		t.Errorf("version event = %q", ev.Version)
	}

	if err := f.e.SetPANID(ctx, 0x1234); err != nil {
		t.Fatalf("SetPANID() error = %v", err)
	}
	if panid, err := f.e.PANID(ctx); err != nil || panid != 0x1234 {
		t.Errorf("PANID() = %#x, %v, want 0x1234", panid, err)
	}

	noise, err := f.e.HubNoise(ctx)
	if err != nil || noise.Average != -95 {
		t.Errorf("HubNoise() = %+v, %v", noise, err)
	}
	power, err := f.e.HubVolRes(ctx)
	if err != nil || power.Voltage != 4980 {
		t.Errorf("HubVolRes() = %+v, %v", power, err)
	}
}

func TestRequestTimeout(t *testing.T) {
	f := newFixture(t, hubsim.Config{}, fastOptions())
	f.hub.DropNext(protocol.OpGetVersion, 100)

	_, err := f.e.HubVersion(testCtx(t))
	if !IsTimeout(err) {
		t.Fatalf("HubVersion() error = %v, want timeout", err)
	}
	// Query policy: one retry.
	if n := f.hub.Count(protocol.OpGetVersion); n != 2 {
		t.Errorf("version requests at hub = %d, want 2", n)
	}
	if ev := f.next(t, EventHubVersion); !IsTimeout(ev.Err) {
		t.Errorf("version event error = %v, want timeout", ev.Err)
	}
	if s := f.e.Stats(); s.Timeouts != 1 || s.Retransmits != 1 {
		t.Errorf("stats = %d timeouts, %d retransmits, want 1 and 1", s.Timeouts, s.Retransmits)
	}
}

func TestContextCancelFreesKey(t *testing.T) {
	opts := fastOptions()
	opts.Query = Policy{Timeout: time.Second, Retries: 0}
	f := newFixture(t, hubsim.Config{}, opts)
	f.hub.DropNext(protocol.OpGetVersion, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := f.e.HubVersion(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("HubVersion() error = %v, want deadline exceeded", err)
	}

	// The withdrawn request no longer blocks the key.
	if _, err := f.e.HubVersion(testCtx(t)); err != nil {
		t.Errorf("HubVersion() after cancel error = %v", err)
	}
}

func TestControlSwitchUsesRegistry(t *testing.T) {
	plug := testRecord(protocol.CategoryIO, 4, protocol.TypeSmartPlug)
	f := newFixture(t, hubsim.Config{Devices: []protocol.Record{plug}}, fastOptions())
	ctx := testCtx(t)

	// Unknown to the engine until the registry is loaded.
	if err := f.e.ControlSwitch(ctx, plug.ID, protocol.SwitchOn); !IsValidationError(err) {
		t.Errorf("ControlSwitch() before refresh error = %v, want validation error", err)
	}
	if _, err := f.e.RefreshRegistry(ctx); err != nil {
		t.Fatalf("RefreshRegistry() error = %v", err)
	}
	if err := f.e.ControlSwitch(ctx, plug.ID, protocol.SwitchOn); err != nil {
		t.Errorf("ControlSwitch() error = %v", err)
	}
	if n := f.hub.Count(protocol.OpSmartPlugCtrl); n != 1 {
		t.Errorf("smart plug frames at hub = %d, want 1", n)
	}
}

func TestHubOTA(t *testing.T) {
	image := make([]byte, 4096)
	for i := range image {
		image[i] = byte(i * 7)
	}
	f := newFixture(t, hubsim.Config{ChunkSize: 256}, fastOptions())

	if err := f.e.StartHubOTA(testCtx(t), uint32(len(image)), bytes.NewReader(image)); err != nil {
		t.Fatalf("StartHubOTA() error = %v", err)
	}

	var phases []HubOTAPhase
	var progress []int
	for {
		ev := f.next(t, EventHubOTA)
		phases = append(phases, ev.HubOTA.Phase)
		if ev.HubOTA.Phase == HubOTAProgress {
			progress = append(progress, ev.HubOTA.Status.Percent)
		}
		if ev.HubOTA.Phase == HubOTAUpgradeComplete || ev.HubOTA.Phase == HubOTAUpgradeFail {
			break
		}
	}

	if phases[0] != HubOTAEnterBootloaderSuccess || phases[1] != HubOTAStartSuccess {
		t.Errorf("first phases = %v, want bootloader then start", phases[:2])
	}
	if phases[len(phases)-1] != HubOTAUpgradeComplete {
		t.Fatalf("last phase = %s, want complete", phases[len(phases)-1])
	}
	if len(progress) != 16 {
		t.Errorf("progress events = %d, want 16", len(progress))
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] <= progress[i-1] {
			t.Errorf("progress not increasing: %v", progress)
			break
		}
	}
	if progress[len(progress)-1] != 100 {
		t.Errorf("last progress = %d, want 100", progress[len(progress)-1])
	}
	if !bytes.Equal(f.hub.Firmware(), image) {
		t.Error("hub received a different image")
	}
	if st := f.e.HubOTAStatus(); st.State != HubOTAComplete || st.Upgrading {
		t.Errorf("HubOTAStatus() = %+v, want complete", st)
	}
}

func TestHubOTABootloaderFail(t *testing.T) {
	f := newFixture(t, hubsim.Config{}, fastOptions())
	f.hub.FailBootloader()
	ctx := testCtx(t)

	if err := f.e.StartHubOTA(ctx, 16, bytes.NewReader(make([]byte, 16))); err != nil {
		t.Fatalf("StartHubOTA() error = %v", err)
	}
	ev := f.next(t, EventHubOTA)
	if ev.HubOTA.Phase != HubOTAEnterBootloaderFail || !IsReject(ev.HubOTA.Err) {
		t.Errorf("event = %s, want bootloader failure", ev.HubOTA)
	}
	if st := f.e.HubOTAStatus(); st.State != HubOTABootloaderFailed {
		t.Errorf("state = %s, want %s", st.State, HubOTABootloaderFailed)
	}

	// A failed session does not block a new one.
	if err := f.e.StartHubOTA(ctx, 16, bytes.NewReader(make([]byte, 16))); err != nil {
		t.Errorf("StartHubOTA() after failure error = %v", err)
	}
}

func TestSubdevOTAPartialFailure(t *testing.T) {
	var devices []protocol.Record
	for no := uint8(1); no <= 3; no++ {
		devices = append(devices, testRecord(protocol.CategoryIO, no, protocol.TypePIR))
	}
	f := newFixture(t, hubsim.Config{Devices: devices, ChunkSize: 128}, fastOptions())
	f.hub.SetSubdevOTAResult(protocol.CategoryIO, 2, protocol.StatusNotSupported, protocol.SubdevErrNotSupported)

	image := bytes.Repeat([]byte{0x5A}, 1000)
	session, err := f.e.StartSubdevOTA(testCtx(t), protocol.CategoryIO, []uint8{1, 2, 3}, uint32(len(image)), bytes.NewReader(image))
	if err != nil {
		t.Fatalf("StartSubdevOTA() error = %v", err)
	}
	if session == "" {
		t.Error("StartSubdevOTA() returned an empty session id")
	}

	var last *SubdevOTAEvent
	for last == nil || last.Phase == SubdevOTAStarted || last.Phase == SubdevOTAProgress {
		last = f.next(t, EventSubdevOTA).SubdevOTA
	}
	if last.Phase != SubdevOTAFail || !IsPartialFailure(last.Err) {
		t.Fatalf("final event = %s, want partial failure", last)
	}
	if last.Session != session {
		t.Errorf("session = %q, want %q", last.Session, session)
	}
	if len(last.Succeeded) != 2 || len(last.Failures) != 1 {
		t.Fatalf("succeeded = %v, failures = %v", last.Succeeded, last.Failures)
	}
	if fl := last.Failures[0]; fl.No != 2 || fl.Code != protocol.SubdevErrNotSupported {
		t.Errorf("failure = %+v, want no 2 not supported", fl)
	}
	if !bytes.Equal(f.hub.SubdevFirmware(), image) {
		t.Error("hub received a different image")
	}
}

func TestSubdevOTAValidation(t *testing.T) {
	f := newFixture(t, hubsim.Config{}, fastOptions())
	ctx := testCtx(t)
	src := bytes.NewReader(make([]byte, 8))

	tests := []struct {
		name string
		cat  protocol.Category
		nos  []uint8
		size uint32
	}{
		{"key fob", protocol.CategoryKeyFob, []uint8{1}, 8},
		{"no devices", protocol.CategoryIO, nil, 8},
		{"too many", protocol.CategoryIO, []uint8{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13}, 8},
		{"zero number", protocol.CategoryIO, []uint8{0}, 8},
		{"duplicate", protocol.CategoryIO, []uint8{1, 1}, 8},
		{"empty image", protocol.CategoryIO, []uint8{1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.e.StartSubdevOTA(ctx, tt.cat, tt.nos, tt.size, src); !IsValidationError(err) {
				t.Errorf("StartSubdevOTA() error = %v, want validation error", err)
			}
		})
	}
	if n := f.hub.Count(protocol.OpSubdevOTAStart); n != 0 {
		t.Errorf("start frames at hub = %d, want 0", n)
	}
}

func TestEventHandlers(t *testing.T) {
	f := newFixture(t, hubsim.Config{}, fastOptions())
	fob := protocol.DeviceID{Category: protocol.CategoryKeyFob, No: 1}

	keys := make(chan protocol.Key, 8)
	err := f.e.Handle(EventKeyPress, func(ev Event) error {
		keys <- ev.Message.(*protocol.KeyPress).Key
		return errors.New("handler refused")
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if err := f.e.Handle(numEventKinds, nil); !IsValidationError(err) {
		t.Errorf("Handle() of unknown kind error = %v, want validation error", err)
	}

	want := []protocol.Key{1, 2, 3}
	for _, k := range want {
		f.hub.Emit(protocol.BuildKeyPress(fob, k))
	}
	for i, k := range want {
		select {
		case got := <-keys:
			if got != k {
				t.Errorf("key %d = %d, want %d", i, got, k)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("key %d not delivered", i)
		}
	}

	// Handler errors are counted and change nothing else.
	f.next(t, EventKeyPress)
	f.next(t, EventKeyPress)
	f.next(t, EventKeyPress)
	if s := f.e.Stats(); s.HandlerErrors != 3 {
		t.Errorf("HandlerErrors = %d, want 3", s.HandlerErrors)
	}
	if _, err := f.e.HubVersion(testCtx(t)); err != nil {
		t.Errorf("HubVersion() after handler errors = %v", err)
	}
}

func TestCorruptFramesResetLink(t *testing.T) {
	opts := fastOptions()
	opts.CorruptThreshold = 3
	f := newFixture(t, hubsim.Config{}, opts)

	raw, _ := protocol.Encode(protocol.BuildJamming(1))
	raw[len(raw)-1] ^= 0xFF
	f.hub.WriteRaw(bytes.Repeat(raw, 3))

	waitFor(t, func() bool { return f.link.Resets() > 0 })
	if f.link.Resets() != 1 {
		t.Fatalf("link resets = %d, want 1", f.link.Resets())
	}
	if ev := f.next(t, EventTransportFault); !IsFrameCorrupt(ev.Err) {
		t.Errorf("fault event error = %v, want frame corrupt", ev.Err)
	}
	s := f.e.Stats()
	if s.CorruptFrames < 3 || s.LinkResets != 1 {
		t.Errorf("stats = %d corrupt, %d resets, want >= 3 and 1", s.CorruptFrames, s.LinkResets)
	}
	if s.TransportFaults != 0 {
		t.Errorf("TransportFaults = %d, want 0", s.TransportFaults)
	}

	// Good frames still flow after the reset.
	f.hub.Emit(protocol.BuildJamming(7))
	if ev := f.next(t, EventJamming); ev.Message.(*protocol.Jamming).Level != 7 {
		t.Errorf("jamming level = %d, want 7", ev.Message.(*protocol.Jamming).Level)
	}
}

func TestTransportFault(t *testing.T) {
	f := newFixture(t, hubsim.Config{}, fastOptions())

	f.link.FailNextRead(errors.New("device unplugged"))
	ev := f.next(t, EventTransportFault)
	if !IsTransportError(ev.Err) {
		t.Errorf("fault event error = %v, want transport error", ev.Err)
	}
	waitFor(t, func() bool { return f.link.Resets() > 0 })
	if f.link.Resets() != 1 {
		t.Errorf("link resets = %d, want 1", f.link.Resets())
	}
	if s := f.e.Stats(); s.TransportFaults != 1 {
		t.Errorf("TransportFaults = %d, want 1", s.TransportFaults)
	}
}

func TestCloseFailsPending(t *testing.T) {
	opts := fastOptions()
	opts.Query = Policy{Timeout: 10 * time.Second}
	f := newFixture(t, hubsim.Config{}, opts)
	f.hub.DropNext(protocol.OpGetNoise, 1)
	ctx := testCtx(t)

	call, err := f.e.startQuery(ctx, protocol.OpGetNoise, EventHubNoise)
	if err != nil {
		t.Fatalf("startQuery() error = %v", err)
	}
	if err := f.e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	r, err := call.Wait(ctx)
	if r.State != StateCanceled || !IsClosed(err) {
		t.Errorf("Wait() = %s, %v, want canceled with ErrClosed", r.State, err)
	}
	if _, err := f.e.HubVersion(ctx); !IsClosed(err) {
		t.Errorf("HubVersion() after Close() error = %v, want ErrClosed", err)
	}
}

func TestRegisterResponseInvalidIdentity(t *testing.T) {
	f := newFixture(t, hubsim.Config{}, fastOptions())

	bad := []protocol.Record{
		{},
		testRecord(protocol.Category(9), 7, protocol.TypeMC),
	}
	for _, rec := range bad {
		f.hub.Emit(protocol.BuildRegisterResponse(rec))
	}
	waitFor(t, func() bool { return f.e.Stats().Malformed == uint64(len(bad)) })

	// The next registration event is the valid device.
	good := testRecord(protocol.CategoryIO, 1, protocol.TypePIR)
	f.hub.Pair(good)
	if ev := f.next(t, EventRegisterResponse); ev.Device != good.ID {
		t.Errorf("registered device = %s, want %s", ev.Device, good.ID)
	}
	if n := f.e.Registry().Len(); n != 1 {
		t.Errorf("registry size = %d, want 1", n)
	}
	if _, ok := f.e.Registry().Lookup(protocol.HubID); ok {
		t.Error("hub identity stored in registry")
	}
}

func TestRefreshRegistryInvalidRecord(t *testing.T) {
	bad := testRecord(protocol.Category(9), 7, protocol.TypeMC)
	f := newFixture(t, hubsim.Config{Devices: []protocol.Record{bad}}, fastOptions())
	ctx := testCtx(t)

	good := testRecord(protocol.CategoryIO, 1, protocol.TypePIR)
	f.hub.Pair(good)
	f.next(t, EventRegisterResponse)

	_, err := f.e.RefreshRegistry(ctx)
	if !errors.Is(err, protocol.ErrInvalidRecord) {
		t.Fatalf("RefreshRegistry() error = %v, want ErrInvalidRecord", err)
	}
	if ev := f.next(t, EventRegisterInfo); ev.Err == nil {
		t.Error("register info event carries no error")
	}
	if n := f.e.Registry().Len(); n != 1 {
		t.Errorf("registry size = %d, want 1", n)
	}
	if _, ok := f.e.Registry().Lookup(bad.ID); ok {
		t.Errorf("invalid device %s stored in registry", bad.ID)
	}
	if m := f.e.Stats().Malformed; m != 1 {
		t.Errorf("Malformed = %d, want 1", m)
	}
}

var errFlash = errors.New("flash read error")

// flakySource serves data until failAt, then fails every read.
type flakySource struct {
	data   []byte
	failAt int64
}

func (s *flakySource) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.failAt {
		return 0, errFlash
	}
	return copy(p, s.data[off:]), nil
}

func TestHubOTASourceFailure(t *testing.T) {
	f := newFixture(t, hubsim.Config{ChunkSize: 256}, fastOptions())
	src := &flakySource{data: make([]byte, 4096), failAt: 512}

	if err := f.e.StartHubOTA(testCtx(t), 4096, src); err != nil {
		t.Fatalf("StartHubOTA() error = %v", err)
	}

	var progress []int
	var last *HubOTAEvent
	for last == nil || last.Phase != HubOTAUpgradeFail && last.Phase != HubOTAUpgradeComplete {
		last = f.next(t, EventHubOTA).HubOTA
		if last.Phase == HubOTAProgress {
			progress = append(progress, last.Status.Percent)
		}
	}

	if last.Phase != HubOTAUpgradeFail || !errors.Is(last.Err, errFlash) {
		t.Fatalf("final event = %s, want failure from the source", last)
	}
	if len(progress) != 2 || progress[0] != 6 || progress[1] != 12 {
		t.Errorf("progress = %v, want [6 12]", progress)
	}
	if st := f.e.HubOTAStatus(); st.State != HubOTAFailed || st.Upgrading || st.Offset != 512 {
		t.Errorf("HubOTAStatus() = %+v, want failed at offset 512", st)
	}
	waitFor(t, func() bool { return f.hub.Count(protocol.OpOTAAbort) == 1 })
}

func TestSubdevOTASourceFailure(t *testing.T) {
	var devices []protocol.Record
	for no := uint8(1); no <= 3; no++ {
		devices = append(devices, testRecord(protocol.CategoryIO, no, protocol.TypePIR))
	}
	f := newFixture(t, hubsim.Config{Devices: devices, ChunkSize: 128}, fastOptions())
	src := &flakySource{data: make([]byte, 1000), failAt: 256}

	if _, err := f.e.StartSubdevOTA(testCtx(t), protocol.CategoryIO, []uint8{1, 2, 3}, 1000, src); err != nil {
		t.Fatalf("StartSubdevOTA() error = %v", err)
	}

	var last *SubdevOTAEvent
	for last == nil || last.Phase == SubdevOTAStarted || last.Phase == SubdevOTAProgress {
		last = f.next(t, EventSubdevOTA).SubdevOTA
	}
	if last.Phase != SubdevOTAFail || !errors.Is(last.Err, errFlash) {
		t.Fatalf("final event = %s (%v), want failure from the source", last, last.Err)
	}
	if len(last.Succeeded) != 0 || len(last.Failures) != 3 {
		t.Fatalf("succeeded = %v, failures = %v, want all three failed", last.Succeeded, last.Failures)
	}
	for _, fl := range last.Failures {
		if fl.Code != protocol.SubdevErrUnknown {
			t.Errorf("device %d code = %s, want %s", fl.No, fl.Code, protocol.SubdevErrUnknown)
		}
	}
	if f.e.SubdevOTAStatus().Active {
		t.Error("SubdevOTAStatus().Active = true after failure")
	}
	waitFor(t, func() bool { return f.hub.Count(protocol.OpSubdevOTAAbort) == 1 })
}

func TestHubOTAStall(t *testing.T) {
	opts := fastOptions()
	opts.OTAStallTimeout = 100 * time.Millisecond
	f := newFixture(t, hubsim.Config{ChunkSize: 256}, opts)
	f.hub.StallAfter(2)

	if err := f.e.StartHubOTA(testCtx(t), 4096, bytes.NewReader(make([]byte, 4096))); err != nil {
		t.Fatalf("StartHubOTA() error = %v", err)
	}

	var last *HubOTAEvent
	for last == nil || last.Phase != HubOTAUpgradeFail && last.Phase != HubOTAUpgradeComplete {
		last = f.next(t, EventHubOTA).HubOTA
	}
	if last.Phase != HubOTAUpgradeFail || !IsTimeout(last.Err) {
		t.Fatalf("final event = %s, want stall timeout", last)
	}
	if st := f.e.HubOTAStatus(); st.State != HubOTAFailed || st.Upgrading {
		t.Errorf("HubOTAStatus() = %+v, want failed", st)
	}
	f.quiet(t, EventHubOTA, 3*opts.OTAStallTimeout)
	if n := f.hub.Count(protocol.OpOTAAbort); n != 1 {
		t.Errorf("abort frames at hub = %d, want 1", n)
	}
}

func TestSubdevOTAStall(t *testing.T) {
	var devices []protocol.Record
	for no := uint8(1); no <= 3; no++ {
		devices = append(devices, testRecord(protocol.CategoryIO, no, protocol.TypePIR))
	}
	opts := fastOptions()
	opts.OTAStallTimeout = 100 * time.Millisecond
	f := newFixture(t, hubsim.Config{Devices: devices, ChunkSize: 128}, opts)
	f.hub.StallAfter(2)

	image := bytes.Repeat([]byte{0x3C}, 1000)
	session, err := f.e.StartSubdevOTA(testCtx(t), protocol.CategoryIO, []uint8{1, 2, 3}, uint32(len(image)), bytes.NewReader(image))
	if err != nil {
		t.Fatalf("StartSubdevOTA() error = %v", err)
	}

	var last *SubdevOTAEvent
	for last == nil || last.Phase == SubdevOTAStarted || last.Phase == SubdevOTAProgress {
		last = f.next(t, EventSubdevOTA).SubdevOTA
	}
	if last.Phase != SubdevOTARequestTimeout || !IsTimeout(last.Err) {
		t.Fatalf("final event = %s (%v), want request timeout", last, last.Err)
	}
	if last.Session != session {
		t.Errorf("session = %q, want %q", last.Session, session)
	}
	if len(last.Succeeded) != 0 {
		t.Errorf("succeeded = %v, want none", last.Succeeded)
	}
	if f.e.SubdevOTAStatus().Active {
		t.Error("SubdevOTAStatus().Active = true after stall")
	}
	f.quiet(t, EventSubdevOTA, 3*opts.OTAStallTimeout)
	if n := f.hub.Count(protocol.OpSubdevOTAAbort); n != 1 {
		t.Errorf("abort frames at hub = %d, want 1", n)
	}
}

func TestInboundFrameLogging(t *testing.T) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	core, logs := observer.New(level)
	logging.SetLogger(zap.New(core))
	t.Cleanup(func() { logging.SetLogger(zap.NewNop()) })

	f := newFixture(t, hubsim.Config{}, fastOptions())

	f.hub.Emit(protocol.BuildJamming(1))
	f.next(t, EventJamming)
	if n := logs.FilterMessage("Frame").Len(); n != 0 {
		t.Errorf("frame entries at info level = %d, want 0", n)
	}

	level.SetLevel(zapcore.DebugLevel)
	f.hub.Emit(protocol.BuildJamming(2))
	f.next(t, EventJamming)
	rx := logs.FilterMessage("Frame").FilterField(zap.String("direction", "rx")).Len()
	if rx != 1 {
		t.Errorf("rx frame entries at debug level = %d, want 1", rx)
	}
}

func TestCommandFacade(t *testing.T) {
	relay := testRecord(protocol.CategoryIO, 5, protocol.TypeRelay)
	plug := testRecord(protocol.CategoryIO, 4, protocol.TypeSmartPlug)
	wall := testRecord(protocol.CategoryIO, 6, protocol.TypeWallSwitch)
	pir := testRecord(protocol.CategoryIO, 7, protocol.TypePIR)
	th := testRecord(protocol.CategoryIO, 8, protocol.TypeTempHumi)
	sounder := testRecord(protocol.CategorySounder, 1, protocol.TypeOutdoorSiren)
	siren := testRecord(protocol.CategorySounder, 2, protocol.TypeIndoorSiren)
	keypad := testRecord(protocol.CategoryKeypad, 1, protocol.TypeLEDKeypad)

	f := newFixture(t, hubsim.Config{
		Devices: []protocol.Record{relay, plug, wall, pir, th, sounder, siren, keypad},
		PANID:   0x77,
		Power:   protocol.PowerReading{Voltage: 3300, Resistance: 47},
	}, fastOptions())
	ctx := testCtx(t)
	e := f.e

	call, err := e.StartRSSI(ctx, []protocol.DeviceID{pir.ID, th.ID})
	if err != nil {
		t.Fatalf("StartRSSI() error = %v", err)
	}
	if r, err := call.Wait(ctx); err != nil || len(r.Succeeded) != 2 {
		t.Errorf("StartRSSI() result = %v, %v, want 2 answers", r.Succeeded, err)
	}

	tests := []struct {
		name string
		op   protocol.Opcode
		run  func() error
	}{
		{"set hub ex", protocol.OpSetHubEx, func() error {
			return e.SetHubEx(ctx, protocol.HubParams{Band: protocol.Band868, JammingThreshold: 5, CustomerCode: 0xABCD})
		}},
		{"ack hub sync", protocol.OpHubSyncDone, func() error { return e.AckHubSync(ctx) }},
		{"carrier start", protocol.OpCarrierStart, func() error {
			return e.StartCarrier(ctx, protocol.CarrierParams{Channel: 1, Power: 10})
		}},
		{"carrier stop", protocol.OpCarrierStop, func() error { return e.StopCarrier(ctx) }},
		{"crystal high", protocol.OpCrystalAdjustHigh, func() error { return e.AdjustCrystalHigh(ctx, 3) }},
		{"crystal low", protocol.OpCrystalAdjustLow, func() error { return e.AdjustCrystalLow(ctx, -3) }},
		{"pa0 output", protocol.OpPA0Output, func() error { return e.SetPA0Output(ctx, true) }},
		{"relay", protocol.OpRelayCtrl, func() error { return e.RelayControl(ctx, relay.ID, protocol.SwitchOn) }},
		{"smart plug", protocol.OpSmartPlugCtrl, func() error {
			return e.SmartPlugControl(ctx, plug.ID, protocol.SwitchToggle, true)
		}},
		{"wall switch", protocol.OpWallSwitchCtrl, func() error { return e.WallSwitchControl(ctx, wall.ID, protocol.SwitchOff) }},
		{"sounder broadcast", protocol.OpSounderBroadcast, func() error {
			return e.SounderBroadcast(ctx, protocol.SirenAlarm, 0, []uint8{sounder.ID.No})
		}},
		{"indoor siren broadcast", protocol.OpIndoorSirenBroadcast, func() error {
			return e.IndoorSirenBroadcast(ctx, protocol.SirenStop, 0, []uint8{siren.ID.No})
		}},
		{"sounder volume", protocol.OpSounderVolume, func() error { return e.SetSounderVolume(ctx, sounder.ID, protocol.VolumeHigh) }},
		{"indoor siren volume", protocol.OpIndoorSirenVolume, func() error {
			return e.SetIndoorSirenVolume(ctx, siren.ID, protocol.VolumeLow)
		}},
		{"keypad", protocol.OpKeypadSet, func() error {
			return e.SetKeypad(ctx, keypad.ID, protocol.KeypadSettings{Backlight: true})
		}},
		{"pir", protocol.OpPIRSet, func() error { return e.SetPIR(ctx, pir.ID, true, protocol.SensitivityHigh) }},
		{"temp humi", protocol.OpTempHumiSet, func() error { return e.SetTempHumi(ctx, th.ID, protocol.Celsius, 30.5, 70) }},
		{"request panid", protocol.OpGetPANID, func() error { return e.RequestPANID(ctx) }},
		{"request volres", protocol.OpGetVolRes, func() error { return e.RequestHubVolRes(ctx) }},
		{"rssi stop", protocol.OpRSSIStop, func() error { return e.StopRSSI(ctx, []protocol.DeviceID{pir.ID, th.ID}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.hub.Count(tt.op)
			if err := tt.run(); err != nil {
				t.Fatalf("%s error = %v", tt.name, err)
			}
			waitFor(t, func() bool { return f.hub.Count(tt.op) == before+1 })
		})
	}

	if ev := f.next(t, EventHubPANID); ev.Err != nil || ev.PANID != 0x77 {
		t.Errorf("panid event = %#x, %v, want 0x77", ev.PANID, ev.Err)
	}
	if ev := f.next(t, EventHubVolRes); ev.Err != nil || ev.Power.Voltage != 3300 {
		t.Errorf("volres event = %+v, %v, want 3300 mV", ev.Power, ev.Err)
	}
}
