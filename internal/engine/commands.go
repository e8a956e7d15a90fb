package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/rbfhub/internal/protocol"
)

// start submits req on the worker and returns its future. after, if set,
// runs on the worker with the result before the future completes.
func (e *Engine) start(ctx context.Context, req Request, after func(Result)) (*Call, error) {
	targets := req.Targets
	if len(targets) == 0 {
		targets = []protocol.DeviceID{req.Frame.Peer}
	}
	call := newCall(req.Frame.Opcode, targets)
	req.Sink = func(r Result) {
		if after != nil {
			after(r)
		}
		call.complete(r)
	}
	if err := e.exec(ctx, func(now time.Time) error { return e.corr.Submit(req, now) }); err != nil {
		return nil, err
	}
	return call, nil
}

// await waits for call. If ctx ends first the request is withdrawn so its
// correlation key is free again.
func (e *Engine) await(ctx context.Context, call *Call) (Result, error) {
	r, err := call.Wait(ctx)
	if err != nil && ctx.Err() != nil && err == ctx.Err() {
		_ = e.exec(context.Background(), func(time.Time) error {
			select {
			case <-call.Done():
			default:
				e.corr.Cancel(call.Op, call.Targets)
			}
			return nil
		})
	}
	return r, err
}

// do sends f to its peer under the policy of class and waits for the
// acknowledgement data.
func (e *Engine) do(ctx context.Context, class Class, f protocol.Frame) ([]byte, error) {
	call, err := e.start(ctx, Request{Frame: f, Policy: e.opts.Policy(class)}, nil)
	if err != nil {
		return nil, err
	}
	r, err := e.await(ctx, call)
	return r.Data, err
}

func (e *Engine) doBuilt(ctx context.Context, class Class, f protocol.Frame, err error) error {
	if err != nil {
		return NewValidationError("invalid command", err)
	}
	_, err = e.do(ctx, class, f)
	return err
}

// fire sends f without correlation.
func (e *Engine) fire(ctx context.Context, f protocol.Frame) error {
	return e.exec(ctx, func(time.Time) error { return e.send(f) })
}

// Registration

// StartRegistration puts the hub in registration mode. With RegisterByMAC or
// RegisterBySN only the device matching mac or sn is accepted.
func (e *Engine) StartRegistration(ctx context.Context, mode protocol.RegisterMode, mac [8]byte, sn [16]byte) error {
	f, err := protocol.BuildRegisterStart(mode, mac, sn)
	return e.doBuilt(ctx, ClassSimple, f, err)
}

// StopRegistration leaves registration mode.
func (e *Engine) StopRegistration(ctx context.Context) error {
	_, err := e.do(ctx, ClassSimple, protocol.HubCommand(protocol.OpRegisterStop))
	return err
}

// RequestRegisterInfo asks the hub for its full device table. It returns once
// the request is accepted; the pages are collected on the worker, the
// registry is replaced atomically and EventRegisterInfo is dispatched.
func (e *Engine) RequestRegisterInfo(ctx context.Context) (*Call, error) {
	onAck := func(f protocol.Frame, data []byte) (bool, error) {
		page, err := protocol.ParseRegisterInfoPage(data)
		if err != nil {
			e.stats.malformed.Add(1)
			return false, fmt.Errorf("register info page: %w", err)
		}
		if page.Index == 0 {
			e.regInfo = e.regInfo[:0]
		}
		e.regInfo = append(e.regInfo, page.Records...)
		if len(e.regInfo) < int(page.Total) && len(page.Records) > 0 {
			return false, nil
		}
		recs := append([]protocol.Record(nil), e.regInfo...)
		e.regInfo = e.regInfo[:0]
		e.reg.ReplaceSnapshot(recs)
		e.log.Info("Registry refreshed", zap.Int("devices", len(recs)))
		e.emit(Event{Kind: EventRegisterInfo, Records: recs})
		return true, nil
	}
	after := func(r Result) {
		if r.Err != nil {
			e.regInfo = e.regInfo[:0]
			e.emit(Event{Kind: EventRegisterInfo, Err: r.Err})
		}
	}
	return e.start(ctx, Request{
		Frame:  protocol.HubCommand(protocol.OpRegisterInfo),
		Policy: e.opts.Query,
		OnAck:  onAck,
	}, after)
}

// RefreshRegistry is the blocking form of RequestRegisterInfo. It returns the
// new registry contents.
func (e *Engine) RefreshRegistry(ctx context.Context) ([]protocol.Record, error) {
	call, err := e.RequestRegisterInfo(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := e.await(ctx, call); err != nil {
		return nil, err
	}
	return e.reg.Snapshot(), nil
}

// DeleteDevice unregisters id. The registry entry is removed once the hub
// acknowledges.
func (e *Engine) DeleteDevice(ctx context.Context, id protocol.DeviceID) error {
	if err := id.Validate(); err != nil {
		return NewValidationError("delete device", err)
	}
	call, err := e.start(ctx, Request{
		Frame:  protocol.DeviceCommand(protocol.OpDeviceDelete, id),
		Policy: e.opts.Simple,
		OnAck: func(f protocol.Frame, _ []byte) (bool, error) {
			e.reg.Remove(f.Peer)
			return true, nil
		},
	}, nil)
	if err != nil {
		return err
	}
	_, err = e.await(ctx, call)
	return err
}

// DeleteAllDevices unregisters every device and empties the registry once
// the hub acknowledges.
func (e *Engine) DeleteAllDevices(ctx context.Context) error {
	call, err := e.start(ctx, Request{
		Frame:  protocol.HubCommand(protocol.OpDeviceDeleteAll),
		Policy: e.opts.Simple,
		OnAck: func(protocol.Frame, []byte) (bool, error) {
			e.reg.RemoveAll()
			return true, nil
		},
	}, nil)
	if err != nil {
		return err
	}
	_, err = e.await(ctx, call)
	return err
}

// Indication and batches

// SetLEDIndicate drives the indicator LED of one device.
func (e *Engine) SetLEDIndicate(ctx context.Context, id protocol.DeviceID, mode protocol.LEDMode, d protocol.LEDDuration) error {
	f, err := protocol.BuildLEDIndicate(id, mode, d)
	return e.doBuilt(ctx, ClassSimple, f, err)
}

func (e *Engine) startBatch(ctx context.Context, f protocol.Frame, ids []protocol.DeviceID) (*Call, error) {
	return e.start(ctx, Request{
		Frame:   f,
		Targets: ids,
		Batch:   true,
		Policy:  e.opts.Broadcast,
	}, nil)
}

// StartFindMe asks each device in ids to answer. Each device acknowledges on
// its own; the call completes once all have answered or the broadcast retry
// budget is spent, with silent devices listed in Result.Failed.
func (e *Engine) StartFindMe(ctx context.Context, retry uint8, ids []protocol.DeviceID) (*Call, error) {
	f, err := protocol.BuildFindMeStart(retry, ids)
	if err != nil {
		return nil, NewValidationError("find-me", err)
	}
	return e.startBatch(ctx, f, ids)
}

// StopFindMe withdraws ids from any outstanding find-me and tells the hub to
// stop. Late answers from those devices are ignored.
func (e *Engine) StopFindMe(ctx context.Context, ids []protocol.DeviceID) error {
	return e.stopBatch(ctx, protocol.OpFindMeStart, protocol.OpFindMeStop, ids)
}

// StartRSSI switches ids to fast heartbeats for signal assessment.
func (e *Engine) StartRSSI(ctx context.Context, ids []protocol.DeviceID) (*Call, error) {
	f, err := protocol.BuildDeviceListCommand(protocol.OpRSSIStart, ids)
	if err != nil {
		return nil, NewValidationError("rssi", err)
	}
	return e.startBatch(ctx, f, ids)
}

// StopRSSI withdraws ids from any outstanding RSSI start and ends fast
// heartbeats.
func (e *Engine) StopRSSI(ctx context.Context, ids []protocol.DeviceID) error {
	return e.stopBatch(ctx, protocol.OpRSSIStart, protocol.OpRSSIStop, ids)
}

func (e *Engine) stopBatch(ctx context.Context, startOp, stopOp protocol.Opcode, ids []protocol.DeviceID) error {
	f, err := protocol.BuildDeviceListCommand(stopOp, ids)
	if err != nil {
		return NewValidationError(stopOp.String(), err)
	}
	return e.exec(ctx, func(time.Time) error {
		if n := e.corr.Cancel(startOp, ids); n > 0 {
			e.log.Debug("Canceled batch members", zap.String("op", startOp.String()), zap.Int("count", n))
		}
		return e.send(f)
	})
}

// SetIOAlarm arms or disarms the IO devices numbered nos.
func (e *Engine) SetIOAlarm(ctx context.Context, state protocol.ArmState, nos []uint8) error {
	f, err := protocol.BuildIOAlarmSet(state, nos)
	return e.doBuilt(ctx, ClassSimple, f, err)
}

// Hub settings

// SetFrequency selects the RF band.
func (e *Engine) SetFrequency(ctx context.Context, band protocol.FrequencyBand) error {
	f, err := protocol.BuildSetFreq(band)
	return e.doBuilt(ctx, ClassSimple, f, err)
}

// SetHubEx sets band, jamming threshold and customer code together.
func (e *Engine) SetHubEx(ctx context.Context, p protocol.HubParams) error {
	f, err := protocol.BuildSetHubEx(p)
	return e.doBuilt(ctx, ClassSimple, f, err)
}

// SetPANID sets the network identifier.
func (e *Engine) SetPANID(ctx context.Context, panid uint32) error {
	_, err := e.do(ctx, ClassSimple, protocol.BuildSetPANID(panid))
	return err
}

// AckHubSync tells the hub the host finished pushing its parameters after a
// HubSync event.
func (e *Engine) AckHubSync(ctx context.Context) error {
	_, err := e.do(ctx, ClassSimple, protocol.HubCommand(protocol.OpHubSyncDone))
	return err
}

// Queries

// queryEvent fills the event for a successful query acknowledgement.
func queryEvent(kind EventKind, data []byte) (Event, error) {
	ev := Event{Kind: kind}
	var err error
	switch kind {
	case EventHubVersion:
		ev.Version = protocol.ParseVersion(data)
	case EventHubPANID:
		ev.PANID, err = protocol.ParseU32(data)
	case EventHubNoise:
		ev.Noise, err = protocol.ParseNoise(data)
	case EventHubVolRes:
		ev.Power, err = protocol.ParseVolRes(data)
	}
	return ev, err
}

// startQuery sends a hub query. Its result, or its failure, is always
// dispatched as an event of kind.
func (e *Engine) startQuery(ctx context.Context, op protocol.Opcode, kind EventKind) (*Call, error) {
	after := func(r Result) {
		if r.Err != nil {
			e.emit(Event{Kind: kind, Err: r.Err})
			return
		}
		ev, err := queryEvent(kind, r.Data)
		if err != nil {
			e.stats.malformed.Add(1)
			ev.Err = err
		}
		e.emit(ev)
	}
	return e.start(ctx, Request{Frame: protocol.HubCommand(op), Policy: e.opts.Query}, after)
}

func (e *Engine) query(ctx context.Context, op protocol.Opcode, kind EventKind) (Event, error) {
	call, err := e.startQuery(ctx, op, kind)
	if err != nil {
		return Event{}, err
	}
	r, err := e.await(ctx, call)
	if err != nil {
		return Event{}, err
	}
	return queryEvent(kind, r.Data)
}

// RequestHubVersion queries the hub version; the answer arrives as EventHubVersion.
func (e *Engine) RequestHubVersion(ctx context.Context) error {
	_, err := e.startQuery(ctx, protocol.OpGetVersion, EventHubVersion)
	return err
}

// HubVersion returns the hub firmware version string.
func (e *Engine) HubVersion(ctx context.Context) (string, error) {
	ev, err := e.query(ctx, protocol.OpGetVersion, EventHubVersion)
	return ev.Version, err
}

// RequestHubNoise queries the noise floor; the answer arrives as EventHubNoise.
func (e *Engine) RequestHubNoise(ctx context.Context) error {
	_, err := e.startQuery(ctx, protocol.OpGetNoise, EventHubNoise)
	return err
}

// HubNoise returns the channel noise floor.
func (e *Engine) HubNoise(ctx context.Context) (protocol.Noise, error) {
	ev, err := e.query(ctx, protocol.OpGetNoise, EventHubNoise)
	return ev.Noise, err
}

// RequestPANID queries the PANID; the answer arrives as EventHubPANID.
func (e *Engine) RequestPANID(ctx context.Context) error {
	_, err := e.startQuery(ctx, protocol.OpGetPANID, EventHubPANID)
	return err
}

// PANID returns the network identifier.
func (e *Engine) PANID(ctx context.Context) (uint32, error) {
	ev, err := e.query(ctx, protocol.OpGetPANID, EventHubPANID)
	return ev.PANID, err
}

// RequestHubVolRes queries the supply reading; the answer arrives as EventHubVolRes.
func (e *Engine) RequestHubVolRes(ctx context.Context) error {
	_, err := e.startQuery(ctx, protocol.OpGetVolRes, EventHubVolRes)
	return err
}

// HubVolRes returns the hub supply voltage and resistance.
func (e *Engine) HubVolRes(ctx context.Context) (protocol.PowerReading, error) {
	ev, err := e.query(ctx, protocol.OpGetVolRes, EventHubVolRes)
	return ev.Power, err
}

// RF test

// StartCarrier starts the continuous-carrier test.
func (e *Engine) StartCarrier(ctx context.Context, p protocol.CarrierParams) error {
	_, err := e.do(ctx, ClassSimple, protocol.BuildCarrierStart(p))
	return err
}

// StopCarrier ends the carrier test.
func (e *Engine) StopCarrier(ctx context.Context) error {
	_, err := e.do(ctx, ClassSimple, protocol.HubCommand(protocol.OpCarrierStop))
	return err
}

// AdjustCrystalHigh trims the high band crystal by offset.
func (e *Engine) AdjustCrystalHigh(ctx context.Context, offset int32) error {
	_, err := e.do(ctx, ClassSimple, protocol.BuildCrystalAdjust(true, offset))
	return err
}

// AdjustCrystalLow trims the low band crystal by offset.
func (e *Engine) AdjustCrystalLow(ctx context.Context, offset int32) error {
	_, err := e.do(ctx, ClassSimple, protocol.BuildCrystalAdjust(false, offset))
	return err
}

// SetPA0Output switches the PA0 test output.
func (e *Engine) SetPA0Output(ctx context.Context, enable bool) error {
	_, err := e.do(ctx, ClassSimple, protocol.BuildPA0Output(enable))
	return err
}

// Device control

// RelayControl switches a relay.
func (e *Engine) RelayControl(ctx context.Context, id protocol.DeviceID, action protocol.SwitchAction) error {
	f, err := protocol.BuildSwitchCtrl(id, protocol.TypeRelay, action, false)
	return e.doBuilt(ctx, ClassSimple, f, err)
}

// SmartPlugControl switches a smart plug; lock disables its local button.
func (e *Engine) SmartPlugControl(ctx context.Context, id protocol.DeviceID, action protocol.SwitchAction, lock bool) error {
	f, err := protocol.BuildSwitchCtrl(id, protocol.TypeSmartPlug, action, lock)
	return e.doBuilt(ctx, ClassSimple, f, err)
}

// WallSwitchControl switches a wall switch.
func (e *Engine) WallSwitchControl(ctx context.Context, id protocol.DeviceID, action protocol.SwitchAction) error {
	f, err := protocol.BuildSwitchCtrl(id, protocol.TypeWallSwitch, action, false)
	return e.doBuilt(ctx, ClassSimple, f, err)
}

// ControlSwitch switches any registered relay, smart plug or wall switch,
// choosing the command from the device type in the registry.
func (e *Engine) ControlSwitch(ctx context.Context, id protocol.DeviceID, action protocol.SwitchAction) error {
	rec, ok := e.reg.Lookup(id)
	if !ok {
		return NewValidationError(fmt.Sprintf("device %s is not registered", id), nil)
	}
	f, err := protocol.BuildSwitchCtrl(id, rec.Type, action, false)
	return e.doBuilt(ctx, ClassSimple, f, err)
}

// SounderBroadcast sends action to the sounders numbered nos.
func (e *Engine) SounderBroadcast(ctx context.Context, action protocol.SirenAction, mode uint8, nos []uint8) error {
	f, err := protocol.BuildSirenBroadcast(false, action, mode, nos)
	return e.doBuilt(ctx, ClassSimple, f, err)
}

// IndoorSirenBroadcast sends action to the indoor sirens numbered nos.
func (e *Engine) IndoorSirenBroadcast(ctx context.Context, action protocol.SirenAction, mode uint8, nos []uint8) error {
	f, err := protocol.BuildSirenBroadcast(true, action, mode, nos)
	return e.doBuilt(ctx, ClassSimple, f, err)
}

// SetSounderVolume sets the volume of a sounder.
func (e *Engine) SetSounderVolume(ctx context.Context, id protocol.DeviceID, v protocol.Volume) error {
	f, err := protocol.BuildSirenVolume(id, false, v)
	return e.doBuilt(ctx, ClassSimple, f, err)
}

// SetIndoorSirenVolume sets the volume of an indoor siren.
func (e *Engine) SetIndoorSirenVolume(ctx context.Context, id protocol.DeviceID, v protocol.Volume) error {
	f, err := protocol.BuildSirenVolume(id, true, v)
	return e.doBuilt(ctx, ClassSimple, f, err)
}

// SetKeypad pushes keypad settings.
func (e *Engine) SetKeypad(ctx context.Context, id protocol.DeviceID, s protocol.KeypadSettings) error {
	_, err := e.do(ctx, ClassSimple, protocol.BuildKeypadSet(id, s))
	return err
}

// SetPIR configures tamper detection and sensitivity of a PIR.
func (e *Engine) SetPIR(ctx context.Context, id protocol.DeviceID, tamper bool, s protocol.Sensitivity) error {
	f, err := protocol.BuildPIRSet(id, tamper, s)
	return e.doBuilt(ctx, ClassSimple, f, err)
}

// SetTempHumi configures a temperature/humidity sensor.
func (e *Engine) SetTempHumi(ctx context.Context, id protocol.DeviceID, unit protocol.TempUnit, tempThreshold, humiThreshold float64) error {
	f, err := protocol.BuildTempHumiSet(id, unit, tempThreshold, humiThreshold)
	return e.doBuilt(ctx, ClassSimple, f, err)
}
