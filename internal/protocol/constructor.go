package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame constructors for every request the host sends, plus the hub-side
// frames used by the simulator and tests.

const (
	// MaxBatchDevices bounds the identity list of a find-me or RSSI broadcast.
	MaxBatchDevices = 128
	// MaxSubdevOTADevices bounds a sub-device firmware batch.
	MaxSubdevOTADevices = 12
	// MaxKeypadKeys bounds the key buffer a keypad reports.
	MaxKeypadKeys = 32
)

// HubCommand builds a request addressed to the hub with an optional payload.
func HubCommand(op Opcode, payload ...byte) Frame {
	return Frame{Opcode: op, Peer: HubID, Payload: payload}
}

// DeviceCommand builds a request addressed to one sub-device.
func DeviceCommand(op Opcode, id DeviceID, payload ...byte) Frame {
	return Frame{Opcode: op, Peer: id, Payload: payload}
}

// BuildRegisterStart opens the registration window. mac is used with
// RegisterByMAC and sn with RegisterBySN; both are ignored otherwise.
func BuildRegisterStart(mode RegisterMode, mac [8]byte, sn [16]byte) (Frame, error) {
	payload := []byte{byte(mode)}
	switch mode {
	case RegisterLocal:
	case RegisterByMAC:
		payload = append(payload, mac[:]...)
	case RegisterBySN:
		payload = append(payload, sn[:]...)
	default:
		return Frame{}, fmt.Errorf("invalid register mode %d", mode)
	}
	return HubCommand(OpRegisterStart, payload...), nil
}

// BuildLEDIndicate asks a sub-device to flash its LED.
func BuildLEDIndicate(id DeviceID, mode LEDMode, duration LEDDuration) (Frame, error) {
	if mode > LEDBreath {
		return Frame{}, fmt.Errorf("invalid LED mode %d", mode)
	}
	if duration > LED3000ms {
		return Frame{}, fmt.Errorf("invalid LED duration %d", duration)
	}
	return DeviceCommand(OpLEDIndicate, id, byte(mode), byte(duration)), nil
}

// BuildFindMeStart starts a find-me broadcast to ids. retry is the number of
// over-the-air attempts the hub makes per device.
func BuildFindMeStart(retry uint8, ids []DeviceID) (Frame, error) {
	list, err := encodeDeviceList(ids)
	if err != nil {
		return Frame{}, err
	}
	return HubCommand(OpFindMeStart, append([]byte{retry}, list...)...), nil
}

// BuildDeviceListCommand builds FindMeStop, RSSIStart or RSSIStop.
func BuildDeviceListCommand(op Opcode, ids []DeviceID) (Frame, error) {
	list, err := encodeDeviceList(ids)
	if err != nil {
		return Frame{}, err
	}
	return HubCommand(op, list...), nil
}

func encodeDeviceList(ids []DeviceID) ([]byte, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("device list is empty")
	}
	if len(ids) > MaxBatchDevices {
		return nil, fmt.Errorf("device list too long: %d (max %d)", len(ids), MaxBatchDevices)
	}
	b := make([]byte, 0, 1+2*len(ids))
	b = append(b, byte(len(ids)))
	for _, id := range ids {
		if err := id.Validate(); err != nil {
			return nil, fmt.Errorf("device %s: %w", id, err)
		}
		b = append(b, byte(id.Category), id.No)
	}
	return b, nil
}

func encodeNumberList(nos []uint8, limit int) ([]byte, error) {
	if len(nos) == 0 {
		return nil, fmt.Errorf("device list is empty")
	}
	if len(nos) > limit {
		return nil, fmt.Errorf("device list too long: %d (max %d)", len(nos), limit)
	}
	b := make([]byte, 0, 1+len(nos))
	b = append(b, byte(len(nos)))
	for _, no := range nos {
		if no == 0 {
			return nil, fmt.Errorf("registration number must be in [1,255]")
		}
		b = append(b, no)
	}
	return b, nil
}

// BuildIOAlarmSet arms or disarms a group of IO devices.
func BuildIOAlarmSet(state ArmState, nos []uint8) (Frame, error) {
	if state > HomeArm {
		return Frame{}, fmt.Errorf("invalid arm state %d", state)
	}
	list, err := encodeNumberList(nos, MaxBatchDevices)
	if err != nil {
		return Frame{}, err
	}
	return HubCommand(OpIOAlarmSet, append([]byte{byte(state)}, list...)...), nil
}

// BuildSetFreq selects the hub's frequency band.
func BuildSetFreq(band FrequencyBand) (Frame, error) {
	if band > Band433 {
		return Frame{}, fmt.Errorf("invalid frequency band %d", band)
	}
	return HubCommand(OpSetFreq, byte(band)), nil
}

// HubParams are the extended hub parameters set together.
type HubParams struct {
	Band             FrequencyBand
	JammingThreshold uint8
	CustomerCode     uint32
}

// BuildSetHubEx sets band, jamming threshold and customer code.
func BuildSetHubEx(p HubParams) (Frame, error) {
	if p.Band > Band433 {
		return Frame{}, fmt.Errorf("invalid frequency band %d", p.Band)
	}
	b := make([]byte, 6)
	b[0] = byte(p.Band)
	b[1] = p.JammingThreshold
	binary.LittleEndian.PutUint32(b[2:], p.CustomerCode)
	return HubCommand(OpSetHubEx, b...), nil
}

// BuildSetPANID sets the network identifier.
func BuildSetPANID(panid uint32) Frame {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, panid)
	return HubCommand(OpSetPANID, b...)
}

// CarrierParams configure the continuous-carrier RF test.
type CarrierParams struct {
	Channel uint8
	Power   uint16
	Wave    uint8 // 0 = unmodulated carrier, 1 = modulated
	Antenna uint8
}

// BuildCarrierStart starts the carrier test.
func BuildCarrierStart(p CarrierParams) Frame {
	b := make([]byte, 5)
	b[0] = p.Channel
	binary.LittleEndian.PutUint16(b[1:3], p.Power)
	b[3] = p.Wave
	b[4] = p.Antenna
	return HubCommand(OpCarrierStart, b...)
}

// BuildCrystalAdjust trims the crystal of the high or low band radio.
func BuildCrystalAdjust(high bool, offset int32) Frame {
	op := OpCrystalAdjustLow
	if high {
		op = OpCrystalAdjustHigh
	}
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(offset))
	return HubCommand(op, b...)
}

// BuildPA0Output enables or disables the PA0 output pin.
func BuildPA0Output(enable bool) Frame {
	return HubCommand(OpPA0Output, boolByte(enable))
}

// BuildSwitchCtrl drives a relay, smart plug or wall switch. lock is only
// carried for smart plugs.
func BuildSwitchCtrl(id DeviceID, t DeviceType, action SwitchAction, lock bool) (Frame, error) {
	if action > SwitchToggle {
		return Frame{}, fmt.Errorf("invalid switch action %d", action)
	}
	switch t {
	case TypeRelay:
		return DeviceCommand(OpRelayCtrl, id, byte(action)), nil
	case TypeSmartPlug:
		return DeviceCommand(OpSmartPlugCtrl, id, byte(action), boolByte(lock)), nil
	case TypeWallSwitch:
		return DeviceCommand(OpWallSwitchCtrl, id, byte(action)), nil
	}
	return Frame{}, fmt.Errorf("%s is not a switchable device", t)
}

// BuildSirenBroadcast sends an action to a group of sounders or indoor sirens.
func BuildSirenBroadcast(indoor bool, action SirenAction, mode uint8, nos []uint8) (Frame, error) {
	if action > SirenExitDelay {
		return Frame{}, fmt.Errorf("invalid siren action %d", action)
	}
	if mode > MaxSirenMode {
		return Frame{}, fmt.Errorf("invalid siren mode %d (max %d)", mode, MaxSirenMode)
	}
	list, err := encodeNumberList(nos, MaxBatchDevices)
	if err != nil {
		return Frame{}, err
	}
	op := OpSounderBroadcast
	if indoor {
		op = OpIndoorSirenBroadcast
	}
	return HubCommand(op, append([]byte{byte(action), mode}, list...)...), nil
}

// BuildSirenVolume sets the volume of one sounder or indoor siren.
func BuildSirenVolume(id DeviceID, indoor bool, v Volume) (Frame, error) {
	if v > VolumeHigh {
		return Frame{}, fmt.Errorf("invalid volume %d", v)
	}
	op := OpSounderVolume
	if indoor {
		op = OpIndoorSirenVolume
	}
	return DeviceCommand(op, id, byte(v)), nil
}

// BuildKeypadSet pushes keypad settings.
func BuildKeypadSet(id DeviceID, s KeypadSettings) Frame {
	return DeviceCommand(OpKeypadSet, id,
		boolByte(s.Tone), boolByte(s.ErrorLED), boolByte(s.ArmLED), boolByte(s.WarnLED),
		boolByte(s.KeyTone), boolByte(s.Backlight), boolByte(s.Lock))
}

// BuildPIRSet configures tamper detection and sensitivity of a PIR.
func BuildPIRSet(id DeviceID, tamper bool, s Sensitivity) (Frame, error) {
	if s > SensitivityHigh {
		return Frame{}, fmt.Errorf("invalid sensitivity %d", s)
	}
	return DeviceCommand(OpPIRSet, id, boolByte(tamper), byte(s)), nil
}

// BuildTempHumiSet configures display unit and alarm thresholds.
func BuildTempHumiSet(id DeviceID, unit TempUnit, tempThreshold, humiThreshold float64) (Frame, error) {
	if unit > Fahrenheit {
		return Frame{}, fmt.Errorf("invalid temperature unit %d", unit)
	}
	if humiThreshold < 0 || humiThreshold > 100 {
		return Frame{}, fmt.Errorf("humidity threshold %.1f out of range", humiThreshold)
	}
	b := make([]byte, 5)
	b[0] = byte(unit)
	binary.LittleEndian.PutUint16(b[1:3], uint16(int16(round(tempThreshold*10))))
	binary.LittleEndian.PutUint16(b[3:5], uint16(round(humiThreshold*10)))
	return DeviceCommand(OpTempHumiSet, id, b...), nil
}

// BuildOTAStart announces a hub firmware image of size bytes.
func BuildOTAStart(size uint32) Frame {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, size)
	return HubCommand(OpOTAStart, b...)
}

// BuildSubdevOTAStart announces a firmware image for a batch of sub-devices.
func BuildSubdevOTAStart(cat Category, nos []uint8, size uint32) (Frame, error) {
	list, err := encodeNumberList(nos, MaxSubdevOTADevices)
	if err != nil {
		return Frame{}, err
	}
	b := make([]byte, 0, 1+len(list)+4)
	b = append(b, byte(cat))
	b = append(b, list...)
	b = binary.LittleEndian.AppendUint32(b, size)
	return HubCommand(OpSubdevOTAStart, b...), nil
}

// BuildOTAData answers a data request. op is OpOTAData or OpSubdevOTAData.
func BuildOTAData(op Opcode, offset uint32, data []byte) (Frame, error) {
	if len(data)+4 > MaxPayloadSize {
		return Frame{}, fmt.Errorf("%w: chunk of %d bytes", ErrPayloadTooLarge, len(data))
	}
	b := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(b, offset)
	copy(b[4:], data)
	return HubCommand(op, b...), nil
}

// Hub-side frames.

// BuildAck acknowledges request op from peer with status and optional data.
func BuildAck(op Opcode, peer DeviceID, status Status, data ...byte) Frame {
	return Frame{Opcode: op.Response(), Peer: peer, Payload: append([]byte{byte(status)}, data...)}
}

// BuildRegisterResponse reports a newly registered sub-device.
func BuildRegisterResponse(rec Record) Frame {
	return Frame{Opcode: OpRegisterResponse, Peer: rec.ID, Payload: EncodeRecord(rec)}
}

// BuildRegisterInfoPage builds one page of the registration-info snapshot.
func BuildRegisterInfoPage(total, index uint16, recs []Record) Frame {
	b := make([]byte, 5, 5+len(recs)*RecordSize)
	binary.LittleEndian.PutUint16(b[0:2], total)
	binary.LittleEndian.PutUint16(b[2:4], index)
	b[4] = byte(len(recs))
	for _, r := range recs {
		b = append(b, EncodeRecord(r)...)
	}
	return BuildAck(OpRegisterInfo, HubID, StatusOK, b...)
}

// RecordsPerPage is how many records fit one registration-info page.
const RecordsPerPage = (MaxPayloadSize - 6) / RecordSize

// EncodeRecord serializes a registry record.
func EncodeRecord(r Record) []byte {
	b := make([]byte, RecordSize)
	b[0] = byte(r.ID.Category)
	b[1] = r.ID.No
	b[2] = byte(r.Type)
	copy(b[3:6], r.Version[:])
	copy(b[6:22], r.Serial[:])
	copy(b[22:30], r.MAC[:])
	b[30] = r.ErrCode
	return b
}

// BuildDataRequest asks the host for firmware bytes. op is OpOTADataRequest
// or OpSubdevOTADataRequest.
func BuildDataRequest(op Opcode, offset uint32, size uint16) Frame {
	b := make([]byte, 6)
	binary.LittleEndian.PutUint32(b[0:4], offset)
	binary.LittleEndian.PutUint16(b[4:6], size)
	return HubCommand(op, b...)
}

// BuildOTAResult reports the outcome of a hub upgrade.
func BuildOTAResult(status Status) Frame {
	return HubCommand(OpOTAResult, byte(status))
}

// BuildSubdevOTAResult reports the outcome for one device of a batch.
func BuildSubdevOTAResult(no uint8, status Status, code SubdevOTAErrorCode) Frame {
	return HubCommand(OpSubdevOTAResult, no, byte(status), byte(code))
}

// BuildStatusReport builds a heartbeat, input status or output status frame.
func BuildStatusReport(op Opcode, id DeviceID, s DeviceStatus) Frame {
	return Frame{Opcode: op, Peer: id, Payload: EncodeStatus(s)}
}

// BuildInputEvent reports an input device event.
func BuildInputEvent(id DeviceID, t DeviceType, code InputEventCode) Frame {
	return Frame{Opcode: OpInputEvent, Peer: id, Payload: []byte{byte(t), byte(code)}}
}

// BuildKeyPress reports a key fob button press.
func BuildKeyPress(id DeviceID, key Key) Frame {
	return Frame{Opcode: OpKeyPress, Peer: id, Payload: []byte{byte(key)}}
}

// BuildKeypadInput reports the keypad key buffer.
func BuildKeypadInput(id DeviceID, keys []byte) Frame {
	if len(keys) > MaxKeypadKeys {
		keys = keys[:MaxKeypadKeys]
	}
	return Frame{Opcode: OpKeypadInput, Peer: id, Payload: append([]byte{byte(len(keys))}, keys...)}
}

// BuildKeypadAlarm reports keypad alarm buttons.
func BuildKeypadAlarm(id DeviceID, a KeypadAlarm) Frame {
	return Frame{Opcode: OpKeypadAlarm, Peer: id, Payload: []byte{
		boolByte(a.Emergency), boolByte(a.Fire), boolByte(a.Medical), boolByte(a.Tamper),
	}}
}

// BuildHubEvent reports a hub module event.
func BuildHubEvent(syncFlag uint8) Frame {
	return HubCommand(OpHubEvent, syncFlag)
}

// BuildJamming reports detected interference.
func BuildJamming(level uint8) Frame {
	return HubCommand(OpJammingDetected, level)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
