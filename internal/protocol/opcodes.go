package protocol

import "fmt"

// Opcode identifies the command, response or event carried by a frame.
type Opcode uint8

// ResponseFlag is set on every acknowledgement the hub sends for a request.
const ResponseFlag Opcode = 0x80

// Host to hub requests.
const (
	OpRegisterStart     Opcode = 0x01
	OpRegisterStop      Opcode = 0x02
	OpRegisterInfo      Opcode = 0x03
	OpDeviceDelete      Opcode = 0x04
	OpDeviceDeleteAll   Opcode = 0x05
	OpLEDIndicate       Opcode = 0x06
	OpFindMeStart       Opcode = 0x07
	OpFindMeStop        Opcode = 0x08
	OpRSSIStart         Opcode = 0x09
	OpRSSIStop          Opcode = 0x0A
	OpIOAlarmSet        Opcode = 0x0B
	OpSetFreq           Opcode = 0x0C
	OpSetHubEx          Opcode = 0x0D
	OpSetPANID          Opcode = 0x0E
	OpGetPANID          Opcode = 0x0F
	OpGetVersion        Opcode = 0x10
	OpGetVolRes         Opcode = 0x11
	OpGetNoise          Opcode = 0x12
	OpCarrierStart      Opcode = 0x13
	OpCarrierStop       Opcode = 0x14
	OpCrystalAdjustHigh Opcode = 0x15
	OpCrystalAdjustLow  Opcode = 0x16
	OpPA0Output         Opcode = 0x17
	OpHubSyncDone       Opcode = 0x18

	OpRelayCtrl            Opcode = 0x20
	OpSmartPlugCtrl        Opcode = 0x21
	OpWallSwitchCtrl       Opcode = 0x22
	OpSounderBroadcast     Opcode = 0x23
	OpSounderVolume        Opcode = 0x24
	OpIndoorSirenBroadcast Opcode = 0x25
	OpIndoorSirenVolume    Opcode = 0x26
	OpKeypadSet            Opcode = 0x27
	OpPIRSet               Opcode = 0x28
	OpTempHumiSet          Opcode = 0x29

	OpOTAEnterBootloader Opcode = 0x30
	OpOTAStart           Opcode = 0x31
	OpOTAData            Opcode = 0x33
	OpOTAAbort           Opcode = 0x35
	OpSubdevOTAStart     Opcode = 0x38
	OpSubdevOTAData      Opcode = 0x3A
	OpSubdevOTAAbort     Opcode = 0x3C
)

// Hub to host unsolicited frames.
const (
	OpOTADataRequest       Opcode = 0x32
	OpOTAResult            Opcode = 0x34
	OpSubdevOTADataRequest Opcode = 0x39
	OpSubdevOTAResult      Opcode = 0x3B

	OpRegisterResponse Opcode = 0x40
	OpHubSyncRequest   Opcode = 0x41
	OpHubEvent         Opcode = 0x42
	OpHeartbeat        Opcode = 0x43
	OpInputStatus      Opcode = 0x44
	OpInputEvent       Opcode = 0x45
	OpKeyPress         Opcode = 0x46
	OpKeypadInput      Opcode = 0x47
	OpKeypadAlarm      Opcode = 0x48
	OpOutputStatus     Opcode = 0x49
	OpJammingDetected  Opcode = 0x4A
)

// Response returns the acknowledgement opcode for request o.
func (o Opcode) Response() Opcode { return o | ResponseFlag }

// IsResponse reports whether o acknowledges a request.
func (o Opcode) IsResponse() bool { return o&ResponseFlag != 0 }

// Request returns the request opcode a response acknowledges.
func (o Opcode) Request() Opcode { return o &^ ResponseFlag }

var opcodeNames = map[Opcode]string{
	OpRegisterStart:        "RegisterStart",
	OpRegisterStop:         "RegisterStop",
	OpRegisterInfo:         "RegisterInfo",
	OpDeviceDelete:         "DeviceDelete",
	OpDeviceDeleteAll:      "DeviceDeleteAll",
	OpLEDIndicate:          "LEDIndicate",
	OpFindMeStart:          "FindMeStart",
	OpFindMeStop:           "FindMeStop",
	OpRSSIStart:            "RSSIStart",
	OpRSSIStop:             "RSSIStop",
	OpIOAlarmSet:           "IOAlarmSet",
	OpSetFreq:              "SetFreq",
	OpSetHubEx:             "SetHubEx",
	OpSetPANID:             "SetPANID",
	OpGetPANID:             "GetPANID",
	OpGetVersion:           "GetVersion",
	OpGetVolRes:            "GetVolRes",
	OpGetNoise:             "GetNoise",
	OpCarrierStart:         "CarrierStart",
	OpCarrierStop:          "CarrierStop",
	OpCrystalAdjustHigh:    "CrystalAdjustHigh",
	OpCrystalAdjustLow:     "CrystalAdjustLow",
	OpPA0Output:            "PA0Output",
	OpHubSyncDone:          "HubSyncDone",
	OpRelayCtrl:            "RelayCtrl",
	OpSmartPlugCtrl:        "SmartPlugCtrl",
	OpWallSwitchCtrl:       "WallSwitchCtrl",
	OpSounderBroadcast:     "SounderBroadcast",
	OpSounderVolume:        "SounderVolume",
	OpIndoorSirenBroadcast: "IndoorSirenBroadcast",
	OpIndoorSirenVolume:    "IndoorSirenVolume",
	OpKeypadSet:            "KeypadSet",
	OpPIRSet:               "PIRSet",
	OpTempHumiSet:          "TempHumiSet",
	OpOTAEnterBootloader:   "OTAEnterBootloader",
	OpOTAStart:             "OTAStart",
	OpOTADataRequest:       "OTADataRequest",
	OpOTAData:              "OTAData",
	OpOTAResult:            "OTAResult",
	OpOTAAbort:             "OTAAbort",
	OpSubdevOTAStart:       "SubdevOTAStart",
	OpSubdevOTADataRequest: "SubdevOTADataRequest",
	OpSubdevOTAData:        "SubdevOTAData",
	OpSubdevOTAResult:      "SubdevOTAResult",
	OpSubdevOTAAbort:       "SubdevOTAAbort",
	OpRegisterResponse:     "RegisterResponse",
	OpHubSyncRequest:       "HubSyncRequest",
	OpHubEvent:             "HubEvent",
	OpHeartbeat:            "Heartbeat",
	OpInputStatus:          "InputStatus",
	OpInputEvent:           "InputEvent",
	OpKeyPress:             "KeyPress",
	OpKeypadInput:          "KeypadInput",
	OpKeypadAlarm:          "KeypadAlarm",
	OpOutputStatus:         "OutputStatus",
	OpJammingDetected:      "JammingDetected",
}

func (o Opcode) String() string {
	if o.IsResponse() {
		if name, ok := opcodeNames[o.Request()]; ok {
			return name + "Ack"
		}
	} else if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(0x%02x)", uint8(o))
}

// Status is the first payload byte of every acknowledgement.
type Status uint8

const (
	StatusOK            Status = 0x00
	StatusFailed        Status = 0x01
	StatusInvalidParam  Status = 0x02
	StatusBusy          Status = 0x03
	StatusNotRegistered Status = 0x04
	StatusNotSupported  Status = 0x05
	StatusNoResponse    Status = 0x06
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusInvalidParam:
		return "invalid parameter"
	case StatusBusy:
		return "hub busy"
	case StatusNotRegistered:
		return "device not registered"
	case StatusNotSupported:
		return "not supported"
	case StatusNoResponse:
		return "no response from device"
	default:
		return fmt.Sprintf("status(0x%02x)", uint8(s))
	}
}
