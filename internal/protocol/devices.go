package protocol

import (
	"encoding/binary"
	"fmt"
)

// RegisterMode selects how the hub accepts new sub-devices.
type RegisterMode uint8

const (
	RegisterLocal RegisterMode = 0 // any device that presses its pairing button
	RegisterByMAC RegisterMode = 1
	RegisterBySN  RegisterMode = 2
)

// LEDMode is the pattern a sub-device LED shows on request.
type LEDMode uint8

const (
	LEDOff LEDMode = iota
	LEDOn
	LEDBlinkSlow
	LEDBlinkFast
	LEDBreath
)

// LEDDuration selects how long the indication lasts, 500ms to 3000ms.
type LEDDuration uint8

const (
	LED500ms LEDDuration = iota
	LED1000ms
	LED1500ms
	LED2000ms
	LED2500ms
	LED3000ms
)

// FrequencyBand is the hub's operating band.
type FrequencyBand uint8

const (
	Band868 FrequencyBand = 0
	Band915 FrequencyBand = 1
	Band433 FrequencyBand = 2
)

func (b FrequencyBand) String() string {
	switch b {
	case Band868:
		return "868MHz"
	case Band915:
		return "915MHz"
	case Band433:
		return "433MHz"
	default:
		return fmt.Sprintf("band(%d)", uint8(b))
	}
}

// ParseFrequencyBand accepts "868", "915" or "433".
func ParseFrequencyBand(s string) (FrequencyBand, error) {
	switch s {
	case "868", "868MHz":
		return Band868, nil
	case "915", "915MHz":
		return Band915, nil
	case "433", "433MHz":
		return Band433, nil
	}
	return 0, fmt.Errorf("invalid frequency band %q (want 868, 915 or 433)", s)
}

// ArmState is the alarm state pushed to IO devices.
type ArmState uint8

const (
	Disarm  ArmState = 0
	Arm     ArmState = 1
	HomeArm ArmState = 2
)

// SwitchAction drives relays, smart plugs and wall switches.
type SwitchAction uint8

const (
	SwitchNone SwitchAction = iota
	SwitchOn
	SwitchOff
	SwitchToggle
)

// ParseSwitchAction accepts on, off, toggle or none.
func ParseSwitchAction(s string) (SwitchAction, error) {
	switch s {
	case "none":
		return SwitchNone, nil
	case "on":
		return SwitchOn, nil
	case "off":
		return SwitchOff, nil
	case "toggle":
		return SwitchToggle, nil
	}
	return 0, fmt.Errorf("invalid switch action %q", s)
}

// SirenAction is the broadcast action for sounders and indoor sirens (0-6).
type SirenAction uint8

const (
	SirenStop SirenAction = iota
	SirenAlarm
	SirenArm
	SirenDisarm
	SirenHomeArm
	SirenEntryDelay
	SirenExitDelay
)

// MaxSirenMode is the highest siren tone/light mode.
const MaxSirenMode = 12

// Volume applies to sounders and indoor sirens.
type Volume uint8

const (
	VolumeLow Volume = iota
	VolumeMid
	VolumeHigh
)

// Sensitivity applies to PIR sensors.
type Sensitivity uint8

const (
	SensitivityAuto Sensitivity = iota
	SensitivityLow
	SensitivityMid
	SensitivityHigh
)

// TempUnit selects the unit a temperature sensor displays.
type TempUnit uint8

const (
	Celsius    TempUnit = 0
	Fahrenheit TempUnit = 1
)

// KeypadSettings are the user-facing options of an LED keypad.
type KeypadSettings struct {
	Tone      bool
	ErrorLED  bool
	ArmLED    bool
	WarnLED   bool
	KeyTone   bool
	Backlight bool
	Lock      bool
}

// InputEventCode is the reason an input device reported an event.
type InputEventCode uint8

const (
	EventAlarm InputEventCode = iota + 1
	EventRestore
	EventTamper
	EventMotion
	EventOpen
	EventClose
	EventLowBattery
	EventEmergency
)

func (c InputEventCode) String() string {
	switch c {
	case EventAlarm:
		return "alarm"
	case EventRestore:
		return "restore"
	case EventTamper:
		return "tamper"
	case EventMotion:
		return "motion"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventLowBattery:
		return "low-battery"
	case EventEmergency:
		return "emergency"
	default:
		return fmt.Sprintf("event(%d)", uint8(c))
	}
}

// Key is a key fob button.
type Key uint8

const (
	KeyArm Key = iota + 1
	KeyDisarm
	KeyHomeArm
	KeySOS
)

func (k Key) String() string {
	switch k {
	case KeyArm:
		return "arm"
	case KeyDisarm:
		return "disarm"
	case KeyHomeArm:
		return "home-arm"
	case KeySOS:
		return "sos"
	default:
		return fmt.Sprintf("key(%d)", uint8(k))
	}
}

// DeviceStatus is the typed body of a heartbeat, input or output status frame.
type DeviceStatus interface {
	DeviceType() DeviceType
	String() string
	encode() []byte
}

// SensorStatus covers contacts, PIRs, leak, smoke and panic sensors, and keypads.
type SensorStatus struct {
	Type   DeviceType
	Power  uint8 // battery percent
	RSSI   int8
	Alarm  bool
	Tamper bool
	Fault  bool
}

func (s *SensorStatus) DeviceType() DeviceType { return s.Type }

func (s *SensorStatus) String() string {
	return fmt.Sprintf("%s{power=%d%%, rssi=%d, alarm=%t, tamper=%t, fault=%t}",
		s.Type, s.Power, s.RSSI, s.Alarm, s.Tamper, s.Fault)
}

func (s *SensorStatus) encode() []byte {
	return []byte{byte(s.Type), s.Power, byte(s.RSSI), flags(s.Alarm, s.Tamper, s.Fault)}
}

// TempHumiStatus is reported by temperature and humidity sensors.
type TempHumiStatus struct {
	Power       uint8
	RSSI        int8
	Temperature float64 // degrees, 0.1 resolution
	Humidity    float64 // percent, 0.1 resolution
	TempAlarm   bool
	HumiAlarm   bool
}

func (s *TempHumiStatus) DeviceType() DeviceType { return TypeTempHumi }

func (s *TempHumiStatus) String() string {
	return fmt.Sprintf("temp-humi{power=%d%%, rssi=%d, temp=%.1f, humi=%.1f%%, temp_alarm=%t, humi_alarm=%t}",
		s.Power, s.RSSI, s.Temperature, s.Humidity, s.TempAlarm, s.HumiAlarm)
}

func (s *TempHumiStatus) encode() []byte {
	b := make([]byte, 8)
	b[0] = byte(TypeTempHumi)
	b[1] = s.Power
	b[2] = byte(s.RSSI)
	binary.LittleEndian.PutUint16(b[3:5], uint16(int16(round(s.Temperature*10))))
	binary.LittleEndian.PutUint16(b[5:7], uint16(round(s.Humidity*10)))
	b[7] = flags(s.TempAlarm, s.HumiAlarm)
	return b
}

// SirenStatus is reported by sounders and indoor sirens.
type SirenStatus struct {
	Type         DeviceType
	Power        uint8
	RSSI         int8
	PowerSupply  bool // mains present
	Solar        bool
	BatteryFault bool
	Charging     bool
	Tamper       bool
	Volume       Volume
}

func (s *SirenStatus) DeviceType() DeviceType { return s.Type }

func (s *SirenStatus) String() string {
	return fmt.Sprintf("%s{power=%d%%, rssi=%d, supply=%t, solar=%t, battery_fault=%t, charging=%t, tamper=%t, volume=%d}",
		s.Type, s.Power, s.RSSI, s.PowerSupply, s.Solar, s.BatteryFault, s.Charging, s.Tamper, s.Volume)
}

func (s *SirenStatus) encode() []byte {
	return []byte{byte(s.Type), s.Power, byte(s.RSSI),
		flags(s.PowerSupply, s.Solar, s.BatteryFault, s.Charging, s.Tamper), byte(s.Volume)}
}

// PowerStatus is reported by relays, smart plugs, wall switches and water valves.
type PowerStatus struct {
	Type         DeviceType
	On           bool
	Lock         bool
	OverVoltage  bool
	UnderVoltage bool
	OverCurrent  bool
	OverPower    bool
	RSSI         int8
	Voltage      uint16 // 0.1V
	Current      uint16 // mA
	Power        uint16 // 0.1W
	RunTime      uint32 // seconds
	Energy       uint32 // Wh
}

func (s *PowerStatus) DeviceType() DeviceType { return s.Type }

func (s *PowerStatus) String() string {
	return fmt.Sprintf("%s{on=%t, lock=%t, rssi=%d, volt=%.1fV, curr=%dmA, power=%.1fW, run=%ds, energy=%dWh}",
		s.Type, s.On, s.Lock, s.RSSI, float64(s.Voltage)/10, s.Current, float64(s.Power)/10, s.RunTime, s.Energy)
}

func (s *PowerStatus) encode() []byte {
	b := make([]byte, 17)
	b[0] = byte(s.Type)
	b[1] = flags(s.On, s.Lock, s.OverVoltage, s.UnderVoltage, s.OverCurrent, s.OverPower)
	b[2] = byte(s.RSSI)
	binary.LittleEndian.PutUint16(b[3:5], s.Voltage)
	binary.LittleEndian.PutUint16(b[5:7], s.Current)
	binary.LittleEndian.PutUint16(b[7:9], s.Power)
	binary.LittleEndian.PutUint32(b[9:13], s.RunTime)
	binary.LittleEndian.PutUint32(b[13:17], s.Energy)
	return b
}

// EncodeStatus serializes a device status body.
func EncodeStatus(s DeviceStatus) []byte { return s.encode() }

// ParseStatus decodes a device status body. The first byte selects the layout.
func ParseStatus(payload []byte) (DeviceStatus, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: status body is empty", ErrShortPayload)
	}
	t := DeviceType(payload[0])
	body := payload[1:]

	switch t {
	case TypeTempHumi:
		if len(body) < 7 {
			return nil, shortPayload("temp-humi status", 7, len(body))
		}
		return &TempHumiStatus{
			Power:       body[0],
			RSSI:        int8(body[1]),
			Temperature: float64(int16(binary.LittleEndian.Uint16(body[2:4]))) / 10,
			Humidity:    float64(binary.LittleEndian.Uint16(body[4:6])) / 10,
			TempAlarm:   body[6]&0x01 != 0,
			HumiAlarm:   body[6]&0x02 != 0,
		}, nil

	case TypeIndoorSiren, TypeOutdoorSiren:
		if len(body) < 4 {
			return nil, shortPayload("siren status", 4, len(body))
		}
		return &SirenStatus{
			Type:         t,
			Power:        body[0],
			RSSI:         int8(body[1]),
			PowerSupply:  body[2]&0x01 != 0,
			Solar:        body[2]&0x02 != 0,
			BatteryFault: body[2]&0x04 != 0,
			Charging:     body[2]&0x08 != 0,
			Tamper:       body[2]&0x10 != 0,
			Volume:       Volume(body[3]),
		}, nil

	case TypeSmartPlug, TypeRelay, TypeWallSwitch, TypeWaterValve:
		if len(body) < 16 {
			return nil, shortPayload("power status", 16, len(body))
		}
		return &PowerStatus{
			Type:         t,
			On:           body[0]&0x01 != 0,
			Lock:         body[0]&0x02 != 0,
			OverVoltage:  body[0]&0x04 != 0,
			UnderVoltage: body[0]&0x08 != 0,
			OverCurrent:  body[0]&0x10 != 0,
			OverPower:    body[0]&0x20 != 0,
			RSSI:         int8(body[1]),
			Voltage:      binary.LittleEndian.Uint16(body[2:4]),
			Current:      binary.LittleEndian.Uint16(body[4:6]),
			Power:        binary.LittleEndian.Uint16(body[6:8]),
			RunTime:      binary.LittleEndian.Uint32(body[8:12]),
			Energy:       binary.LittleEndian.Uint32(body[12:16]),
		}, nil

	case TypeMC, TypePIR, TypeWaterLeak, TypeFixedPA, TypePortablePA, TypeSmoke, TypeLEDKeypad, TypeKeyFob:
		if len(body) < 3 {
			return nil, shortPayload("sensor status", 3, len(body))
		}
		return &SensorStatus{
			Type:   t,
			Power:  body[0],
			RSSI:   int8(body[1]),
			Alarm:  body[2]&0x01 != 0,
			Tamper: body[2]&0x02 != 0,
			Fault:  body[2]&0x04 != 0,
		}, nil
	}

	return nil, fmt.Errorf("unknown device type %d in status body", uint8(t))
}

func flags(bits ...bool) byte {
	var b byte
	for i, set := range bits {
		if set {
			b |= 1 << i
		}
	}
	return b
}

func round(f float64) float64 {
	if f < 0 {
		return float64(int64(f - 0.5))
	}
	return float64(int64(f + 0.5))
}
