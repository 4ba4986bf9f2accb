package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/juju/errors"
)

type Variant uint8

const (
	VariantBase Variant = iota + 1
	VariantExtended
)

func (v Variant) String() string {
	switch v {
	case VariantBase:
		return "base"
	case VariantExtended:
		return "extended"
	}
	return fmt.Sprintf("variant(%d)", uint8(v))
}

// Telemetry is decoded data notification. Fields after BatteryState
// are populated only for VariantExtended (DSHOT mode).
type Telemetry struct {
	Variant      Variant
	Voltage      float32
	Current      float32
	Throttle     float32 // percent
	BatteryState BatteryState

	Rpm        uint32
	EscVoltage float32
	EscCurrent uint32
	TempC      uint16
	LastStatus uint16
	Stress     uint16
}

func (t Telemetry) Extended() bool { return t.Variant == VariantExtended }

func (t Telemetry) Battery() BatteryStatus {
	return BatteryStatus{State: t.BatteryState, Voltage: t.Voltage}
}

func (t Telemetry) String() string {
	if t.Extended() {
		return fmt.Sprintf("telemetry(%s V=%.2f I=%.2f thr=%.1f bat=%s rpm=%d escV=%.2f escI=%d temp=%d status=%d stress=%d)",
			t.Variant, t.Voltage, t.Current, t.Throttle, t.BatteryState,
			t.Rpm, t.EscVoltage, t.EscCurrent, t.TempC, t.LastStatus, t.Stress)
	}
	return fmt.Sprintf("telemetry(%s V=%.2f I=%.2f thr=%.1f bat=%s)",
		t.Variant, t.Voltage, t.Current, t.Throttle, t.BatteryState)
}

// DecodeTelemetry dispatches on length only.
// 13 bytes is base variant, 31 bytes is extended, anything else ErrMalformedFrame.
func DecodeTelemetry(b []byte) (Telemetry, error) {
	var t Telemetry
	switch len(b) {
	case TelemetryBaseSize:
		t.Variant = VariantBase
		t.BatteryState = BatteryState(b[12])
	case TelemetryExtendedSize:
		t.Variant = VariantExtended
		t.Rpm = binary.LittleEndian.Uint32(b[12:])
		t.EscVoltage = getFloat32(b[16:])
		t.EscCurrent = binary.LittleEndian.Uint32(b[20:])
		t.TempC = binary.LittleEndian.Uint16(b[24:])
		t.LastStatus = binary.LittleEndian.Uint16(b[26:])
		t.Stress = binary.LittleEndian.Uint16(b[28:])
		t.BatteryState = BatteryState(b[30])
	default:
		return Telemetry{}, errors.Annotatef(ErrMalformedFrame, "telemetry len=%d", len(b))
	}
	t.Voltage = getFloat32(b[0:])
	t.Current = getFloat32(b[4:])
	t.Throttle = getFloat32(b[8:])
	return t, nil
}

// EncodeTelemetry is the firmware side of DecodeTelemetry, used by simulators.
func EncodeTelemetry(t Telemetry) []byte {
	size := TelemetryBaseSize
	if t.Extended() {
		size = TelemetryExtendedSize
	}
	b := make([]byte, size)
	putFloat32(b[0:], t.Voltage)
	putFloat32(b[4:], t.Current)
	putFloat32(b[8:], t.Throttle)
	if !t.Extended() {
		b[12] = byte(t.BatteryState)
		return b
	}
	binary.LittleEndian.PutUint32(b[12:], t.Rpm)
	putFloat32(b[16:], t.EscVoltage)
	binary.LittleEndian.PutUint32(b[20:], t.EscCurrent)
	binary.LittleEndian.PutUint16(b[24:], t.TempC)
	binary.LittleEndian.PutUint16(b[26:], t.LastStatus)
	binary.LittleEndian.PutUint16(b[28:], t.Stress)
	b[30] = byte(t.BatteryState)
	return b
}

type BatteryStatus struct {
	State   BatteryState
	Voltage float32
}

func (b BatteryStatus) String() string { return fmt.Sprintf("battery(%s %.2fV)", b.State, b.Voltage) }

func DecodeBatteryStatus(b []byte) (BatteryStatus, error) {
	if len(b) != BatteryStatusSize {
		return BatteryStatus{}, errors.Annotatef(ErrMalformedFrame, "battery len=%d", len(b))
	}
	return BatteryStatus{
		State:   BatteryState(b[0]),
		Voltage: getFloat32(b[1:]),
	}, nil
}

func EncodeBatteryStatus(s BatteryStatus) [BatteryStatusSize]byte {
	var b [BatteryStatusSize]byte
	b[0] = byte(s.State)
	putFloat32(b[1:], s.Voltage)
	return b
}

type ResponseKind uint8

const (
	ResponseAck ResponseKind = iota
	ResponseInfo
	ResponseSettings
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseAck:
		return "ack"
	case ResponseInfo:
		return "info"
	case ResponseSettings:
		return "settings"
	}
	return fmt.Sprintf("response(%d)", uint8(k))
}

const (
	responseTagInfo     = 1
	responseTagSettings = 2
	responseInfoMinSize = 4
)

// SpecialResponse is reply to special command. Info fields are set only for ResponseInfo.
type SpecialResponse struct {
	Kind              ResponseKind
	FirmwareVersion   uint8
	RotationDirection uint8
	Mode3D            bool
}

// ErrEmptyResponse means zero length notification, log and ignore.
var ErrEmptyResponse = errors.New("empty special response")

// DecodeSpecialResponse: info tag with short payload and unknown tags decode as generic ack.
func DecodeSpecialResponse(b []byte) (SpecialResponse, error) {
	if len(b) == 0 {
		return SpecialResponse{}, ErrEmptyResponse
	}
	switch {
	case b[0] == responseTagInfo && len(b) >= responseInfoMinSize:
		return SpecialResponse{
			Kind:              ResponseInfo,
			FirmwareVersion:   b[1],
			RotationDirection: b[2],
			Mode3D:            b[3] == 1,
		}, nil
	case b[0] == responseTagSettings:
		return SpecialResponse{Kind: ResponseSettings}, nil
	}
	return SpecialResponse{Kind: ResponseAck}, nil
}

func EncodeSpecialResponse(r SpecialResponse) []byte {
	switch r.Kind {
	case ResponseInfo:
		return []byte{responseTagInfo, r.FirmwareVersion, r.RotationDirection, boolByte(r.Mode3D)}
	case ResponseSettings:
		return []byte{responseTagSettings}
	}
	return []byte{0}
}

func getFloat32(b []byte) float32    { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }
func putFloat32(b []byte, f float32) { binary.LittleEndian.PutUint32(b, math.Float32bits(f)) }
