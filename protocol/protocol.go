// Package protocol is the power meter BLE wire codec.
// All frames are fixed width little-endian, no padding, no header tags.
// Telemetry variant is selected by payload length only.
package protocol

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// GATT identifiers of power meter firmware.
const (
	ServiceUUID             = "12345678-1234-5678-1234-56789abcdef0"
	CharDataUUID            = "12345678-1234-5678-1234-56789abcdef1"
	CharBatteryUUID         = "12345678-1234-5678-1234-56789abcdef2"
	CharConfigUUID          = "12345678-1234-5678-1234-56789abcdef3"
	CharCommandUUID         = "12345678-1234-5678-1234-56789abcdef4"
	CharSpecialCommandUUID  = "12345678-1234-5678-1234-56789abcdef5"
	CharSpecialResponseUUID = "12345678-1234-5678-1234-56789abcdef6"

	NamePrefixMeter = "RC Power Meter"
	NamePrefixPico  = "Pico"
)

// DefaultNamePrefixes match advertised names of known firmware builds.
func DefaultNamePrefixes() []string { return []string{NamePrefixMeter, NamePrefixPico} }

const (
	ConfigFrameSize         = 19
	CommandFrameSize        = 5
	SpecialCommandFrameSize = 1
	TelemetryBaseSize       = 13
	TelemetryExtendedSize   = 31
	BatteryStatusSize       = 5
)

// ErrMalformedFrame is expected noise during live mode switch, callers drop such frames.
var ErrMalformedFrame = errors.NewNotValid(nil, "malformed frame")

func IsMalformed(err error) bool { return errors.Cause(err) == ErrMalformedFrame }

type Mode uint8

const (
	ModePWM Mode = iota
	ModeDshot
)

func (m Mode) String() string {
	switch m {
	case ModePWM:
		return "pwm"
	case ModeDshot:
		return "dshot"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "pwm":
		return ModePWM, nil
	case "dshot":
		return ModeDshot, nil
	}
	return 0, errors.NotValidf("esc mode=%s", s)
}

type EscType uint8

const (
	EscUnidirectional EscType = iota
	EscBidirectional
)

func (e EscType) String() string {
	switch e {
	case EscUnidirectional:
		return "uni"
	case EscBidirectional:
		return "bi"
	}
	return fmt.Sprintf("esc_type(%d)", uint8(e))
}

func ParseEscType(s string) (EscType, error) {
	switch strings.ToLower(s) {
	case "", "uni", "unidirectional":
		return EscUnidirectional, nil
	case "bi", "bidirectional":
		return EscBidirectional, nil
	}
	return 0, errors.NotValidf("esc type=%s", s)
}

type BatteryState uint8

const (
	BatteryNormal BatteryState = iota
	BatteryWarning
	BatteryCutoff
)

func (b BatteryState) String() string {
	switch b {
	case BatteryNormal:
		return "NORMAL"
	case BatteryWarning:
		return "WARNING"
	case BatteryCutoff:
		return "CUTOFF"
	}
	return fmt.Sprintf("BATTERY(%d)", uint8(b))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
