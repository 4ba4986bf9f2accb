package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

type CommandCode uint8

const (
	CommandStop CommandCode = iota
	CommandStart
	CommandConnectEsc
	CommandDisconnectEsc
	CommandPing
)

func (c CommandCode) String() string {
	switch c {
	case CommandStop:
		return "stop"
	case CommandStart:
		return "start"
	case CommandConnectEsc:
		return "connect-esc"
	case CommandDisconnectEsc:
		return "disconnect-esc"
	case CommandPing:
		return "ping"
	}
	return fmt.Sprintf("command(%d)", uint8(c))
}

// Command throttle is percent, negative means reverse on bidirectional ESC.
type Command struct {
	Code     CommandCode
	Throttle float32
}

func (c Command) String() string { return fmt.Sprintf("%s throttle=%.1f", c.Code, c.Throttle) }

// Ping keeps link from idle timeout, throttle is unused.
func Ping() Command { return Command{Code: CommandPing} }

func EncodeCommand(c Command) [CommandFrameSize]byte {
	var b [CommandFrameSize]byte
	b[0] = byte(c.Code)
	binary.LittleEndian.PutUint32(b[1:], math.Float32bits(c.Throttle))
	return b
}

func DecodeCommand(b []byte) (Command, error) {
	if len(b) != CommandFrameSize {
		return Command{}, errors.Annotatef(ErrMalformedFrame, "command len=%d", len(b))
	}
	return Command{
		Code:     CommandCode(b[0]),
		Throttle: math.Float32frombits(binary.LittleEndian.Uint32(b[1:])),
	}, nil
}

type SpecialCommand uint8

const (
	SpecialBeep1 SpecialCommand = iota + 1
	SpecialBeep2
	SpecialBeep3
	SpecialBeep4
	SpecialBeep5
	SpecialEscInfo
	SpecialSpinDirection1
	SpecialSpinDirection2
	Special3dModeOff
	Special3dModeOn
	SpecialSettingsRequest
	SpecialSaveSettings
)

const (
	SpecialSpinDirectionNormal SpecialCommand = iota + 20
	SpecialSpinDirectionReversed
	SpecialLed0On
	SpecialLed1On
	SpecialLed2On
	SpecialLed3On
	SpecialLed0Off
	SpecialLed1Off
	SpecialLed2Off
	SpecialLed3Off
)

var specialNames = map[SpecialCommand]string{
	SpecialBeep1:                 "beep1",
	SpecialBeep2:                 "beep2",
	SpecialBeep3:                 "beep3",
	SpecialBeep4:                 "beep4",
	SpecialBeep5:                 "beep5",
	SpecialEscInfo:               "esc-info",
	SpecialSpinDirection1:        "spin-direction-1",
	SpecialSpinDirection2:        "spin-direction-2",
	Special3dModeOff:             "3d-off",
	Special3dModeOn:              "3d-on",
	SpecialSettingsRequest:       "settings-request",
	SpecialSaveSettings:          "save-settings",
	SpecialSpinDirectionNormal:   "direction-normal",
	SpecialSpinDirectionReversed: "direction-reversed",
	SpecialLed0On:                "led0-on",
	SpecialLed1On:                "led1-on",
	SpecialLed2On:                "led2-on",
	SpecialLed3On:                "led3-on",
	SpecialLed0Off:               "led0-off",
	SpecialLed1Off:               "led1-off",
	SpecialLed2Off:               "led2-off",
	SpecialLed3Off:               "led3-off",
}

func (s SpecialCommand) Valid() bool {
	_, ok := specialNames[s]
	return ok
}

func (s SpecialCommand) String() string {
	if name, ok := specialNames[s]; ok {
		return name
	}
	return fmt.Sprintf("special(%d)", uint8(s))
}

// ParseSpecialCommand accepts name like "beep3" or numeric code.
func ParseSpecialCommand(s string) (SpecialCommand, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for code, name := range specialNames {
		if name == s {
			return code, nil
		}
	}
	if n, err := strconv.ParseUint(s, 10, 8); err == nil && SpecialCommand(n).Valid() {
		return SpecialCommand(n), nil
	}
	return 0, errors.NotValidf("special command=%s", s)
}

func EncodeSpecialCommand(code SpecialCommand) [SpecialCommandFrameSize]byte {
	return [SpecialCommandFrameSize]byte{byte(code)}
}
