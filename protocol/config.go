package protocol

import (
	"encoding/binary"

	"github.com/juju/errors"
)

// Config is ESC setup sent to the meter. Values wrap to field width,
// validate before encoding.
type Config struct {
	Mode                     Mode    `json:"mode"`
	EscType                  EscType `json:"esc_type"`
	ThrottleMin              uint16  `json:"throttle_min"` // PWM microseconds
	ThrottleMax              uint16  `json:"throttle_max"`
	RampUpRate               uint16  `json:"ramp_up_rate"` // percent per second
	RampDownRate             uint16  `json:"ramp_down_rate"`
	RampUpEnabled            bool    `json:"ramp_up_enabled"`
	RampDownEnabled          bool    `json:"ramp_down_enabled"`
	BatteryCells             uint8   `json:"battery_cells"`
	BatteryCutoffMv          uint16  `json:"battery_cutoff_mv"`        // per cell
	BatteryWarningDeltaMv    uint16  `json:"battery_warning_delta_mv"` // above cutoff
	BatteryProtectionEnabled bool    `json:"battery_protection_enabled"`
	MotorPoles               uint8   `json:"motor_poles"`
}

func DefaultConfig() Config {
	return Config{
		Mode:                     ModePWM,
		EscType:                  EscUnidirectional,
		ThrottleMin:              1000,
		ThrottleMax:              2000,
		RampUpRate:               50,
		RampDownRate:             100,
		RampUpEnabled:            true,
		RampDownEnabled:          true,
		BatteryCells:             4,
		BatteryCutoffMv:          3200,
		BatteryWarningDeltaMv:    200,
		BatteryProtectionEnabled: true,
		MotorPoles:               14,
	}
}

func (c *Config) Validate() error {
	if c.Mode > ModeDshot {
		return errors.NotValidf("mode=%d", c.Mode)
	}
	if c.EscType > EscBidirectional {
		return errors.NotValidf("esc_type=%d", c.EscType)
	}
	if c.ThrottleMin >= c.ThrottleMax {
		return errors.NotValidf("throttle range min=%d max=%d", c.ThrottleMin, c.ThrottleMax)
	}
	if c.BatteryCells == 0 {
		return errors.NotValidf("battery_cells=0")
	}
	if c.MotorPoles == 0 || c.MotorPoles%2 != 0 {
		return errors.NotValidf("motor_poles=%d", c.MotorPoles)
	}
	return nil
}

func EncodeConfig(c Config) [ConfigFrameSize]byte {
	var b [ConfigFrameSize]byte
	b[0] = byte(c.Mode)
	b[1] = byte(c.EscType)
	binary.LittleEndian.PutUint16(b[2:], c.ThrottleMin)
	binary.LittleEndian.PutUint16(b[4:], c.ThrottleMax)
	binary.LittleEndian.PutUint16(b[6:], c.RampUpRate)
	binary.LittleEndian.PutUint16(b[8:], c.RampDownRate)
	b[10] = boolByte(c.RampUpEnabled)
	b[11] = boolByte(c.RampDownEnabled)
	b[12] = c.BatteryCells
	binary.LittleEndian.PutUint16(b[13:], c.BatteryCutoffMv)
	binary.LittleEndian.PutUint16(b[15:], c.BatteryWarningDeltaMv)
	b[17] = boolByte(c.BatteryProtectionEnabled)
	b[18] = c.MotorPoles
	return b
}

func DecodeConfig(b []byte) (Config, error) {
	if len(b) != ConfigFrameSize {
		return Config{}, errors.Annotatef(ErrMalformedFrame, "config len=%d", len(b))
	}
	return Config{
		Mode:                     Mode(b[0]),
		EscType:                  EscType(b[1]),
		ThrottleMin:              binary.LittleEndian.Uint16(b[2:]),
		ThrottleMax:              binary.LittleEndian.Uint16(b[4:]),
		RampUpRate:               binary.LittleEndian.Uint16(b[6:]),
		RampDownRate:             binary.LittleEndian.Uint16(b[8:]),
		RampUpEnabled:            b[10] != 0,
		RampDownEnabled:          b[11] != 0,
		BatteryCells:             b[12],
		BatteryCutoffMv:          binary.LittleEndian.Uint16(b[13:]),
		BatteryWarningDeltaMv:    binary.LittleEndian.Uint16(b[15:]),
		BatteryProtectionEnabled: b[17] != 0,
		MotorPoles:               b[18],
	}, nil
}
