package recorder

import (
	"math"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/escmeter/protocol"
)

type DiameterUnit string

const (
	DiameterInches DiameterUnit = "inches"
	DiameterMM     DiameterUnit = "mm"
	DiameterCM     DiameterUnit = "cm"
)

type MOIUnit string

const (
	MOIKgMM2 MOIUnit = "kg·mm²"
	MOIKgCM2 MOIUnit = "kg·cm²"
	MOIKgM2  MOIUnit = "kg·m²"
	MOIGCM2  MOIUnit = "g·cm²"
)

type TipSpeedUnit string

const (
	TipSpeedMPH TipSpeedUnit = "mph"
	TipSpeedMS  TipSpeedUnit = "m/s"
	TipSpeedKMH TipSpeedUnit = "km/h"
	TipSpeedFTS TipSpeedUnit = "ft/s"
)

func ParseDiameterUnit(s string) (DiameterUnit, error) {
	switch strings.ToLower(s) {
	case "inches", "inch", "in":
		return DiameterInches, nil
	case "mm":
		return DiameterMM, nil
	case "cm":
		return DiameterCM, nil
	}
	return "", errors.NotValidf("diameter unit=%q", s)
}

// ParseMOIUnit also accepts ASCII spelling like "kg*mm2".
func ParseMOIUnit(s string) (MOIUnit, error) {
	r := strings.NewReplacer("*", "·", ".", "·", "2", "²")
	switch MOIUnit(r.Replace(strings.ToLower(s))) {
	case MOIKgMM2:
		return MOIKgMM2, nil
	case MOIKgCM2:
		return MOIKgCM2, nil
	case MOIKgM2:
		return MOIKgM2, nil
	case MOIGCM2:
		return MOIGCM2, nil
	}
	return "", errors.NotValidf("moi unit=%q", s)
}

func ParseTipSpeedUnit(s string) (TipSpeedUnit, error) {
	switch strings.ToLower(s) {
	case "mph":
		return TipSpeedMPH, nil
	case "m/s", "ms":
		return TipSpeedMS, nil
	case "km/h", "kmh":
		return TipSpeedKMH, nil
	case "ft/s", "fts":
		return TipSpeedFTS, nil
	}
	return "", errors.NotValidf("tip speed unit=%q", s)
}

func DiameterToMeters(v float64, unit DiameterUnit) float64 {
	switch unit {
	case DiameterInches:
		return v * 0.0254
	case DiameterMM:
		return v / 1000
	case DiameterCM:
		return v / 100
	}
	return v
}

func MOIToKgM2(v float64, unit MOIUnit) float64 {
	switch unit {
	case MOIKgMM2:
		return v / 1e6
	case MOIKgCM2:
		return v / 1e4
	case MOIGCM2:
		return v / 1e7
	}
	return v
}

// TipSpeed of rotor with diameter in meters at rpm, converted to unit.
func TipSpeed(rpm, diameterM float64, unit TipSpeedUnit) float64 {
	ms := math.Pi * diameterM * rpm / 60
	switch unit {
	case TipSpeedKMH:
		return ms * 3.6
	case TipSpeedMPH:
		return ms * 2.23694
	case TipSpeedFTS:
		return ms * 3.28084
	}
	return ms
}

// KineticEnergy in joules, KE = I*ω²/2.
func KineticEnergy(rpm, moiKgM2 float64) float64 {
	omega := 2 * math.Pi * rpm / 60
	return 0.5 * moiKgM2 * omega * omega
}

// GeometrySettings is user facing rotor description, stored per device.
type GeometrySettings struct {
	Diameter     float64      `json:"diameter"`
	DiameterUnit DiameterUnit `json:"diameter_unit"`
	MOI          float64      `json:"moi"`
	MOIUnit      MOIUnit      `json:"moi_unit"`
	GearRatio    float64      `json:"gear_ratio"` // motor rpm / output rpm
	TipSpeedUnit TipSpeedUnit `json:"tip_speed_unit"`
}

func DefaultGeometrySettings() GeometrySettings {
	return GeometrySettings{
		Diameter:     10,
		DiameterUnit: DiameterInches,
		MOI:          5000,
		MOIUnit:      MOIKgMM2,
		GearRatio:    1,
		TipSpeedUnit: TipSpeedMPH,
	}
}

func (self GeometrySettings) Validate() error {
	if self.GearRatio <= 0 || math.IsNaN(self.GearRatio) {
		return errors.NotValidf("gear ratio=%v", self.GearRatio)
	}
	if self.Diameter < 0 || math.IsNaN(self.Diameter) {
		return errors.NotValidf("diameter=%v", self.Diameter)
	}
	if self.MOI < 0 || math.IsNaN(self.MOI) {
		return errors.NotValidf("moi=%v", self.MOI)
	}
	if _, err := ParseDiameterUnit(string(self.DiameterUnit)); err != nil {
		return err
	}
	if _, err := ParseMOIUnit(string(self.MOIUnit)); err != nil {
		return err
	}
	_, err := ParseTipSpeedUnit(string(self.TipSpeedUnit))
	return err
}

// Geometry is resolved to SI units, ready for per frame math.
type Geometry struct {
	DiameterM    float64
	MOIKgM2      float64
	GearRatio    float64
	TipSpeedUnit TipSpeedUnit
}

func (self GeometrySettings) Resolve() (Geometry, error) {
	if err := self.Validate(); err != nil {
		return Geometry{}, err
	}
	du, _ := ParseDiameterUnit(string(self.DiameterUnit))
	mu, _ := ParseMOIUnit(string(self.MOIUnit))
	tu, _ := ParseTipSpeedUnit(string(self.TipSpeedUnit))
	return Geometry{
		DiameterM:    DiameterToMeters(self.Diameter, du),
		MOIKgM2:      MOIToKgM2(self.MOI, mu),
		GearRatio:    self.GearRatio,
		TipSpeedUnit: tu,
	}, nil
}

func (self Geometry) OutputRpm(motorRpm float64) float64 {
	if self.GearRatio <= 0 {
		return motorRpm
	}
	return motorRpm / self.GearRatio
}

type Point struct {
	Metric Metric
	Value  float64
}

// Derive computes every metric available from frame variant.
func Derive(t protocol.Telemetry, g Geometry) []Point {
	ps := make([]Point, 0, metricCount)
	ps = append(ps,
		Point{MetricVoltage, float64(t.Voltage)},
		Point{MetricCurrent, float64(t.Current)},
		Point{MetricPower, float64(t.Voltage) * float64(t.Current)},
		Point{MetricThrottle, float64(t.Throttle)},
	)
	if !t.Extended() {
		return ps
	}
	rpm := float64(t.Rpm)
	out := g.OutputRpm(rpm)
	ps = append(ps,
		Point{MetricMotorRpm, rpm},
		Point{MetricOutputRpm, out},
		Point{MetricEscVoltage, float64(t.EscVoltage)},
		Point{MetricEscCurrent, float64(t.EscCurrent)},
		Point{MetricEscTemp, float64(t.TempC)},
		Point{MetricEscStatus, float64(t.LastStatus)},
		Point{MetricEscStress, float64(t.Stress)},
		Point{MetricTipSpeed, TipSpeed(out, g.DiameterM, g.TipSpeedUnit)},
		Point{MetricKineticEnergy, KineticEnergy(out, g.MOIKgM2)},
	)
	return ps
}
