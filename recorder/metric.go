package recorder

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

type Metric uint8

const (
	MetricVoltage Metric = iota
	MetricCurrent
	MetricPower
	MetricThrottle
	MetricMotorRpm
	MetricOutputRpm
	MetricEscVoltage
	MetricEscCurrent
	MetricEscTemp
	MetricEscStatus
	MetricEscStress
	MetricTipSpeed
	MetricKineticEnergy
	metricCount
)

type metricInfo struct {
	key      string
	label    string
	unit     string // empty for tip speed, see Unit()
	extended bool
}

var metrics = [metricCount]metricInfo{
	MetricVoltage:       {"voltage", "Voltage", "V", false},
	MetricCurrent:       {"current", "Current", "A", false},
	MetricPower:         {"power", "Power", "W", false},
	MetricThrottle:      {"throttle", "Throttle", "%", false},
	MetricMotorRpm:      {"motorRpm", "Motor RPM", "RPM", true},
	MetricOutputRpm:     {"outputRpm", "Output RPM", "RPM", true},
	MetricEscVoltage:    {"escVoltage", "ESC Voltage", "V", true},
	MetricEscCurrent:    {"escCurrent", "ESC Current", "A", true},
	MetricEscTemp:       {"escTemp", "ESC Temperature", "°C", true},
	MetricEscStatus:     {"escStatus", "ESC Status", "", true},
	MetricEscStress:     {"escStress", "ESC Stress", "%", true},
	MetricTipSpeed:      {"tipSpeed", "Tip Speed", "", true},
	MetricKineticEnergy: {"kineticEnergy", "Kinetic Energy", "J", true},
}

func AllMetrics() []Metric {
	ms := make([]Metric, metricCount)
	for i := range ms {
		ms[i] = Metric(i)
	}
	return ms
}

func (m Metric) Valid() bool { return m < metricCount }

func (m Metric) String() string {
	if m.Valid() {
		return metrics[m].key
	}
	return fmt.Sprintf("metric(%d)", uint8(m))
}

func (m Metric) Label() string {
	if m.Valid() {
		return metrics[m].label
	}
	return m.String()
}

// Extended metrics are computable only from extended telemetry variant.
func (m Metric) Extended() bool { return m.Valid() && metrics[m].extended }

// Unit of metric values; tip speed unit is configurable.
func (m Metric) Unit(tip TipSpeedUnit) string {
	if m == MetricTipSpeed {
		return string(tip)
	}
	if m.Valid() {
		return metrics[m].unit
	}
	return ""
}

// Header is export column title, e.g. "Voltage (V)".
func (m Metric) Header(tip TipSpeedUnit) string {
	if u := m.Unit(tip); u != "" {
		return fmt.Sprintf("%s (%s)", m.Label(), u)
	}
	return m.Label()
}

// ParseMetric accepts metric key, case insensitive.
func ParseMetric(s string) (Metric, error) {
	for i, info := range metrics {
		if strings.EqualFold(s, info.key) {
			return Metric(i), nil
		}
	}
	return metricCount, errors.NotValidf("metric=%q", s)
}

func ParseMetrics(ss []string) ([]Metric, error) {
	ms := make([]Metric, 0, len(ss))
	for _, s := range ss {
		m, err := ParseMetric(s)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	return ms, nil
}
