// Package units provides the roast metric names, their storage units and
// display conversions.
package units

import "strings"

// Metric identifies one physical quantity reported by a sensor.
type Metric string

// Metric constants
const (
	Temperature Metric = "temperature"
	Humidity    Metric = "humidity"
	CO2         Metric = "co2"
	VOC         Metric = "voc"
)

// Unit constants. Values are stored in these units.
const (
	Celsius    = "°C"
	Fahrenheit = "°F"
	Percent    = "%"
	PPM        = "ppm"
	PPB        = "ppb"
)

// ValidMetrics contains all metrics the logger persists.
var ValidMetrics = []Metric{Temperature, Humidity, CO2, VOC}

var metricUnits = map[Metric]string{
	Temperature: Celsius,
	Humidity:    Percent,
	CO2:         PPM,
	VOC:         PPB,
}

// Unit returns the storage unit for m, or "" when m is not a known metric.
func (m Metric) Unit() string {
	return metricUnits[m]
}

// IsValid reports whether m is one of ValidMetrics.
func (m Metric) IsValid() bool {
	_, ok := metricUnits[m]
	return ok
}

// ParseMetric normalises s and reports whether it names a known metric.
func ParseMetric(s string) (Metric, bool) {
	m := Metric(strings.ToLower(strings.TrimSpace(s)))
	return m, m.IsValid()
}

// GetValidMetricsString returns a comma-separated list for error messages.
func GetValidMetricsString() string {
	names := make([]string, len(ValidMetrics))
	for i, m := range ValidMetrics {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

// IsValidTemperatureUnit checks a display unit for temperatures.
func IsValidTemperatureUnit(unit string) bool {
	switch unit {
	case Celsius, Fahrenheit, "C", "F", "c", "f":
		return true
	}
	return false
}

// ConvertTemperature converts a stored Celsius value to the target unit.
// Unknown units return the value unchanged.
func ConvertTemperature(celsius float64, target string) float64 {
	switch target {
	case Fahrenheit, "F", "f":
		return celsius*9/5 + 32
	default:
		return celsius
	}
}
