// Package units provides shared constants and conversions for lengths and
// sap flow rates.
package units

import "strings"

// Length unit constants
const (
	Metre      = "m"
	Centimetre = "cm"
)

// Flow unit constants
// Flow rates are computed in kg/h; one kilogram of sap is taken as one litre.
const (
	KgPerHour    = "kg/h"
	LitrePerHour = "l/h"
	LitrePerDay  = "l/day"
	GramPerHour  = "g/h"
)

// ValidFlowUnits contains all valid flow unit values
var ValidFlowUnits = []string{KgPerHour, LitrePerHour, LitrePerDay, GramPerHour}

// MetresToCentimetres converts an installation measurement to centimetres,
// the unit all annulus geometry is derived in.
func MetresToCentimetres(m float64) float64 {
	return m * 100
}

// IsValidFlowUnit checks if the given unit is in the list of valid flow units
func IsValidFlowUnit(unit string) bool {
	for _, u := range ValidFlowUnits {
		if unit == u {
			return true
		}
	}
	return false
}

// GetValidFlowUnitsString returns a comma-separated string of valid units for error messages
func GetValidFlowUnitsString() string {
	return strings.Join(ValidFlowUnits, ", ")
}

// ConvertFlow converts a flow rate in kg/h to the target units
func ConvertFlow(kgPerHour float64, targetUnits string) float64 {
	switch targetUnits {
	case LitrePerHour:
		return kgPerHour
	case LitrePerDay:
		return kgPerHour * 24
	case GramPerHour:
		return kgPerHour * 1000
	default:
		return kgPerHour // default to kg/h if unknown unit
	}
}
