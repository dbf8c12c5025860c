package coherent

import (
	"fmt"
	"strings"
)

// Variant is a family of meter.  The two families reply to READ? with
// different field layouts and support different attributes.
type Variant int

const (
	// VariantUnknown is the zero value, used before identification
	VariantUnknown Variant = iota

	// EnergyMax is the pulsed-energy meter family
	EnergyMax

	// PowerMax is the continuous-power meter family
	PowerMax
)

func (v Variant) String() string {
	switch v {
	case EnergyMax:
		return "EnergyMax"
	case PowerMax:
		return "PowerMax"
	}
	return "unknown"
}

// MarshalText encodes the variant by name
func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText decodes a variant from its name
func (v *Variant) UnmarshalText(b []byte) error {
	switch string(b) {
	case "EnergyMax":
		*v = EnergyMax
	case "PowerMax":
		*v = PowerMax
	case "unknown":
		*v = VariantUnknown
	default:
		return fmt.Errorf("%w: %q", ErrUnknownVariant, b)
	}
	return nil
}

// ParseVariant resolves the variant from an *IDN? reply
func ParseVariant(idn string) (Variant, error) {
	switch {
	case strings.Contains(idn, "EnergyMax"):
		return EnergyMax, nil
	case strings.Contains(idn, "PowerMax"):
		return PowerMax, nil
	}
	return VariantUnknown, fmt.Errorf("%w: %q", ErrUnknownVariant, idn)
}

// MeasureMode is what the sensor is measuring, energy or power
type MeasureMode int

const (
	// ModeEnergy measures pulse energy in Joules
	ModeEnergy MeasureMode = iota

	// ModePower measures power in Watts
	ModePower
)

// modeWire holds the wire tokens indexed by MeasureMode
var modeWire = []string{"J", "W"}

// BaseUnit is the SI unit of the mode, J or W
func (m MeasureMode) BaseUnit() string {
	if m == ModeEnergy {
		return "J"
	}
	return "W"
}

// UnitScale selects a display sub-unit.  It is purely presentational;
// nothing parsed from the wire depends on it.
type UnitScale int

const (
	// ScaleBase is J or W
	ScaleBase UnitScale = iota

	// ScaleMilli is mJ or mW
	ScaleMilli

	// ScaleMicro is uJ or uW
	ScaleMicro
)

var scalePrefix = []string{"", "m", "u"}

// Valid is true for the three supported scales
func (s UnitScale) Valid() bool {
	return s >= ScaleBase && s <= ScaleMicro
}

// Factor is 1000^s, the multiplier from base units to the sub-unit
func (s UnitScale) Factor() float64 {
	f := 1.
	for i := UnitScale(0); i < s; i++ {
		f *= 1000
	}
	return f
}

// Unit returns the unit string for mode m under scale s, e.g. "mJ"
func (s UnitScale) Unit(m MeasureMode) string {
	if !s.Valid() {
		return m.BaseUnit()
	}
	return scalePrefix[s] + m.BaseUnit()
}
