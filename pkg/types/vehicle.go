package types

import (
	"fmt"
	"image/color"
)

// VehicleType is the closed set of vehicle classes the detector reports.
type VehicleType uint8

const (
	Bicycle VehicleType = iota
	Car
	Truck
	Bus
	Motorcycle

	numVehicleTypes
)

// VehicleTypes lists every vehicle type in display order.
var VehicleTypes = [numVehicleTypes]VehicleType{Bicycle, Car, Truck, Bus, Motorcycle}

// Style is the fixed visual identity of a vehicle type.
type Style struct {
	Color color.RGBA
	Hex   string
	Icon  string
	Label string
}

// styles has exactly one entry per vehicle type; adding a type without a
// style fails to compile.
var styles = [numVehicleTypes]Style{
	Bicycle:    {Color: rgb(0x10, 0xB9, 0x81), Hex: "#10B981", Icon: "🚲", Label: "Bicycles"},
	Car:        {Color: rgb(0x3B, 0x82, 0xF6), Hex: "#3B82F6", Icon: "🚗", Label: "Cars"},
	Truck:      {Color: rgb(0xEF, 0x44, 0x44), Hex: "#EF4444", Icon: "🚛", Label: "Trucks"},
	Bus:        {Color: rgb(0xF5, 0x9E, 0x0B), Hex: "#F59E0B", Icon: "🚌", Label: "Buses"},
	Motorcycle: {Color: rgb(0x8B, 0x5C, 0xF6), Hex: "#8B5CF6", Icon: "🏍️", Label: "Motorcycles"},
}

var names = [numVehicleTypes]string{
	Bicycle:    "bicycle",
	Car:        "car",
	Truck:      "truck",
	Bus:        "bus",
	Motorcycle: "motorcycle",
}

// Style returns the display style of the vehicle type.
func (v VehicleType) Style() Style {
	return styles[v%numVehicleTypes]
}

// String returns the wire name ("car", "truck", ...).
func (v VehicleType) String() string {
	if v >= numVehicleTypes {
		return fmt.Sprintf("VehicleType(%d)", uint8(v))
	}
	return names[v]
}

// ParseVehicleType maps a wire name to a vehicle type.
func ParseVehicleType(s string) (VehicleType, bool) {
	for i, name := range names {
		if name == s {
			return VehicleType(i), true
		}
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler so VehicleType works as a JSON map key.
func (v VehicleType) MarshalText() ([]byte, error) {
	if v >= numVehicleTypes {
		return nil, fmt.Errorf("invalid vehicle type %d", uint8(v))
	}
	return []byte(names[v]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *VehicleType) UnmarshalText(text []byte) error {
	parsed, ok := ParseVehicleType(string(text))
	if !ok {
		return &UnknownTypeError{Name: string(text)}
	}
	*v = parsed
	return nil
}

// UnknownTypeError reports a vehicle type name outside the closed set.
type UnknownTypeError struct {
	Name string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown vehicle type %q", e.Name)
}

// Tier is the colour band used by the confidence ring.
type Tier uint8

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
)

var (
	tierColors = [...]color.RGBA{
		TierLow:    rgb(0xEF, 0x44, 0x44),
		TierMedium: rgb(0xF5, 0x9E, 0x0B),
		TierHigh:   rgb(0x22, 0xC5, 0x5E),
	}
	tierNames = [...]string{TierLow: "low", TierMedium: "medium", TierHigh: "high"}
)

// ConfidenceTier buckets a confidence score: >0.8 high, >0.6 medium, else low.
func ConfidenceTier(confidence float64) Tier {
	switch {
	case confidence > 0.8:
		return TierHigh
	case confidence > 0.6:
		return TierMedium
	default:
		return TierLow
	}
}

// Color returns the ring colour for the tier.
func (t Tier) Color() color.RGBA { return tierColors[t] }

func (t Tier) String() string { return tierNames[t] }

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func rgb(r, g, b uint8) color.RGBA {
	return color.RGBA{R: r, G: g, B: b, A: 0xFF}
}
