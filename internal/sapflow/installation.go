// Package sapflow converts heat-pulse velocities from an ICT-style two
// thermistor probe into sap flow, weighting each velocity by the sapwood
// annulus it represents.
//
// Installation measurements are supplied in metres and converted to
// centimetres before any geometry is derived. Velocities are cm/hr, areas
// cm² and flows kg/h.
package sapflow

import (
	"errors"
	"fmt"
	"math"
)

// RemainderMode selects how flow in the uninstrumented inner annulus is
// extrapolated.
type RemainderMode string

const (
	// RemainderLinearDecay assumes velocity decays linearly from the inner
	// measurement point to the heartwood boundary (half the inner velocity).
	RemainderLinearDecay RemainderMode = "linear_decay"
	// RemainderInnerVelocity assumes the inner velocity holds across the
	// remainder annulus.
	RemainderInnerVelocity RemainderMode = "inner_velocity"
)

// Valid reports whether m is a known remainder mode.
func (m RemainderMode) Valid() bool {
	return m == RemainderLinearDecay || m == RemainderInnerVelocity
}

// ErrInvalidInstallation is wrapped by Installation.Validate failures.
var ErrInvalidInstallation = errors.New("invalid installation")

// Installation holds the operator-measured constants of one probe
// installation. Lengths are metres.
type Installation struct {
	Circumference       float64       `json:"circumference_m" yaml:"circumference_m"`
	WoundingCoefficient float64       `json:"wounding_coefficient" yaml:"wounding_coefficient"`
	BarkThickness       float64       `json:"bark_thickness_m" yaml:"bark_thickness_m"`
	SapwoodDepth        float64       `json:"sapwood_depth_m" yaml:"sapwood_depth_m"`
	ProbeLength         float64       `json:"probe_length_m" yaml:"probe_length_m"`
	ProbeDepths         [2]float64    `json:"probe_depths_m" yaml:"probe_depths_m"` // [0] outer thermistor, [1] inner thermistor
	SapFlowFactor       float64       `json:"sap_flow_factor" yaml:"sap_flow_factor"`
	OffsetInner         float64       `json:"offset_inner" yaml:"offset_inner"` // cm/hr, pre-dawn zero
	OffsetOuter         float64       `json:"offset_outer" yaml:"offset_outer"` // cm/hr, pre-dawn zero
	ProbeEdge           float64       `json:"probe_edge_m" yaml:"probe_edge_m"`
	RemainderMode       RemainderMode `json:"remainder_mode" yaml:"remainder_mode"`

	// OuterOnlyFullAnnulus credits the outer velocity with the whole
	// sapwood annulus when the outer thermistor sits beyond the sapwood.
	// Off by default, which leaves the outer area at zero in that regime.
	OuterOnlyFullAnnulus bool `json:"outer_only_full_annulus,omitempty" yaml:"outer_only_full_annulus,omitempty"`
}

// DefaultInstallation returns the reference HRM1/SFM1x installation: a
// 1.3674 m circumference stem, 5 mm bark, 42 mm sapwood and the standard
// 35 mm probe set with thermistors at 7.5 mm and 22.5 mm.
func DefaultInstallation() Installation {
	return Installation{
		Circumference:       1.3674,
		WoundingCoefficient: 1.7283,
		BarkThickness:       0.0050,
		SapwoodDepth:        0.0420,
		ProbeLength:         0.035,
		ProbeDepths:         [2]float64{0.0075, 0.0225},
		SapFlowFactor:       0.64347,
		OffsetInner:         0,
		OffsetOuter:         0,
		ProbeEdge:           0.030,
		RemainderMode:       RemainderLinearDecay,
	}
}

// Validate checks that the installation describes a physically possible
// stem and probe.
func (in Installation) Validate() error {
	positive := []struct {
		name string
		v    float64
	}{
		{"circumference_m", in.Circumference},
		{"wounding_coefficient", in.WoundingCoefficient},
		{"sapwood_depth_m", in.SapwoodDepth},
		{"probe_length_m", in.ProbeLength},
		{"sap_flow_factor", in.SapFlowFactor},
	}
	for _, p := range positive {
		if !(p.v > 0) || math.IsInf(p.v, 0) {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidInstallation, p.name, p.v)
		}
	}

	nonNegative := []struct {
		name string
		v    float64
	}{
		{"bark_thickness_m", in.BarkThickness},
		{"probe_edge_m", in.ProbeEdge},
		{"probe_depths_m[0]", in.ProbeDepths[0]},
		{"probe_depths_m[1]", in.ProbeDepths[1]},
	}
	for _, p := range nonNegative {
		if !(p.v >= 0) || math.IsInf(p.v, 0) {
			return fmt.Errorf("%w: %s must be non-negative, got %v", ErrInvalidInstallation, p.name, p.v)
		}
	}

	if math.IsNaN(in.OffsetInner) || math.IsNaN(in.OffsetOuter) {
		return fmt.Errorf("%w: offsets must be numbers", ErrInvalidInstallation)
	}
	if in.ProbeDepths[0] > in.ProbeLength || in.ProbeDepths[1] > in.ProbeLength {
		return fmt.Errorf("%w: probe depths %v exceed probe length %v", ErrInvalidInstallation, in.ProbeDepths, in.ProbeLength)
	}
	if !in.RemainderMode.Valid() {
		return fmt.Errorf("%w: remainder_mode must be %q or %q, got %q",
			ErrInvalidInstallation, RemainderLinearDecay, RemainderInnerVelocity, in.RemainderMode)
	}

	radius := in.Circumference / math.Pi / 2
	if in.BarkThickness+in.SapwoodDepth > radius {
		return fmt.Errorf("%w: bark plus sapwood (%v m) exceeds stem radius (%v m)",
			ErrInvalidInstallation, in.BarkThickness+in.SapwoodDepth, radius)
	}
	return nil
}
