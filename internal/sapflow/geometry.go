package sapflow

import (
	"math"

	"github.com/banshee-data/sapflow.report/internal/units"
)

// Regime identifies which annuli a probe installation instruments.
type Regime int

const (
	// RegimeDegenerate: no annulus can be derived, all widths and areas are 0.
	RegimeDegenerate Regime = iota
	// RegimeInnerOnly: the probe edge reaches past the sapwood while the
	// outer thermistor is still inside it; only the inner annulus carries area.
	RegimeInnerOnly
	// RegimeOuterOnly: the outer thermistor sits beyond the sapwood depth.
	RegimeOuterOnly
	// RegimeThreeZone: outer, inner and remainder annuli all carry area.
	RegimeThreeZone
)

func (r Regime) String() string {
	switch r {
	case RegimeInnerOnly:
		return "inner_only"
	case RegimeOuterOnly:
		return "outer_only"
	case RegimeThreeZone:
		return "three_zone"
	default:
		return "degenerate"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Regime) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// innerAnnulusWidth is the fixed radial width (cm) credited to the inner
// thermistor in the three-zone regime.
const innerAnnulusWidth = 1.5

// thermistorHalfSpan (cm) extends the outer annulus past the outer
// measurement point.
const thermistorHalfSpan = 0.75

// Geometry is the derived cross-section of one installation. All lengths
// are cm and areas cm².
type Geometry struct {
	Regime Regime `json:"regime"`

	TrunkDiameter float64 `json:"trunk_diameter_cm"`
	BarkThickness float64 `json:"bark_thickness_cm"`
	SapwoodDepth  float64 `json:"sapwood_depth_cm"`
	ProbeEdge     float64 `json:"probe_edge_cm"`
	ProbeDepth1   float64 `json:"probe_depth1_cm"`
	ProbeDepth2   float64 `json:"probe_depth2_cm"`

	OuterWidth     float64 `json:"outer_width_cm"`
	InnerWidth     float64 `json:"inner_width_cm"`
	RemainderWidth float64 `json:"remainder_width_cm"`

	OuterArea     float64 `json:"outer_area_cm2"`
	InnerArea     float64 `json:"inner_area_cm2"`
	RemainderArea float64 `json:"remainder_area_cm2"`
}

// Radius is half the trunk diameter.
func (g Geometry) Radius() float64 { return g.TrunkDiameter / 2 }

// SapwoodArea is the area of the whole sapwood ring, bark surface to
// sapwood boundary.
func (g Geometry) SapwoodArea() float64 {
	return annulusArea(g.Radius(), g.BarkThickness, g.BarkThickness+g.SapwoodDepth)
}

// annulusArea is the ring between depths from and to, both measured inward
// from the outside of the trunk.
func annulusArea(radius, from, to float64) float64 {
	a := radius - from
	b := radius - to
	return a*a*math.Pi - b*b*math.Pi
}

// DeriveGeometry converts the installation to centimetres, selects the
// regime and computes annulus widths and areas.
func DeriveGeometry(in Installation) Geometry {
	g := Geometry{
		ProbeEdge:     units.MetresToCentimetres(in.ProbeEdge),
		BarkThickness: units.MetresToCentimetres(in.BarkThickness),
		SapwoodDepth:  units.MetresToCentimetres(in.SapwoodDepth),
	}
	probeLength := units.MetresToCentimetres(in.ProbeLength)
	outerDepth := units.MetresToCentimetres(in.ProbeDepths[0])
	innerDepth := units.MetresToCentimetres(in.ProbeDepths[1])
	g.TrunkDiameter = units.MetresToCentimetres(in.Circumference) / math.Pi

	g.ProbeDepth1 = probeLength - innerDepth
	g.ProbeDepth2 = probeLength - outerDepth

	radius := g.Radius()
	bark := g.BarkThickness
	sapwood := g.SapwoodDepth

	switch {
	case g.ProbeEdge >= sapwood && g.ProbeDepth2 < sapwood:
		g.Regime = RegimeInnerOnly
		g.OuterWidth = g.ProbeDepth1 + thermistorHalfSpan
		g.InnerWidth = sapwood - g.OuterWidth
		g.InnerArea = annulusArea(radius, bark+g.OuterWidth, bark+g.OuterWidth+g.InnerWidth)

	case g.ProbeDepth2 > sapwood:
		g.Regime = RegimeOuterOnly
		g.OuterWidth = sapwood
		if in.OuterOnlyFullAnnulus {
			g.OuterArea = annulusArea(radius, bark, bark+sapwood)
		}

	case sapwood > g.ProbeEdge:
		g.Regime = RegimeThreeZone
		g.OuterWidth = g.ProbeDepth1 + thermistorHalfSpan
		g.InnerWidth = innerAnnulusWidth
		g.RemainderWidth = sapwood - (g.OuterWidth + g.InnerWidth)
		g.OuterArea = annulusArea(radius, bark, bark+g.OuterWidth)
		g.InnerArea = annulusArea(radius, bark+g.OuterWidth, bark+g.OuterWidth+g.InnerWidth)
		g.RemainderArea = annulusArea(radius, bark+g.OuterWidth+g.InnerWidth, bark+sapwood)

	default:
		g.Regime = RegimeDegenerate
	}

	return g
}
