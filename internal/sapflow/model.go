package sapflow

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/sapflow.report/internal/monitoring"
)

// ErrMissingReading is returned when a velocity input is absent or not a
// finite number.
var ErrMissingReading = errors.New("missing reading")

// flowDivisor converts cm³/h to kg/h assuming the density of water.
const flowDivisor = 1000

// Result holds every intermediate of one computation for audit.
type Result struct {
	Geometry Geometry `json:"geometry"`

	VhInner          float64 `json:"vh_inner"`
	VhOuter          float64 `json:"vh_outer"`
	CorrectedInner   float64 `json:"corrected_inner"`
	CorrectedOuter   float64 `json:"corrected_outer"`
	SapVelocityInner float64 `json:"sap_velocity_inner"`
	SapVelocityOuter float64 `json:"sap_velocity_outer"`

	OuterFlow     float64 `json:"outer_flow"`
	InnerFlow     float64 `json:"inner_flow"`
	RemainderFlow float64 `json:"remainder_flow"`
	TotalFlow     float64 `json:"total_flow"`
}

func flow(area, velocity float64) float64 {
	return velocity * area / flowDivisor
}

func requireReading(name string, v *float64) (float64, error) {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, fmt.Errorf("%w: %s", ErrMissingReading, name)
	}
	return *v, nil
}

// Compute derives sap flow from the uncorrected inner and outer heat-pulse
// velocities (cm/hr). A nil, NaN or infinite velocity fails with
// ErrMissingReading.
func Compute(in Installation, uncorrectedInner, uncorrectedOuter *float64) (Result, error) {
	inner, err := requireReading("uncorrected-inner", uncorrectedInner)
	if err != nil {
		return Result{}, err
	}
	outer, err := requireReading("uncorrected-outer", uncorrectedOuter)
	if err != nil {
		return Result{}, err
	}

	g := DeriveGeometry(in)
	if g.Regime == RegimeOuterOnly && !in.OuterOnlyFullAnnulus {
		monitoring.Debugf("sapflow: outer-only regime, outer annulus area left at 0 (probe depth %.3f cm > sapwood %.3f cm)",
			g.ProbeDepth2, g.SapwoodDepth)
	}

	r := Result{Geometry: g}

	// pre-dawn zero offsets
	r.VhOuter = outer + in.OffsetOuter
	r.VhInner = inner + in.OffsetInner

	r.CorrectedOuter = r.VhOuter * in.WoundingCoefficient
	r.CorrectedInner = r.VhInner * in.WoundingCoefficient

	r.SapVelocityOuter = r.CorrectedOuter * in.SapFlowFactor
	r.SapVelocityInner = r.CorrectedInner * in.SapFlowFactor

	r.OuterFlow = flow(g.OuterArea, r.SapVelocityOuter)
	r.InnerFlow = flow(g.InnerArea, r.SapVelocityInner)

	switch in.RemainderMode {
	case RemainderLinearDecay:
		r.RemainderFlow = flow(g.RemainderArea, r.SapVelocityInner/2)
	case RemainderInnerVelocity:
		r.RemainderFlow = flow(g.RemainderArea, r.SapVelocityInner)
	}

	r.TotalFlow = r.OuterFlow + r.InnerFlow + r.RemainderFlow
	return r, nil
}

// Reading is one computed sap flow sample, the row handed to persistence
// and to usage aggregation.
type Reading struct {
	DeviceID         string    `json:"device_id"`
	Time             time.Time `json:"time"`
	BatteryVoltage   *float64  `json:"battery_voltage,omitempty"`
	UncorrectedInner float64   `json:"uncorrected_inner"`
	UncorrectedOuter float64   `json:"uncorrected_outer"`
	VhInner          float64   `json:"vh_inner"`
	VhOuter          float64   `json:"vh_outer"`
	CorrectedInner   float64   `json:"corrected_inner"`
	CorrectedOuter   float64   `json:"corrected_outer"`
	SapVelocityInner float64   `json:"sap_velocity_inner"`
	SapVelocityOuter float64   `json:"sap_velocity_outer"`
	OuterFlow        float64   `json:"outer_sapflow"`
	InnerFlow        float64   `json:"inner_sapflow"`
	RemainderFlow    float64   `json:"rem_sapflow"`
	TotalFlow        float64   `json:"total_sapflow"`
}

// NewReading computes a Reading for one decoded data packet.
func NewReading(in Installation, deviceID string, at time.Time, battery, uncorrectedInner, uncorrectedOuter *float64) (Reading, error) {
	r, err := Compute(in, uncorrectedInner, uncorrectedOuter)
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		DeviceID:         deviceID,
		Time:             at,
		BatteryVoltage:   battery,
		UncorrectedInner: *uncorrectedInner,
		UncorrectedOuter: *uncorrectedOuter,
		VhInner:          r.VhInner,
		VhOuter:          r.VhOuter,
		CorrectedInner:   r.CorrectedInner,
		CorrectedOuter:   r.CorrectedOuter,
		SapVelocityInner: r.SapVelocityInner,
		SapVelocityOuter: r.SapVelocityOuter,
		OuterFlow:        r.OuterFlow,
		InnerFlow:        r.InnerFlow,
		RemainderFlow:    r.RemainderFlow,
		TotalFlow:        r.TotalFlow,
	}, nil
}
