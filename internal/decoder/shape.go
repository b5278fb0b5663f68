package decoder

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Mode selects the output structure produced by Shape.
type Mode string

const (
	ModeNested Mode = "nested"
	ModeFlat   Mode = "flat"
)

// ParseMode accepts "nested" or "flat" (case-insensitive). Empty means nested.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeNested:
		return ModeNested, nil
	case ModeFlat:
		return ModeFlat, nil
	default:
		return "", fmt.Errorf("unknown output mode %q, expected nested or flat", s)
	}
}

// NestedParameter is the nested-mode rendering of a Parameter.
type NestedParameter struct {
	Label     string `json:"label"`
	ChannelID int    `json:"channelId"`
	Value     any    `json:"value"`
	Source    string `json:"source,omitempty"`
	Unit      string `json:"unit,omitempty"`
	Address   string `json:"address,omitempty"`
}

// MarshalJSON writes NaN and infinite values as null.
func (p NestedParameter) MarshalJSON() ([]byte, error) {
	type plain NestedParameter
	q := plain(p)
	q.Value = jsonValue(p.Value)
	return json.Marshal(q)
}

// jsonValue maps values encoding/json cannot represent to nil.
func jsonValue(v any) any {
	if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return nil
	}
	return v
}

// NestedOutput is the envelope a network server codec expects in nested mode.
type NestedOutput struct {
	Data []NestedParameter `json:"data"`
}

// BuildNested keeps every record, dropping Source when it is one of the
// reserved categories.
func BuildNested(params []Parameter) []NestedParameter {
	out := make([]NestedParameter, 0, len(params))
	for _, p := range params {
		np := NestedParameter{
			Label:     p.Label,
			ChannelID: p.ChannelID,
			Value:     p.Value,
			Unit:      p.Unit,
			Address:   p.Address,
		}
		if !IsReservedSource(p.Source) {
			np.Source = p.Source
		}
		out = append(out, np)
	}
	return out
}

// FlatLabel synthesises the flat-mode key for p.
//
//	address present      label -> label+address+"_"
//	no unit, reserved    label
//	no unit, otherwise   label+channel
//	unit, reserved       label+"_"+unit
//	unit, otherwise      label+channel+"_"+unit
func FlatLabel(p Parameter) string {
	base := p.Label
	if p.Address != "" {
		base = base + p.Address + "_"
	}
	reserved := IsReservedSource(p.Source)
	channel := strconv.Itoa(p.ChannelID)

	switch {
	case p.Unit == "" && reserved:
		return base
	case p.Unit == "":
		return base + channel
	case reserved:
		return base + "_" + p.Unit
	default:
		return base + channel + "_" + p.Unit
	}
}

// FlatOutput is the flat-mode rendering: synthesised label to value.
type FlatOutput map[string]any

// MarshalJSON writes NaN and infinite values as null.
func (f FlatOutput) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(f))
	for k, v := range f {
		m[k] = jsonValue(v)
	}
	return json.Marshal(m)
}

// BuildFlat collapses params into a single label→value map. Two records
// that synthesise the same label collide and the later one wins.
func BuildFlat(params []Parameter) FlatOutput {
	out := make(FlatOutput, len(params))
	for _, p := range params {
		out[FlatLabel(p)] = p.Value
	}
	return out
}

// Shape renders params in the requested mode: a NestedOutput for nested
// mode, a flat map otherwise.
func Shape(mode Mode, params []Parameter) any {
	if mode == ModeFlat {
		return BuildFlat(params)
	}
	return NestedOutput{Data: BuildNested(params)}
}

// DecodeShaped decodes and shapes in one step, the entry point used by
// network server codecs.
func DecodeShaped(payload []byte, port int, mode Mode) (any, error) {
	params, err := Decode(payload, port)
	if err != nil {
		return nil, err
	}
	return Shape(mode, params), nil
}
