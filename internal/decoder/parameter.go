package decoder

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Source categories. Records tagged with one of these are folded away by
// the shapers; any other source is kept as a disambiguating tag.
const (
	SourceMain       = "main"
	SourceDiagnostic = "diagnostic"
	SourceDownlink   = "downlink"
	SourceDeviceInfo = "device_info"
	SourceUnknown    = "unknown"
)

var reservedSources = []string{SourceMain, SourceDiagnostic, SourceDownlink, SourceDeviceInfo, SourceUnknown}

// IsReservedSource reports whether s is one of the implicit categories.
func IsReservedSource(s string) bool {
	for _, r := range reservedSources {
		if s == r {
			return true
		}
	}
	return false
}

// Parameter labels emitted by the decoder.
const (
	LabelPacketType       = "packet-type"
	LabelUncorrectedOuter = "uncorrected-outer"
	LabelUncorrectedInner = "uncorrected-inner"
	LabelBatteryVoltage   = "battery-voltage"
	LabelFirmwareMain     = "firmware-mainboard"
	LabelFirmwareUCMI     = "firmware-ucmi"
	LabelDownlinkResponse = "downlink-response"
	LabelRawPayload       = "raw-payload"
)

// Parameter is one labelled value decoded from an uplink. Value holds a
// float64, a string or Bytes. Empty Source, Unit and Address mean the field
// is absent.
type Parameter struct {
	Label     string
	ChannelID int
	Value     any
	Source    string
	Unit      string
	Address   string
}

// Float returns the value as float64 when it is numeric.
func (p Parameter) Float() (float64, bool) {
	switch v := p.Value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Bytes is an opaque payload. It marshals to a JSON array of byte values
// rather than base64 so consumers see the same shape the gateway emits.
type Bytes []byte

// MarshalJSON implements json.Marshaler.
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(v)))
	}
	sb.WriteByte(']')
	return []byte(sb.String()), nil
}

// UnmarshalJSON accepts the array form written by MarshalJSON.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make(Bytes, len(ints))
	for i, v := range ints {
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Lookup returns the value of the first parameter carrying label.
func Lookup(params []Parameter, label string) (any, bool) {
	for _, p := range params {
		if p.Label == label {
			return p.Value, true
		}
	}
	return nil, false
}

// LookupFloat is Lookup restricted to numeric values. A label that is
// present with a non-numeric value reports false.
func LookupFloat(params []Parameter, label string) (*float64, bool) {
	for _, p := range params {
		if p.Label != label {
			continue
		}
		if f, ok := p.Float(); ok {
			return &f, true
		}
		return nil, false
	}
	return nil, false
}
