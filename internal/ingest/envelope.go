// Package ingest turns network-server uplink messages into sap flow
// readings. It accepts The Things Stack v3 webhook/storage messages and
// ChirpStack v4 uplink events, decodes their payloads, computes readings and
// aggregates a batch into usage buckets once every message has finished.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/sapflow.report/internal/decoder"
)

var (
	// ErrNoPayload is returned for uplinks with neither a decoded payload
	// nor raw frame bytes.
	ErrNoPayload = errors.New("uplink carries no payload")
	// ErrUnknownEnvelope is returned when a message matches no supported
	// network-server format.
	ErrUnknownEnvelope = errors.New("unrecognised uplink envelope")
)

// Uplink is the network-server independent view of one uplink.
type Uplink struct {
	DeviceID   string
	DevEUI     string
	ReceivedAt time.Time // zero when the envelope carries no timestamp
	Port       int
	Payload    []byte
	// Decoded holds the parameters produced by the network server's payload
	// codec, or nil when it did not run.
	Decoded []decoder.Parameter
}

type envelope struct {
	// The Things Stack v3
	EndDeviceIDs *struct {
		DeviceID string `json:"device_id"`
		DevEUI   string `json:"dev_eui"`
	} `json:"end_device_ids"`
	ReceivedAt    string `json:"received_at"`
	UplinkMessage *struct {
		FPort          int             `json:"f_port"`
		FrmPayload     []byte          `json:"frm_payload"`
		DecodedPayload json.RawMessage `json:"decoded_payload"`
		ReceivedAt     string          `json:"received_at"`
	} `json:"uplink_message"`

	// ChirpStack v4
	DeviceInfo *struct {
		DevEUI     string `json:"devEui"`
		DeviceName string `json:"deviceName"`
	} `json:"deviceInfo"`
	Time   string          `json:"time"`
	FPort  int             `json:"fPort"`
	Data   []byte          `json:"data"`
	Object json.RawMessage `json:"object"`

	// Storage integration wrapper
	Result json.RawMessage `json:"result"`
}

// ParseUplink parses one message. A message that is a JSON string holding
// JSON is unwrapped first, as is the {"result": ...} wrapper returned by the
// storage integration.
func ParseUplink(raw []byte) (Uplink, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Uplink{}, fmt.Errorf("failed to parse string message: %w", err)
		}
		raw = []byte(strings.TrimSpace(s))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Uplink{}, fmt.Errorf("failed to parse message: %w", err)
	}
	if len(env.Result) > 0 && env.UplinkMessage == nil && env.DeviceInfo == nil {
		return ParseUplink(env.Result)
	}

	switch {
	case env.UplinkMessage != nil:
		return env.ttn()
	case env.DeviceInfo != nil:
		return env.chirpstack()
	default:
		return Uplink{}, ErrUnknownEnvelope
	}
}

func (env envelope) ttn() (Uplink, error) {
	msg := env.UplinkMessage
	up := Uplink{Port: msg.FPort, Payload: msg.FrmPayload}
	if env.EndDeviceIDs != nil {
		up.DeviceID = env.EndDeviceIDs.DeviceID
		up.DevEUI = env.EndDeviceIDs.DevEUI
	}

	at := env.ReceivedAt
	if at == "" {
		at = msg.ReceivedAt
	}
	var err error
	if up.ReceivedAt, err = parseTimestamp(at); err != nil {
		return Uplink{}, err
	}
	if up.Decoded, err = decodedParameters(msg.DecodedPayload); err != nil {
		return Uplink{}, err
	}
	return up, nil
}

func (env envelope) chirpstack() (Uplink, error) {
	up := Uplink{
		DeviceID: env.DeviceInfo.DeviceName,
		DevEUI:   env.DeviceInfo.DevEUI,
		Port:     env.FPort,
		Payload:  env.Data,
	}
	if up.DeviceID == "" {
		up.DeviceID = up.DevEUI
	}

	var err error
	if up.ReceivedAt, err = parseTimestamp(env.Time); err != nil {
		return Uplink{}, err
	}
	if up.Decoded, err = decodedParameters(env.Object); err != nil {
		return Uplink{}, err
	}
	return up, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// decodedParameters reads a network-server codec result in either output
// mode. Nested results keep every field. Flat results recover the label as
// the key up to its first underscore, in key order.
func decodedParameters(raw json.RawMessage) ([]decoder.Parameter, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var nested struct {
		Data *[]decoder.NestedParameter `json:"data"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil && nested.Data != nil {
		params := make([]decoder.Parameter, 0, len(*nested.Data))
		for _, np := range *nested.Data {
			params = append(params, decoder.Parameter{
				Label:     np.Label,
				ChannelID: np.ChannelID,
				Value:     np.Value,
				Source:    np.Source,
				Unit:      np.Unit,
				Address:   np.Address,
			})
		}
		return params, nil
	}

	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("failed to parse decoded payload: %w", err)
	}
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := make([]decoder.Parameter, 0, len(flat))
	for _, k := range keys {
		label, unit, _ := strings.Cut(k, "_")
		params = append(params, decoder.Parameter{Label: label, Unit: unit, Value: flat[k]})
	}
	return params, nil
}
