// Package decoder turns SFM1x LoRaWAN uplinks into labelled parameters.
//
// The packet grammar is selected purely by LoRaWAN port:
//
//	port 1    data packet: outer and inner heat velocity (float32 LE) and
//	          battery voltage (uint16 LE, centivolts)
//	port 10   device info: mainboard and UCMI firmware (int16 LE each)
//	port 100  downlink response: payload echoed as text
//	other     unknown response: payload passed through untouched
//
// Unknown ports never fail, so new port assignments do not break the
// gateway. Payloads that are too short for a known port fail with
// bytereader.ErrOutOfRange.
package decoder

import (
	"fmt"

	"github.com/banshee-data/sapflow.report/internal/bytereader"
)

// LoRaWAN ports used by the SFM1x firmware.
const (
	PortData       = 1
	PortDeviceInfo = 10
	PortDownlink   = 100
)

// Packet type values carried in the leading packet-type record.
const (
	PacketData             = "DATA_PACKET"
	PacketDeviceInfo       = "DEVICE_INFO"
	PacketDownlinkResponse = "DOWNLINK_RESPONSE"
	PacketUnknownResponse  = "UNKNOWN_RESPONSE"
)

// packet is one port family of the grammar.
type packet interface {
	decode(r *bytereader.Reader) ([]Parameter, error)
}

type (
	dataPacket       struct{}
	deviceInfoPacket struct{}
	downlinkPacket   struct{}
	unknownPacket    struct{}
)

func packetFor(port int) packet {
	switch port {
	case PortData:
		return dataPacket{}
	case PortDeviceInfo:
		return deviceInfoPacket{}
	case PortDownlink:
		return downlinkPacket{}
	default:
		return unknownPacket{}
	}
}

// Decode decodes payload received on port. The returned slice is freshly
// allocated and ordered as the fields appear on the wire, preceded by the
// packet-type record.
func Decode(payload []byte, port int) ([]Parameter, error) {
	params, err := packetFor(port).decode(bytereader.New(payload))
	if err != nil {
		return nil, fmt.Errorf("decode port %d payload (%d bytes): %w", port, len(payload), err)
	}
	return params, nil
}

func packetType(value string) Parameter {
	return Parameter{Label: LabelPacketType, Value: value, Source: SourceMain}
}

func (dataPacket) decode(r *bytereader.Reader) ([]Parameter, error) {
	offset := 0
	outer, err := r.Float32LE(offset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", LabelUncorrectedOuter, err)
	}
	offset += 4
	inner, err := r.Float32LE(offset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", LabelUncorrectedInner, err)
	}
	offset += 4
	centivolts, err := r.Uint16LE(offset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", LabelBatteryVoltage, err)
	}

	return []Parameter{
		packetType(PacketData),
		{Label: LabelUncorrectedOuter, Value: roundFixed(outer, 3), Source: SourceMain, Unit: "cm/hr"},
		{Label: LabelUncorrectedInner, Value: roundFixed(inner, 3), Source: SourceMain, Unit: "cm/hr"},
		{Label: LabelBatteryVoltage, Value: roundFixed(float64(centivolts)/100, 2), Source: SourceMain, Unit: "V"},
	}, nil
}

func (deviceInfoPacket) decode(r *bytereader.Reader) ([]Parameter, error) {
	mainboard, err := r.Int16LE(0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", LabelFirmwareMain, err)
	}
	ucmi, err := r.Int16LE(2)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", LabelFirmwareUCMI, err)
	}

	return []Parameter{
		packetType(PacketDeviceInfo),
		{Label: LabelFirmwareMain, Value: MainboardFirmware(mainboard), Source: SourceDeviceInfo},
		{Label: LabelFirmwareUCMI, Value: UCMIFirmware(ucmi), Source: SourceDeviceInfo},
	}, nil
}

func (downlinkPacket) decode(r *bytereader.Reader) ([]Parameter, error) {
	raw, err := r.Slice(0, r.Len())
	if err != nil {
		return nil, err
	}
	// one byte per character code
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}

	return []Parameter{
		packetType(PacketDownlinkResponse),
		{Label: LabelDownlinkResponse, Value: string(runes), Source: SourceDownlink},
	}, nil
}

func (unknownPacket) decode(r *bytereader.Reader) ([]Parameter, error) {
	raw, err := r.Slice(0, r.Len())
	if err != nil {
		return nil, err
	}

	return []Parameter{
		packetType(PacketUnknownResponse),
		{Label: LabelRawPayload, Value: Bytes(raw), Source: SourceUnknown},
	}, nil
}
