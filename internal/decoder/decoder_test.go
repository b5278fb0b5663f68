package decoder

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sapflow.report/internal/bytereader"
)

// outer=12.345, inner=6.789 (float32 LE), battery raw=389 (uint16 LE)
var dataPayload = []byte{0x1f, 0x85, 0x45, 0x41, 0x7d, 0x3f, 0xd9, 0x40, 0x85, 0x01}

func TestDecodeDataPacket(t *testing.T) {
	params, err := Decode(dataPayload, PortData)
	require.NoError(t, err)

	want := []Parameter{
		{Label: LabelPacketType, Value: PacketData, Source: SourceMain},
		{Label: LabelUncorrectedOuter, Value: 12.345, Source: SourceMain, Unit: "cm/hr"},
		{Label: LabelUncorrectedInner, Value: 6.789, Source: SourceMain, Unit: "cm/hr"},
		{Label: LabelBatteryVoltage, Value: 3.89, Source: SourceMain, Unit: "V"},
	}
	if diff := cmp.Diff(want, params); diff != "" {
		t.Errorf("data packet mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeDataPacketTooShort(t *testing.T) {
	_, err := Decode(dataPayload[:9], PortData)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bytereader.ErrOutOfRange))
	assert.Contains(t, err.Error(), LabelBatteryVoltage)

	_, err = Decode(nil, PortData)
	assert.ErrorIs(t, err, bytereader.ErrOutOfRange)
}

func TestDecodeDeviceInfo(t *testing.T) {
	tests := []struct {
		name      string
		payload   []byte
		mainboard string
		ucmi      string
	}{
		{"R1-1-0 with region s", []byte{0x74, 0x27, 0x10, 0x2b}, "R1-1-0", "R1-1-02s"},
		{"stripped leading zero", []byte{0x20, 0x27, 0xe5, 0x27}, "R1-0-16", "R1-0-21i"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := Decode(tt.payload, PortDeviceInfo)
			require.NoError(t, err)
			require.Len(t, params, 3)
			assert.Equal(t, PacketDeviceInfo, params[0].Value)
			assert.Equal(t, SourceMain, params[0].Source)
			assert.Equal(t, tt.mainboard, params[1].Value)
			assert.Equal(t, SourceDeviceInfo, params[1].Source)
			assert.Equal(t, tt.ucmi, params[2].Value)
		})
	}

	_, err := Decode([]byte{0x74, 0x27, 0x10}, PortDeviceInfo)
	assert.ErrorIs(t, err, bytereader.ErrOutOfRange)
}

func TestFirmwareStrings(t *testing.T) {
	assert.Equal(t, "R1-1-0", MainboardFirmware(10100))
	assert.Equal(t, "R1-0-16", MainboardFirmware(10016))
	assert.Equal(t, "R2-10-5", MainboardFirmware(21005))
	assert.Equal(t, "R1-0-00a", UCMIFirmware(10000))
	assert.Equal(t, "R1-1-02u", UCMIFirmware(11025))
	assert.Equal(t, "R1-1-02", UCMIFirmware(11029), "digits past the region table carry no suffix")
}

func TestDecodeDownlinkResponse(t *testing.T) {
	params, err := Decode([]byte{'O', 'K', 0xe9}, PortDownlink)
	require.NoError(t, err)

	want := []Parameter{
		{Label: LabelPacketType, Value: PacketDownlinkResponse, Source: SourceMain},
		{Label: LabelDownlinkResponse, Value: "OKé", Source: SourceDownlink},
	}
	if diff := cmp.Diff(want, params); diff != "" {
		t.Errorf("downlink mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeUnknownPort(t *testing.T) {
	for _, port := range []int{0, 2, 42, 255} {
		params, err := Decode([]byte{0xde, 0xad}, port)
		require.NoError(t, err, "port %d", port)
		require.Len(t, params, 2)
		assert.Equal(t, PacketUnknownResponse, params[0].Value)
		assert.Equal(t, LabelRawPayload, params[1].Label)
		assert.Equal(t, Bytes{0xde, 0xad}, params[1].Value)
		assert.Equal(t, SourceUnknown, params[1].Source)
	}

	params, err := Decode(nil, 7)
	require.NoError(t, err)
	assert.Equal(t, Bytes{}, params[1].Value)
}

func TestDecodeIsPure(t *testing.T) {
	payload := append([]byte(nil), dataPayload...)
	first, err := Decode(payload, PortData)
	require.NoError(t, err)
	second, err := Decode(payload, PortData)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(first, second))
	assert.Equal(t, dataPayload, payload, "payload must not be modified")
}

func TestRoundFixed(t *testing.T) {
	tests := []struct {
		in     float64
		places int
		want   float64
	}{
		{0.0625, 3, 0.063},
		{-0.0625, 3, -0.063},
		{1.0005, 3, 1.0},
		{2.5, 0, 3},
		{3.885, 2, 3.88}, // 3.885 is stored just below the tie
		{12.34500026702880859375, 3, 12.345},
		{0, 3, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, roundFixed(tt.in, tt.places), "roundFixed(%v, %d)", tt.in, tt.places)
	}

	assert.True(t, math.IsNaN(roundFixed(math.NaN(), 3)))
	assert.True(t, math.IsInf(roundFixed(math.Inf(-1), 3), -1))
	assert.True(t, math.Signbit(roundFixed(-0.0001, 3)))
}

func TestBytesJSON(t *testing.T) {
	out, err := json.Marshal(Bytes{1, 2, 255})
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,255]`, string(out))

	var back Bytes
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, Bytes{1, 2, 255}, back)
}

func TestLookup(t *testing.T) {
	params, err := Decode(dataPayload, PortData)
	require.NoError(t, err)

	v, ok := LookupFloat(params, LabelUncorrectedInner)
	require.True(t, ok)
	assert.Equal(t, 6.789, *v)

	_, ok = LookupFloat(params, LabelPacketType)
	assert.False(t, ok, "string value is not numeric")

	_, ok = Lookup(params, "missing")
	assert.False(t, ok)
}
