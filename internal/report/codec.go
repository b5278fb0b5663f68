package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Format selects the encoding of usage files.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// ParseFormat validates a format name. An empty name means JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCBOR:
		return FormatCBOR, nil
	}
	return "", fmt.Errorf("unknown output format %q (want json or cbor)", s)
}

// Compression selects an optional compression wrapper for usage files.
type Compression string

const (
	CompressNone Compression = "none"
	CompressGzip Compression = "gzip"
	CompressZstd Compression = "zstd"
)

// ParseCompression validates a compression name. An empty name means none.
func ParseCompression(s string) (Compression, error) {
	switch Compression(strings.ToLower(s)) {
	case "", CompressNone:
		return CompressNone, nil
	case CompressGzip:
		return CompressGzip, nil
	case CompressZstd:
		return CompressZstd, nil
	}
	return "", fmt.Errorf("unknown compression %q (want none, gzip or zstd)", s)
}

// Extension returns the file suffix a compressed file carries.
func (c Compression) Extension() string {
	switch c {
	case CompressGzip:
		return ".gz"
	case CompressZstd:
		return ".zst"
	}
	return ""
}

// encMode encodes with Core Deterministic Encoding, so the same totals
// always produce identical bytes.
var encMode cbor.EncMode

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("report: CBOR encoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("report: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("report: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serialises v. JSON output is indented by two spaces and ends
// with a newline.
func Encode(format Format, v any) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		return append(data, '\n'), nil
	case FormatCBOR:
		data, err := encMode.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode cbor: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("unknown output format %q", format)
}

// Decode is the inverse of Encode.
func Decode(format Format, data []byte, v any) error {
	switch format {
	case FormatJSON, "":
		return json.Unmarshal(data, v)
	case FormatCBOR:
		return cbor.Unmarshal(data, v)
	}
	return fmt.Errorf("unknown output format %q", format)
}

// Compress wraps data with the selected compression.
func Compress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressNone, "":
		return data, nil
	case CompressGzip:
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return buf.Bytes(), nil
	case CompressZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	}
	return nil, fmt.Errorf("unknown compression %q", c)
}

// Decompress reverses Compress.
func Decompress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressNone, "":
		return data, nil
	case CompressGzip:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gunzip: %w", err)
		}
		defer gz.Close()
		out, err := io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("gunzip: %w", err)
		}
		return out, nil
	case CompressZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown compression %q", c)
}
