package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/banshee-data/sapflow.report/internal/decoder"
	"github.com/banshee-data/sapflow.report/internal/report"
)

func runDecode(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("decode", stderr)
	port := fs.IntP("port", "p", decoder.PortData, "LoRaWAN fPort the payload arrived on")
	mode := fs.StringP("mode", "m", string(decoder.ModeNested), "output shape: nested or flat")
	isHex := fs.Bool("hex", false, "payload is hex instead of base64")
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: sapflow decode --port N [--mode nested|flat] [--hex] <payload>")
		return errUsage
	}

	payload, err := parsePayload(fs.Arg(0), *isHex)
	if err != nil {
		return err
	}
	m, err := decoder.ParseMode(*mode)
	if err != nil {
		return err
	}
	out, err := decoder.DecodeShaped(payload, *port, m)
	if err != nil {
		return err
	}
	data, err := report.Encode(report.FormatJSON, out)
	if err != nil {
		return err
	}
	_, err = stdout.Write(data)
	return err
}

func parsePayload(s string, isHex bool) ([]byte, error) {
	s = strings.TrimSpace(s)
	if isHex {
		b, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid hex payload: %w", err)
		}
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return b, nil
}
