package decoder

import (
	"strconv"
	"strings"
)

// regionCodes maps the final digit of the UCMI firmware integer to the
// LoRaWAN region suffix.
var regionCodes = []string{"a", "c", "e", "i", "s", "u"}

// substr mirrors a clamped [start,end) slice over s.
func substr(s string, start, end int) string {
	if start > len(s) {
		start = len(s)
	}
	if end > len(s) {
		end = len(s)
	}
	if end < start {
		return ""
	}
	return s[start:end]
}

func stripOneZero(s string) string {
	return strings.TrimPrefix(s, "0")
}

// MainboardFirmware renders the mainboard firmware integer as
// R{major}-{minor}-{patch}. 10100 becomes "R1-1-0" and 10016 "R1-0-16".
func MainboardFirmware(v int16) string {
	s := strconv.Itoa(int(v))
	return "R" + substr(s, 0, 1) + "-" + stripOneZero(substr(s, 1, 3)) + "-" + stripOneZero(substr(s, 3, len(s)))
}

// UCMIFirmware renders the radio module firmware integer as
// R{major}-{minor}-{patch}{region}. The last digit selects the region; no
// zero stripping is applied. A digit outside the region table yields no
// suffix.
func UCMIFirmware(v int16) string {
	s := strconv.Itoa(int(v))
	region := ""
	if d, err := strconv.Atoi(s[len(s)-1:]); err == nil && d >= 0 && d < len(regionCodes) {
		region = regionCodes[d]
	}
	return "R" + substr(s, 0, 1) + "-" + substr(s, 1, 2) + "-" + substr(s, 2, 4) + region
}
