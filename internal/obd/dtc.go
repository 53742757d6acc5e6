package obd

import (
	"fmt"
	"regexp"
	"strings"
)

// DTC is a single diagnostic trouble code such as P0301.
type DTC struct {
	Code string `json:"code"`
	Raw  string `json:"raw"` // the two source bytes, hex
}

var (
	// "0:", "1:" ... prefixes of ISO 15765 multi-frame responses
	frameIndexRe = regexp.MustCompile(`(^|\s)[0-9A-F]:`)
	// leading 3-digit byte count that precedes multi-frame responses
	byteCountRe = regexp.MustCompile(`^[0-9A-F]{3}\s`)
)

// cleanMultiFrame removes the CAN byte-count and frame-index markers so the
// remaining hex can be searched for the response header.
func cleanMultiFrame(text string) string {
	text = strings.TrimSpace(text)
	if frameIndexRe.MatchString(text) {
		text = byteCountRe.ReplaceAllString(text, "")
		text = frameIndexRe.ReplaceAllString(text, " ")
	}
	return text
}

func dtcFromBytes(a, b byte) DTC {
	letters := "PCBU"
	return DTC{
		Code: fmt.Sprintf("%c%d%X%02X", letters[a>>6], (a>>4)&0x3, a&0x0F, b),
		Raw:  fmt.Sprintf("%02X%02X", a, b),
	}
}

// parseDTCBytes decodes the bytes following the first 0x40+mode header.
// b[0] is the header itself. Two layouts exist:
//
//	non-CAN: one 7-byte message per ECU line, "43 AA BB CC DD EE FF", zero padded
//	CAN:     "43 NN" followed by NN code pairs
func parseDTCBytes(header byte, b []byte) []DTC {
	var pairs []byte
	nonCAN := len(b) >= 7 && len(b)%7 == 0
	for i := 0; nonCAN && i < len(b); i += 7 {
		if b[i] != header {
			nonCAN = false
		}
	}
	if nonCAN {
		for i := 0; i < len(b); i += 7 {
			pairs = append(pairs, b[i+1:i+7]...)
		}
	} else if len(b) >= 2 {
		n := int(b[1])
		rest := b[2:]
		if len(rest) < 2*n {
			n = len(rest) / 2
		}
		pairs = rest[:2*n]
	}

	dtcs := []DTC{}
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i] == 0 && pairs[i+1] == 0 {
			continue
		}
		dtcs = append(dtcs, dtcFromBytes(pairs[i], pairs[i+1]))
	}
	return dtcs
}

// decodeVIN extracts the 17 character VIN from a mode 09 PID 02 payload.
// Sequence and count bytes are non-printable and I, O, Q never appear in a VIN,
// so filtering the alphabet drops the per-line "49 02 NN" echoes of older
// protocols as well.
func decodeVIN(d []byte) (string, bool) {
	var sb strings.Builder
	for _, c := range d {
		if (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z' && c != 'I' && c != 'O' && c != 'Q') {
			sb.WriteByte(c)
		}
	}
	vin := sb.String()
	if len(vin) < 17 {
		return vin, false
	}
	return vin[len(vin)-17:], true
}
