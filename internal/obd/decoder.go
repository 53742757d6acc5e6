package obd

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Reading is the decoded result of one adapter response. It is built once and
// never modified afterwards.
type Reading struct {
	Command   string    `json:"command"`
	Raw       string    `json:"raw"`
	Name      string    `json:"name,omitempty"`
	Value     string    `json:"value"`
	Unit      string    `json:"unit"`
	Numeric   float64   `json:"numeric"`
	DTCs      []DTC     `json:"dtcs,omitempty"`
	IsError   bool      `json:"isError"`
	Transient bool      `json:"transient,omitempty"`
	Err       *Error    `json:"-"`
	At        time.Time `json:"at"`
}

// ErrorMessage is the human readable error, empty for good readings.
func (r Reading) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// errorTokens are the strings an ELM327 prints instead of data.
var errorTokens = []string{
	"UNABLE TO CONNECT",
	"NO DATA",
	"BUS BUSY",
	"BUS ERROR",
	"CAN ERROR",
	"DATA ERROR",
	"BUFFER FULL",
	"FB ERROR",
	"LV RESET",
	"STOPPED",
	"ERROR",
}

const searchingMarker = "SEARCHING..."

// ProtocolErrorToken returns the adapter error token contained in raw, or "".
func ProtocolErrorToken(raw string) string {
	text := strings.ToUpper(raw)
	for _, tok := range errorTokens {
		if strings.Contains(text, tok) {
			return tok
		}
	}
	if strings.TrimSpace(text) == "?" {
		return "?"
	}
	return ""
}

func failed(r Reading, kind Kind, msg string) Reading {
	r.IsError = true
	r.Err = newError(kind, "decode "+r.Command, msg, nil)
	return r
}

// Decode turns a raw adapter response to command into a Reading. It has no
// side effects and never panics; protocol and parse failures come back as
// readings with IsError set.
func Decode(command, raw string) (r Reading) {
	cmd := normalizeCommand(command)
	r = Reading{Command: cmd, Raw: raw}
	defer func() {
		if p := recover(); p != nil {
			r = failed(Reading{Command: cmd, Raw: raw}, KindParse, fmt.Sprint(p))
		}
	}()

	if tok := ProtocolErrorToken(raw); tok != "" {
		return failed(r, KindProtocol, tok)
	}
	if strings.HasPrefix(cmd, "AT") {
		r.Value = raw
		return r
	}

	text := strings.ToUpper(raw)
	if idx := strings.LastIndex(text, searchingMarker); idx >= 0 {
		text = text[idx+len(searchingMarker):]
		if keepHex(text) == "" {
			r = failed(r, KindProtocol, "adapter still searching for a protocol")
			r.Transient = true
			return r
		}
	}
	text = strings.ReplaceAll(text, "BUS INIT: ...OK", "")
	text = strings.ReplaceAll(text, "BUS INIT: OK", "")

	if len(cmd) < 2 {
		return failed(r, KindParse, "command too short")
	}
	mode, err := strconv.ParseUint(cmd[:2], 16, 8)
	if err != nil {
		return failed(r, KindParse, "invalid mode "+cmd[:2])
	}
	header := fmt.Sprintf("%02X", 0x40+mode) + cmd[2:min(len(cmd), 4)]

	// a response never starts with the request, so a leading match is the echo
	hexText := strings.TrimPrefix(keepHex(cleanMultiFrame(text)), cmd)
	idx := headerIndex(hexText, header)
	if idx < 0 {
		return failed(r, KindParse, fmt.Sprintf("response header %s not found", header))
	}
	data, err := hexBytes(hexText[idx+len(header):])
	if err != nil {
		return failed(r, KindParse, err.Error())
	}

	switch byte(mode) {
	case 0x03, 0x07, 0x0A:
		return decodeDTCReading(r, byte(mode), hexText[idx:])
	case 0x04:
		r.Value = "cleared"
		return r
	}
	return decodeData(r, data)
}

// DecodePayload applies the formula for command to already extracted data
// bytes (mode and PID echo removed).
func DecodePayload(command string, data []byte) Reading {
	r := Reading{Command: normalizeCommand(command), Raw: strings.ToUpper(hex.EncodeToString(data))}
	return decodeData(r, data)
}

func decodeData(r Reading, data []byte) Reading {
	cmd := r.Command
	if len(cmd) == 4 && strings.HasPrefix(cmd, "01") {
		pid, _ := strconv.ParseUint(cmd[2:], 16, 8)
		if isSupportedPIDsRequest(byte(pid)) {
			if len(data) < 4 {
				return failed(r, KindParse, fmt.Sprintf("need 4 data bytes, got %d", len(data)))
			}
			list := supportedPIDs(byte(pid), data[:4])
			r.Name = "Supported PIDs"
			r.Value = strings.Join(list, ",")
			r.Numeric = float64(len(list))
			return r
		}
	}
	if cmd == CmdReadVIN {
		vin, ok := decodeVIN(data)
		if !ok {
			return failed(r, KindParse, "incomplete VIN "+vin)
		}
		r.Name = "VIN"
		r.Value = vin
		return r
	}

	p, ok := pidTable[cmd]
	if !ok {
		r.Value = strings.ToUpper(hex.EncodeToString(data))
		return r
	}
	if len(data) < p.Bytes {
		return failed(r, KindParse, fmt.Sprintf("need %d data bytes, got %d", p.Bytes, len(data)))
	}
	v := p.Formula(data)
	r.Name = p.Name
	r.Unit = p.Unit
	r.Numeric = round(v, p.Prec)
	r.Value = strconv.FormatFloat(r.Numeric, 'f', -1, 64)
	return r
}

func decodeDTCReading(r Reading, mode byte, hexText string) Reading {
	b, err := hexBytes(hexText)
	if err != nil {
		return failed(r, KindParse, err.Error())
	}
	r.DTCs = parseDTCBytes(0x40+mode, b)
	codes := make([]string, len(r.DTCs))
	for i, d := range r.DTCs {
		codes[i] = d.Code
	}
	r.Name = "Diagnostic trouble codes"
	r.Value = strings.Join(codes, ",")
	r.Numeric = float64(len(r.DTCs))
	return r
}

// headerIndex finds header on a byte boundary of hexText, or returns -1.
func headerIndex(hexText, header string) int {
	for off := 0; off+len(header) <= len(hexText); off += 2 {
		if hexText[off:off+len(header)] == header {
			return off
		}
	}
	return -1
}

func keepHex(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F') || (c >= 'a' && c <= 'f') {
			sb.WriteByte(c)
		}
	}
	return strings.ToUpper(sb.String())
}

func hexBytes(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd number of hex digits in %q", s)
	}
	return hex.DecodeString(s)
}

func round(v float64, prec int) float64 {
	p := math.Pow(10, float64(prec))
	return math.Round(v*p) / p
}
