package obd

import (
	"fmt"
	"strings"
)

// PID describes how one mode-01 parameter is turned into a physical value.
// New parameters are added as rows of the table below; nothing in the framer
// or the controller needs to change.
type PID struct {
	Command string // full request, e.g. "010C"
	Name    string
	Unit    string
	Bytes   int // data bytes the formula consumes
	Prec    int // decimal places kept in the formatted value
	Formula func(d []byte) float64
}

// Standard mode-01 requests issued by the poller.
const (
	CmdEngineLoad    = "0104"
	CmdCoolantTemp   = "0105"
	CmdFuelPressure  = "010A"
	CmdMAP           = "010B"
	CmdRPM           = "010C"
	CmdSpeed         = "010D"
	CmdTimingAdvance = "010E"
	CmdIntakeTemp    = "010F"
	CmdMAF           = "0110"
	CmdThrottle      = "0111"
	CmdRunTime       = "011F"
	CmdFuelLevel     = "012F"
	CmdModuleVoltage = "0142"
	CmdAmbientTemp   = "0146"
	CmdOilTemp       = "015C"

	CmdReadDTCs        = "03"
	CmdClearDTCs       = "04"
	CmdReadPendingDTCs = "07"
	CmdReadVIN         = "0902"
)

func u8(d []byte) float64  { return float64(d[0]) }
func u16(d []byte) float64 { return float64(d[0])*256 + float64(d[1]) }

func percent(d []byte) float64  { return float64(d[0]) * 100 / 255 }
func celsius(d []byte) float64  { return float64(d[0]) - 40 }
func fuelTrim(d []byte) float64 { return (float64(d[0]) - 128) * 100 / 128 }

var pidTable = map[string]PID{}

func register(p PID) { pidTable[p.Command] = p }

func init() {
	for _, p := range []PID{
		{CmdEngineLoad, "Calculated engine load", "%", 1, 1, percent},
		{CmdCoolantTemp, "Engine coolant temperature", "°C", 1, 0, celsius},
		{"0106", "Short term fuel trim bank 1", "%", 1, 1, fuelTrim},
		{"0107", "Long term fuel trim bank 1", "%", 1, 1, fuelTrim},
		{"0108", "Short term fuel trim bank 2", "%", 1, 1, fuelTrim},
		{"0109", "Long term fuel trim bank 2", "%", 1, 1, fuelTrim},
		{CmdFuelPressure, "Fuel pressure", "kPa", 1, 0, func(d []byte) float64 { return 3 * u8(d) }},
		{CmdMAP, "Intake manifold absolute pressure", "kPa", 1, 0, u8},
		{CmdRPM, "Engine speed", "RPM", 2, 2, func(d []byte) float64 { return u16(d) / 4 }},
		{CmdSpeed, "Vehicle speed", "km/h", 1, 0, u8},
		{CmdTimingAdvance, "Timing advance", "°", 1, 1, func(d []byte) float64 { return u8(d)/2 - 64 }},
		{CmdIntakeTemp, "Intake air temperature", "°C", 1, 0, celsius},
		{CmdMAF, "Mass air flow rate", "g/s", 2, 2, func(d []byte) float64 { return u16(d) / 100 }},
		{CmdThrottle, "Throttle position", "%", 1, 1, percent},
		{CmdRunTime, "Run time since engine start", "s", 2, 0, u16},
		{"0121", "Distance traveled with MIL on", "km", 2, 0, u16},
		{CmdFuelLevel, "Fuel tank level input", "%", 1, 1, percent},
		{"0131", "Distance traveled since codes cleared", "km", 2, 0, u16},
		{"0133", "Absolute barometric pressure", "kPa", 1, 0, u8},
		{CmdModuleVoltage, "Control module voltage", "V", 2, 3, func(d []byte) float64 { return u16(d) / 1000 }},
		{CmdAmbientTemp, "Ambient air temperature", "°C", 1, 0, celsius},
		{CmdOilTemp, "Engine oil temperature", "°C", 1, 0, celsius},
	} {
		register(p)
	}
}

// LookupPID returns the table row for a mode-01 command.
func LookupPID(command string) (PID, bool) {
	p, ok := pidTable[normalizeCommand(command)]
	return p, ok
}

// PIDs returns every known mode-01 row, for listings.
func PIDs() []PID {
	out := make([]PID, 0, len(pidTable))
	for _, p := range pidTable {
		out = append(out, p)
	}
	return out
}

// isSupportedPIDsRequest reports PIDs 00, 20, 40, 60... which return a
// 32-bit bitmap of the next 32 PIDs rather than a measurement.
func isSupportedPIDsRequest(pid byte) bool {
	return pid%0x20 == 0 && pid <= 0xC0
}

// supportedPIDs expands the 4-byte bitmap returned for PID base.
func supportedPIDs(base byte, d []byte) []string {
	var out []string
	for i := 0; i < 32; i++ {
		if d[i/8]&(0x80>>(uint(i)%8)) != 0 {
			out = append(out, fmt.Sprintf("%02X", int(base)+i+1))
		}
	}
	return out
}

func normalizeCommand(command string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(command), " ", ""))
}
