package obd

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// DemoEngine simulates a running car behind an Emulator for development
// without hardware.
type DemoEngine struct {
	mu    sync.Mutex
	start time.Time
	t     float64 // virtual time accumulator
	dtcs  []string
	vin   string
}

func NewDemoEngine() *DemoEngine {
	return &DemoEngine{
		start: time.Now(),
		dtcs:  []string{"P0301", "P0420"},
		vin:   "WVWZZZ1JZXW000001",
	}
}

// Responder returns the engine as a Responder for NewEmulator.
func (d *DemoEngine) Responder() Responder { return d.respond }

func bytesResp(mode, pid byte, data ...byte) string {
	parts := []string{fmt.Sprintf("%02X", 0x40+mode), fmt.Sprintf("%02X", pid)}
	for _, b := range data {
		parts = append(parts, fmt.Sprintf("%02X", b))
	}
	return strings.Join(parts, " ")
}

func clampByte(v float64) byte {
	return byte(math.Max(0, math.Min(255, math.Round(v))))
}

func (d *DemoEngine) respond(cmd string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.t += 0.05

	// RPM cycles between idle and revving
	rpm := 850.0 + 4000.0*math.Sin(d.t*0.3)*math.Sin(d.t*0.3) + rand.Float64()*50
	tps := (rpm - 850) / (8000 - 850) * 100
	speed := tps / 100 * 220
	coolant := 85.0 + rand.Float64()*5
	iat := 30.0 + rand.Float64()*8
	mapKPa := 30 + (rpm-850)/(8000-850)*170
	maf := 2.5 + tps/100*180

	switch cmd {
	case "0100":
		return bytesResp(1, 0x00, 0xBE, 0x3F, 0xB8, 0x13)
	case "0120":
		return bytesResp(1, 0x20, 0xA0, 0x05, 0xB0, 0x11)
	case "0140":
		return bytesResp(1, 0x40, 0x44, 0x40, 0x00, 0x10)
	case CmdEngineLoad:
		return bytesResp(1, 0x04, clampByte(tps*255/100))
	case CmdCoolantTemp:
		return bytesResp(1, 0x05, clampByte(coolant+40))
	case "0106", "0107", "0108", "0109":
		return bytesResp(1, hexPID(cmd), clampByte(128+rand.Float64()*6-3))
	case CmdFuelPressure:
		return bytesResp(1, 0x0A, clampByte(300.0/3))
	case CmdMAP:
		return bytesResp(1, 0x0B, clampByte(mapKPa))
	case CmdRPM:
		raw := uint16(rpm * 4)
		return bytesResp(1, 0x0C, byte(raw>>8), byte(raw))
	case CmdSpeed:
		return bytesResp(1, 0x0D, clampByte(speed))
	case CmdTimingAdvance:
		return bytesResp(1, 0x0E, clampByte((10+tps/100*28+64)*2))
	case CmdIntakeTemp:
		return bytesResp(1, 0x0F, clampByte(iat+40))
	case CmdMAF:
		raw := uint16(maf * 100)
		return bytesResp(1, 0x10, byte(raw>>8), byte(raw))
	case CmdThrottle:
		return bytesResp(1, 0x11, clampByte(tps*255/100))
	case CmdRunTime:
		s := uint16(time.Since(d.start).Seconds())
		return bytesResp(1, 0x1F, byte(s>>8), byte(s))
	case CmdFuelLevel:
		return bytesResp(1, 0x2F, clampByte((62-d.t*0.01)*255/100))
	case "0133":
		return bytesResp(1, 0x33, 101)
	case CmdModuleVoltage:
		mv := uint16((13.8 + rand.Float64()*0.4) * 1000)
		return bytesResp(1, 0x42, byte(mv>>8), byte(mv))
	case CmdAmbientTemp:
		return bytesResp(1, 0x46, 18+40)
	case CmdOilTemp:
		return bytesResp(1, 0x5C, clampByte(coolant+5+40))
	case CmdReadDTCs:
		return d.dtcResponse(0x03, d.dtcs)
	case CmdReadPendingDTCs:
		return d.dtcResponse(0x07, nil)
	case CmdClearDTCs:
		d.dtcs = nil
		return "44"
	case CmdReadVIN:
		parts := []string{"49 02 01"}
		for _, c := range []byte(d.vin) {
			parts = append(parts, fmt.Sprintf("%02X", c))
		}
		return strings.Join(parts, " ")
	}
	return "NO DATA"
}

// dtcResponse answers in the CAN layout: header, count, code pairs.
func (d *DemoEngine) dtcResponse(mode byte, codes []string) string {
	parts := []string{fmt.Sprintf("%02X", 0x40+mode), fmt.Sprintf("%02X", len(codes))}
	for _, c := range codes {
		a, b, ok := encodeDTC(c)
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%02X", a), fmt.Sprintf("%02X", b))
	}
	return strings.Join(parts, " ")
}

func hexPID(cmd string) byte {
	var b byte
	fmt.Sscanf(cmd[2:], "%02X", &b)
	return b
}

// encodeDTC is the inverse of dtcFromBytes.
func encodeDTC(code string) (byte, byte, bool) {
	if len(code) != 5 {
		return 0, 0, false
	}
	sys := strings.IndexByte("PCBU", code[0])
	if sys < 0 {
		return 0, 0, false
	}
	var rest uint16
	if _, err := fmt.Sscanf(code[1:], "%04X", &rest); err != nil {
		return 0, 0, false
	}
	a := byte(sys)<<6 | byte(rest>>8)&0x3F
	return a, byte(rest), true
}

// DemoAddress is the placeholder address used in demo mode.
const DemoAddress = "00:00:00:00:00:00"

// DemoDialer hands out a fresh Emulator backed by engine on every dial, so
// the simulated car survives reconnects.
func DemoDialer(engine *DemoEngine) Dialer {
	return DialerFunc{Label: "demo", Fn: func(ctx context.Context, address string) (Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return NewEmulator(engine.Responder()), nil
	}}
}
