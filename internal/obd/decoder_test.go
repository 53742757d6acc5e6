package obd

import (
	"errors"
	"testing"
)

func TestDecodePIDs(t *testing.T) {
	tests := []struct {
		name      string
		command   string
		raw       string
		wantValue string
		wantUnit  string
	}{
		{"engine speed", "010C", "41 0C 1A F8", "1726", "RPM"},
		{"vehicle speed", "010D", "41 0D 3C", "60", "km/h"},
		{"coolant temperature", "0105", "41 05 7B", "83", "°C"},
		{"intake temperature", "010F", "41 0F 46", "30", "°C"},
		{"throttle full", "0111", "41 11 FF", "100", "%"},
		{"fuel level rounded", "012F", "41 2F 80", "50.2", "%"},
		{"mass air flow", "0110", "41 10 01 F4", "5", "g/s"},
		{"manifold pressure", "010B", "41 0B 64", "100", "kPa"},
		{"lower case command", "010d", "41 0D 3C", "60", "km/h"},
		{"spaced command", "01 0C", "41 0C 0F A0", "1000", "RPM"},
		{"echo before answer", "010C", "010C 41 0C 0F A0", "1000", "RPM"},
		{"echo that looks like a header", "0141", "0141 41 41 00 07 E5 00", "0007E500", ""},
		{"spaced echo", "010D", "01 0D\r41 0D 32", "50", "km/h"},
		{"searching then data", "010D", "SEARCHING... 41 0D 3C", "60", "km/h"},
		{"bus init then data", "010D", "BUS INIT: ...OK 41 0D 3C", "60", "km/h"},
		{"unknown pid passes hex", "0150", "41 50 12 34", "1234", ""},
		{"at passthrough", "ATRV", "12.6V", "12.6V", ""},
		{"module voltage", "0142", "41 42 31 10", "12.56", "V"},
		{"timing advance", "010E", "41 0E 94", "10", "°"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Decode(tt.command, tt.raw)
			if r.IsError {
				t.Fatalf("Decode() error: %v", r.Err)
			}
			if r.Value != tt.wantValue {
				t.Errorf("Value = %q, want %q", r.Value, tt.wantValue)
			}
			if r.Unit != tt.wantUnit {
				t.Errorf("Unit = %q, want %q", r.Unit, tt.wantUnit)
			}
			if r.Raw != tt.raw {
				t.Errorf("Raw = %q, want %q", r.Raw, tt.raw)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name          string
		command       string
		raw           string
		wantKind      Kind
		wantTransient bool
	}{
		{"no data", "010C", "NO DATA", KindProtocol, false},
		{"unable to connect", "010C", "SEARCHING... UNABLE TO CONNECT", KindProtocol, false},
		{"question mark", "01ZZ", "?", KindProtocol, false},
		{"can error", "010D", "CAN ERROR", KindProtocol, false},
		{"generic error", "010D", "ERROR", KindProtocol, false},
		{"still searching", "010D", "SEARCHING...", KindProtocol, true},
		{"short payload", "010C", "41 0C 1A", KindParse, false},
		{"wrong header", "010C", "41 0D 3C", KindParse, false},
		{"odd hex digits", "010D", "41 0D 3", KindParse, false},
		{"header off byte boundary", "010C", "04 10 C4 10 C1", KindParse, false},
		{"not a mode", "ZZ0C", "41 0C 1A F8", KindParse, false},
		{"empty", "010C", "", KindParse, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Decode(tt.command, tt.raw)
			if !r.IsError {
				t.Fatalf("Decode() = %+v, want error reading", r)
			}
			if r.Err == nil {
				t.Fatal("Err is nil on error reading")
			}
			if r.Err.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", r.Err.Kind, tt.wantKind)
			}
			if r.Transient != tt.wantTransient {
				t.Errorf("Transient = %v, want %v", r.Transient, tt.wantTransient)
			}
			if r.ErrorMessage() == "" {
				t.Error("ErrorMessage() empty")
			}
			if !errors.Is(r.Err, &Error{Kind: tt.wantKind}) {
				t.Errorf("errors.Is by kind failed for %v", r.Err)
			}
		})
	}
}

func TestDecodeSupportedPIDs(t *testing.T) {
	r := Decode("0100", "41 00 BE 3F B8 13")
	if r.IsError {
		t.Fatalf("Decode() error: %v", r.Err)
	}
	want := "01,03,04,05,06,07,0B,0C,0D,0E,0F,10,11,13,14,15,1C,1F,20"
	if r.Value != want {
		t.Errorf("Value = %q, want %q", r.Value, want)
	}
	if r.Numeric != 19 {
		t.Errorf("Numeric = %v, want 19", r.Numeric)
	}
}

func TestDecodeDTCs(t *testing.T) {
	tests := []struct {
		name    string
		command string
		raw     string
		want    []string
	}{
		{"can two codes", "03", "43 02 01 33 04 20", []string{"P0133", "P0420"}},
		{"can no codes", "03", "43 00", []string{}},
		{"non-can padded", "03", "43 01 33 00 00 00 00", []string{"P0133"}},
		{"non-can two lines", "03", "43 01 33 04 20 00 00 43 C1 23 00 00 00 00", []string{"P0133", "P0420", "U0123"}},
		{"can multi frame", "03", "00A 0: 43 04 01 33 04 20 1: 01 71 C1 23 00 00 00", []string{"P0133", "P0420", "P0171", "U0123"}},
		{"pending", "07", "47 01 03 01", []string{"P0301"}},
		{"chassis and body", "03", "43 02 41 23 81 00", []string{"C0123", "B0100"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Decode(tt.command, tt.raw)
			if r.IsError {
				t.Fatalf("Decode() error: %v", r.Err)
			}
			if r.DTCs == nil {
				t.Fatal("DTCs is nil, want empty slice at least")
			}
			if len(r.DTCs) != len(tt.want) {
				t.Fatalf("got %d codes %v, want %v", len(r.DTCs), r.DTCs, tt.want)
			}
			for i, d := range r.DTCs {
				if d.Code != tt.want[i] {
					t.Errorf("code %d = %s, want %s", i, d.Code, tt.want[i])
				}
			}
		})
	}
}

func TestDecodeClearAndVIN(t *testing.T) {
	if r := Decode("04", "44"); r.IsError || r.Value != "cleared" {
		t.Errorf("clear: got %+v", r)
	}

	tests := []struct {
		name string
		raw  string
	}{
		{"single line", "49 02 01 57 56 57 5A 5A 5A 31 4A 5A 58 57 30 30 30 30 30 31"},
		{"can multi frame", "014 0: 49 02 01 57 56 57 1: 5A 5A 5A 31 4A 5A 58 2: 57 30 30 30 30 30 31"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Decode("0902", tt.raw)
			if r.IsError {
				t.Fatalf("Decode() error: %v", r.Err)
			}
			if r.Value != "WVWZZZ1JZXW000001" {
				t.Errorf("VIN = %q", r.Value)
			}
		})
	}

	if r := Decode("0902", "49 02 01 57 56 57"); !r.IsError {
		t.Errorf("truncated VIN decoded as %q", r.Value)
	}
}

func TestDecodePayload(t *testing.T) {
	r := DecodePayload("010C", []byte{0x1A, 0xF8})
	if r.Value != "1726" || r.Unit != "RPM" {
		t.Errorf("DecodePayload() = %+v", r)
	}
	if r := DecodePayload("010C", []byte{0x1A}); !r.IsError {
		t.Error("short payload accepted")
	}
}
