package upload

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/mironalin/carsense/internal/obd"
	"github.com/mironalin/carsense/internal/session"
)

func TestEncoders(t *testing.T) {
	r := obd.Decode("010C", "41 0C 1A F8")
	r.At = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env := Envelope{
		Type: "reading",
		Snapshot: &session.Snapshot{
			Identity: session.Identity{VehicleID: "veh-1", SessionID: "s-1"},
			Reading:  r,
		},
	}

	tests := []struct {
		format string
	}{
		{"json"},
		{""},
		{"cbor"},
	}
	for _, tt := range tests {
		t.Run("format "+formatName(tt.format), func(t *testing.T) {
			enc, err := EncoderFor(tt.format)
			if err != nil {
				t.Fatalf("EncoderFor() error: %v", err)
			}
			data, err := enc(env)
			if err != nil {
				t.Fatalf("encode error: %v", err)
			}
			got, err := Decode(tt.format, data)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if got.Snapshot == nil || got.Snapshot.VehicleID != "veh-1" || got.Snapshot.Reading.Value != "1726" {
				t.Errorf("decoded envelope = %+v", got.Snapshot)
			}
		})
	}
}

func TestCBORIsSmaller(t *testing.T) {
	rep := session.Report{
		Identity: session.Identity{VehicleID: "veh-1", SessionID: "s-1"},
		Stored:   []obd.DTC{{Code: "P0301", Raw: "0301"}, {Code: "P0420", Raw: "0420"}},
	}
	env := Envelope{Type: "dtcs", Report: &rep}
	j, _ := EncoderFor("json")
	c, _ := EncoderFor("cbor")
	jb, _ := j(env)
	cb, _ := c(env)
	if len(cb) >= len(jb) {
		t.Errorf("cbor %d bytes, json %d bytes", len(cb), len(jb))
	}
	// deterministic encoding
	cb2, _ := c(env)
	if !bytes.Equal(cb, cb2) {
		t.Error("cbor encoding not deterministic")
	}
}

func TestEncoderForUnknown(t *testing.T) {
	if _, err := EncoderFor("xml"); err == nil {
		t.Error("EncoderFor(xml) succeeded")
	}
}

func TestListKey(t *testing.T) {
	if got := ListKey("veh-1"); got != "carsense:veh-1:readings" {
		t.Errorf("ListKey() = %s", got)
	}
}

func TestNewRedisSinkUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := NewRedisSink(ctx, Config{Addr: "127.0.0.1:1"}, nil)
	if err == nil {
		t.Fatal("NewRedisSink() connected to a closed port")
	}
}

func TestDecodeAll(t *testing.T) {
	r := obd.Decode("010D", "41 0D 32")
	envs := []Envelope{
		{Type: "reading", Snapshot: &session.Snapshot{Identity: session.Identity{VehicleID: "veh-1"}, Reading: r}},
		{Type: "dtcs", Report: &session.Report{Identity: session.Identity{VehicleID: "veh-1"}}},
	}
	for _, format := range []string{"json", "cbor"} {
		t.Run(format, func(t *testing.T) {
			enc, err := EncoderFor(format)
			if err != nil {
				t.Fatal(err)
			}
			var vals []string
			for _, e := range envs {
				data, err := enc(e)
				if err != nil {
					t.Fatal(err)
				}
				vals = append(vals, string(data))
			}
			got, err := decodeAll(format, vals)
			if err != nil {
				t.Fatalf("decodeAll() error: %v", err)
			}
			if len(got) != 2 || got[0].Type != "reading" || got[1].Type != "dtcs" {
				t.Fatalf("decoded = %+v", got)
			}
			if got[0].Snapshot == nil || got[0].Snapshot.Reading.Value != r.Value {
				t.Errorf("snapshot = %+v", got[0].Snapshot)
			}
			if _, err := decodeAll(format, append(vals, "\xff{")); err == nil {
				t.Error("corrupt record accepted")
			}
		})
	}
}
