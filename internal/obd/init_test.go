package obd

import (
	"context"
	"reflect"
	"sync"
	"testing"
)

type stateLog struct {
	mu     sync.Mutex
	states []InitState
}

func (l *stateLog) observe(s InitState) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) get() []InitState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]InitState(nil), l.states...)
}

func TestInitialize(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(e *Emulator)
		wantErr      bool
		wantKind     Kind
		wantCommands []string
		wantStates   []InitState
	}{
		{
			name:         "full sequence",
			setup:        func(e *Emulator) {},
			wantCommands: []string{"ATI", "ATZ", "ATE0", "ATL0", "ATH0", "ATSP0"},
			wantStates: []InitState{InitValidateLink, InitReset, InitEchoOff,
				InitLinefeedsOff, InitHeadersOff, InitProtocolAuto, InitReady},
		},
		{
			name:         "probe answered on bare return",
			setup:        func(e *Emulator) { e.DropLines = 1 },
			wantCommands: []string{"ATZ", "ATE0", "ATL0", "ATH0", "ATSP0"},
			wantStates: []InitState{InitValidateLink, InitReset, InitEchoOff,
				InitLinefeedsOff, InitHeadersOff, InitProtocolAuto, InitReady},
		},
		{
			name:       "silent adapter",
			setup:      func(e *Emulator) { e.Silent = true },
			wantErr:    true,
			wantKind:   KindTimeout,
			wantStates: []InitState{InitValidateLink, InitFailed},
		},
		{
			name:         "linefeeds step refused",
			setup:        func(e *Emulator) { e.FailCommand = "ATL0" },
			wantErr:      true,
			wantKind:     KindCommand,
			wantCommands: []string{"ATI", "ATZ", "ATE0"},
			wantStates: []InitState{InitValidateLink, InitReset, InitEchoOff,
				InitLinefeedsOff, InitFailed},
		},
		{
			name:         "reset refused",
			setup:        func(e *Emulator) { e.FailCommand = "ATZ" },
			wantErr:      true,
			wantKind:     KindCommand,
			wantCommands: []string{"ATI"},
			wantStates:   []InitState{InitValidateLink, InitReset, InitFailed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emu := NewEmulator(ScriptResponder(testScript))
			tt.setup(emu)
			f := NewFramer(emu, testTiming())
			defer f.Close()

			var log stateLog
			err := f.Initialize(context.Background(), log.observe)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Initialize() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && KindOf(err) != tt.wantKind {
				t.Errorf("Kind = %s, want %s", KindOf(err), tt.wantKind)
			}
			if got := emu.Commands(); !reflect.DeepEqual(got, tt.wantCommands) {
				t.Errorf("commands = %v, want %v", got, tt.wantCommands)
			}
			if got := log.get(); !reflect.DeepEqual(got, tt.wantStates) {
				t.Errorf("states = %v, want %v", got, tt.wantStates)
			}
		})
	}
}

func TestInitializeSilentProbesTwice(t *testing.T) {
	emu := NewEmulator(nil)
	emu.Silent = true
	f := NewFramer(emu, testTiming())
	defer f.Close()

	if err := f.Initialize(context.Background(), nil); err == nil {
		t.Fatal("Initialize() succeeded on a silent link")
	}
	if got := emu.Writes(); got != 2 {
		t.Errorf("writes = %d, want ATI plus one bare return", got)
	}
}

func TestInitializeThenExec(t *testing.T) {
	emu := NewEmulator(ScriptResponder(testScript))
	f := NewFramer(emu, testTiming())
	defer f.Close()

	if err := f.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	resp, err := f.Exec(context.Background(), "010D")
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	// echo was turned off by the init sequence
	if resp != "41 0D 3C" {
		t.Errorf("Exec() = %q, want %q", resp, "41 0D 3C")
	}
}

func TestInitCommands(t *testing.T) {
	want := []string{"ATZ", "ATE0", "ATL0", "ATH0", "ATSP0"}
	if got := InitCommands(); !reflect.DeepEqual(got, want) {
		t.Errorf("InitCommands() = %v, want %v", got, want)
	}
}
