package obd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func testTiming() Timing {
	return Timing{
		WriteSettle:     time.Millisecond,
		PollInterval:    2 * time.Millisecond,
		ResponseTimeout: 300 * time.Millisecond,
		WriteAttempts:   3,
		WriteBackoff:    5 * time.Millisecond,
		ProbeWindow:     50 * time.Millisecond,
		ResetDelay:      20 * time.Millisecond,
		StepDelay:       20 * time.Millisecond,
	}
}

var testScript = map[string]string{
	"0105": "41 05 7B",
	"010C": "41 0C 1A F8",
	"010D": "41 0D 3C",
	"010F": "41 0F 46",
	"0111": "41 11 FF",
	"012F": "41 2F 80",
}

func startedFramer(t *testing.T, emu *Emulator, opts ...FramerOption) *Framer {
	t.Helper()
	f := NewFramer(emu, testTiming(), opts...)
	f.Start()
	t.Cleanup(func() { f.Close() })
	resp, err := f.Exec(context.Background(), "ATE0")
	if err != nil {
		t.Fatalf("Exec(ATE0) error: %v", err)
	}
	if !strings.HasSuffix(resp, "OK") {
		t.Fatalf("Exec(ATE0) = %q, want OK", resp)
	}
	return f
}

func TestFramerExec(t *testing.T) {
	emu := NewEmulator(ScriptResponder(testScript))
	f := startedFramer(t, emu)

	resp, err := f.Exec(context.Background(), "010C")
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if resp != "41 0C 1A F8" {
		t.Errorf("Exec() = %q, want %q", resp, "41 0C 1A F8")
	}
	if f.LastCommand() != "010C" {
		t.Errorf("LastCommand() = %q", f.LastCommand())
	}
}

func TestFramerSerialisesConcurrentExec(t *testing.T) {
	emu := NewEmulator(ScriptResponder(testScript))
	f := startedFramer(t, emu)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 4; i++ {
		for cmd, want := range testScript {
			wg.Add(1)
			go func(cmd, want string) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				got, err := f.Exec(ctx, cmd)
				if err != nil {
					errs <- fmt.Errorf("%s: %w", cmd, err)
					return
				}
				if got != want {
					errs <- fmt.Errorf("%s: got %q, want %q", cmd, got, want)
				}
			}(cmd, want)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestFramerWriteRetries(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantErr   bool
		wantWrite int
	}{
		{"recovers after two failures", 2, false, 3},
		{"gives up after three", 3, true, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emu := NewEmulator(ScriptResponder(testScript))
			f := startedFramer(t, emu)
			before := emu.Writes()
			emu.SetFailWrites(tt.failures)

			_, err := f.Exec(context.Background(), "010D")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Exec() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && KindOf(err) != KindConnection {
				t.Errorf("Kind = %s, want connection", KindOf(err))
			}
			if got := emu.Writes() - before; got != tt.wantWrite {
				t.Errorf("writes = %d, want %d", got, tt.wantWrite)
			}
		})
	}
}

func TestFramerTimeout(t *testing.T) {
	emu := NewEmulator(func(string) string { return "" })
	f := startedFramer(t, emu)

	start := time.Now()
	_, err := f.Exec(context.Background(), "010C")
	if KindOf(err) != KindTimeout {
		t.Fatalf("Exec() error = %v, want timeout", err)
	}
	if time.Since(start) < testTiming().ResponseTimeout {
		t.Error("returned before the response timeout")
	}
	// the framer stays usable
	resp, err := f.Exec(context.Background(), "ATRV")
	if err != nil {
		t.Fatalf("Exec() after timeout: %v", err)
	}
	if resp != "12.6V" {
		t.Errorf("Exec(ATRV) = %q", resp)
	}
}

func TestFramerSplitsOnPrompt(t *testing.T) {
	emu := NewEmulator(nil)
	got := make(chan string, 4)
	f := NewFramer(emu, testTiming(), OnResponse(func(cmd, resp string) { got <- resp }))
	f.Start()
	defer f.Close()

	emu.Inject("41 0D 3C\r\r>41 0C")
	emu.Inject(" 1A F8\r\r>")
	emu.Inject("\r\n>")

	want := []string{"41 0D 3C", "41 0C 1A F8"}
	for _, w := range want {
		select {
		case r := <-got:
			if r != w {
				t.Errorf("response = %q, want %q", r, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("no response, want %q", w)
		}
	}
	select {
	case r := <-got:
		t.Errorf("empty frame delivered as %q", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFramerReadFailure(t *testing.T) {
	emu := NewEmulator(ScriptResponder(testScript))
	failed := make(chan error, 1)
	f := startedFramer(t, emu, OnFailure(func(err error) { failed <- err }))

	emu.Break(errors.New("link lost"))
	select {
	case err := <-failed:
		if KindOf(err) != KindConnection {
			t.Errorf("Kind = %s, want connection", KindOf(err))
		}
	case <-time.After(time.Second):
		t.Fatal("OnFailure not called")
	}
	if f.Connected() {
		t.Error("Connected() = true after read failure")
	}
	if _, err := f.Exec(context.Background(), "010D"); !errors.Is(err, ErrClosed) {
		t.Errorf("Exec() after failure = %v, want ErrClosed", err)
	}
}

func TestFramerClose(t *testing.T) {
	emu := NewEmulator(ScriptResponder(testScript))
	f := startedFramer(t, emu)

	if err := f.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	if !emu.Closed() {
		t.Error("transport not closed")
	}
	if _, err := f.Exec(context.Background(), "010D"); !errors.Is(err, ErrClosed) {
		t.Errorf("Exec() after Close = %v, want ErrClosed", err)
	}
}

func TestFramerLineTermination(t *testing.T) {
	tm := testTiming()
	f := NewFramer(NewEmulator(nil), tm)
	if got := string(f.line("010C")); got != "010C\r" {
		t.Errorf("line(010C) = %q", got)
	}

	tm.OBDLineFeed = true
	f = NewFramer(NewEmulator(nil), tm)
	tests := map[string]string{
		"010C":  "010C\r\n",
		"ATZ":   "ATZ\r",
		"atsp0": "atsp0\r",
	}
	for cmd, want := range tests {
		if got := string(f.line(cmd)); got != want {
			t.Errorf("line(%s) = %q, want %q", cmd, got, want)
		}
	}
}
