package obd

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

// Responder answers one OBD (non-AT) command with the body the adapter would
// print before its prompt. An empty answer means the adapter printed only the
// prompt.
type Responder func(cmd string) string

// Emulator is an in-memory ELM327. It handles the AT set the controller uses
// and forwards OBD requests to a Responder. It satisfies Transport.
type Emulator struct {
	mu        sync.Mutex
	in        []byte
	out       bytes.Buffer
	echo      bool
	closed    bool
	writes    int
	commands  []string
	responder Responder
	notify    chan struct{}

	// ReadTimeout is how long Read waits for output before returning (0, nil).
	ReadTimeout time.Duration
	// Silent makes the emulator swallow everything, like a dead link.
	Silent bool
	// DropLines swallows the next n lines without answering.
	DropLines int
	// FailWrites makes the next n writes fail.
	FailWrites int
	// FailCommand makes writes of this exact command fail, for init tests.
	FailCommand string
	// ReadErr, when set, is returned by the next Read.
	ReadErr error
	// Version is what ATZ and ATI print.
	Version string
}

var errEmulatorWrite = errors.New("emulator: write refused")

// NewEmulator returns an emulator with echo on, as after power up.
func NewEmulator(r Responder) *Emulator {
	if r == nil {
		r = func(string) string { return "NO DATA" }
	}
	return &Emulator{
		echo:        true,
		responder:   r,
		notify:      make(chan struct{}, 1),
		ReadTimeout: 10 * time.Millisecond,
		Version:     "ELM327 v1.5",
	}
}

// Commands returns every non-empty command line received so far.
func (e *Emulator) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

// Writes counts Write calls that reached the emulator, failed ones included.
func (e *Emulator) Writes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writes
}

// Closed reports whether Close was called.
func (e *Emulator) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// SetSilent toggles Silent under the emulator lock.
func (e *Emulator) SetSilent(v bool) {
	e.mu.Lock()
	e.Silent = v
	e.mu.Unlock()
}

// SetFailWrites makes the next n writes fail.
func (e *Emulator) SetFailWrites(n int) {
	e.mu.Lock()
	e.FailWrites = n
	e.mu.Unlock()
}

// Break makes the next Read fail with err, like a dropped RFCOMM link.
func (e *Emulator) Break(err error) {
	e.mu.Lock()
	e.ReadErr = err
	e.mu.Unlock()
	e.wake()
}

// Inject queues raw bytes as if the adapter had sent them unprompted.
func (e *Emulator) Inject(s string) {
	e.mu.Lock()
	e.out.WriteString(s)
	e.mu.Unlock()
	e.wake()
}

func (e *Emulator) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Emulator) Read(p []byte) (int, error) {
	for attempt := 0; attempt < 2; attempt++ {
		e.mu.Lock()
		if err := e.ReadErr; err != nil {
			e.ReadErr = nil
			e.mu.Unlock()
			return 0, err
		}
		if e.closed {
			e.mu.Unlock()
			return 0, io.EOF
		}
		if e.out.Len() > 0 {
			n, _ := e.out.Read(p)
			e.mu.Unlock()
			return n, nil
		}
		timeout := e.ReadTimeout
		e.mu.Unlock()
		if attempt == 0 {
			select {
			case <-e.notify:
			case <-time.After(timeout):
			}
		}
	}
	return 0, nil
}

func (e *Emulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.wake()
	defer e.mu.Unlock()
	if e.closed {
		return 0, io.ErrClosedPipe
	}
	e.writes++
	if e.FailWrites > 0 {
		e.FailWrites--
		return 0, errEmulatorWrite
	}
	if e.FailCommand != "" && strings.EqualFold(strings.TrimSpace(string(p)), e.FailCommand) {
		return 0, errEmulatorWrite
	}
	e.in = append(e.in, p...)
	for {
		i := bytes.IndexByte(e.in, '\r')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(e.in[:i]))
		e.in = append(e.in[:0:0], e.in[i+1:]...)
		e.handle(line)
	}
	return len(p), nil
}

// handle runs with e.mu held.
func (e *Emulator) handle(line string) {
	if e.Silent {
		return
	}
	if e.DropLines > 0 {
		e.DropLines--
		return
	}
	if line != "" {
		e.commands = append(e.commands, line)
	}
	if e.echo && line != "" {
		e.out.WriteString(line + "\r")
	}
	var resp string
	cmd := normalizeCommand(line)
	switch {
	case cmd == "":
		resp = ""
	case cmd == "ATZ" || cmd == "ATWS":
		e.echo = true
		resp = "\r\r" + e.Version
	case cmd == "ATI":
		resp = e.Version
	case cmd == "ATE0":
		e.echo = false
		resp = "OK"
	case cmd == "ATE1":
		e.echo = true
		resp = "OK"
	case cmd == "ATRV":
		resp = "12.6V"
	case strings.HasPrefix(cmd, "AT"):
		resp = "OK"
	default:
		resp = e.responder(cmd)
	}
	if resp != "" {
		e.out.WriteString(resp + "\r\r")
	}
	e.out.WriteString(">")
}

func (e *Emulator) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wake()
	return nil
}

// ScriptResponder answers from a fixed command → response map and says
// NO DATA otherwise.
func ScriptResponder(script map[string]string) Responder {
	return func(cmd string) string {
		if r, ok := script[cmd]; ok {
			return r
		}
		return "NO DATA"
	}
}
