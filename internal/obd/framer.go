package obd

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"
)

type token struct{}

type pending struct {
	cmd string
	ch  chan string
}

// Framer turns a Transport byte stream into command/response pairs. A command
// is a line terminated by '\r'; a response is everything the adapter sends up
// to its '>' prompt. Only one command is ever in flight.
type Framer struct {
	t      Transport
	timing Timing
	log    *logrus.Entry

	semChan chan token

	mu        sync.Mutex
	connected bool
	running   bool
	lastCmd   string
	pending   *pending

	onResponse func(cmd, resp string)
	onFailure  func(err error)

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// FramerOption customises a Framer.
type FramerOption func(*Framer)

// OnResponse registers a callback for every framed response, including the
// ones no Exec call is waiting for. It runs on the read goroutine.
func OnResponse(fn func(cmd, resp string)) FramerOption {
	return func(f *Framer) { f.onResponse = fn }
}

// OnFailure registers a callback for read errors. It fires at most once.
func OnFailure(fn func(err error)) FramerOption {
	return func(f *Framer) { f.onFailure = fn }
}

// WithFramerLogger sets the logger.
func WithFramerLogger(log *logrus.Entry) FramerOption {
	return func(f *Framer) { f.log = log }
}

// NewFramer wraps t. The read loop is not running until Start.
func NewFramer(t Transport, timing Timing, opts ...FramerOption) *Framer {
	f := &Framer{
		t:         t,
		timing:    timing,
		log:       logrus.NewEntry(logrus.StandardLogger()),
		semChan:   make(chan token, 1),
		connected: true,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Start launches the read loop. Calling it more than once has no effect.
func (f *Framer) Start() {
	f.startOnce.Do(func() {
		f.mu.Lock()
		f.running = true
		f.mu.Unlock()
		go f.readLoop()
	})
}

// Connected reports whether the framer still considers the link usable.
func (f *Framer) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// LastCommand is the most recently written command.
func (f *Framer) LastCommand() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCmd
}

func (f *Framer) acquire(ctx context.Context) error {
	select {
	case f.semChan <- token{}:
		return nil
	case <-ctx.Done():
		return newError(KindTimeout, "acquire", "waiting for previous command", ctx.Err())
	case <-f.stop:
		return ErrClosed
	}
}

func (f *Framer) release() { <-f.semChan }

// Send writes cmd and waits for the settle delay without waiting for a
// response. Whatever the adapter answers reaches OnResponse.
func (f *Framer) Send(ctx context.Context, cmd string) error {
	if err := f.acquire(ctx); err != nil {
		return err
	}
	defer f.release()
	return f.write(ctx, cmd)
}

// Exec writes cmd and returns the next non-empty response.
func (f *Framer) Exec(ctx context.Context, cmd string) (string, error) {
	if err := f.acquire(ctx); err != nil {
		return "", err
	}
	defer f.release()

	p := &pending{cmd: cmd, ch: make(chan string, 1)}
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return "", ErrClosed
	}
	f.pending = p
	f.mu.Unlock()

	drop := func() {
		f.mu.Lock()
		if f.pending == p {
			f.pending = nil
		}
		f.mu.Unlock()
	}

	if err := f.write(ctx, cmd); err != nil {
		drop()
		return "", err
	}

	timer := time.NewTimer(f.timing.ResponseTimeout)
	defer timer.Stop()
	select {
	case resp := <-p.ch:
		return resp, nil
	case <-timer.C:
		drop()
		return "", newError(KindTimeout, "exec "+cmd, "no prompt within "+f.timing.ResponseTimeout.String(), nil)
	case <-ctx.Done():
		drop()
		return "", newError(KindTimeout, "exec "+cmd, "", ctx.Err())
	case <-f.stop:
		return "", ErrClosed
	case <-f.done:
		if !f.Connected() {
			return "", newError(KindConnection, "exec "+cmd, "read loop stopped", nil)
		}
		return "", ErrClosed
	}
}

func (f *Framer) line(cmd string) []byte {
	if f.timing.OBDLineFeed && !strings.HasPrefix(strings.ToUpper(cmd), "AT") {
		return []byte(cmd + "\r\n")
	}
	return []byte(cmd + "\r")
}

// write must be called with the semaphore held.
func (f *Framer) write(ctx context.Context, cmd string) error {
	data := f.line(cmd)
	f.mu.Lock()
	f.lastCmd = cmd
	f.mu.Unlock()

	err := retry.Do(
		func() error {
			if !f.Connected() {
				return ErrClosed
			}
			_, err := f.t.Write(data)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(f.timing.WriteAttempts),
		retry.Delay(f.timing.WriteBackoff),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return err != ErrClosed }),
		retry.OnRetry(func(n uint, err error) {
			f.log.WithError(err).Debugf("write %q attempt %d failed", cmd, n+1)
		}),
	)
	if err != nil {
		if err == ErrClosed {
			return err
		}
		if ctx.Err() != nil {
			return newError(KindTimeout, "write "+cmd, "", ctx.Err())
		}
		return newError(KindConnection, "write "+cmd, "", err)
	}
	f.log.Tracef("tx %q", cmd)

	select {
	case <-time.After(f.timing.WriteSettle):
	case <-ctx.Done():
	case <-f.stop:
	}
	return nil
}

func (f *Framer) readLoop() {
	defer close(f.done)
	buf := make([]byte, 256)
	var acc []byte
	for {
		select {
		case <-f.stop:
			return
		default:
		}
		n, err := f.t.Read(buf)
		if err != nil {
			f.fail(err)
			return
		}
		if n == 0 {
			select {
			case <-f.stop:
				return
			case <-time.After(f.timing.PollInterval):
			}
			continue
		}
		acc = append(acc, buf[:n]...)
		for {
			i := bytes.IndexByte(acc, '>')
			if i < 0 {
				break
			}
			text := cleanResponse(acc[:i])
			acc = append(acc[:0:0], acc[i+1:]...)
			f.dispatch(text)
		}
	}
}

// cleanResponse turns CR/LF separated adapter lines into one space separated
// string.
func cleanResponse(b []byte) string {
	return strings.Join(strings.Fields(string(b)), " ")
}

func (f *Framer) dispatch(text string) {
	if text == "" {
		return
	}
	f.mu.Lock()
	cmd := f.lastCmd
	p := f.pending
	f.pending = nil
	f.mu.Unlock()

	f.log.Tracef("rx %q for %q", text, cmd)
	if p != nil {
		p.ch <- text
	}
	if f.onResponse != nil {
		f.onResponse(cmd, text)
	}
}

func (f *Framer) fail(err error) {
	select {
	case <-f.stop:
		return
	default:
	}
	f.mu.Lock()
	f.connected = false
	f.pending = nil
	f.mu.Unlock()
	e := newError(KindConnection, "read", "", err)
	f.log.WithError(err).Warn("read loop stopped")
	if f.onFailure != nil {
		f.onFailure(e)
	}
}

// Close stops the read loop and closes the transport. It is safe to call more
// than once. It must not be called synchronously from the OnResponse or
// OnFailure callbacks.
func (f *Framer) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.stop)
		f.mu.Lock()
		f.connected = false
		f.pending = nil
		running := f.running
		f.mu.Unlock()
		// no Start after Close
		f.startOnce.Do(func() {})
		err = f.t.Close()
		if running {
			select {
			case <-f.done:
			case <-time.After(f.timing.PollInterval + time.Second):
				f.log.Warn("read loop did not stop in time")
			}
		}
	})
	return err
}
