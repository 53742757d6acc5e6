package obd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Transport is the byte stream to the adapter. Read must return (0, nil) when
// no bytes arrived within its poll window instead of blocking forever; the
// framer relies on that to notice shutdown.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Dialer is one socket creation strategy. The controller tries its dialers in
// order on every connection attempt.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, address string) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc struct {
	Label string
	Fn    func(ctx context.Context, address string) (Transport, error)
}

func (d DialerFunc) Name() string { return d.Label }

func (d DialerFunc) Dial(ctx context.Context, address string) (Transport, error) {
	return d.Fn(ctx, address)
}

// IsDevicePath reports whether address names a tty (rfcomm binding, USB
// adapter) rather than a Bluetooth MAC.
func IsDevicePath(address string) bool {
	return strings.HasPrefix(address, "/") || strings.HasPrefix(strings.ToUpper(address), "COM")
}

// SerialDialer opens a tty: /dev/rfcomm0 bound with `rfcomm bind`, or a wired
// USB ELM327.
type SerialDialer struct {
	BaudRate    int
	ReadTimeout time.Duration
}

func (s SerialDialer) Name() string { return "serial" }

func (s SerialDialer) Dial(ctx context.Context, address string) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	baud := s.BaudRate
	if baud == 0 {
		baud = 38400
	}
	timeout := s.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultTiming().PollInterval
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(address, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", address, err)
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", address, err)
	}
	port.ResetInputBuffer()
	port.ResetOutputBuffer()
	return port, nil
}

// FileTransport wraps a non-blocking socket file descriptor (RFCOMM) and
// applies a read deadline per Read so that an idle link yields (0, nil).
type FileTransport struct {
	f           *os.File
	readTimeout time.Duration
}

// NewFileTransport takes ownership of f. f must refer to a non-blocking
// descriptor so that deadlines are honoured.
func NewFileTransport(f *os.File, readTimeout time.Duration) *FileTransport {
	if readTimeout <= 0 {
		readTimeout = DefaultTiming().PollInterval
	}
	return &FileTransport{f: f, readTimeout: readTimeout}
}

func (t *FileTransport) Read(p []byte) (int, error) {
	if err := t.f.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
		return 0, err
	}
	n, err := t.f.Read(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func (t *FileTransport) Write(p []byte) (int, error) { return t.f.Write(p) }

func (t *FileTransport) Close() error { return t.f.Close() }
