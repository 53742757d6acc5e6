//go:build linux

package bluetooth

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mironalin/carsense/internal/obd"
)

// RFCOMMDialer opens an AF_BLUETOOTH stream socket straight to an RFCOMM
// channel. It bypasses BlueZ profiles and is used when no SPP profile can be
// registered.
type RFCOMMDialer struct {
	Channel     uint8 // 1 when zero; nearly every ELM327 clone listens there
	ReadTimeout time.Duration
}

func (d RFCOMMDialer) Name() string { return "rfcomm" }

func (d RFCOMMDialer) Dial(ctx context.Context, address string) (obd.Transport, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	channel := d.Channel
	if channel == 0 {
		channel = 1
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("bluetooth: rfcomm socket: %w", err)
	}
	sa := &unix.SockaddrRFCOMM{Addr: addr.reversed(), Channel: channel}

	done := make(chan error, 1)
	go func() { done <- unix.Connect(fd, sa) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		// shutdown aborts a connect still in BT_CONNECT
		unix.Shutdown(fd, unix.SHUT_RDWR)
		<-done
		unix.Close(fd)
		return nil, fmt.Errorf("bluetooth: rfcomm connect %s: %w", addr, ctx.Err())
	}
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bluetooth: rfcomm connect %s channel %d: %w", addr, channel, err)
	}

	f, err := fileFromFD(fd, "rfcomm:"+addr.String())
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return obd.NewFileTransport(f, d.ReadTimeout), nil
}

// rfcommSupported probes whether the kernel has Bluetooth RFCOMM sockets.
func rfcommSupported() bool {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return false
	}
	unix.Close(fd)
	return true
}

// fileFromFD switches fd to non-blocking mode so the runtime poller applies
// read deadlines, then wraps it.
func fileFromFD(fd int, name string) (*os.File, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("bluetooth: set non-blocking: %w", err)
	}
	return os.NewFile(uintptr(fd), name), nil
}
