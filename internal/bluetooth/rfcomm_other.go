//go:build !linux

package bluetooth

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/mironalin/carsense/internal/obd"
)

var errUnsupported = errors.New("bluetooth: rfcomm sockets need linux; bind the adapter to a serial port instead")

// RFCOMMDialer is only functional on linux.
type RFCOMMDialer struct {
	Channel     uint8
	ReadTimeout time.Duration
}

func (d RFCOMMDialer) Name() string { return "rfcomm" }

func (d RFCOMMDialer) Dial(ctx context.Context, address string) (obd.Transport, error) {
	return nil, errUnsupported
}

func rfcommSupported() bool { return false }

func fileFromFD(fd int, name string) (*os.File, error) { return nil, errUnsupported }
