package bluetooth

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/mironalin/carsense/internal/obd"
)

const sppProfilePath = dbus.ObjectPath("/org/carsense/profile/spp")

// SPPDialer connects through BlueZ: it registers a client Serial Port
// Profile, asks the device to connect it and receives the RFCOMM socket in
// Profile1.NewConnection. This is the path that works with paired adapters
// on a stock desktop without root.
type SPPDialer struct {
	adapter     string
	readTimeout time.Duration
	log         *logrus.Entry

	mu         sync.Mutex
	conn       *dbus.Conn
	registered bool
	waiters    map[dbus.ObjectPath]chan *os.File
}

// NewSPPDialer returns a dialer using the given local adapter (hci0 when
// empty).
func NewSPPDialer(adapter string, readTimeout time.Duration, log *logrus.Entry) *SPPDialer {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	if log == nil {
		log = logrus.WithField("component", "bluetooth")
	}
	return &SPPDialer{
		adapter:     adapter,
		readTimeout: readTimeout,
		log:         log,
		waiters:     make(map[dbus.ObjectPath]chan *os.File),
	}
}

func (d *SPPDialer) Name() string { return "spp" }

// Available reports whether the system bus is reachable and bluetoothd runs.
func (d *SPPDialer) Available() bool {
	conn, err := d.bus()
	if err != nil {
		return false
	}
	return bluezRunning(conn)
}

func (d *SPPDialer) bus() (*dbus.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return d.conn, nil
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluetooth: system bus: %w", err)
	}
	d.conn = conn
	return conn, nil
}

func (d *SPPDialer) register(conn *dbus.Conn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.registered {
		return nil
	}
	if err := conn.Export(sppProfile{d}, sppProfilePath, bluezProfile1); err != nil {
		return fmt.Errorf("bluetooth: export profile: %w", err)
	}
	opts := map[string]dbus.Variant{
		"Name":                  dbus.MakeVariant("carsense OBD serial"),
		"Role":                  dbus.MakeVariant("client"),
		"RequireAuthentication": dbus.MakeVariant(false),
		"RequireAuthorization":  dbus.MakeVariant(false),
		"AutoConnect":           dbus.MakeVariant(false),
	}
	call := conn.Object(bluezBus, bluezRoot).Call(bluezProfileManager+".RegisterProfile", 0, sppProfilePath, SPPUUID, opts)
	if call.Err != nil {
		conn.Export(nil, sppProfilePath, bluezProfile1)
		return fmt.Errorf("bluetooth: register SPP profile: %w", call.Err)
	}
	d.registered = true
	d.log.Debug("SPP client profile registered")
	return nil
}

// Dial asks BlueZ to connect the SPP profile of address and waits for the
// socket.
func (d *SPPDialer) Dial(ctx context.Context, address string) (obd.Transport, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	conn, err := d.bus()
	if err != nil {
		return nil, err
	}
	if err := d.register(conn); err != nil {
		return nil, err
	}

	path := addr.DevicePath(d.adapter)
	ch := make(chan *os.File, 1)
	d.mu.Lock()
	d.waiters[path] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.waiters[path] == ch {
			delete(d.waiters, path)
		}
		d.mu.Unlock()
	}()

	call := conn.Object(bluezBus, path).CallWithContext(ctx, bluezDevice1+".ConnectProfile", 0, SPPUUID)
	if call.Err != nil {
		return nil, fmt.Errorf("bluetooth: connect profile on %s: %w", addr, call.Err)
	}

	select {
	case f := <-ch:
		d.log.Debugf("SPP socket for %s received", addr)
		return obd.NewFileTransport(f, d.readTimeout), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("bluetooth: waiting for SPP socket from %s: %w", addr, ctx.Err())
	}
}

func (d *SPPDialer) deliver(dev dbus.ObjectPath, fd int) error {
	f, err := fileFromFD(fd, "spp:"+string(dev))
	if err != nil {
		return err
	}
	d.mu.Lock()
	ch, ok := d.waiters[dev]
	d.mu.Unlock()
	if !ok {
		f.Close()
		return fmt.Errorf("no dial waiting for %s", dev)
	}
	select {
	case ch <- f:
		return nil
	default:
		f.Close()
		return fmt.Errorf("duplicate connection for %s", dev)
	}
}

// Close unregisters the profile. The shared system bus connection stays open.
func (d *SPPDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.registered || d.conn == nil {
		return nil
	}
	d.registered = false
	call := d.conn.Object(bluezBus, bluezRoot).Call(bluezProfileManager+".UnregisterProfile", 0, sppProfilePath)
	d.conn.Export(nil, sppProfilePath, bluezProfile1)
	return call.Err
}

// sppProfile is the object BlueZ calls back on.
type sppProfile struct{ d *SPPDialer }

func (p sppProfile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, props map[string]dbus.Variant) *dbus.Error {
	if err := p.d.deliver(dev, int(fd)); err != nil {
		p.d.log.WithError(err).Warn("SPP connection rejected")
		return dbus.MakeFailedError(err)
	}
	return nil
}

func (p sppProfile) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	p.d.log.Debugf("disconnection requested for %s", dev)
	return nil
}

func (p sppProfile) Release() *dbus.Error {
	p.d.mu.Lock()
	p.d.registered = false
	p.d.mu.Unlock()
	return nil
}
