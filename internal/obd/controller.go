package obd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"
)

// Controller owns the adapter connection: it dials, runs the init sequence,
// serves commands while Ready and reports everything on its event stream.
type Controller struct {
	cfg     Config
	log     *logrus.Entry
	dialers []Dialer
	serial  Dialer
	events  *hub

	mu         sync.Mutex
	state      State
	framer     *Framer
	connecting bool
	gen        uint64
	released   bool

	releaseOnce sync.Once
}

// Option customises a Controller.
type Option func(*Controller)

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Controller) { c.log = log }
}

// WithDialers sets the ordered socket strategies used for Bluetooth
// addresses. The first one that connects wins.
func WithDialers(d ...Dialer) Option {
	return func(c *Controller) { c.dialers = d }
}

// WithSerialDialer replaces the dialer used for device paths.
func WithSerialDialer(d Dialer) Option {
	return func(c *Controller) { c.serial = d }
}

// WithConfig sets timing and retry parameters. Zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// NewController returns a disconnected controller.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		cfg:    DefaultConfig(),
		log:    logrus.WithField("component", "obd"),
		events: newHub(),
	}
	for _, o := range opts {
		o(c)
	}
	c.cfg.applyDefaults()
	if c.serial == nil {
		c.serial = SerialDialer{ReadTimeout: c.cfg.Timing.PollInterval}
	}
	return c
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether commands can be sent.
func (c *Controller) Ready() bool { return c.State().Status == StatusReady }

// Subscribe returns a channel of events and a function that ends the
// subscription. The channel is closed by the cancel func or by Release.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.events.subscribe()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.announce(s)
	}
}

// setStateIf applies s only while gen is current and, when f is non-nil, f is
// still the live framer. It reports whether s was applied.
func (c *Controller) setStateIf(gen uint64, f *Framer, s State) bool {
	c.mu.Lock()
	if c.gen != gen || c.released || (f != nil && c.framer != f) {
		c.mu.Unlock()
		return false
	}
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.announce(s)
	}
	return true
}

func (c *Controller) announce(s State) {
	c.log.WithField("state", s.Status).Infof("state changed %s", s.Reason)
	c.events.publish(Event{Type: EventStateChanged, State: s})
}

func (c *Controller) fail(address string, err error) {
	s := State{Status: StatusError, Reason: err.Error(), Address: address}
	c.setState(s)
	c.events.publish(Event{Type: EventError, State: s, Err: err})
}

// failIf is fail for a connect attempt that may have been abandoned by Close.
func (c *Controller) failIf(gen uint64, address string, err error) {
	s := State{Status: StatusError, Reason: err.Error(), Address: address}
	if c.setStateIf(gen, nil, s) {
		c.events.publish(Event{Type: EventError, State: s, Err: err})
	}
}

// Connect dials address, initialises the adapter and moves to Ready. address
// is a Bluetooth MAC or a device path such as /dev/rfcomm0.
func (c *Controller) Connect(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	c.mu.Lock()
	switch {
	case c.released:
		c.mu.Unlock()
		return ErrClosed
	case c.connecting:
		c.mu.Unlock()
		return ErrConnectInProgress
	case c.state.Status == StatusReady:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.connecting = true
	gen := c.gen
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	if address == "" {
		err := newError(KindConnection, "connect", "no address", nil)
		c.failIf(gen, address, err)
		return err
	}

	if !c.setStateIf(gen, nil, State{Status: StatusConnecting, Address: address}) {
		return ErrClosed
	}
	t, attempts, err := c.dial(ctx, address)
	if err != nil {
		c.failIf(gen, address, err)
		return err
	}
	c.log.Infof("socket open to %s after %d attempt(s)", address, attempts)

	var f *Framer
	f = NewFramer(t, c.cfg.Timing,
		WithFramerLogger(c.log),
		OnResponse(func(cmd, resp string) {
			c.log.Tracef("response to %s: %s", cmd, resp)
		}),
		OnFailure(func(err error) {
			go c.teardown(f, err)
		}),
	)
	if !c.adopt(gen, f, State{Status: StatusInitializingAdapter, Address: address}) {
		f.Close()
		return ErrClosed
	}

	err = f.Initialize(ctx, func(s InitState) {
		c.log.Debugf("init state %s", s)
		c.events.publish(Event{Type: EventInitStep, Init: s, State: c.State()})
	})
	if err != nil {
		c.mu.Lock()
		owned := c.framer == f
		if owned {
			c.framer = nil
		}
		c.mu.Unlock()
		f.Close()
		if owned {
			c.failIf(gen, address, err)
		}
		return err
	}

	ready := State{Status: StatusReady, Address: address}
	if !c.setStateIf(gen, f, ready) {
		return ErrClosed
	}
	c.events.publish(Event{Type: EventConnectionEstablished, State: ready, Attempts: attempts})
	return nil
}

// adopt installs f as the live framer and moves to s unless Close ran since
// gen was taken.
func (c *Controller) adopt(gen uint64, f *Framer, s State) bool {
	c.mu.Lock()
	if c.gen != gen || c.released {
		c.mu.Unlock()
		return false
	}
	c.framer = f
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.announce(s)
	}
	return true
}

func (c *Controller) dialersFor(address string) []Dialer {
	if IsDevicePath(address) {
		return []Dialer{c.serial}
	}
	return c.dialers
}

// dial tries every strategy per attempt, retrying whole rounds inside the
// connect deadline.
func (c *Controller) dial(ctx context.Context, address string) (Transport, uint, error) {
	dialers := c.dialersFor(address)
	if len(dialers) == 0 {
		return nil, 0, newError(KindConnection, "connect", "no socket strategy available for "+address, nil)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	var t Transport
	var attempts uint
	err := retry.Do(
		func() error {
			attempts++
			var errs []error
			for _, d := range dialers {
				tr, err := d.Dial(ctx, address)
				if err == nil {
					t = tr
					return nil
				}
				c.log.WithError(err).Debugf("%s dial failed", d.Name())
				errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			}
			return errors.Join(errs...)
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.ConnectAttempts),
		retry.Delay(c.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.WithError(err).Warnf("connect attempt %d/%d failed", n+1, c.cfg.ConnectAttempts)
		}),
	)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("%w (%v)", err, ctx.Err())
		}
		return nil, attempts, newError(KindConnection, "connect", fmt.Sprintf("%s after %d attempt(s)", address, attempts), err)
	}
	return t, attempts, nil
}

// teardown drops f after a link failure. Stale framers are ignored.
func (c *Controller) teardown(f *Framer, err error) {
	c.mu.Lock()
	if f == nil || c.framer != f {
		c.mu.Unlock()
		return
	}
	c.framer = nil
	address := c.state.Address
	c.mu.Unlock()
	f.Close()
	c.log.WithError(err).Warn("connection lost")
	c.fail(address, err)
}

func (c *Controller) readyFramer() (*Framer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Status != StatusReady || c.framer == nil {
		return nil, ErrNotReady
	}
	return c.framer, nil
}

// SendCommand sends an AT or OBD command and returns the decoded reading.
// Adapter error tokens and malformed payloads are reported inside the
// Reading; the error return is for link and timeout failures.
func (c *Controller) SendCommand(ctx context.Context, cmd string) (*Reading, error) {
	f, err := c.readyFramer()
	if err != nil {
		return nil, err
	}
	cmd = normalizeCommand(cmd)
	if cmd == "" {
		return nil, newError(KindCommand, "send", "empty command", nil)
	}

	for try := 0; ; try++ {
		start := time.Now()
		resp, err := f.Exec(ctx, cmd)
		if err != nil {
			if KindOf(err) == KindConnection {
				c.teardown(f, err)
			} else {
				c.events.publish(Event{Type: EventError, State: c.State(), Err: err})
			}
			return nil, err
		}
		r := Decode(cmd, resp)
		r.At = time.Now()
		if r.Transient && try < c.cfg.SearchRetries {
			c.log.Debugf("%s: adapter still searching, retrying", cmd)
			if err := sleepCtx(ctx, c.cfg.SearchRetryDelay); err != nil {
				return nil, newError(KindTimeout, "send "+cmd, "", err)
			}
			continue
		}
		c.events.publish(Event{Type: EventReading, State: c.State(), Reading: &r, Latency: time.Since(start)})
		return &r, nil
	}
}

func (c *Controller) readDTCs(ctx context.Context, cmd string) ([]DTC, error) {
	r, err := c.SendCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if r.IsError {
		// some ECUs answer NO DATA instead of an empty list
		if r.Err != nil && r.Err.Kind == KindProtocol && r.Err.Msg == "NO DATA" {
			return []DTC{}, nil
		}
		return nil, r.Err
	}
	return r.DTCs, nil
}

// ReadDTCs returns the stored trouble codes (mode 03).
func (c *Controller) ReadDTCs(ctx context.Context) ([]DTC, error) {
	return c.readDTCs(ctx, CmdReadDTCs)
}

// ReadPendingDTCs returns codes detected during the current drive cycle (mode 07).
func (c *Controller) ReadPendingDTCs(ctx context.Context) ([]DTC, error) {
	return c.readDTCs(ctx, CmdReadPendingDTCs)
}

// ClearDTCs erases stored codes and turns the MIL off (mode 04).
func (c *Controller) ClearDTCs(ctx context.Context) error {
	r, err := c.SendCommand(ctx, CmdClearDTCs)
	if err != nil {
		return err
	}
	if r.IsError {
		return r.Err
	}
	return nil
}

// ReadVIN returns the vehicle identification number (mode 09 PID 02).
func (c *Controller) ReadVIN(ctx context.Context) (string, error) {
	r, err := c.SendCommand(ctx, CmdReadVIN)
	if err != nil {
		return "", err
	}
	if r.IsError {
		return "", r.Err
	}
	return r.Value, nil
}

// Close drops the connection and returns to Disconnected. It can be called
// any number of times; a Connect in progress is abandoned.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.gen++
	f := c.framer
	c.framer = nil
	c.mu.Unlock()

	var err error
	if f != nil {
		err = f.Close()
	}
	c.setState(State{Status: StatusDisconnected})
	return err
}

// Release closes the connection and ends every subscription. The controller
// cannot be used afterwards.
func (c *Controller) Release() {
	c.releaseOnce.Do(func() {
		c.Close()
		c.mu.Lock()
		c.released = true
		c.mu.Unlock()
		c.events.close()
	})
}
