package obd

import (
	"context"
	"time"
)

// InitState is a step of the adapter bring-up sequence.
type InitState int

const (
	InitValidateLink InitState = iota
	InitReset
	InitEchoOff
	InitLinefeedsOff
	InitHeadersOff
	InitProtocolAuto
	InitReady
	InitFailed
)

func (s InitState) String() string {
	switch s {
	case InitValidateLink:
		return "validate-link"
	case InitReset:
		return "reset"
	case InitEchoOff:
		return "echo-off"
	case InitLinefeedsOff:
		return "linefeeds-off"
	case InitHeadersOff:
		return "headers-off"
	case InitProtocolAuto:
		return "protocol-auto"
	case InitReady:
		return "ready"
	default:
		return "failed"
	}
}

type initStep struct {
	state InitState
	cmd   string
}

var initSteps = []initStep{
	{InitReset, "ATZ"},
	{InitEchoOff, "ATE0"},
	{InitLinefeedsOff, "ATL0"},
	{InitHeadersOff, "ATH0"},
	{InitProtocolAuto, "ATSP0"},
}

// InitCommands lists the AT commands Initialize sends after link validation,
// in order.
func InitCommands() []string {
	out := make([]string, len(initSteps))
	for i, s := range initSteps {
		out[i] = s.cmd
	}
	return out
}

// Initialize validates the link, starts the read loop and runs the AT setup
// sequence. observe, when non-nil, is told about every state entered. The
// first failing step aborts the sequence; no later command is sent.
func (f *Framer) Initialize(ctx context.Context, observe func(InitState)) error {
	enter := func(s InitState) {
		if observe != nil {
			observe(s)
		}
	}

	enter(InitValidateLink)
	if err := f.validateLink(ctx); err != nil {
		enter(InitFailed)
		return err
	}
	f.Start()

	for _, step := range initSteps {
		enter(step.state)
		if err := f.Send(ctx, step.cmd); err != nil {
			enter(InitFailed)
			return newError(KindCommand, "init "+step.cmd, "send failed", err)
		}
		settle := f.timing.StepDelay
		if step.state == InitReset {
			settle = f.timing.ResetDelay
		}
		if err := sleepCtx(ctx, settle); err != nil {
			enter(InitFailed)
			return newError(KindCommand, "init "+step.cmd, "interrupted", err)
		}
		f.log.Debugf("init %s ok", step.cmd)
	}
	enter(InitReady)
	return nil
}

// validateLink checks that something answers on the other end before the
// read loop owns the transport. ATI is sent first; if nothing comes back a
// bare carriage return is tried once.
func (f *Framer) validateLink(ctx context.Context) error {
	for _, probe := range []string{"ATI\r", "\r"} {
		if _, err := f.t.Write([]byte(probe)); err != nil {
			return newError(KindConnection, "validate link", "probe write failed", err)
		}
		got, err := f.poll(ctx, f.timing.ProbeWindow)
		if err != nil {
			return err
		}
		if got {
			f.drain()
			return nil
		}
		f.log.Debugf("no answer to probe %q", probe)
	}
	return newError(KindTimeout, "validate link", "adapter did not answer the probe", nil)
}

// poll reports whether any byte arrives within window.
func (f *Framer) poll(ctx context.Context, window time.Duration) (bool, error) {
	deadline := time.Now().Add(window)
	buf := make([]byte, 64)
	for time.Now().Before(deadline) {
		n, err := f.t.Read(buf)
		if err != nil {
			return false, newError(KindConnection, "validate link", "read failed", err)
		}
		if n > 0 {
			return true, nil
		}
		if err := sleepCtx(ctx, min(f.timing.PollInterval, time.Until(deadline))); err != nil {
			return false, newError(KindTimeout, "validate link", "", err)
		}
	}
	return false, nil
}

// drain discards probe leftovers so the first framed response belongs to ATZ.
func (f *Framer) drain() {
	buf := make([]byte, 256)
	for i := 0; i < 32; i++ {
		n, err := f.t.Read(buf)
		if err != nil || n == 0 {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
