package obd

import "time"

// Timing holds the delays and limits used on the wire. The defaults were
// tuned on ELM327 v1.5 clones; other hardware may need different values.
type Timing struct {
	WriteSettle     time.Duration // pause after every write
	PollInterval    time.Duration // read loop back-off when no bytes are available
	ResponseTimeout time.Duration // wait for the '>' that closes a response
	WriteAttempts   uint
	WriteBackoff    time.Duration

	ProbeWindow time.Duration // link validation listen window
	ResetDelay  time.Duration // settle after ATZ
	StepDelay   time.Duration // settle after the other init commands

	// OBDLineFeed terminates OBD (non-AT) commands with "\r\n" for clones
	// that expect it.
	OBDLineFeed bool
}

// DefaultTiming returns the stock delays.
func DefaultTiming() Timing {
	return Timing{
		WriteSettle:     100 * time.Millisecond,
		PollInterval:    100 * time.Millisecond,
		ResponseTimeout: 3 * time.Second,
		WriteAttempts:   3,
		WriteBackoff:    1000 * time.Millisecond,
		ProbeWindow:     500 * time.Millisecond,
		ResetDelay:      2000 * time.Millisecond,
		StepDelay:       300 * time.Millisecond,
	}
}

// Config configures a Controller.
type Config struct {
	Timing Timing

	ConnectTimeout  time.Duration // deadline for all socket attempts together
	ConnectAttempts uint
	RetryDelay      time.Duration

	// SearchRetries is how many times a "SEARCHING..."-only answer is
	// re-requested before it is returned as a transient error reading.
	SearchRetries    int
	SearchRetryDelay time.Duration
}

// DefaultConfig returns the stock controller configuration.
func DefaultConfig() Config {
	return Config{
		Timing:           DefaultTiming(),
		ConnectTimeout:   5000 * time.Millisecond,
		ConnectAttempts:  3,
		RetryDelay:       1000 * time.Millisecond,
		SearchRetries:    2,
		SearchRetryDelay: 500 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	t := &c.Timing
	if t.WriteSettle <= 0 {
		t.WriteSettle = d.Timing.WriteSettle
	}
	if t.PollInterval <= 0 {
		t.PollInterval = d.Timing.PollInterval
	}
	if t.ResponseTimeout <= 0 {
		t.ResponseTimeout = d.Timing.ResponseTimeout
	}
	if t.WriteAttempts == 0 {
		t.WriteAttempts = d.Timing.WriteAttempts
	}
	if t.WriteBackoff <= 0 {
		t.WriteBackoff = d.Timing.WriteBackoff
	}
	if t.ProbeWindow <= 0 {
		t.ProbeWindow = d.Timing.ProbeWindow
	}
	if t.ResetDelay <= 0 {
		t.ResetDelay = d.Timing.ResetDelay
	}
	if t.StepDelay <= 0 {
		t.StepDelay = d.Timing.StepDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = d.ConnectAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.SearchRetries < 0 {
		c.SearchRetries = 0
	}
	if c.SearchRetryDelay <= 0 {
		c.SearchRetryDelay = d.SearchRetryDelay
	}
}
