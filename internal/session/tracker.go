package session

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Tracker is the location sampling collaborator. It is started when the
// adapter becomes ready and stopped when the connection ends; sampling itself
// happens elsewhere.
type Tracker interface {
	Start(ctx context.Context, id Identity) error
	Stop() error
	Active() bool
}

// LogTracker only records the start/stop transitions. It stands in when no
// location service is configured.
type LogTracker struct {
	mu     sync.Mutex
	log    *logrus.Entry
	active bool
	id     Identity
	starts int
}

func NewLogTracker(log *logrus.Entry) *LogTracker {
	if log == nil {
		log = logrus.WithField("component", "tracker")
	}
	return &LogTracker{log: log}
}

func (t *LogTracker) Start(_ context.Context, id Identity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		return nil
	}
	t.active = true
	t.id = id
	t.starts++
	t.log.WithField("session", id.SessionID).Info("location tracking started")
	return nil
}

func (t *LogTracker) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return nil
	}
	t.active = false
	t.log.WithField("session", t.id.SessionID).Info("location tracking stopped")
	return nil
}

func (t *LogTracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Starts counts Start calls that changed state.
func (t *LogTracker) Starts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.starts
}
