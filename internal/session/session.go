// Package session ties readings to the vehicle, user and drive they belong to
// and hands them to persistence sinks.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mironalin/carsense/internal/obd"
)

// Identity names who and what a record belongs to.
type Identity struct {
	VehicleID string `json:"vehicleId" cbor:"vehicleId"`
	UserID    string `json:"userId,omitempty" cbor:"userId,omitempty"`
	SessionID string `json:"sessionId" cbor:"sessionId"`
}

// NewSessionID returns the UTC start time (20060102T150405), a dash and 8
// random hex digits.
func NewSessionID(now time.Time) string {
	var b [4]byte
	rand.Read(b[:])
	return now.UTC().Format("20060102T150405") + "-" + hex.EncodeToString(b[:])
}

// Snapshot is one decoded reading recorded for a drive.
type Snapshot struct {
	Identity
	Reading obd.Reading `json:"reading" cbor:"reading"`
}

// Report is a diagnostic trouble code read-out.
type Report struct {
	Identity
	Stored  []obd.DTC `json:"stored" cbor:"stored"`
	Pending []obd.DTC `json:"pending" cbor:"pending"`
	Cleared bool      `json:"cleared,omitempty" cbor:"cleared,omitempty"`
	At      time.Time `json:"at" cbor:"at"`
}

// Sink persists session records.
type Sink interface {
	RecordReading(ctx context.Context, s Snapshot) error
	RecordDTCs(ctx context.Context, r Report) error
	Close() error
}

// Fanout delivers every record to all sinks. A failing sink is logged and
// does not stop delivery to the others.
type Fanout struct {
	sinks []Sink
	log   *logrus.Entry
}

func NewFanout(log *logrus.Entry, sinks ...Sink) *Fanout {
	if log == nil {
		log = logrus.WithField("component", "session")
	}
	return &Fanout{sinks: sinks, log: log}
}

// Add appends a sink. Not safe for use concurrently with recording.
func (f *Fanout) Add(s Sink) { f.sinks = append(f.sinks, s) }

// Len is the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) RecordReading(ctx context.Context, s Snapshot) error {
	for _, sink := range f.sinks {
		if err := sink.RecordReading(ctx, s); err != nil {
			f.log.WithError(err).Warnf("record %s", s.Reading.Command)
		}
	}
	return nil
}

func (f *Fanout) RecordDTCs(ctx context.Context, r Report) error {
	for _, sink := range f.sinks {
		if err := sink.RecordDTCs(ctx, r); err != nil {
			f.log.WithError(err).Warn("record trouble codes")
		}
	}
	return nil
}

func (f *Fanout) Close() error {
	var first error
	for _, sink := range f.sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
