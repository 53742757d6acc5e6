// Package upload forwards session records to Redis for the backend to pick
// up: every record is published on a channel and kept in a capped per vehicle
// backup list.
package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mironalin/carsense/internal/session"
)

// Config holds Redis connection settings.
type Config struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"poolSize"`
	Channel  string `yaml:"channel" json:"channel"`
	Format   string `yaml:"format" json:"format"` // "json" or "cbor"
	Keep     int64  `yaml:"keep" json:"keep"`     // backup list length per vehicle
}

const (
	defaultChannel = "carsense:readings"
	defaultKeep    = 1000
)

// Envelope is the message body on the channel and in the backup list.
type Envelope struct {
	Type     string            `json:"type" cbor:"type"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty" cbor:"snapshot,omitempty"`
	Report   *session.Report   `json:"report,omitempty" cbor:"report,omitempty"`
	SentAt   time.Time         `json:"sentAt" cbor:"sentAt"`
}

// Encoder turns an envelope into bytes.
type Encoder func(Envelope) ([]byte, error)

var cborMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	m, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	cborMode = m
}

// EncoderFor returns the encoder for format. Unknown formats are an error.
func EncoderFor(format string) (Encoder, error) {
	switch format {
	case "", "json":
		return func(e Envelope) ([]byte, error) { return json.Marshal(e) }, nil
	case "cbor":
		return func(e Envelope) ([]byte, error) { return cborMode.Marshal(e) }, nil
	default:
		return nil, fmt.Errorf("upload: unknown format %q", format)
	}
}

// Decode reverses the encoder for format.
func Decode(format string, data []byte) (Envelope, error) {
	var e Envelope
	var err error
	if format == "cbor" {
		err = cbor.Unmarshal(data, &e)
	} else {
		err = json.Unmarshal(data, &e)
	}
	return e, err
}

// ListKey is the backup list holding recent records of a vehicle.
func ListKey(vehicleID string) string {
	return fmt.Sprintf("carsense:%s:readings", vehicleID)
}

// RedisSink implements session.Sink on Redis.
type RedisSink struct {
	client  *redis.Client
	channel string
	keep    int64
	format  string
	encode  Encoder
	log     *logrus.Entry
}

// NewRedisSink connects and pings the server.
func NewRedisSink(ctx context.Context, cfg Config, log *logrus.Entry) (*RedisSink, error) {
	if log == nil {
		log = logrus.WithField("component", "upload")
	}
	enc, err := EncoderFor(cfg.Format)
	if err != nil {
		return nil, err
	}
	if cfg.Channel == "" {
		cfg.Channel = defaultChannel
	}
	if cfg.Keep <= 0 {
		cfg.Keep = defaultKeep
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("upload: connect redis %s: %w", cfg.Addr, err)
	}
	log.Infof("redis connected at %s, publishing %s on %s", cfg.Addr, formatName(cfg.Format), cfg.Channel)

	return &RedisSink{
		client:  client,
		channel: cfg.Channel,
		keep:    cfg.Keep,
		format:  formatName(cfg.Format),
		encode:  enc,
		log:     log,
	}, nil
}

func formatName(f string) string {
	if f == "" {
		return "json"
	}
	return f
}

func (s *RedisSink) publish(ctx context.Context, vehicleID string, env Envelope) error {
	env.SentAt = time.Now()
	data, err := s.encode(env)
	if err != nil {
		return fmt.Errorf("upload: encode %s: %w", env.Type, err)
	}
	key := ListKey(vehicleID)
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, s.channel, data)
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, s.keep-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("upload: publish %s: %w", env.Type, err)
	}
	return nil
}

func (s *RedisSink) RecordReading(ctx context.Context, snap session.Snapshot) error {
	return s.publish(ctx, snap.VehicleID, Envelope{Type: "reading", Snapshot: &snap})
}

func (s *RedisSink) RecordDTCs(ctx context.Context, r session.Report) error {
	return s.publish(ctx, r.VehicleID, Envelope{Type: "dtcs", Report: &r})
}

// Recent returns up to n most recent records of a vehicle, newest first.
func (s *RedisSink) Recent(ctx context.Context, vehicleID string, n int64) ([]Envelope, error) {
	vals, err := s.client.LRange(ctx, ListKey(vehicleID), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("upload: read backup list: %w", err)
	}
	return decodeAll(s.format, vals)
}

func decodeAll(format string, vals []string) ([]Envelope, error) {
	out := make([]Envelope, 0, len(vals))
	for i, v := range vals {
		e, err := Decode(format, []byte(v))
		if err != nil {
			return nil, fmt.Errorf("upload: decode record %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
