package session

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mironalin/carsense/internal/obd"
)

// CSVConfig holds recorder configuration.
type CSVConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const (
	maxRowsPerFile = 100_000 // rotate after 100k rows
)

var csvHeader = []string{
	"timestamp", "vehicle_id", "session_id", "command", "name",
	"value", "unit", "numeric", "error",
}

// CSVRecorder writes readings and trouble codes to CSV files with automatic
// rotation. Readings of the same command closer together than the interval
// are dropped.
type CSVRecorder struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	log      *logrus.Entry

	file   *os.File
	writer *csv.Writer
	lastTs map[string]time.Time
	rows   int
}

// NewCSVRecorder creates a recorder. Files are opened lazily.
func NewCSVRecorder(cfg CSVConfig, log *logrus.Entry) *CSVRecorder {
	if cfg.Path == "" {
		cfg.Path = "/var/log/carsense"
	}
	if log == nil {
		log = logrus.WithField("component", "csv")
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 0 {
		interval = 0
	}
	return &CSVRecorder{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		log:      log,
		lastTs:   make(map[string]time.Time),
	}
}

// SetEnabled allows toggling recording at runtime.
func (l *CSVRecorder) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (l *CSVRecorder) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// RecordReading writes a reading row if the interval for its command has
// elapsed.
func (l *CSVRecorder) RecordReading(_ context.Context, s Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return nil
	}
	ts := s.Reading.At
	if ts.IsZero() {
		ts = time.Now()
	}
	if last, ok := l.lastTs[s.Reading.Command]; ok && ts.Sub(last) < l.interval {
		return nil
	}
	l.lastTs[s.Reading.Command] = ts

	r := s.Reading
	numeric := ""
	if !r.IsError && r.Unit != "" {
		numeric = strconv.FormatFloat(r.Numeric, 'f', -1, 64)
	}
	return l.write(ts, []string{
		ts.Format(time.RFC3339Nano), s.VehicleID, s.SessionID, r.Command, r.Name,
		r.Value, r.Unit, numeric, r.ErrorMessage(),
	})
}

// RecordDTCs writes one row per read-out with the codes space separated.
func (l *CSVRecorder) RecordDTCs(_ context.Context, rep Report) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return nil
	}
	ts := rep.At
	if ts.IsZero() {
		ts = time.Now()
	}
	value := joinCodes(rep.Stored)
	if rep.Cleared {
		value = "cleared"
	}
	if err := l.write(ts, []string{
		ts.Format(time.RFC3339Nano), rep.VehicleID, rep.SessionID, "03", "Stored trouble codes",
		value, "", strconv.Itoa(len(rep.Stored)), "",
	}); err != nil {
		return err
	}
	if len(rep.Pending) == 0 {
		return nil
	}
	return l.write(ts, []string{
		ts.Format(time.RFC3339Nano), rep.VehicleID, rep.SessionID, "07", "Pending trouble codes",
		joinCodes(rep.Pending), "", strconv.Itoa(len(rep.Pending)), "",
	})
}

// write must be called with l.mu held.
func (l *CSVRecorder) write(now time.Time, row []string) error {
	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			return fmt.Errorf("csv: rotate: %w", err)
		}
	}
	if err := l.writer.Write(row); err != nil {
		return fmt.Errorf("csv: write: %w", err)
	}
	l.writer.Flush()
	l.rows++
	return l.writer.Error()
}

// Close flushes and closes the current file.
func (l *CSVRecorder) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
	return nil
}

func (l *CSVRecorder) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("carsense_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.Infof("opened %s", path)
	return nil
}

func (l *CSVRecorder) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func joinCodes(dtcs []obd.DTC) string {
	codes := make([]string, len(dtcs))
	for i, d := range dtcs {
		codes[i] = d.Code
	}
	return strings.Join(codes, " ")
}
