// Package telemetry records DeviceState samples to rotating CSV files, for
// offline analysis of a run. It is the optional counterpart to the live
// WebSocket push in internal/frontend.
package telemetry

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lcfw/columncontroller/internal/controlloop"
)

const maxRowsPerFile = 100_000 // rotate after 100k rows (~28 hrs at 1 Hz)

var csvHeader = []string{
	"timestamp", "sequence", "pump_speed_ml_min", "pump_volume_ul",
	"running", "step_index", "progress",
	"reagent_port", "column_port", "reagent_valve_state", "column_valve_state",
	"fsm_state",
}

// Logger records timestamped DeviceState samples to CSV with rotation,
// grounded on internal/logger.Logger's rotate/Record/Close shape.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config configures a Logger.
type Config struct {
	Enabled    bool
	Path       string
	IntervalMs int
}

// New returns a Logger per cfg. An interval below 50 ms, including a
// non-positive one, defaults to 1 Hz.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/lcfwd"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = time.Second
	}
	return &Logger{dir: cfg.Path, interval: interval, enabled: cfg.Enabled}
}

// SetEnabled toggles recording at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled reports whether recording is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes one DeviceState sample if the minimum interval has
// elapsed since the last one. Safe to call every control tick.
func (l *Logger) Record(s controlloop.DeviceState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	now := time.Now()
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[telemetry] rotate failed: %v", err)
			return
		}
	}

	row := buildRow(now, s)
	if err := l.writer.Write(row); err != nil {
		log.Printf("[telemetry] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("telemetry: mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("lcfwd_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("telemetry: create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[telemetry] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(ts time.Time, s controlloop.DeviceState) []string {
	return []string{
		ts.Format(time.RFC3339Nano),
		fmt.Sprintf("%d", s.SequenceNumber),
		fmt.Sprintf("%.4f", s.PumpSpeed),
		fmt.Sprintf("%.2f", s.PumpVolumeUL),
		boolStr(s.Running),
		fmt.Sprintf("%d", s.StepIndex),
		fmt.Sprintf("%d", s.Progress),
		fmt.Sprintf("%d", s.ReagentPort),
		fmt.Sprintf("%d", s.ColumnPort),
		s.ReagentValveState.String(),
		s.ColumnValveState.String(),
		s.FSMState.String(),
	}
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
