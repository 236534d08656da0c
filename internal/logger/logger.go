package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Rotation follows lumberjack semantics; zero values take the defaults.
type Rotation struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

func (r Rotation) writer(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(r.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(r.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(r.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   r.Compress,
	}
}

// Config is the engine log.
type Config struct {
	Level string `mapstructure:"level"`
	// Format is text, json or color.
	Format   string `mapstructure:"format"`
	ShowTime bool   `mapstructure:"show_time"`
	// File tees the log into a rotating file when set.
	File     string   `mapstructure:"file"`
	Rotation Rotation `mapstructure:"rotation"`
}

// New builds the engine logger writing to w (and Config.File). The returned
// closer releases the file; it is never nil.
func New(cfg Config, w io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f := cfg.Rotation.writer(cfg.File)
		closer = f
		w = io.MultiWriter(w, f)
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "color":
		h = NewColorTextHandler(w, opts, cfg.ShowTime)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(h), closer, nil
}

// ParseLevel accepts debug, info, warn(ing) and error; empty is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// TaskLogs describes where task and process output is kept. Files are
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
type TaskLogs struct {
	Dir      string   `mapstructure:"dir"`
	Rotation Rotation `mapstructure:"rotation"`
}

// Writers returns rotating writers for the task's stdout and stderr, or
// nils when no Dir is configured.
func (c TaskLogs) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	if c.Dir == "" {
		return nil, nil, nil
	}
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create task log dir: %w", err)
	}
	base := FileName(name)
	outW := c.Rotation.writer(filepath.Join(c.Dir, base+".stdout.log"))
	errW := c.Rotation.writer(filepath.Join(c.Dir, base+".stderr.log"))
	return outW, errW, nil
}

// FileName maps a namespaced task name to a flat file name.
func FileName(name string) string {
	return strings.NewReplacer(":", "_", "/", "_", string(os.PathSeparator), "_").Replace(name)
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
