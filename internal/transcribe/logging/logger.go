// Package logging provides the structured logger threaded through a run.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents a log severity level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a config string onto a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Format selects the line encoding.
type Format string

const (
	// FormatHuman writes `RFC3339 LEVEL [component] msg key=value` lines.
	FormatHuman Format = "human"
	// FormatJSONL writes one JSON object per line.
	FormatJSONL Format = "jsonl"
)

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value any
}

// String creates a string field
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Int64 creates an int64 field
func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

// Float64 creates a float64 field
func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Logger handles structured logging
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, err error, fields ...Field)
	// With returns a logger that prepends fields to every entry.
	With(fields ...Field) Logger
	Close() error
}

// Config configures the logger
type Config struct {
	// LogDir is the directory where log files are stored (default: ~/.asrprogram/logs)
	LogDir string
	// Prefix is the log file prefix (e.g., "asrprogram" produces asrprogram-YYYY-MM-DD.log)
	Prefix string
	// RetentionDays is the number of days to retain old log files (default: 30)
	RetentionDays int
	// Component is the component name shown in brackets (e.g., "[scheduler]")
	Component string
	// MinLevel is the minimum log level to write (default: LevelInfo)
	MinLevel Level
	// Format is the line encoding (default: FormatHuman)
	Format Format
	// Output, when set, receives log lines instead of daily files.
	Output io.Writer
	// minLevelSet tracks whether MinLevel was explicitly configured
	minLevelSet bool
}

// WithMinLevel returns a copy of Config with the specified minimum log level
func (c Config) WithMinLevel(level Level) Config {
	c.MinLevel = level
	c.minLevelSet = true
	return c
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	homeDir, _ := os.UserHomeDir()
	return Config{
		LogDir:        filepath.Join(homeDir, ".asrprogram", "logs"),
		Prefix:        "asrprogram",
		RetentionDays: 30,
		MinLevel:      LevelInfo,
		Format:        FormatHuman,
	}
}

// sink owns the destination shared by a logger and its derived loggers.
type sink struct {
	mu          sync.Mutex
	dir         string
	prefix      string
	w           io.Writer
	file        *os.File
	currentDate string
	json        *slog.Logger
}

// Write appends p to the current destination, rotating daily files first.
func (s *sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w != nil {
		return s.w.Write(p)
	}
	if err := s.rotateIfNeeded(); err != nil {
		return 0, err
	}
	return s.file.Write(p)
}

// FileLogger implements Logger with daily file rotation
type FileLogger struct {
	config Config
	sink   *sink
	fields []Field
}

var _ Logger = (*FileLogger)(nil)

// New creates a new FileLogger with the given configuration
func New(config Config) (*FileLogger, error) {
	if config.Prefix == "" {
		config.Prefix = "asrprogram"
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = 30
	}
	if !config.minLevelSet {
		config.MinLevel = LevelInfo
	}
	if config.Format == "" {
		config.Format = FormatHuman
	}
	if config.Format != FormatHuman && config.Format != FormatJSONL {
		return nil, fmt.Errorf("unknown log format %q", config.Format)
	}

	s := &sink{prefix: config.Prefix, w: config.Output}
	s.json = slog.New(slog.NewJSONHandler(s, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger := &FileLogger{config: config, sink: s}
	if config.Output != nil {
		return logger, nil
	}

	if config.LogDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		config.LogDir = filepath.Join(homeDir, ".asrprogram", "logs")
		logger.config.LogDir = config.LogDir
	}
	s.dir = config.LogDir

	if err := os.MkdirAll(config.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	s.mu.Lock()
	err := s.rotateIfNeeded()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := logger.cleanOldLogs(); err != nil {
		logger.Error("failed to clean old logs", err)
	}

	return logger, nil
}

// Debug logs a debug message
func (l *FileLogger) Debug(msg string, fields ...Field) {
	l.log(LevelDebug, msg, nil, fields...)
}

// Info logs an informational message
func (l *FileLogger) Info(msg string, fields ...Field) {
	l.log(LevelInfo, msg, nil, fields...)
}

// Warn logs a warning
func (l *FileLogger) Warn(msg string, fields ...Field) {
	l.log(LevelWarn, msg, nil, fields...)
}

// Error logs an error message
func (l *FileLogger) Error(msg string, err error, fields ...Field) {
	l.log(LevelError, msg, err, fields...)
}

// With returns a derived logger sharing the same destination.
func (l *FileLogger) With(fields ...Field) Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &FileLogger{config: l.config, sink: l.sink, fields: merged}
}

// WithComponent returns a new logger with the specified component name
func (l *FileLogger) WithComponent(component string) *FileLogger {
	newConfig := l.config
	newConfig.Component = component
	return &FileLogger{config: newConfig, sink: l.sink, fields: l.fields}
}

// Close closes the logger and its underlying file
func (l *FileLogger) Close() error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if l.sink.file != nil {
		err := l.sink.file.Close()
		l.sink.file = nil
		return err
	}
	return nil
}

func (l *FileLogger) log(level Level, msg string, err error, fields ...Field) {
	if level < l.config.MinLevel {
		return
	}

	all := fields
	if len(l.fields) > 0 {
		all = append(append([]Field{}, l.fields...), fields...)
	}

	if l.config.Format == FormatJSONL {
		l.sink.json.LogAttrs(context.Background(), level.slogLevel(), msg, l.attrs(err, all)...)
		return
	}

	if _, werr := l.sink.Write([]byte(l.formatLine(level, msg, err, all))); werr != nil {
		fmt.Fprintf(os.Stderr, "log write failed: %v\n", werr)
	}
}

func (l *FileLogger) attrs(err error, fields []Field) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(fields)+2)
	if l.config.Component != "" {
		attrs = append(attrs, slog.String("component", l.config.Component))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	for _, f := range fields {
		if d, ok := f.Value.(time.Duration); ok {
			attrs = append(attrs, slog.Float64(f.Key, d.Seconds()))
			continue
		}
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	return attrs
}

func (l *FileLogger) formatLine(level Level, msg string, err error, fields []Field) string {
	timestamp := time.Now().UTC().Format(time.RFC3339)

	var sb strings.Builder
	sb.WriteString(timestamp)
	sb.WriteString(" ")
	sb.WriteString(fmt.Sprintf("%-5s", level.String()))
	sb.WriteString(" ")

	if l.config.Component != "" {
		sb.WriteString("[")
		sb.WriteString(l.config.Component)
		sb.WriteString("] ")
	}

	sb.WriteString(msg)

	if err != nil {
		sb.WriteString(" error=")
		sb.WriteString(formatValue(err.Error()))
	}

	for _, f := range fields {
		sb.WriteString(" ")
		sb.WriteString(f.Key)
		sb.WriteString("=")
		sb.WriteString(formatValue(f.Value))
	}

	sb.WriteString("\n")
	return sb.String()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if val == "" || strings.ContainsAny(val, " \t\n\"") {
			return fmt.Sprintf("%q", val)
		}
		return val
	case time.Duration:
		return val.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// rotateIfNeeded must be called with s.mu held.
func (s *sink) rotateIfNeeded() error {
	today := time.Now().UTC().Format("2006-01-02")

	if s.currentDate == today && s.file != nil {
		return nil
	}

	if s.file != nil {
		s.file.Close()
		s.file = nil
	}

	filename := fmt.Sprintf("%s-%s.log", s.prefix, today)
	file, err := os.OpenFile(filepath.Join(s.dir, filename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	s.file = file
	s.currentDate = today

	return nil
}

func (l *FileLogger) cleanOldLogs() error {
	entries, err := os.ReadDir(l.config.LogDir)
	if err != nil {
		return fmt.Errorf("failed to read log directory: %w", err)
	}

	prefix := l.config.Prefix + "-"
	cutoff := time.Now().UTC().AddDate(0, 0, -l.config.RetentionDays)

	var toDelete []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".log") {
			continue
		}

		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".log")
		logDate, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}

		if logDate.Before(cutoff) {
			toDelete = append(toDelete, filepath.Join(l.config.LogDir, name))
		}
	}

	sort.Strings(toDelete)

	for _, path := range toDelete {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove old log file %s: %w", path, err)
		}
	}

	return nil
}

// LogPath returns the path to the current log file, or "" when logging to a writer.
func (l *FileLogger) LogPath() string {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if l.sink.w != nil {
		return ""
	}
	if l.sink.file != nil {
		return l.sink.file.Name()
	}

	today := time.Now().UTC().Format("2006-01-02")
	return filepath.Join(l.config.LogDir, fmt.Sprintf("%s-%s.log", l.config.Prefix, today))
}

type nopLogger struct{}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...Field)        {}
func (nopLogger) Info(string, ...Field)         {}
func (nopLogger) Warn(string, ...Field)         {}
func (nopLogger) Error(string, error, ...Field) {}
func (n nopLogger) With(...Field) Logger        { return n }
func (nopLogger) Close() error                  { return nil }
