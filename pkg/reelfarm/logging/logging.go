// Package logging provides component loggers for reelfarm. The CLI and the
// daemon share it; the daemon writes to a rotating file, the CLI usually only
// to stderr.
//
//	if err := logging.Init(logging.Config{Level: "info"}); err != nil {
//	    return err
//	}
//	defer logging.Close()
//
//	logger := logging.Get("scheduler")
//	logger.Info("task admitted", "id", id, "lane", "gpu")
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"
)

// ErrInvalidLevel is returned when a level string is not recognised.
var ErrInvalidLevel = errors.New("invalid log level")

// ErrInvalidFormat is returned when a format string is not recognised.
var ErrInvalidFormat = errors.New("invalid log format")

// ParseLevel parses debug, info, warn/warning or error.
func ParseLevel(s string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return log.DebugLevel, nil
	case "info", "":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("%w: %s", ErrInvalidLevel, s)
	}
}

func parseFormatter(s string) (log.Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return log.TextFormatter, nil
	case "json":
		return log.JSONFormatter, nil
	case "logfmt":
		return log.LogfmtFormatter, nil
	default:
		return log.TextFormatter, fmt.Errorf("%w: %s", ErrInvalidFormat, s)
	}
}

// Config configures the logging system.
type Config struct {
	// Level is the default level for file output.
	Level string

	// Path is the log file. Empty disables file output.
	Path string

	// Format of the file output: text, json or logfmt.
	Format string

	// Rotation controls log file rotation.
	Rotation RotationConfig

	// Components overrides the level per component name.
	Components map[string]string

	// ConsoleLevel enables stderr output at that level. Empty disables it.
	ConsoleLevel string
}

// Logger is a component-scoped logger that fans out to the file and,
// optionally, the console.
type Logger struct {
	sinks     []*log.Logger
	component string
}

// Component returns the component name.
func (l *Logger) Component() string { return l.component }

// Debug logs at debug level.
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	for _, s := range l.sinks {
		s.Debug(msg, keyvals...)
	}
}

// Info logs at info level.
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	for _, s := range l.sinks {
		s.Info(msg, keyvals...)
	}
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	for _, s := range l.sinks {
		s.Warn(msg, keyvals...)
	}
}

// Error logs at error level.
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	for _, s := range l.sinks {
		s.Error(msg, keyvals...)
	}
}

// With returns a child logger carrying extra key/value pairs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	child := &Logger{component: l.component, sinks: make([]*log.Logger, len(l.sinks))}
	for i, s := range l.sinks {
		child.sinks[i] = s.With(keyvals...)
	}
	return child
}

type registry struct {
	mu         sync.RWMutex
	ready      bool
	writer     *RotatingWriter
	formatter  log.Formatter
	level      log.Level
	components map[string]log.Level
	console    bool
	consoleLvl log.Level
	consoleOut io.Writer
	loggers    map[string]*Logger
}

var reg = &registry{
	loggers:    make(map[string]*Logger),
	components: make(map[string]log.Level),
	consoleOut: os.Stderr,
}

// Init configures the logging system. Loggers obtained before Init are
// rebuilt so they pick up the new sinks. Calling Init again replaces the
// previous configuration.
func Init(cfg Config) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	formatter, err := parseFormatter(cfg.Format)
	if err != nil {
		return err
	}
	components := make(map[string]log.Level, len(cfg.Components))
	for name, lvl := range cfg.Components {
		parsed, err := ParseLevel(lvl)
		if err != nil {
			return fmt.Errorf("parsing level for component %s: %w", name, err)
		}
		components[name] = parsed
	}

	var consoleLvl log.Level
	console := cfg.ConsoleLevel != ""
	if console {
		if consoleLvl, err = ParseLevel(cfg.ConsoleLevel); err != nil {
			return fmt.Errorf("parsing console level: %w", err)
		}
	}

	var writer *RotatingWriter
	if cfg.Path != "" {
		if writer, err = NewRotatingWriter(cfg.Path, cfg.Rotation); err != nil {
			return fmt.Errorf("creating log writer: %w", err)
		}
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.writer != nil {
		_ = reg.writer.Close()
	}
	reg.writer = writer
	reg.formatter = formatter
	reg.level = level
	reg.components = components
	reg.console = console
	reg.consoleLvl = consoleLvl
	reg.ready = true

	for name := range reg.loggers {
		reg.loggers[name] = reg.build(name)
	}
	return nil
}

// Get returns the logger for component, creating it on first use. Before
// Init it discards everything.
func Get(component string) *Logger {
	reg.mu.RLock()
	l, ok := reg.loggers[component]
	reg.mu.RUnlock()
	if ok {
		return l
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if l, ok := reg.loggers[component]; ok {
		return l
	}
	l = reg.build(component)
	reg.loggers[component] = l
	return l
}

// build must be called with mu held.
func (r *registry) build(component string) *Logger {
	l := &Logger{component: component}
	if !r.ready {
		l.sinks = []*log.Logger{log.NewWithOptions(io.Discard, log.Options{Prefix: component})}
		return l
	}

	level := r.level
	if lvl, ok := r.components[component]; ok {
		level = lvl
	}

	if r.writer != nil {
		fileLogger := log.NewWithOptions(r.writer, log.Options{
			Level:           level,
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
			Prefix:          component,
			Formatter:       r.formatter,
		})
		l.sinks = append(l.sinks, fileLogger)
	}
	if r.console {
		consoleLevel := r.consoleLvl
		if lvl, ok := r.components[component]; ok && lvl > consoleLevel {
			consoleLevel = lvl
		}
		l.sinks = append(l.sinks, log.NewWithOptions(r.consoleOut, log.Options{
			Level:           consoleLevel,
			ReportTimestamp: true,
			TimeFormat:      "15:04:05",
			Prefix:          component,
		}))
	}
	if len(l.sinks) == 0 {
		l.sinks = []*log.Logger{log.NewWithOptions(io.Discard, log.Options{Prefix: component})}
	}
	return l
}

// Close flushes the log file and resets all loggers to discard.
func Close() error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var err error
	if reg.writer != nil {
		err = reg.writer.Close()
		reg.writer = nil
	}
	reg.ready = false
	reg.loggers = make(map[string]*Logger)
	reg.components = make(map[string]log.Level)
	if err != nil {
		return fmt.Errorf("closing log writer: %w", err)
	}
	return nil
}

// DefaultLogPath is $XDG_STATE_HOME/reelfarm/reelfarm.log.
func DefaultLogPath() string {
	return filepath.Join(xdg.StateHome, "reelfarm", "reelfarm.log")
}

// DefaultConfig logs info to the default path.
func DefaultConfig() Config {
	return Config{
		Level:    "info",
		Path:     DefaultLogPath(),
		Rotation: DefaultRotationConfig(),
	}
}
