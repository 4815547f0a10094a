package logger

import (
	"io"
	"os"
	"syscall"
	"time"

	"codeberg.org/mutker/forestwatch/internal/errors"
	"github.com/rs/zerolog"
)

var log = newConsole(os.Stdout, false)

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// ParseLevel maps a configured level name to a LogLevel. Unknown names yield InfoLevel.
func ParseLevel(name string) LogLevel {
	switch name {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

func newConsole(out io.Writer, isService bool) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}

	if isService {
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	return zerolog.New(output).With().Timestamp().Logger()
}

// Init initializes the logger based on the given configuration
func Init(level LogLevel, isService bool) {
	log = newConsole(os.Stdout, isService)
	SetLogLevel(level)
}

// SetOutput redirects log output, writing plain JSON lines to w
func SetOutput(w io.Writer) {
	log = zerolog.New(w).With().Timestamp().Logger()
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(log.Error(), err)
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.Fatal()}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func FatalWithCode(err errors.Error) *LogEvent {
	return withCode(log.Fatal(), err)
}

func withCode(ev *zerolog.Event, err errors.Error) *LogEvent {
	return &LogEvent{ev.
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())}
}

// Component returns a Logger whose events carry a component field.
// The child resolves the global logger on every call so Init and SetOutput
// take effect for loggers created earlier.
func Component(name string) Logger {
	return &componentLogger{name: name}
}

type componentLogger struct {
	name string
}

func (c *componentLogger) event(ev *zerolog.Event) *LogEvent {
	return &LogEvent{ev.Str("component", c.name)}
}

func (c *componentLogger) Debug() *LogEvent { return c.event(log.Debug()) }
func (c *componentLogger) Info() *LogEvent  { return c.event(log.Info()) }
func (c *componentLogger) Warn() *LogEvent  { return c.event(log.Warn()) }
func (c *componentLogger) Error() *LogEvent { return c.event(log.Error()) }

func (c *componentLogger) ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(log.Error().Str("component", c.name), err)
}

func (c *componentLogger) FatalWithCode(err errors.Error) *LogEvent {
	return withCode(log.Fatal().Str("component", c.name), err)
}

func (c *componentLogger) ErrorWithContext(err errors.Error, component, operation string) *LogEvent {
	return withCode(log.Error(), err).withContext(component, operation)
}

// ErrorWithContext logs a coded error tagged with the component and operation that produced it
func ErrorWithContext(err errors.Error, component, operation string) *LogEvent {
	return withCode(log.Error(), err).withContext(component, operation)
}

func (e *LogEvent) withContext(component, operation string) *LogEvent {
	e.Event = e.Event.Str("component", component).Str("operation", operation)
	return e
}
