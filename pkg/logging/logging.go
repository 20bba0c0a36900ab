package logging

import "fmt"

// Log levels understood by LogLevelf
const (
	DebugLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Logger is the operational logger passed to every component
type Logger interface {
	LogLevelf(level int, format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// LogFuncs lets any printf-style backend act as a Logger.
// Nil functions are treated as no-ops.
type LogFuncs struct {
	LogLevelf func(level int, format string, args ...interface{})
	Debugf    func(format string, args ...interface{})
	Infof     func(format string, args ...interface{})
	Warnf     func(format string, args ...interface{})
	Errorf    func(format string, args ...interface{})
}

type prefixLogger struct {
	prefix string
	funcs  LogFuncs
}

// NewLogger creates a logger that prepends prefix to every message
func NewLogger(prefix string, funcs LogFuncs) Logger {
	return &prefixLogger{prefix: prefix, funcs: funcs}
}

func (l *prefixLogger) LogLevelf(level int, format string, args ...interface{}) {
	if l.funcs.LogLevelf != nil {
		l.funcs.LogLevelf(level, l.prefix+format, args...)
		return
	}
	// Dispatch directly so every method is one frame above the backend
	var f func(string, ...interface{})
	switch level {
	case DebugLevel:
		f = l.funcs.Debugf
	case InfoLevel:
		f = l.funcs.Infof
	case WarnLevel:
		f = l.funcs.Warnf
	default:
		f = l.funcs.Errorf
	}
	if f != nil {
		f(l.prefix+format, args...)
	}
}

func (l *prefixLogger) Debugf(format string, args ...interface{}) {
	if l.funcs.Debugf != nil {
		l.funcs.Debugf(l.prefix+format, args...)
	}
}

func (l *prefixLogger) Infof(format string, args ...interface{}) {
	if l.funcs.Infof != nil {
		l.funcs.Infof(l.prefix+format, args...)
	}
}

func (l *prefixLogger) Warnf(format string, args ...interface{}) {
	if l.funcs.Warnf != nil {
		l.funcs.Warnf(l.prefix+format, args...)
	}
}

func (l *prefixLogger) Errorf(format string, args ...interface{}) {
	if l.funcs.Errorf != nil {
		l.funcs.Errorf(l.prefix+format, args...)
	}
}

// WithComponent derives a logger tagged with a component name. A logger built
// by NewLogger is extended in place, so the call depth to the backend stays
// the same for component loggers.
func WithComponent(logger Logger, component string) Logger {
	tag := fmt.Sprintf("[%s] ", component)
	if p, ok := logger.(*prefixLogger); ok {
		return &prefixLogger{prefix: p.prefix + tag, funcs: p.funcs}
	}
	return NewLogger(tag, LogFuncs{
		LogLevelf: logger.LogLevelf,
		Debugf:    logger.Debugf,
		Infof:     logger.Infof,
		Warnf:     logger.Warnf,
		Errorf:    logger.Errorf,
	})
}

type nullLogger struct{}

// NewNullLogger returns a logger that discards everything
func NewNullLogger() Logger {
	return nullLogger{}
}

func (nullLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (nullLogger) Debugf(format string, args ...interface{})               {}
func (nullLogger) Infof(format string, args ...interface{})                {}
func (nullLogger) Warnf(format string, args ...interface{})                {}
func (nullLogger) Errorf(format string, args ...interface{})               {}
