package telemetry

import "log"

// Logger exposes the logging capabilities required by server components.
type Logger interface {
	Printf(format string, args ...any)
}

// LoggerFunc adapts functions into the Logger interface.
type LoggerFunc func(format string, args ...any)

// Printf implements Logger for LoggerFunc.
func (f LoggerFunc) Printf(format string, args ...any) {
	if f == nil {
		return
	}
	f(format, args...)
}

// WrapLogger adapts a standard library logger to the Logger interface.
func WrapLogger(logger *log.Logger) Logger {
	return &loggerAdapter{logger: logger}
}

type loggerAdapter struct {
	logger *log.Logger
}

func (l *loggerAdapter) Printf(format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

// DiscardLogger drops every line.
func DiscardLogger() Logger {
	return LoggerFunc(func(string, ...any) {})
}

// Metrics exposes the telemetry methods required by server components. Add
// feeds counters, Store sets gauges and Observe records a sample into a
// distribution.
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
	Observe(key string, value float64)
}

type nopMetrics struct{}

func (nopMetrics) Add(string, uint64)      {}
func (nopMetrics) Store(string, uint64)    {}
func (nopMetrics) Observe(string, float64) {}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics {
	return nopMetrics{}
}

// OrNop substitutes NopMetrics for a nil Metrics.
func OrNop(m Metrics) Metrics {
	if m == nil {
		return NopMetrics()
	}
	return m
}
