package logging

import (
	"slices"
	"time"
)

// Sink names understood by the application wiring.
const (
	SinkConsole = "console"
	SinkJSON    = "json"
	SinkMemory  = "memory"
)

type Config struct {
	EnabledSinks     []string
	BufferSize       int
	MinimumSeverity  Severity
	Fields           map[string]any
	JSON             JSONConfig
	Console          ConsoleConfig
	DropWarnInterval time.Duration
}

type JSONConfig struct {
	FilePath      string
	FlushInterval time.Duration
}

type ConsoleConfig struct {
	Prefix string
}

func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{SinkConsole},
		BufferSize:       512,
		MinimumSeverity:  SeverityInfo,
		DropWarnInterval: 5 * time.Second,
		JSON: JSONConfig{
			FlushInterval: 2 * time.Second,
		},
	}
}

func (c Config) HasSink(name string) bool {
	return slices.Contains(c.EnabledSinks, name)
}

func (c Config) CloneFields() map[string]any {
	if len(c.Fields) == 0 {
		return nil
	}
	cloned := make(map[string]any, len(c.Fields))
	for k, v := range c.Fields {
		cloned[k] = v
	}
	return cloned
}
