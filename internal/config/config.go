// Package config loads the server configuration from LOCKSTEP_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"lockstep/server/logging"
)

// Prefix is prepended to every variable name.
const Prefix = "LOCKSTEP_"

// Config holds every tunable of the server process.
type Config struct {
	Addr string `env:"ADDR" envDefault:":8080"`

	TickRate            int `env:"TICK_RATE" envDefault:"30"`
	CatchupMaxTicks     int `env:"CATCHUP_MAX_TICKS" envDefault:"4"`
	MaxOutstandingTicks int `env:"MAX_OUTSTANDING_TICKS" envDefault:"64"`
	FutureSlackTicks    int `env:"FUTURE_SLACK_TICKS" envDefault:"0"`

	BaseDelayTicks     int     `env:"BASE_DELAY_TICKS" envDefault:"1"`
	MinDelayTicks      int     `env:"MIN_DELAY_TICKS" envDefault:"1"`
	MaxDelayTicks      int     `env:"MAX_DELAY_TICKS" envDefault:"16"`
	RTTSmoothing       float64 `env:"RTT_SMOOTHING" envDefault:"0.2"`
	RTTHistory         int     `env:"RTT_HISTORY" envDefault:"32"`
	DelayDecreaseAfter int     `env:"DELAY_DECREASE_AFTER" envDefault:"30"`

	// MinDeadline defaults to one tick interval when zero.
	MinDeadline      time.Duration `env:"MIN_DEADLINE"`
	MaxAcceptableRTT time.Duration `env:"MAX_ACCEPTABLE_RTT" envDefault:"500ms"`
	DeadlineGrace    float64       `env:"DEADLINE_GRACE" envDefault:"1.5"`

	HeartbeatInterval     time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"1s"`
	HeartbeatTimeout      time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`
	StallAfterMisses      int           `env:"STALL_AFTER_MISSES" envDefault:"3"`
	DisconnectAfterMisses int           `env:"DISCONNECT_AFTER_MISSES" envDefault:"90"`
	StallTimeout          time.Duration `env:"STALL_TIMEOUT" envDefault:"5s"`

	HistorySize     int           `env:"HISTORY_SIZE" envDefault:"256"`
	HistoryMaxAge   time.Duration `env:"HISTORY_MAX_AGE"`
	MinClients      int           `env:"MIN_CLIENTS" envDefault:"1"`
	MaxPayloadBytes int           `env:"MAX_PAYLOAD_BYTES" envDefault:"1024"`
	SubmitRate      float64       `env:"SUBMIT_RATE" envDefault:"240"`
	SubmitBurst     int           `env:"SUBMIT_BURST" envDefault:"64"`
	PeerQueueDepth  int           `env:"PEER_QUEUE_DEPTH" envDefault:"256"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSONPath string `env:"LOG_JSON_PATH"`
	ReplayPath  string `env:"REPLAY_PATH"`
	// OTelEndpoint is the OTLP/HTTP collector host:port. Empty disables
	// trace export.
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	EnablePprof  bool   `env:"ENABLE_PPROF" envDefault:"false"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// TickInterval is the duration of one tick at TickRate.
func (c Config) TickInterval() time.Duration {
	if c.TickRate <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.TickRate)
}

// Severity parses LogLevel.
func (c Config) Severity() (logging.Severity, error) {
	return logging.ParseSeverity(c.LogLevel)
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.TickRate <= 0 || c.TickRate > 1000 {
		errs = append(errs, fmt.Errorf("TICK_RATE must be in [1, 1000], got %d", c.TickRate))
	}
	if c.CatchupMaxTicks < 1 {
		errs = append(errs, fmt.Errorf("CATCHUP_MAX_TICKS must be positive, got %d", c.CatchupMaxTicks))
	}
	if c.MaxOutstandingTicks < 1 {
		errs = append(errs, fmt.Errorf("MAX_OUTSTANDING_TICKS must be positive, got %d", c.MaxOutstandingTicks))
	}
	if c.FutureSlackTicks < 0 {
		errs = append(errs, fmt.Errorf("FUTURE_SLACK_TICKS must not be negative, got %d", c.FutureSlackTicks))
	}
	if c.MinDelayTicks < 0 || c.MaxDelayTicks < c.MinDelayTicks {
		errs = append(errs, fmt.Errorf("delay bounds [%d, %d] are invalid", c.MinDelayTicks, c.MaxDelayTicks))
	}
	if c.MaxDelayTicks >= c.MaxOutstandingTicks {
		errs = append(errs, fmt.Errorf("MAX_DELAY_TICKS %d must be below MAX_OUTSTANDING_TICKS %d", c.MaxDelayTicks, c.MaxOutstandingTicks))
	}
	if c.RTTSmoothing <= 0 || c.RTTSmoothing > 1 {
		errs = append(errs, fmt.Errorf("RTT_SMOOTHING must be in (0, 1], got %g", c.RTTSmoothing))
	}
	if c.RTTHistory < 1 {
		errs = append(errs, fmt.Errorf("RTT_HISTORY must be positive, got %d", c.RTTHistory))
	}
	if c.DeadlineGrace <= 0 {
		errs = append(errs, fmt.Errorf("DEADLINE_GRACE must be positive, got %g", c.DeadlineGrace))
	}
	if c.MinDeadline < 0 || c.MaxAcceptableRTT < 0 {
		errs = append(errs, errors.New("deadline durations must not be negative"))
	}
	if c.PeerQueueDepth < 1 {
		errs = append(errs, fmt.Errorf("PEER_QUEUE_DEPTH must be positive, got %d", c.PeerQueueDepth))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("HEARTBEAT_INTERVAL must be positive, got %s", c.HeartbeatInterval))
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("HEARTBEAT_TIMEOUT %s must exceed HEARTBEAT_INTERVAL %s", c.HeartbeatTimeout, c.HeartbeatInterval))
	}
	if c.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("HISTORY_SIZE must be positive, got %d", c.HistorySize))
	}
	if c.MinClients < 1 {
		errs = append(errs, fmt.Errorf("MIN_CLIENTS must be positive, got %d", c.MinClients))
	}
	if c.SubmitRate < 0 || c.SubmitBurst < 0 {
		errs = append(errs, errors.New("submit limits must not be negative"))
	}
	if _, err := c.Severity(); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	return errors.Join(errs...)
}
