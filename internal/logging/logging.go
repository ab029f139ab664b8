// Package logging provides structured logging configuration.
package logging

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New creates a new configured zap logger.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "json"
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}

	return logger.With(zap.String("service", "wpsrelay")), nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Level:  getenv("WPSRELAY_LOG_LEVEL", "info"),
		Format: getenv("WPSRELAY_LOG_FORMAT", "console"),
	}
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// Component returns a zap field for the component name.
func Component(name string) zap.Field { return zap.String("component", name) }

// Port returns a zap field for the port number.
func Port(port int) zap.Field { return zap.Int("port", port) }

// Addr returns a zap field for an address.
func Addr(addr string) zap.Field { return zap.String("addr", addr) }

// Endpoint returns a zap field for the cloud service endpoint.
func Endpoint(endpoint string) zap.Field { return zap.String("endpoint", endpoint) }

// Hub returns a zap field for the hub name.
func Hub(hub string) zap.Field { return zap.String("hub", hub) }

// Upstream returns a zap field for the local upstream URL.
func Upstream(url string) zap.Field { return zap.String("upstream", url) }

// ConnectionID returns a zap field for a simulated connection identifier.
func ConnectionID(id string) zap.Field { return zap.String("connection_id", id) }

// Seq returns a zap field for an event sequence number.
func Seq(seq uint64) zap.Field { return zap.Uint64("seq", seq) }

// Kind returns a zap field for an event or frame kind.
func Kind(kind string) zap.Field { return zap.String("kind", kind) }

// TracingID returns a zap field for a tracing identifier.
func TracingID(id string) zap.Field { return zap.String("tracing_id", id) }

// SessionID returns a zap field for a tunnel session identifier.
func SessionID(id string) zap.Field { return zap.String("session_id", id) }

// State returns a zap field for a lifecycle state.
func State(state string) zap.Field { return zap.String("state", state) }

// Reason returns a zap field for a state or rejection reason.
func Reason(reason string) zap.Field { return zap.String("reason", reason) }

// Status returns a zap field for an HTTP status code.
func Status(code int) zap.Field { return zap.Int("status", code) }

// Outcome returns a zap field for a dispatch outcome.
func Outcome(outcome string) zap.Field { return zap.String("outcome", outcome) }

// Attempt returns a zap field for a connection attempt counter.
func Attempt(n int) zap.Field { return zap.Int("attempt", n) }

// Backoff returns a zap field for a reconnect delay.
func Backoff(d time.Duration) zap.Field { return zap.Duration("backoff", d) }

// Method returns a zap field for an HTTP method.
func Method(method string) zap.Field { return zap.String("method", method) }

// Path returns a zap field for a URL path.
func Path(path string) zap.Field { return zap.String("path", path) }

// TLSMode returns a zap field for TLS mode.
func TLSMode(mode string) zap.Field { return zap.String("tls_mode", mode) }
