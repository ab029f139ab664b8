// Package config holds the relay configuration. Values are layered, with
// later sources overriding earlier ones: defaults, the settings file, the
// environment (including a .env file), then command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Endpoint  string
	AccessKey string
	Hub       string
	// UpstreamURL is the local event handler that receives the traffic.
	UpstreamURL string

	DashboardAddr       string
	DashboardSigningKey string
	DashboardTLSCert    string
	DashboardTLSKey     string

	DBPath          string
	HistoryCapacity int
	HistoryMaxAge   time.Duration

	BackoffMin        time.Duration
	BackoffMax        time.Duration
	HeartbeatInterval time.Duration
	UpstreamTimeout   time.Duration
	MaxConcurrency    int
	IdleTimeout       time.Duration
	ClosedRetention   time.Duration
}

func Default() *Config {
	return &Config{
		Hub:               "chat",
		UpstreamURL:       "http://localhost:3333",
		DashboardAddr:     "127.0.0.1:8080",
		DBPath:            "wpsrelay.db",
		HistoryCapacity:   1000,
		BackoffMin:        time.Second,
		BackoffMax:        60 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		UpstreamTimeout:   30 * time.Second,
		MaxConcurrency:    16,
		ClosedRetention:   30 * time.Second,
	}
}

// ApplySettings copies the values set in s onto c.
func (c *Config) ApplySettings(s *Settings) {
	if s == nil {
		return
	}
	if s.Endpoint != "" {
		c.Endpoint = s.Endpoint
	}
	if s.Hub != "" {
		c.Hub = s.Hub
	}
	if s.Upstream != "" {
		c.UpstreamURL = s.Upstream
	}
	if s.DashboardAddr != "" {
		c.DashboardAddr = s.DashboardAddr
	}
}

// Environment variables read by ApplyEnv.
const (
	EnvConnectionString = "WebPubSubConnectionString"
	EnvEndpoint         = "WPSRELAY_ENDPOINT"
	EnvAccessKey        = "WPSRELAY_ACCESS_KEY"
	EnvHub              = "WPSRELAY_HUB"
	EnvUpstream         = "WPSRELAY_UPSTREAM"
	EnvDashboardAddr    = "WPSRELAY_DASHBOARD_ADDR"
	EnvDashboardKey     = "WPSRELAY_DASHBOARD_KEY"
	EnvTLSCert          = "WPSRELAY_TLS_CERT"
	EnvTLSKey           = "WPSRELAY_TLS_KEY"
	EnvDB               = "WPSRELAY_DB"
	EnvHistoryCapacity  = "WPSRELAY_HISTORY_CAPACITY"
	EnvHistoryMaxAge    = "WPSRELAY_HISTORY_MAX_AGE"
	EnvUpstreamTimeout  = "WPSRELAY_UPSTREAM_TIMEOUT"
	EnvMaxConcurrency   = "WPSRELAY_MAX_CONCURRENCY"
	EnvBackoffMin       = "WPSRELAY_BACKOFF_MIN"
	EnvBackoffMax       = "WPSRELAY_BACKOFF_MAX"
	EnvHeartbeat        = "WPSRELAY_HEARTBEAT_INTERVAL"
	EnvIdleTimeout      = "WPSRELAY_IDLE_TIMEOUT"
	EnvClosedRetention  = "WPSRELAY_CLOSED_RETENTION"
)

// ApplyEnv overrides c from the process environment. A connection string
// sets endpoint and access key; the explicit variables win over it.
func (c *Config) ApplyEnv() error {
	if cs := os.Getenv(EnvConnectionString); cs != "" {
		parsed, err := ParseConnectionString(cs)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvConnectionString, err)
		}
		c.Endpoint = parsed.Endpoint
		c.AccessKey = parsed.AccessKey
	}

	c.Endpoint = getEnv(EnvEndpoint, c.Endpoint)
	c.AccessKey = getEnv(EnvAccessKey, c.AccessKey)
	c.Hub = getEnv(EnvHub, c.Hub)
	c.UpstreamURL = getEnv(EnvUpstream, c.UpstreamURL)
	c.DashboardAddr = getEnv(EnvDashboardAddr, c.DashboardAddr)
	c.DashboardSigningKey = getEnv(EnvDashboardKey, c.DashboardSigningKey)
	c.DashboardTLSCert = getEnv(EnvTLSCert, c.DashboardTLSCert)
	c.DashboardTLSKey = getEnv(EnvTLSKey, c.DashboardTLSKey)
	c.DBPath = getEnv(EnvDB, c.DBPath)

	var err error
	if c.HistoryCapacity, err = envInt(EnvHistoryCapacity, c.HistoryCapacity); err != nil {
		return err
	}
	if c.MaxConcurrency, err = envInt(EnvMaxConcurrency, c.MaxConcurrency); err != nil {
		return err
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvHistoryMaxAge, &c.HistoryMaxAge},
		{EnvUpstreamTimeout, &c.UpstreamTimeout},
		{EnvBackoffMin, &c.BackoffMin},
		{EnvBackoffMax, &c.BackoffMax},
		{EnvHeartbeat, &c.HeartbeatInterval},
		{EnvIdleTimeout, &c.IdleTimeout},
		{EnvClosedRetention, &c.ClosedRetention},
	}
	for _, d := range durations {
		if *d.dst, err = envDuration(d.key, *d.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required (set " + EnvConnectionString + " or --endpoint)")
	}
	if c.AccessKey == "" {
		return errors.New("access key is required (set " + EnvConnectionString + " or " + EnvAccessKey + ")")
	}
	if c.Hub == "" {
		return errors.New("hub is required")
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid upstream URL %q", c.UpstreamURL)
	}
	if c.HistoryCapacity <= 0 {
		return fmt.Errorf("history capacity must be positive, got %d", c.HistoryCapacity)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max concurrency must be positive, got %d", c.MaxConcurrency)
	}
	if c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("invalid reconnect backoff %v..%v", c.BackoffMin, c.BackoffMax)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.IdleTimeout < 0 || c.ClosedRetention < 0 {
		return fmt.Errorf("retention durations must not be negative")
	}
	if (c.DashboardTLSCert == "") != (c.DashboardTLSKey == "") {
		return errors.New("dashboard TLS needs both certificate and key")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
