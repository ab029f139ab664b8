package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rsclarke/wpsrelay/internal/auth"
	"github.com/rsclarke/wpsrelay/internal/config"
	"github.com/rsclarke/wpsrelay/internal/db"
	"github.com/rsclarke/wpsrelay/internal/dispatch"
	"github.com/rsclarke/wpsrelay/internal/history"
	"github.com/rsclarke/wpsrelay/internal/logging"
	"github.com/rsclarke/wpsrelay/internal/registry"
	"github.com/rsclarke/wpsrelay/internal/relay"
	"github.com/rsclarke/wpsrelay/internal/server"
	"github.com/rsclarke/wpsrelay/internal/tunnel"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownGrace = 30 * time.Second

var runFlags struct {
	endpoint        string
	hub             string
	upstream        string
	dashboardAddr   string
	dbPath          string
	tlsCert         string
	tlsKey          string
	historyCapacity int
	maxConcurrency  int
	upstreamTimeout time.Duration
	backoffMin      time.Duration
	backoffMax      time.Duration
	heartbeat       time.Duration
	idleTimeout     time.Duration
	closedRetention time.Duration
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect the tunnel and start the dashboard API",
	Long: `Connect to the Web PubSub service and relay hub traffic to the local
upstream until interrupted.

Configuration is layered: built-in defaults, the settings file written by
"wpsrelay bind", the environment (including .env), then flags. The access
key is only read from the environment, usually through
WebPubSubConnectionString.

The dashboard API requires a bearer token signed with
WPSRELAY_DASHBOARD_KEY. Without a key it is served unauthenticated, so keep
the default loopback address in that case.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringVar(&runFlags.endpoint, "endpoint", "", "service endpoint, e.g. https://demo.webpubsub.azure.com")
	f.StringVar(&runFlags.hub, "hub", "", "hub to relay")
	f.StringVarP(&runFlags.upstream, "upstream", "u", "", "local event handler URL")
	f.StringVar(&runFlags.dashboardAddr, "dashboard-addr", "", "dashboard API listen address")
	f.StringVar(&runFlags.dbPath, "db", "", "history database path")
	f.StringVar(&runFlags.tlsCert, "tls-cert", "", "dashboard TLS certificate file")
	f.StringVar(&runFlags.tlsKey, "tls-key", "", "dashboard TLS key file")
	f.IntVar(&runFlags.historyCapacity, "history-capacity", 0, "number of exchanges to keep")
	f.IntVar(&runFlags.maxConcurrency, "max-concurrency", 0, "maximum concurrent upstream calls")
	f.DurationVar(&runFlags.upstreamTimeout, "upstream-timeout", 0, "per-call upstream timeout")
	f.DurationVar(&runFlags.backoffMin, "backoff-min", 0, "first reconnect delay")
	f.DurationVar(&runFlags.backoffMax, "backoff-max", 0, "largest reconnect delay")
	f.DurationVar(&runFlags.heartbeat, "heartbeat-interval", 0, "control channel ping interval")
	f.DurationVar(&runFlags.idleTimeout, "idle-timeout", 0, "forget connections idle this long (0 keeps them)")
	f.DurationVar(&runFlags.closedRetention, "closed-retention", 0, "keep closed connections this long")
}

// loadConfig layers defaults, settings, environment and the flags set on cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()

	path, err := config.SettingsPath()
	if err != nil {
		return nil, err
	}
	settings, err := config.LoadSettings(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplySettings(settings)

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("endpoint") {
		cfg.Endpoint = runFlags.endpoint
	}
	if f.Changed("hub") {
		cfg.Hub = runFlags.hub
	}
	if f.Changed("upstream") {
		cfg.UpstreamURL = runFlags.upstream
	}
	if f.Changed("dashboard-addr") {
		cfg.DashboardAddr = runFlags.dashboardAddr
	}
	if f.Changed("db") {
		cfg.DBPath = runFlags.dbPath
	}
	if f.Changed("tls-cert") {
		cfg.DashboardTLSCert = runFlags.tlsCert
	}
	if f.Changed("tls-key") {
		cfg.DashboardTLSKey = runFlags.tlsKey
	}
	if f.Changed("history-capacity") {
		cfg.HistoryCapacity = runFlags.historyCapacity
	}
	if f.Changed("max-concurrency") {
		cfg.MaxConcurrency = runFlags.maxConcurrency
	}
	if f.Changed("upstream-timeout") {
		cfg.UpstreamTimeout = runFlags.upstreamTimeout
	}
	if f.Changed("backoff-min") {
		cfg.BackoffMin = runFlags.backoffMin
	}
	if f.Changed("backoff-max") {
		cfg.BackoffMax = runFlags.backoffMax
	}
	if f.Changed("heartbeat-interval") {
		cfg.HeartbeatInterval = runFlags.heartbeat
	}
	if f.Changed("idle-timeout") {
		cfg.IdleTimeout = runFlags.idleTimeout
	}
	if f.Changed("closed-retention") {
		cfg.ClosedRetention = runFlags.closedRetention
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	hist := history.New(history.Options{
		Capacity:  cfg.HistoryCapacity,
		MaxAge:    cfg.HistoryMaxAge,
		Persister: history.NewSQLitePersister(database),
		Logger:    logger.Named("history"),
	})
	if err := hist.Restore(); err != nil {
		return fmt.Errorf("restore history: %w", err)
	}

	reg := registry.New(registry.Options{
		IdleTimeout:     cfg.IdleTimeout,
		ClosedRetention: cfg.ClosedRetention,
	})

	origin := ""
	if u, err := url.Parse(cfg.Endpoint); err == nil {
		origin = u.Hostname()
	}
	dispatcher := dispatch.New(dispatch.Config{
		UpstreamURL:    cfg.UpstreamURL,
		Hub:            cfg.Hub,
		Origin:         origin,
		Timeout:        cfg.UpstreamTimeout,
		MaxConcurrency: cfg.MaxConcurrency,
	}, hist, logger.Named("dispatch"))

	rel := relay.New(relay.Config{
		UpstreamURL: cfg.UpstreamURL,
		Hub:         cfg.Hub,
	}, reg, dispatcher, hist, logger.Named("relay"))

	live := server.NewLiveHub(logger.Named("live"))
	dispatcher.Register(live)

	manager, err := tunnel.NewManager(tunnel.Config{
		Endpoint:          cfg.Endpoint,
		Hub:               cfg.Hub,
		Credential:        &auth.AccessKeyCredential{Key: cfg.AccessKey},
		HeartbeatInterval: cfg.HeartbeatInterval,
		BackoffMin:        cfg.BackoffMin,
		BackoffMax:        cfg.BackoffMax,
	}, rel, logger.Named("tunnel"))
	if err != nil {
		return err
	}
	rel.SetSession(manager)
	manager.OnStateChange(live.OnSessionChange)

	var verifier *auth.Verifier
	if cfg.DashboardSigningKey != "" {
		verifier, err = auth.NewVerifier([]byte(cfg.DashboardSigningKey))
		if err != nil {
			return fmt.Errorf("dashboard signing key: %w", err)
		}
	} else {
		logger.Warn("dashboard authentication disabled",
			logging.Addr(cfg.DashboardAddr),
			zap.String("hint", "set "+config.EnvDashboardKey+" to require bearer tokens"))
	}

	apiSrv := &server.APIServer{
		Backend:  rel,
		Verifier: verifier,
		Live:     live,
		Logger:   logger.Named("api"),
	}
	srvCfg := server.DefaultServerConfig(cfg.DashboardAddr, apiSrv.Handler(), logger.Named("api"))
	if cfg.DashboardTLSCert != "" {
		srvCfg.TLSConfig, err = server.LoadTLSConfig(cfg.DashboardTLSCert, cfg.DashboardTLSKey)
		if err != nil {
			return err
		}
	}
	dashboard := server.NewManagedServer("dashboard", srvCfg)
	if err := dashboard.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go rel.Run(ctx)

	tunnelDone := make(chan error, 1)
	go func() {
		tunnelDone <- manager.Run(ctx)
	}()

	logger.Info("relay started",
		logging.Endpoint(cfg.Endpoint),
		logging.Hub(cfg.Hub),
		logging.Upstream(cfg.UpstreamURL),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	serverErr := dashboard.Err()
wait:
	for {
		select {
		case <-sigCh:
			break wait
		case err, ok := <-serverErr:
			if ok && err != nil {
				runErr = fmt.Errorf("dashboard: %w", err)
				break wait
			}
			serverErr = nil
		case err := <-tunnelDone:
			tunnelDone = nil
			if err != nil {
				// The dashboard stays up so the rejection can be inspected.
				logger.Error("tunnel stopped", zap.Error(err))
			}
		}
	}

	logger.Info("shutting down")
	cancel()
	if tunnelDone != nil {
		<-tunnelDone
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	live.Close()
	dashboard.Shutdown(shutdownCtx)
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("in-flight upstream calls cancelled", zap.Error(err))
	}
	hist.Close()
	return runErr
}
