// Package main implements the wpsrelay CLI.
package main

import (
	"os"

	"github.com/rsclarke/wpsrelay/internal/client"
	"github.com/rsclarke/wpsrelay/internal/config"
	"github.com/spf13/cobra"
)

const (
	envAPIURL   = "WPSRELAY_API_URL"
	envAPIToken = "WPSRELAY_API_TOKEN"
)

type clientConfig struct {
	token  string
	apiURL string
}

func addClientFlags(cmd *cobra.Command, cfg *clientConfig) {
	cmd.Flags().StringVar(&cfg.token, "token", "", "dashboard bearer token (env "+envAPIToken+")")
	cmd.Flags().StringVar(&cfg.apiURL, "api-url", "", "dashboard API URL (env "+envAPIURL+")")
}

// newClient resolves flags, then the environment, then the bound dashboard
// address. Resolution happens at run time so .env values apply.
func (cfg *clientConfig) newClient() (*client.Client, error) {
	url := cfg.apiURL
	if url == "" {
		url = os.Getenv(envAPIURL)
	}
	if url == "" {
		url = "http://" + dashboardAddr()
	}
	token := cfg.token
	if token == "" {
		token = os.Getenv(envAPIToken)
	}
	return client.NewClient(url, token), nil
}

func dashboardAddr() string {
	addr := getEnv(config.EnvDashboardAddr, "")
	if addr != "" {
		return addr
	}
	if path, err := config.SettingsPath(); err == nil {
		if s, err := config.LoadSettings(path); err == nil && s.DashboardAddr != "" {
			return s.DashboardAddr
		}
	}
	return config.Default().DashboardAddr
}
