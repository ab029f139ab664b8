package main

import (
	"fmt"

	"github.com/rsclarke/wpsrelay/internal/config"
	"github.com/spf13/cobra"
)

var bindFlags struct {
	endpoint      string
	hub           string
	upstream      string
	dashboardAddr string
}

var bindCmd = &cobra.Command{
	Use:   "bind",
	Short: "Save endpoint, hub and upstream for later runs",
	Long: `Save connection settings to the settings file so "wpsrelay run" can
start without flags. Only the given values are changed. The access key is
never saved; provide it through WebPubSubConnectionString.`,
	RunE: runBind,
}

func init() {
	rootCmd.AddCommand(bindCmd)

	f := bindCmd.Flags()
	f.StringVarP(&bindFlags.endpoint, "endpoint", "e", "", "service endpoint")
	f.StringVar(&bindFlags.hub, "hub", "", "hub to relay")
	f.StringVarP(&bindFlags.upstream, "upstream", "u", "", "local event handler URL")
	f.StringVar(&bindFlags.dashboardAddr, "dashboard-addr", "", "dashboard API listen address")
}

func runBind(cmd *cobra.Command, args []string) error {
	path, err := config.SettingsPath()
	if err != nil {
		return err
	}
	s, err := config.LoadSettings(path)
	if err != nil {
		return err
	}

	changed := false
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
			changed = true
		}
	}
	set("endpoint", &s.Endpoint, bindFlags.endpoint)
	set("hub", &s.Hub, bindFlags.hub)
	set("upstream", &s.Upstream, bindFlags.upstream)
	set("dashboard-addr", &s.DashboardAddr, bindFlags.dashboardAddr)
	if !changed {
		return fmt.Errorf("nothing to bind (use --endpoint, --hub, --upstream or --dashboard-addr)")
	}

	if err := config.SaveSettings(path, s); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Settings saved to %s\n", path)
	return nil
}
