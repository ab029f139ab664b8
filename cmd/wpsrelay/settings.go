package main

import (
	"fmt"

	"github.com/rsclarke/wpsrelay/internal/config"
	"github.com/spf13/cobra"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Print the bound settings",
	RunE:  runSettings,
}

func init() {
	rootCmd.AddCommand(settingsCmd)
}

func runSettings(cmd *cobra.Command, args []string) error {
	path, err := config.SettingsPath()
	if err != nil {
		return err
	}
	s, err := config.LoadSettings(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "File:           %s\n", path)
	fmt.Fprintf(out, "Endpoint:       %s\n", orDash(s.Endpoint))
	fmt.Fprintf(out, "Hub:            %s\n", orDash(s.Hub))
	fmt.Fprintf(out, "Upstream:       %s\n", orDash(s.Upstream))
	fmt.Fprintf(out, "Dashboard addr: %s\n", orDash(s.DashboardAddr))
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
