package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var clearFlags struct {
	clientConfig
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all recorded exchanges",
	RunE:  runClear,
}

func init() {
	rootCmd.AddCommand(clearCmd)

	addClientFlags(clearCmd, &clearFlags.clientConfig)
}

func runClear(cmd *cobra.Command, args []string) error {
	c, err := clearFlags.newClient()
	if err != nil {
		return err
	}

	resp, err := c.ClearHistory()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d records.\n", resp.Cleared)
	return nil
}
