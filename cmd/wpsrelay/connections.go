package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var connectionsFlags struct {
	clientConfig
	json bool
}

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "List simulated client connections",
	Long:  `List the client connections the relay is tracking, with their state and next expected sequence number.`,
	RunE:  runConnections,
}

func init() {
	rootCmd.AddCommand(connectionsCmd)

	addClientFlags(connectionsCmd, &connectionsFlags.clientConfig)
	connectionsCmd.Flags().BoolVar(&connectionsFlags.json, "json", false, "print the raw JSON response")
}

func runConnections(cmd *cobra.Command, args []string) error {
	c, err := connectionsFlags.newClient()
	if err != nil {
		return err
	}

	resp, err := c.Connections()
	if err != nil {
		return err
	}
	if connectionsFlags.json {
		return printJSON(cmd, resp)
	}

	out := cmd.OutOrStdout()
	if len(resp.Connections) == 0 {
		fmt.Fprintln(out, "No connections.")
		return nil
	}

	fmt.Fprintf(out, "%-24s  %-12s  %-8s  %-6s  %s\n", "CONNECTION", "USER", "STATE", "SEQ", "LAST ACTIVITY")
	for _, conn := range resp.Connections {
		user := conn.UserID
		if user == "" {
			user = "-"
		}
		fmt.Fprintf(out, "%-24s  %-12s  %-8s  %-6d  %s\n", conn.ID, user, conn.State, conn.NextSeq, displayTime(conn.LastActivity))
	}
	return nil
}
