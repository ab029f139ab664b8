package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusFlags struct {
	clientConfig
	json bool
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tunnel and upstream status",
	Long:  `Show the tunnel session state, upstream reachability and traffic counters of a running relay.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	addClientFlags(statusCmd, &statusFlags.clientConfig)
	statusCmd.Flags().BoolVar(&statusFlags.json, "json", false, "print the raw JSON response")
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := statusFlags.newClient()
	if err != nil {
		return err
	}

	st, err := c.Status()
	if err != nil {
		return err
	}
	if statusFlags.json {
		return printJSON(cmd, st)
	}

	out := cmd.OutOrStdout()
	s := st.Session
	fmt.Fprintf(out, "Tunnel:       %s (%s)\n", s.State, displayTime(s.Since))
	if s.Reason != "" {
		fmt.Fprintf(out, "Reason:       %s\n", s.Reason)
	}
	fmt.Fprintf(out, "Endpoint:     %s\n", s.Endpoint)
	fmt.Fprintf(out, "Hub:          %s\n", st.Hub)
	if s.SessionID != "" {
		fmt.Fprintf(out, "Session:      %s\n", s.SessionID)
	}
	if s.LastHeartbeat != nil {
		fmt.Fprintf(out, "Heartbeat:    %s\n", displayTime(*s.LastHeartbeat))
	}
	upstream := st.Upstream.Status
	if st.Upstream.LastCode != 0 {
		upstream = fmt.Sprintf("%s (last status %d)", upstream, st.Upstream.LastCode)
	}
	fmt.Fprintf(out, "Upstream:     %s %s\n", st.Upstream.URL, upstream)
	fmt.Fprintf(out, "Connections:  %d active\n", st.ActiveConnections)
	fmt.Fprintf(out, "History:      %d records, %d pending\n", st.HistoryCount, st.Pending)
	return nil
}

// displayTime renders an RFC 3339 API timestamp in local time.
func displayTime(s string) string {
	if s == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
