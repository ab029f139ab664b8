package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rsclarke/wpsrelay/internal/client"
	"github.com/spf13/cobra"
)

var historyFlags struct {
	clientConfig
	connectionID string
	kind         string
	outcome      string
	since        time.Duration
	limit        int
	offset       int
	json         bool
}

var historyCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "List recorded exchanges",
	Long: `List recorded exchanges, most recent first. With an id, print that
record in full including request and response bodies.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	addClientFlags(historyCmd, &historyFlags.clientConfig)
	f := historyCmd.Flags()
	f.StringVar(&historyFlags.connectionID, "connection", "", "only records for this connection id")
	f.StringVar(&historyFlags.kind, "kind", "", "only records of this event kind (connected, message, disconnected)")
	f.StringVar(&historyFlags.outcome, "outcome", "", "only records with this outcome (success, timeout, upstream_error)")
	f.DurationVar(&historyFlags.since, "since", 0, "only records started within this duration")
	f.IntVar(&historyFlags.limit, "limit", 20, "maximum records to list")
	f.IntVar(&historyFlags.offset, "offset", 0, "records to skip")
	f.BoolVar(&historyFlags.json, "json", false, "print the raw JSON response")
}

func runHistory(cmd *cobra.Command, args []string) error {
	c, err := historyFlags.newClient()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		var id int64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("invalid record id %q", args[0])
		}
		rec, err := c.Record(id)
		if err != nil {
			return err
		}
		return printJSON(cmd, rec)
	}

	q := client.HistoryQuery{
		ConnectionID: historyFlags.connectionID,
		Kind:         historyFlags.kind,
		Outcome:      historyFlags.outcome,
		Limit:        historyFlags.limit,
		Offset:       historyFlags.offset,
	}
	if historyFlags.since > 0 {
		q.Since = time.Now().Add(-historyFlags.since)
	}

	resp, err := c.History(q)
	if err != nil {
		return err
	}
	if historyFlags.json {
		return printJSON(cmd, resp)
	}

	out := cmd.OutOrStdout()
	if len(resp.Records) == 0 {
		fmt.Fprintln(out, "No records found.")
		return nil
	}

	fmt.Fprintf(out, "%-6s  %-19s  %-24s  %-12s  %-5s  %-6s  %-8s  %s\n",
		"ID", "TIME", "CONNECTION", "KIND", "SEQ", "STATUS", "OUTCOME", "DURATION")
	for _, r := range resp.Records {
		fmt.Fprintf(out, "%-6d  %-19s  %-24s  %-12s  %-5d  %-6d  %-8s  %dms\n",
			r.ID, displayTime(r.StartedAt), r.ConnectionID, r.EventKind, r.Sequence,
			r.Response.Status, r.Outcome, r.DurationMS)
	}
	if shown := resp.Offset + len(resp.Records); shown < resp.Total {
		fmt.Fprintf(out, "\nShowing %d-%d of %d.\n", resp.Offset+1, shown, resp.Total)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}
