package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/funnyzak/reqreplay/internal/logger"
	"github.com/funnyzak/reqreplay/internal/storage"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded sessions or the replay run history",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

func init() {
	flags := sessionsCmd.Flags()
	flags.Bool("runs", false, "List replay run history instead of recorded sessions")
	flags.String("search", "", "Filter by path, session id or user id (runs: suite or case)")
	flags.Int("limit", 20, "Maximum number of entries")
	flags.Int("offset", 0, "Number of entries to skip")
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)

	store, err := storage.New(&cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	flags := cmd.Flags()
	runs, _ := flags.GetBool("runs")
	opts := storage.ListOptions{}
	opts.Search, _ = flags.GetString("search")
	opts.Limit, _ = flags.GetInt("limit")
	opts.Offset, _ = flags.GetInt("offset")

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer w.Flush()

	if runs {
		records, total, err := store.Runs(opts)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		fmt.Fprintln(w, "STARTED\tSUITE\tCASE\tPASSED\tFAILED\tDURATION\t")
		for _, r := range records {
			status := fmt.Sprintf("%d/%d", r.Passed, r.Total)
			failed := fmt.Sprintf("%d/%d", r.Failed, r.Total)
			if r.Aborted {
				failed += " (stopped)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t\n",
				humanize.Time(r.StartedAt), r.Suite, r.Case, status, failed, r.Duration.Round(time.Millisecond))
		}
		fmt.Fprintf(w, "\n%d of %d run(s)\n", len(records), total)
		return nil
	}

	sessions, total, err := store.Sessions(opts)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	fmt.Fprintln(w, "SESSION\tUSER\tROWS\tSIZE\tLAST SEEN\t")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t\n",
			s.SessionID, s.UserID, s.Rows, humanize.Bytes(uint64(s.TotalBytes)), humanize.Time(s.LastSeen))
	}
	fmt.Fprintf(w, "\n%d of %d session(s)\n", len(sessions), total)
	return nil
}
