package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/funnyzak/reqreplay/internal/capture"
	"github.com/funnyzak/reqreplay/internal/logger"
	"github.com/funnyzak/reqreplay/internal/storage"
	"github.com/funnyzak/reqreplay/pkg/artifact"
)

var captureCmd = &cobra.Command{
	Use:   "capture <test case name>",
	Short: "Export a recorded session as an anonymized test case",
	Long: `Read every row recorded under a session, replace backend generated identifiers
with placeholders and write the result to <suite-dir>/<slug>.json.
`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCapture,
}

func init() {
	flags := captureCmd.Flags()
	flags.String("session", "", "Recording session id to export")
	flags.String("user", "", "User id the session was recorded with")
	flags.String("suite-dir", "", "Directory the test case is written to")
}

func runCapture(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if session, err := flags.GetString("session"); err == nil && session != "" {
		cfg.Recorder.SessionID = session
	}
	if user, err := flags.GetString("user"); err == nil && user != "" {
		cfg.Recorder.UserID = user
	}
	if suiteDir, err := flags.GetString("suite-dir"); err == nil && suiteDir != "" {
		cfg.Replay.SuiteDir = suiteDir
	}
	if cfg.Recorder.SessionID == "" {
		return fmt.Errorf("a recording session is required (--session)")
	}

	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)
	testCase := strings.Join(args, " ")

	store, err := storage.New(&cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	a, err := capture.Export(store, capture.Options{
		SessionID: cfg.Recorder.SessionID,
		UserID:    cfg.Recorder.UserID,
		TestCase:  testCase,
	}, log)
	if err != nil {
		return err
	}

	path := capture.OutputPath(cfg.Replay.SuiteDir, testCase)
	if err := artifact.Save(path, a); err != nil {
		return fmt.Errorf("save recording: %w", err)
	}
	log.Info("Recording captured",
		"session_id", cfg.Recorder.SessionID,
		"test_case", a.TestCase,
		"steps", len(a.Requests),
		"variables", len(a.Variables),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Saved recording to %s\n", path)
	return nil
}
