package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/funnyzak/reqreplay/internal/config"
	"github.com/funnyzak/reqreplay/internal/identity"
	"github.com/funnyzak/reqreplay/internal/logger"
	"github.com/funnyzak/reqreplay/internal/metrics"
	"github.com/funnyzak/reqreplay/internal/printer"
	"github.com/funnyzak/reqreplay/internal/replay"
	"github.com/funnyzak/reqreplay/internal/storage"
	"github.com/funnyzak/reqreplay/internal/suite"
	"github.com/funnyzak/reqreplay/pkg/policy"
)

var replayCmd = &cobra.Command{
	Use:   "replay [selection]",
	Short: "Replay recorded test cases against the backend",
	Long: `Replay every selected artifact of the suite directory under a freshly created identity.

The selection accepts "all", comma separated numbers or slugs and ranges such as "1-3".
Without a selection an interactive prompt is shown when stdin is a terminal,
otherwise every test case is replayed.
`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

func init() {
	flags := replayCmd.Flags()
	flags.String("suite-dir", "", "Directory holding recorded test cases")
	flags.Bool("stop-on-failure", false, "Stop after the first failing step")
	flags.String("policy", "", "YAML file with field matchers, delays and replacement rules")
	flags.String("metrics-textfile", "", "Write Prometheus metrics to this file when the run ends")
	flags.String("identity-provider", "", "Identity provider (anonymous, static)")
	flags.String("token", "", "Access token for the static identity provider")
	flags.Bool("record-runs", false, "Store each artifact result in the run history")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if suiteDir, err := flags.GetString("suite-dir"); err == nil && suiteDir != "" {
		cfg.Replay.SuiteDir = suiteDir
	}
	if stop, err := flags.GetBool("stop-on-failure"); err == nil && flags.Changed("stop-on-failure") {
		cfg.Replay.StopOnFailure = stop
	}
	if policyFile, err := flags.GetString("policy"); err == nil && policyFile != "" {
		cfg.Replay.PolicyFile = policyFile
	}
	if textfile, err := flags.GetString("metrics-textfile"); err == nil && textfile != "" {
		cfg.Metrics.Textfile = textfile
	}
	if provider, err := flags.GetString("identity-provider"); err == nil && provider != "" {
		cfg.Identity.Provider = provider
	}
	if token, err := flags.GetString("token"); err == nil && token != "" {
		cfg.Identity.Token = token
	}
	if recordRuns, err := flags.GetBool("record-runs"); err == nil && flags.Changed("record-runs") {
		cfg.Storage.RecordRuns = recordRuns
	}
	cfg.Normalize()

	if err := cfg.ValidateReplay(); err != nil {
		return err
	}

	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)

	pol := policy.Default()
	if cfg.Replay.PolicyFile != "" {
		if pol, err = policy.Load(cfg.Replay.PolicyFile); err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
	}

	cases, err := suite.Discover(cfg.Replay.SuiteDir)
	if err != nil {
		return err
	}
	if len(cases) == 0 {
		return fmt.Errorf("no test cases found in %s", cfg.Replay.SuiteDir)
	}
	selected, err := selectCases(cfg, cases, args)
	if err != nil {
		return err
	}

	client := httpClient(cfg)
	provider, err := identity.New(cfg, client, log)
	if err != nil {
		return err
	}

	report := printer.New(cfg.Output.Mode, log, &cfg.Output)
	recorder := metrics.New()

	engine, err := replay.NewEngine(replay.Options{
		FunctionsURL:  cfg.Backend.FunctionsURL,
		APIKey:        cfg.Backend.APIKey,
		Client:        client,
		Policy:        pol,
		Logger:        log,
		Observer:      report,
		Metrics:       recorder,
		StopOnFailure: cfg.Replay.StopOnFailure,
		MaxValueChars: cfg.Output.MaxValueChars,
	})
	if err != nil {
		return err
	}

	runner := &suite.Runner{
		Name:          filepath.Base(filepath.Clean(cfg.Replay.SuiteDir)),
		Engine:        engine,
		Identity:      provider,
		Observer:      report,
		Logger:        log,
		StopOnFailure: cfg.Replay.StopOnFailure,
	}
	if cfg.Storage.RecordRuns {
		store, err := storage.New(&cfg.Storage, log)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()
		runner.Runs = store
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Replaying suite",
		"suite_dir", cfg.Replay.SuiteDir,
		"cases", len(selected),
		"target", engine.Target(),
		"identity", cfg.Identity.Provider,
		"stop_on_failure", cfg.Replay.StopOnFailure,
	)

	totals, runErr := runner.Run(ctx, selected)

	if err := recorder.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		log.Warn("Failed to write metrics textfile", "path", cfg.Metrics.Textfile, "error", err)
	}
	if runErr != nil {
		return runErr
	}
	if totals.Failed > 0 {
		return errStepsFailed
	}
	return nil
}

// selectCases resolves the explicit selection argument, falling back to an
// interactive prompt on terminals and to every case otherwise.
func selectCases(cfg *config.Config, cases []suite.Case, args []string) ([]suite.Case, error) {
	if len(args) > 0 {
		selected, err := suite.Select(cases, args[0])
		if err != nil {
			return nil, fmt.Errorf("invalid selection %q: %w", args[0], err)
		}
		return selected, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return cases, nil
	}

	var out io.Writer = os.Stdout
	if cfg.Output.Mode == "json" {
		out = os.Stderr
	}
	selected, err := suite.Prompt(os.Stdin, out, cases)
	if errors.Is(err, suite.ErrEmptySelection) {
		return nil, errors.New("no test cases selected")
	}
	return selected, err
}
