package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/funnyzak/reqreplay/internal/capture"
	"github.com/funnyzak/reqreplay/internal/config"
	"github.com/funnyzak/reqreplay/internal/logger"
	"github.com/funnyzak/reqreplay/internal/printer"
	"github.com/funnyzak/reqreplay/internal/recorder"
	"github.com/funnyzak/reqreplay/internal/storage"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Run the recording proxy in front of the backend",
	Long: `Start a reverse proxy that relays every request to the functions URL.
While a recording session is active each exchange is stored and can later be
exported with "reqreplay capture".

Sessions are started with --session/--test-case or at runtime through
POST <control-path>/session and stopped with DELETE <control-path>/session.
`,
	Args: cobra.NoArgs,
	RunE: runRecord,
}

func init() {
	flags := recordCmd.Flags()
	flags.IntP("port", "p", 0, "Listen port")
	flags.String("session", "", "Start recording immediately under this session id")
	flags.String("user", "", "User id stored with recorded rows")
	flags.String("test-case", "", "Test case name, used to derive a session id when --session is empty")
	flags.String("control-path", "", "Path prefix of the session control endpoints")
	flags.Bool("live-feed", false, "Stream recorded exchanges over a websocket")
	flags.Int64("max-body-bytes", 0, "Maximum accepted request body size (0 = unlimited)")
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if port, err := flags.GetInt("port"); err == nil && port != 0 {
		cfg.Recorder.Port = port
	}
	if session, err := flags.GetString("session"); err == nil && session != "" {
		cfg.Recorder.SessionID = session
	}
	if user, err := flags.GetString("user"); err == nil && user != "" {
		cfg.Recorder.UserID = user
	}
	if controlPath, err := flags.GetString("control-path"); err == nil && controlPath != "" {
		cfg.Recorder.ControlPath = controlPath
	}
	if liveFeed, err := flags.GetBool("live-feed"); err == nil && flags.Changed("live-feed") {
		cfg.Recorder.LiveFeed = liveFeed
	}
	if maxBody, err := flags.GetInt64("max-body-bytes"); err == nil && flags.Changed("max-body-bytes") {
		cfg.Recorder.MaxBodyBytes = maxBody
	}
	testCase, _ := flags.GetString("test-case")

	if err := cfg.ValidateRecorder(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)

	store, err := storage.New(&cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	upstream, err := recorder.NewUpstream(log, cfg.Backend.FunctionsURL, recorder.UpstreamOptions{
		Timeout:               seconds(cfg.Backend.Timeout),
		MaxIdleConns:          cfg.Recorder.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.Recorder.MaxIdleConnsPerHost,
		IdleConnTimeout:       seconds(cfg.Recorder.IdleConnTimeout),
		ResponseHeaderTimeout: seconds(cfg.Recorder.ResponseHeaderTimeout),
		TLSHandshakeTimeout:   seconds(cfg.Recorder.TLSHandshakeTimeout),
		TLSInsecureSkipVerify: cfg.Backend.TLSInsecureSkipVerify,
		HeaderBlacklist:       cfg.Recorder.HeaderBlacklist,
	})
	if err != nil {
		return err
	}

	session := recorder.Session{UserID: cfg.Recorder.UserID, TestCase: testCase}
	switch {
	case cfg.Recorder.SessionID != "":
		session.ID = cfg.Recorder.SessionID
	case testCase != "":
		session.ID = capture.SessionTag(time.Now(), testCase)
	}

	rec := recorder.New(recorder.Options{
		Port:         cfg.Recorder.Port,
		ControlPath:  cfg.Recorder.ControlPath,
		MaxBodyBytes: cfg.Recorder.MaxBodyBytes,
		LiveFeed:     cfg.Recorder.LiveFeed,
		Session:      session,
	}, upstream, store, printer.New(cfg.Output.Mode, log, &cfg.Output), log)

	if cfg.Output.Mode != "json" {
		printStartupBanner(cfg, session)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rec.Run(ctx)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func printStartupBanner(cfg *config.Config, session recorder.Session) {
	title := fmt.Sprintf("ReqReplay v%s", version)
	subtitle := "Recording Proxy"

	control := cfg.Recorder.ControlPath
	lines := []string{
		fmt.Sprintf("🚀 Listening on:   http://0.0.0.0:%d/", cfg.Recorder.Port),
		fmt.Sprintf("🎯 Upstream:       %s", cfg.Backend.FunctionsURL),
		fmt.Sprintf("📊 Log Level:      %s", cfg.Log.Level),
		fmt.Sprintf("💾 Storage:        %s", cfg.Storage.Path),
		"",
	}
	if session.ID != "" {
		lines = append(lines, fmt.Sprintf("⏺  Session:        %s", session.ID))
		if session.UserID != "" {
			lines = append(lines, fmt.Sprintf("   └─ User:        %s", session.UserID))
		}
	} else {
		lines = append(lines, "⏺  Session:        None (proxy only)")
	}
	lines = append(lines,
		fmt.Sprintf("   └─ Control:     %s/session", control),
	)
	if cfg.Recorder.LiveFeed {
		lines = append(lines, fmt.Sprintf("📡 Live Feed:      ws://0.0.0.0:%d%s/ws", cfg.Recorder.Port, control))
	} else {
		lines = append(lines, "📡 Live Feed:      Disabled")
	}
	lines = append(lines, "", "(Press Ctrl+C to stop)")

	b := newBox(append([]string{title, subtitle}, lines...))
	fmt.Println()
	b.top()
	b.line(title, true)
	b.line(subtitle, true)
	b.separator()
	for _, l := range lines {
		b.line(l, false)
	}
	b.bottom()
	fmt.Println()
}
