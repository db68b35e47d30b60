// Command rkbridge bridges rkBPF kernel events to the robotics stack: it
// consumes a ring buffer map, parses the event vocabulary, and publishes
// records as JSON lines (or text) while optionally persisting them and
// serving a status endpoint.
//
// Usage:
//
//	rkbridge run --config /etc/rkbpf/config.yaml
//	rkbridge run --map /sys/fs/bpf/maps/events --stdout
//	rkbridge demo
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/axiomos/rkbpf/internal/bridge"
	"github.com/axiomos/rkbpf/internal/config"
)

var (
	flagConfig   string
	flagMap      string
	flagTopic    string
	flagFormat   string
	flagPollMs   int
	flagRate     int
	flagStore    string
	flagStatus   string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:           "rkbridge",
		Short:         "Bridge rkBPF kernel events to userspace consumers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Consume a pinned ring buffer map and publish its events",
		RunE:  runBridge,
	}
	runCmd.Flags().StringVar(&flagConfig, "config", "", "YAML configuration file")
	runCmd.Flags().StringVar(&flagMap, "map", "", "pinned ring buffer map path (overrides config)")
	runCmd.Flags().StringVar(&flagTopic, "topic", "", "topic stamped on published events")
	runCmd.Flags().StringVar(&flagFormat, "format", "", "output format: json-lines or text")
	runCmd.Flags().IntVar(&flagPollMs, "poll-interval", 0, "poll interval in milliseconds")
	runCmd.Flags().IntVar(&flagRate, "rate-limit", -1, "max events per second (0 = unlimited)")
	runCmd.Flags().StringVar(&flagStore, "store", "", "SQLite recorder path")
	runCmd.Flags().StringVar(&flagStatus, "status-addr", "", "status server listen address")
	runCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")

	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Run an in-process kernel pipeline with synthetic events",
		RunE:  runDemo,
	}
	demoCmd.Flags().IntVar(&flagPollMs, "poll-interval", 10, "poll interval in milliseconds")
	demoCmd.Flags().StringVar(&flagFormat, "format", "json-lines", "output format: json-lines or text")

	root.AddCommand(runCmd, demoCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rkbridge:", err)
		os.Exit(1)
	}
}

// bridgeSettings is the merged config+flag view the run command uses.
type bridgeSettings struct {
	cfg config.BridgeConfig
	log string
}

func mergeSettings() (bridgeSettings, error) {
	s := bridgeSettings{log: "info"}
	if flagConfig != "" {
		cfg, err := config.LoadConfig(flagConfig)
		if err != nil {
			return s, err
		}
		s.cfg = cfg.Bridge
		s.log = cfg.LogLevel
	} else {
		var cfg config.Config
		config.ApplyDefaults(&cfg)
		s.cfg = cfg.Bridge
	}

	if flagMap != "" {
		s.cfg.MapPath = flagMap
	}
	if flagTopic != "" {
		s.cfg.Topic = flagTopic
	}
	if flagFormat != "" {
		s.cfg.Format = flagFormat
	}
	if flagPollMs > 0 {
		s.cfg.PollIntervalMs = flagPollMs
	}
	if flagRate >= 0 {
		s.cfg.RateLimit = flagRate
	}
	if flagStore != "" {
		s.cfg.StorePath = flagStore
	}
	if flagStatus != "" {
		s.cfg.StatusAddr = flagStatus
	}
	if flagLogLevel != "" {
		s.log = flagLogLevel
	}

	if s.cfg.MapPath == "" {
		return s, errors.New("a ring buffer map path is required (--map or config bridge.map_path)")
	}
	return s, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runBridge(cmd *cobra.Command, _ []string) error {
	settings, err := mergeSettings()
	if err != nil {
		return err
	}
	logger := newLogger(settings.log)

	format, err := bridge.ParseFormat(settings.cfg.Format)
	if err != nil {
		return err
	}

	src, closeSrc, err := openRingSource(settings.cfg.MapPath)
	if err != nil {
		return err
	}
	defer closeSrc()

	b := bridge.New(logger, src,
		bridge.WithPollInterval(time.Duration(settings.cfg.PollIntervalMs)*time.Millisecond),
		bridge.WithRateLimit(settings.cfg.RateLimit),
	)
	// The publisher stamps the bridge's session id, so it is wired in
	// after construction.
	pub := bridge.NewWriterPublisher(os.Stdout, format, settings.cfg.Topic, b.Session())
	bridge.WithPublisher(pub)(b)

	if settings.cfg.StorePath != "" {
		rec, err := bridge.NewRecorder(settings.cfg.StorePath, b.Session())
		if err != nil {
			return err
		}
		defer rec.Close()
		bridge.WithRecorder(rec)(b)
	}

	if settings.cfg.StatusAddr != "" {
		status := bridge.NewStatusServer(b)
		srv := &http.Server{Addr: settings.cfg.StatusAddr, Handler: status.Router()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
