// ABOUTME: Entry point for the css-sync companion screen client
// ABOUTME: Discovers a TV, follows one of its timelines and shows the synchronised position
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Resonate-Protocol/csssync-go/internal/config"
	"github.com/Resonate-Protocol/csssync-go/internal/discovery"
	"github.com/Resonate-Protocol/csssync-go/internal/logging"
	"github.com/Resonate-Protocol/csssync-go/internal/ui"
	"github.com/Resonate-Protocol/csssync-go/internal/version"
	"github.com/Resonate-Protocol/csssync-go/pkg/csssync"
)

var (
	configFile  = flag.String("config", "", "YAML config file")
	envFile     = flag.String("env-file", ".env", "Environment file loaded before CSS_* overrides")
	ciiURL      = flag.String("cii", "", "CII endpoint of the TV (skip mDNS)")
	sessionID   = flag.String("session", "", "Session id (default: random)")
	timelineArg = flag.String("timeline", "", "Timeline selector or 1-based index")
	wcPeriod    = flag.Duration("wc-period", 0, "Wallclock request period")
	tsURL       = flag.String("ts-url", "", "Override the timeline sync endpoint")
	wcURL       = flag.String("wc-url", "", "Override the wallclock endpoint")
	discover    = flag.Duration("discover", 0, "mDNS discovery timeout")
	metricsAddr = flag.String("metrics", "", "Listen address for Prometheus metrics, e.g. :9464")
	noTUI       = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
	logLevel    = flag.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	logFormat   = flag.String("log-format", "", "Log format (console, json)")
	logFile     = flag.String("log-file", "", "Also write JSON logs to this file")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const statusInterval = 500 * time.Millisecond

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Banner())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "css-sync: %v\n", err)
		os.Exit(2)
	}

	logger, closeLog, err := logging.Setup(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   *logFile,
		Quiet:  cfg.TUI,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "css-sync: %v\n", err)
		os.Exit(2)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("css-sync failed")
		closeLog()
		os.Exit(1)
	}
}

// loadConfig applies defaults, the config file, the environment and then
// the flags that were set explicitly
func loadConfig() (config.Config, error) {
	if err := config.LoadEnvFiles(*envFile); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "cii":
			cfg.CIIURL = *ciiURL
		case "session":
			cfg.SessionID = *sessionID
		case "timeline":
			cfg.Timeline = *timelineArg
		case "wc-period":
			cfg.WallclockPeriod = *wcPeriod
		case "ts-url":
			cfg.TimelineSyncURL = *tsURL
		case "wc-url":
			cfg.WallclockURL = *wcURL
		case "discover":
			cfg.DiscoverTimeout = *discover
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "no-tui":
			cfg.TUI = !*noTUI
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		}
	})

	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	logger.Info().
		Str("version", version.Version).
		Str("manufacturer", version.Manufacturer).
		Msg("starting css-sync")

	endpoint := cfg.CIIURL
	if endpoint == "" {
		found, err := discoverEndpoint(ctx, cfg.DiscoverTimeout, logger)
		if err != nil {
			return err
		}
		endpoint = found
	}

	metrics := csssync.NewMetrics()
	engine, err := csssync.New(csssync.Config{
		SyncURL:               endpoint,
		SessionID:             cfg.SessionID,
		WallclockUpdatePeriod: cfg.WallclockPeriod,
		Metrics:               metrics,
		Header:                http.Header{"User-Agent": []string{version.UserAgent()}},
		Logger:                &logger,
	})
	if err != nil {
		return err
	}
	defer engine.Destroy()

	if err := engine.ObtainSynchronisationInformation(ctx); err != nil {
		return err
	}

	timelines, err := awaitTimelines(ctx, engine, logger)
	if err != nil {
		return err
	}
	selected, err := pickTimeline(timelines, cfg.Timeline)
	if err != nil {
		return err
	}

	// overrides win over whatever the TV announced
	if cfg.TimelineSyncURL != "" {
		if err := engine.SetTimelineSyncURL(cfg.TimelineSyncURL); err != nil {
			return err
		}
	}
	if cfg.WallclockURL != "" {
		if err := engine.SetWallclockURL(cfg.WallclockURL); err != nil {
			return err
		}
	}

	if err := engine.StartSynchronisation(ctx, selected.ID); err != nil {
		return err
	}
	logger.Info().Str("timeline", selected.Raw).Int("id", selected.ID).Msg("synchronising")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	status := newStatusTracker(endpoint, engine)
	g.Go(func() error {
		return status.consume(gctx, engine.Events(), logger)
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, metrics.Handler(), logger)
		})
	}

	if cfg.TUI {
		ctrl := ui.NewControl()
		prog := ui.New(ctrl)

		g.Go(func() error {
			defer cancel()
			_, err := prog.Run()
			return err
		})
		g.Go(func() error {
			select {
			case <-ctrl.Quit:
				logger.Info().Msg("received quit signal from TUI")
				cancel()
			case <-gctx.Done():
				prog.Quit()
			}
			return nil
		})
		g.Go(func() error {
			return updateLoop(gctx, statusInterval, func() { prog.Send(status.snapshot()) })
		})
	} else {
		g.Go(func() error {
			return updateLoop(gctx, 2*time.Second, func() { status.log(logger) })
		})
	}

	err = g.Wait()
	logger.Info().Msg("shutting down")
	if errors.Is(err, context.Canceled) || errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

// discoverEndpoint waits for the first CII endpoint advertised on the LAN
func discoverEndpoint(ctx context.Context, timeout time.Duration, logger zerolog.Logger) (string, error) {
	logger.Info().Dur("timeout", timeout).Msg("starting CII discovery")

	disc := discovery.NewManager(discovery.Config{Logger: &logger})
	disc.Browse()
	defer disc.Stop()

	select {
	case ep, ok := <-disc.Endpoints():
		if !ok {
			return "", errors.New("discovery stopped")
		}
		logger.Info().Str("name", ep.Name).Str("url", ep.URL).Msg("using discovered TV")
		return ep.URL, nil
	case <-time.After(timeout):
		return "", fmt.Errorf("no CII endpoint found after %v", timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// serveMetrics exposes /metrics until ctx is done
func serveMetrics(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// updateLoop calls fn every interval until ctx is done
func updateLoop(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}
