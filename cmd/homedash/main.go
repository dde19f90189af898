package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"homedash/internal/auth"
	"homedash/internal/calendar"
	"homedash/internal/capture"
	"homedash/internal/config"
	"homedash/internal/gcal"
	"homedash/internal/ics"
	appLog "homedash/internal/log"
	"homedash/internal/metrics"
	"homedash/internal/model"
	"homedash/internal/picker"
	"homedash/internal/schedule"
	"homedash/internal/store"
	"homedash/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	pick       bool
	verbose    bool
}

// app holds the wired components shared by every run mode.
type app struct {
	cfg      *config.Config
	store    *store.Store
	accounts *auth.Provider
	gcal     *gcal.Fetcher
	calendar *calendar.Service
	broker   *picker.Broker
	metrics  *metrics.Metrics
}

func main() {
	flags := parseFlags()
	if flags.verbose {
		appLog.SetLevel(appLog.LevelDebug)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		appLog.Warn("failed to load .env", "error", err)
	}

	appLog.Info("homedash starting", "version", version)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		cfg.Listen = flags.listen
	}
	if !flags.verbose {
		appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	}

	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"document", cfg.DocumentPath,
		"horizon_days", cfg.Calendar.HorizonDays,
		"google_configured", cfg.Google.ClientID != "",
		"capture", cfg.Capture.Enabled,
		"once", flags.once,
		"pick", flags.pick,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := wire(cfg)

	switch {
	case flags.once:
		err = runOnce(ctx, a)
	case flags.pick:
		err = runPick(ctx, a)
	default:
		err = runServer(ctx, a)
	}
	if err != nil {
		appLog.Error("homedash exiting with error", err)
		os.Exit(1)
	}
	appLog.Info("homedash exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", config.DefaultConfigPath(), "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Aggregate calendar events once, print them as JSON and exit")
	flag.BoolVar(&cfg.pick, "pick", false, "Run one photo picker session in the terminal and exit")
	flag.BoolVar(&cfg.verbose, "v", false, "Enable debug logging")

	flag.Parse()

	return cfg
}

func wire(cfg *config.Config) *app {
	loc := cfg.Location()
	docs := store.New(cfg.DocumentPath)
	accounts := auth.NewProvider(auth.NewOAuthConfig(cfg.Google), docs)
	m := metrics.MustNew(prometheus.DefaultRegisterer)

	api := gcal.NewFetcher(accounts, loc)
	feed := ics.NewFeed(
		ics.NewFetcher(&http.Client{Timeout: cfg.Calendar.FetchTimeout}, cfg.Calendar.MaxFeedBytes),
		loc,
		cfg.Calendar.MaxOccurrences,
	)
	agg := calendar.NewAggregator(api, feed,
		calendar.WithMetrics(m),
		calendar.WithSourceTimeout(cfg.Calendar.FetchTimeout),
	)

	return &app{
		cfg:      cfg,
		store:    docs,
		accounts: accounts,
		gcal:     api,
		calendar: calendar.NewService(docs, agg, cfg.Calendar.HorizonDays),
		broker:   picker.NewBroker(accounts, docs, nil, cfg.Picker.APIBase),
		metrics:  m,
	}
}

// runOnce prints the aggregated events for the default window.
func runOnce(ctx context.Context, a *app) error {
	ctx, cancel := context.WithTimeout(ctx, 2*a.cfg.Calendar.FetchTimeout)
	defer cancel()

	events := a.calendar.Events(ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"events": events})
}

// runPick drives one picker session from the terminal: print the picker
// URI, poll until the selection is made, then save it.
func runPick(ctx context.Context, a *app) error {
	p := picker.NewPoller(a.broker, picker.PollerOptions{
		PollInterval: a.cfg.Picker.PollInterval,
		Timeout:      a.cfg.Picker.Timeout,
		Metrics:      a.metrics,
	})

	return pickPhotos(ctx, p, a.broker, os.Stdout)
}

// sessionDeleter removes a picker session on the provider side.
type sessionDeleter interface {
	Delete(ctx context.Context, sessionID string) error
}

// pickPhotos runs p to a terminal state, reporting progress to w. The remote
// session is deleted afterwards whenever one was created.
func pickPhotos(ctx context.Context, p *picker.Poller, sessions sessionDeleter, w io.Writer) error {
	sess, err := p.Start(ctx, func(s model.PickerSession) error {
		fmt.Fprintf(w, "Open this link to choose photos:\n\n  %s\n\n", s.PickerURI)
		return nil
	})
	// Start can return a live session together with an error.
	if sess.SessionID != "" {
		defer deleteSession(sessions, sess.SessionID)
	}
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			return fmt.Errorf("connect a Google account through the admin page first: %w", err)
		}
		return err
	}

	select {
	case <-p.Done():
	case <-ctx.Done():
		if p.Dispose() {
			fmt.Fprintln(w, "Cancelled.")
		}
	}

	out, err := p.Wait(context.Background())
	if err != nil {
		return err
	}
	if out.State != picker.StateRetrieved {
		return fmt.Errorf("picker session ended in state %s: %w", out.State, out.Err)
	}
	fmt.Fprintf(w, "Saved %d photos.\n", len(out.Photos))
	return nil
}

func deleteSession(sessions sessionDeleter, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sessions.Delete(ctx, sessionID); err != nil {
		appLog.Warn("failed to delete picker session", "session", sessionID, "error", err)
	}
}

// runServer serves the dashboard and runs background jobs until ctx ends.
func runServer(ctx context.Context, a *app) error {
	sched := schedule.New()
	if err := sched.Add("token-refresh", a.cfg.TokenRefreshCron, schedule.TokenRefreshJob(a.accounts, a.metrics)); err != nil {
		return err
	}

	var previewPath string
	if a.cfg.Capture.Enabled {
		capturer := capture.New(capture.OptionsFromConfig(a.cfg.Capture, a.cfg.BasicAuth), a.metrics)
		previewPath = capturer.Path()
		if err := sched.Add("capture", a.cfg.Capture.Cron, schedule.CaptureJob(capturer)); err != nil {
			return err
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	srv := web.NewServer(a.cfg, web.Deps{
		Store:       a.store,
		Accounts:    a.accounts,
		Events:      a.calendar,
		Calendars:   a.gcal,
		Picker:      a.broker,
		Metrics:     metrics.Handler(prometheus.DefaultGatherer),
		PreviewPath: previewPath,
	})

	if a.cfg.Capture.Enabled {
		// First preview once the server is accepting requests.
		t := time.AfterFunc(5*time.Second, func() { _ = sched.RunNow("capture") })
		defer t.Stop()
	}

	return srv.ListenAndServe(ctx)
}
