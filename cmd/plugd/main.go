// Package main is the entry point for the plugd extension host daemon.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/chive-pub/plugd/internal/config"
	"github.com/chive-pub/plugd/internal/event"
	"github.com/chive-pub/plugd/internal/event/events"
	"github.com/chive-pub/plugd/internal/plugin"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		return 1
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		return 1
	}

	log := logrus.New()
	log.SetLevel(cfg.Level())
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	log.WithFields(logrus.Fields{"version": version, "commit": commit}).Info("plugd starting")

	var metrics *plugin.Metrics
	var registry *prometheus.Registry
	if cfg.MetricsAddr != "" {
		registry = prometheus.NewRegistry()
		metrics = plugin.NewMetrics(registry)
	}

	busOpts := []event.BusOption{event.WithLogger(log)}
	if cfg.Bus.QueueSize > 0 {
		busOpts = append(busOpts, event.WithDefaultQueueSize(cfg.Bus.QueueSize))
	}
	if metrics != nil {
		busOpts = append(busOpts, event.WithObserver(func(ev event.Event) {
			metrics.ObserveEvent(ev.Topic.String(), ev.Source)
		}))
	}
	bus := event.New(busOpts...)
	if err := bus.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start event bus: %v\n", err)
		return 1
	}

	mgrOpts := []plugin.ManagerOption{
		plugin.WithManagerLogger(log),
		plugin.WithMetrics(metrics),
		plugin.WithDefaultBudget(cfg.Limits.Budget()),
		plugin.WithSearchPaths(cfg.PluginDirs...),
	}
	for id, p := range cfg.Plugins {
		if p.Disabled {
			mgrOpts = append(mgrOpts, plugin.WithDisabled(id))
		}
		if len(p.Settings) > 0 {
			mgrOpts = append(mgrOpts, plugin.WithPluginSettings(id, p.Settings))
		}
	}
	for _, id := range cfg.Overrides() {
		mgrOpts = append(mgrOpts, plugin.WithBudgetOverride(id, cfg.BudgetFor(id)))
	}
	mgr := plugin.NewManager(bus, mgrOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.LoadAll(ctx); err != nil {
		log.WithError(err).Warn("some plugins failed to load")
	}
	log.WithField("plugins", mgr.Count()).Info("initial load complete")

	if err := bus.Publish(ctx, event.Event{
		Topic:   events.TopicSystemStartup,
		Source:  events.SourceHost,
		Payload: map[string]any{"version": version},
	}); err != nil {
		log.WithError(err).Warn("startup event not published")
	}

	var watcher *plugin.Watcher
	if cfg.Watch {
		watcher, err = plugin.NewWatcher(mgr, plugin.WithWatcherLogger(log))
		if err != nil {
			log.WithError(err).Error("watcher unavailable, hot reload disabled")
		} else if err := watcher.Start(); err != nil {
			log.WithError(err).Error("watcher failed to start, hot reload disabled")
			watcher = nil
		}
	}

	var ticker *cron.Cron
	if cfg.TickSchedule != "" {
		ticker = cron.New()
		if _, err := ticker.AddFunc(cfg.TickSchedule, func() {
			ev := event.Event{
				Topic:   events.TopicSystemTick,
				Source:  events.SourceHost,
				Payload: map[string]any{"time": time.Now().UTC().Format(time.RFC3339)},
			}
			if err := bus.Publish(context.Background(), ev); err != nil {
				log.WithError(err).Debug("tick not published")
			}
		}); err != nil {
			log.WithError(err).Error("tick schedule rejected")
		} else {
			ticker.Start()
			log.WithField("schedule", cfg.TickSchedule).Info("tick scheduler started")
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var metricsSrv *http.Server
	if registry != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		g.Go(func() error {
			log.WithField("addr", cfg.MetricsAddr).Info("serving metrics")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	<-gctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			log.WithError(err).Warn("watcher close failed")
		}
	}
	if ticker != nil {
		<-ticker.Stop().Done()
	}
	if err := mgr.ShutdownAll(shutdownCtx); err != nil {
		log.WithError(err).Error("plugin shutdown incomplete")
	}
	if err := bus.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("event bus stop failed")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics server shutdown failed")
		}
	}

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("daemon exited with error")
		return 1
	}
	log.Info("plugd stopped")
	return 0
}

// options are command line overrides applied on top of the config file.
type options struct {
	configPath  string
	watch       bool
	watchSet    bool
	logLevel    string
	metricsAddr string
}

// apply layers flag overrides onto the loaded configuration.
func (o options) apply(cfg *config.Config) {
	if o.watchSet {
		cfg.Watch = o.watch
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.metricsAddr != "" {
		cfg.MetricsAddr = o.metricsAddr
	}
}

func parseFlags() options {
	var opts options
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.configPath, "config", defaultConfigPath(), "Path to configuration file")
	flag.StringVar(&opts.configPath, "c", defaultConfigPath(), "Path to configuration file (shorthand)")
	flag.BoolVar(&opts.watch, "watch", false, "Watch plugin directories for changes")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&opts.metricsAddr, "metrics", "", "Prometheus listen address, e.g. :9477")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "plugd - Chive extension host\n\n")
		fmt.Fprintf(os.Stderr, "Usage: plugd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  plugd                           Run with default config\n")
		fmt.Fprintf(os.Stderr, "  plugd -c /etc/chive/plugd.toml  Run with a specific config file\n")
		fmt.Fprintf(os.Stderr, "  plugd -watch -log-level debug   Develop plugins with hot reload\n")
	}

	flag.Parse()

	flag.Visit(func(f *flag.Flag) {
		if f.Name == "watch" {
			opts.watchSet = true
		}
	})

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("plugd %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	return opts
}

func defaultConfigPath() string {
	if v, ok := os.LookupEnv(config.EnvPrefix + "CONFIG"); ok {
		return v
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.config/plugd/plugd.toml"
	}
	return "plugd.toml"
}
