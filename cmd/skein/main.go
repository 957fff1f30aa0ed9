package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/skeinweb/skein/internal/compositor"
	"github.com/skeinweb/skein/internal/config"
	"github.com/skeinweb/skein/internal/constellation"
	"github.com/skeinweb/skein/internal/imagecache"
	"github.com/skeinweb/skein/internal/logging"
	"github.com/skeinweb/skein/internal/monitoring"
	"github.com/skeinweb/skein/internal/msg"
	"github.com/skeinweb/skein/internal/profiler"
	"github.com/skeinweb/skein/internal/resource"
	"github.com/skeinweb/skein/internal/sched"
	"github.com/skeinweb/skein/internal/session"
	"github.com/skeinweb/skein/internal/shell"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "Config file (yaml or toml); env vars override")
		headless   = flag.Bool("headless", false, "Run without the shell surface")
		shellAddr  = flag.String("shell", "", "Enable the shell surface on this address")
		dev        = flag.Bool("dev", false, "Development logging (colored, debug level)")
		urls       []string
	)
	flag.Func("url", "URL to load at startup (repeatable, comma separated)", func(v string) error {
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		return nil
	})
	flag.Parse()
	urls = append(urls, flag.Args()...)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if *dev {
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
	}
	if *shellAddr != "" {
		cfg.Shell.Enabled = true
		cfg.Shell.Addr = *shellAddr
	}
	if *headless {
		cfg.Shell.Enabled = false
	}
	if len(urls) > 0 {
		cfg.Engine.InitialURLs = urls
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("skein starting",
		zap.Strings("urls", cfg.Engine.InitialURLs),
		zap.Bool("shell", cfg.Shell.Enabled),
		zap.Int("viewport_width", cfg.Engine.ViewportWidth),
		zap.Int("viewport_height", cfg.Engine.ViewportHeight),
	)

	registry := prometheus.NewRegistry()
	metrics := monitoring.New(registry)
	defer metrics.Close()

	prof := profiler.New(cfg.Profiler, logger, registry)
	pool := sched.New(logger, metrics)
	if err := pool.Launch("profiler", prof.Run); err != nil {
		logger.Error("profiler launch failed", zap.Error(err))
		return 1
	}

	resources, err := resource.NewService(cfg.Resource, logger, metrics, prof)
	if err != nil {
		logger.Error("resource service init failed", zap.Error(err))
		prof.Stop()
		pool.Shutdown()
		return 1
	}
	if err := pool.Launch("resources", resources.Run); err != nil {
		logger.Error("resource service launch failed", zap.Error(err))
		prof.Stop()
		pool.Shutdown()
		return 1
	}

	// Everything past this point stops through stopCore on every path.
	stopCore := func() {
		resources.Stop()
		prof.Stop()
		pool.Shutdown()
	}

	images, err := imagecache.New(cfg.Images, resources, logger, metrics, prof)
	if err != nil {
		logger.Error("image cache init failed", zap.Error(err))
		stopCore()
		return 1
	}

	var store *session.Store
	if cfg.Session.Path != "" {
		store = session.NewStore(cfg.Session.Path, logger)
	}
	initial := startURLs(cfg, store, metrics, logger)

	notify := make(chan msg.Notification, 16)
	rendezvous := make(chan chan<- msg.Command, 1)

	if err := constellation.Start(constellation.Deps{
		Pool:      pool,
		Config:    *cfg,
		Logger:    logger,
		Metrics:   metrics,
		Prof:      prof,
		Resources: resources,
		Images:    images,
		Session:   store,
		Notify:    notify,
	}, rendezvous); err != nil {
		logger.Error("constellation start failed", zap.Error(err))
		stopCore()
		return 1
	}

	var (
		surface  compositor.Surface
		sh       *shell.Shell
		shellErr chan error
	)
	var comp *compositor.Compositor
	if cfg.Shell.Enabled {
		sh = shell.New(shell.Deps{
			Config:   cfg.Shell,
			Logger:   logger,
			Metrics:  metrics,
			Gatherer: registry,
			Status: func(timeout time.Duration) (msg.Status, bool) {
				if comp == nil {
					return msg.Status{}, false
				}
				return comp.Status(timeout)
			},
		})
		surface = sh
	} else {
		surface = compositor.NewHeadless()
	}

	comp = compositor.New(compositor.Deps{
		Config:      cfg.Engine,
		Logger:      logger,
		Metrics:     metrics,
		Prof:        prof,
		Surface:     surface,
		Notify:      notify,
		Rendezvous:  rendezvous,
		InitialURLs: initial,
	})

	if sh != nil {
		shellErr = make(chan error, 1)
		go func() { shellErr <- sh.Run() }()
		if !sh.WaitReady(5 * time.Second) {
			logger.Warn("shell did not come up, continuing without it")
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	sigDone := make(chan struct{})
	if err := pool.Launch("signals", func() {
		select {
		case s := <-sig:
			logger.Info("signal received", zap.String("signal", s.String()))
			comp.RequestExit()
		case <-sigDone:
		}
	}); err != nil {
		logger.Error("signal watcher launch failed", zap.Error(err))
		stopCore()
		return 1
	}

	// The compositor owns the main goroutine until shutdown completes.
	runErr := comp.Run()
	close(sigDone)
	signal.Stop(sig)

	_ = surface.Close()
	if shellErr != nil {
		select {
		case err := <-shellErr:
			if err != nil {
				logger.Warn("shell exited with error", zap.Error(err))
			}
		case <-time.After(5 * time.Second):
			logger.Warn("shell did not stop in time")
		}
	}

	stopCore()

	if runErr != nil {
		logger.Error("engine failed", zap.Error(runErr))
		return 1
	}
	logger.Info("skein stopped cleanly")
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadOrDefault(), nil
	}
	return config.Load(path)
}

// startURLs resolves what to load first: explicit URLs win, then a
// restored session, then a blank page. A restored session puts the
// previously focused page first so it regains focus.
func startURLs(cfg *config.Config, store *session.Store, metrics *monitoring.Metrics, logger *logging.Logger) []string {
	if len(cfg.Engine.InitialURLs) > 0 {
		return cfg.Engine.InitialURLs
	}
	if store != nil && cfg.Session.Restore {
		snap, err := store.Load()
		switch {
		case err == nil && len(snap.URLs) > 0:
			ordered := make([]string, 0, len(snap.URLs))
			ordered = append(ordered, snap.URLs[snap.Focused])
			for i, u := range snap.URLs {
				if i != snap.Focused {
					ordered = append(ordered, u)
				}
			}
			metrics.IncSessionsRestored()
			logger.Info("session restored",
				zap.Int("pages", len(ordered)),
				zap.Time("saved_at", snap.SavedAt))
			return ordered
		case err != nil && !errors.Is(err, os.ErrNotExist):
			logger.Warn("session restore failed", zap.Error(err))
		}
	}
	return []string{"about:blank"}
}
