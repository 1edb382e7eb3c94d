package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/panopticon/panopticon/server/internal/api"
	"github.com/panopticon/panopticon/server/internal/config"
	"github.com/panopticon/panopticon/server/internal/fetcher"
	"github.com/panopticon/panopticon/server/internal/hub"
	"github.com/panopticon/panopticon/server/internal/metrics"
	"github.com/panopticon/panopticon/server/internal/scheduler"
	"github.com/panopticon/panopticon/server/internal/stats"
	"github.com/panopticon/panopticon/server/internal/store"
	"github.com/panopticon/panopticon/server/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	logLevel := flag.String("log", config.DefaultLogLevel, "log level: debug|info|warning|error")
	resolution := flag.Int("resolution", config.DefaultResolution, "image height of cameras to monitor")
	camerasCSV := flag.String("cameras", "", "path to the traffic cameras CSV")
	port := flag.Int("port", config.DefaultHTTPPort, "port to serve on")
	flag.Parse()

	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	// Reloads are compared against the file as read, before flag overrides.
	fileCfg := *cfg

	// Flags given on the command line win over the file.
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["log"] {
		cfg.Log.Level = *logLevel
	}
	if set["resolution"] {
		cfg.Monitor.Resolution = *resolution
	}
	if set["cameras"] {
		cfg.Monitor.CamerasCSV = *camerasCSV
	}
	if set["port"] {
		cfg.Server.HTTPPort = *port
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	level.Set(cfg.Log.SlogLevel())

	catalog, err := cfg.Catalog()
	if err != nil {
		slog.Error("failed to load camera catalog", "err", err)
		os.Exit(1)
	}
	if len(catalog) == 0 {
		slog.Error("no cameras configured; set monitor.cameras_csv, monitor.cameras or -cameras")
		os.Exit(1)
	}

	var placeholder []byte
	if cfg.Server.Placeholder != "" {
		if placeholder, err = os.ReadFile(cfg.Server.Placeholder); err != nil {
			slog.Error("failed to read placeholder image", "path", cfg.Server.Placeholder, "err", err)
			os.Exit(1)
		}
	}

	slog.Info("panopticon starting",
		"cameras", len(catalog),
		"resolution", cfg.Monitor.Resolution,
		"http_port", cfg.Server.HTTPPort,
		"log_level", cfg.Log.Level,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st := store.New()
	reg := stats.New()
	h := hub.New(placeholder)

	client := fetcher.New(fetcher.Options{
		Timeout:            cfg.Monitor.FetchTimeout,
		UserAgent:          cfg.Monitor.UserAgent,
		InsecureSkipVerify: cfg.Monitor.InsecureSkipVerify,
	})
	sched := scheduler.New(client, st, h, reg, scheduler.Options{
		Resolution:        cfg.Monitor.Resolution,
		PollInterval:      cfg.Monitor.PollInterval,
		Cooldown:          cfg.Monitor.Cooldown,
		ExpiringThreshold: cfg.Monitor.ExpiringThreshold,
		ProbeConcurrency:  cfg.Monitor.ProbeConcurrency,
	})

	// Probe then loop. The HTTP server comes up immediately and serves the
	// placeholder, if any, until the first change is detected.
	go func() {
		if n := sched.Probe(ctx, sortedCameras(catalog)); n == 0 && ctx.Err() == nil {
			slog.Warn("no camera matched the configured resolution; nothing will be broadcast",
				"resolution", cfg.Monitor.Resolution)
		}
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("scheduler stopped", "err", err)
		}
	}()

	// Only log.level is applied on reload; the camera set is fixed.
	if *configPath != "" {
		live := &level
		if set["log"] {
			live = nil
		}
		go func() {
			if err := config.Watch(ctx, *configPath, &fileCfg, live, nil); err != nil {
				slog.Error("config watcher stopped", "err", err)
			}
		}()
	}

	if cfg.Log.StatsEvery > 0 {
		go logStats(ctx, cfg.Log.StatsEvery, st, reg, h)
	}

	stream := ws.New(h, st)
	go stream.Run(ctx)

	handler := api.New(st, h, reg, catalog, cfg.Monitor.ExpiringThreshold)
	handler.Handle("/metrics", metrics.New(st, h, reg))
	handler.Handle("/ws", stream)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("panopticon shutting down")

	// Streaming handlers never finish on their own; end their subscriptions
	// so Shutdown can drain them.
	h.Close()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func sortedCameras(catalog map[int]config.Camera) []config.Camera {
	cams := make([]config.Camera, 0, len(catalog))
	for _, c := range catalog {
		cams = append(cams, c)
	}
	sort.Slice(cams, func(i, j int) bool { return cams[i].ID < cams[j].ID })
	return cams
}

// logStats emits one summary line every interval until ctx is done.
func logStats(ctx context.Context, every time.Duration, st *store.Store, reg *stats.Registry, h *hub.Hub) {
	started := time.Now()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f := h.Current()
			var fetches, failures uint64
			for _, e := range reg.Snapshot() {
				fetches += e.Fetches
				failures += e.Failures
			}
			slog.Info("panopticon: stats",
				"cameras", st.Len(),
				"frames", humanize.Comma(int64(f.Version)),
				"hits", humanize.Comma(int64(reg.TotalHits())),
				"fetches", humanize.Comma(int64(fetches)),
				"failures", humanize.Comma(int64(failures)),
				"frame_size", humanize.Bytes(uint64(len(f.Data))),
				"viewers", h.Subscribers(),
				"up_since", humanize.Time(started),
			)
		}
	}
}
