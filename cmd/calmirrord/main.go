package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/calmirror/calmirror/internal/calsync"
	"github.com/calmirror/calmirror/internal/config"
	"github.com/calmirror/calmirror/internal/httpapi"
	"github.com/calmirror/calmirror/internal/localcal"
	"github.com/calmirror/calmirror/internal/logfile"
	"github.com/calmirror/calmirror/internal/mapstore"
	"github.com/calmirror/calmirror/internal/remotecal"
)

const watchDebounce = 3 * time.Second

func main() {
	configPath := flag.String("config", envOrDefault("CALMIRROR_CONFIG", defaultConfigPath()), "config file path")
	timeout := flag.Duration("timeout", 5*time.Minute, "per-pass timeout")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config %s: %v", *configPath, err)
	}
	if strings.TrimSpace(cfg.CalendarID) == "" {
		log.Fatalf("calendar_id is required in %s", *configPath)
	}
	if strings.TrimSpace(cfg.SourceDir) == "" {
		log.Fatalf("source_dir is required in %s", *configPath)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		log.Fatalf("failed to create state dir %s: %v", cfg.StateDir, err)
	}

	fileLog, err := logfile.New(filepath.Join(cfg.StateDir, "calmirrord.log"), 0)
	if err != nil {
		log.Fatalf("failed to open log file: %v", err)
	}
	defer fileLog.Close()
	ring := httpapi.NewLogRing(0, teeLogger{log.Default(), fileLog})

	engine, source, destination, backend, err := buildEngine(cfg, ring)
	if err != nil {
		log.Fatalf("failed to initialize sync engine: %v", err)
	}
	defer mapstore.Close(backend)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := source.Available(); err != nil {
		ring.Printf("source check failed: %v", err)
	}
	probeCtx, cancelProbe := context.WithTimeout(rootCtx, 15*time.Second)
	if who, err := destination.Me(probeCtx); err != nil {
		ring.Printf("destination check failed: %v", err)
	} else {
		ring.Printf("signed in as %s.", who)
	}
	cancelProbe()

	runPass := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if _, err := engine.Run(ctx); err != nil && !errors.Is(err, calsync.ErrPassInFlight) {
			ring.Printf("sync pass failed: %v", err)
		}
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Schedule, runPass); err != nil {
		log.Fatalf("invalid schedule %q: %v", cfg.Schedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	if cfg.WatchSource {
		go watchSourceDir(rootCtx, cfg.SourceDir, ring, runPass)
	}

	server := httpapi.NewServer(engine, ring, ring, httpapi.ServerConfig{
		APIToken: cfg.APIToken(),
		Account:  cfg.Account,
		Calendar: cfg.CalendarID,
	})
	httpServer := &http.Server{Addr: cfg.Listen, Handler: server}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	ring.Printf("calmirrord listening on %s, syncing on %q", cfg.Listen, cfg.Schedule)
	runPass()
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

// watchSourceDir triggers a pass when the ICS directory changes. Events are
// debounced so an editor's write-rename burst costs one pass.
func watchSourceDir(ctx context.Context, dir string, logger calsync.Logger, runPass func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Printf("source watch disabled: %v", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		logger.Printf("source watch disabled: %v", err)
		return
	}

	var timer *time.Timer
	pending := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), ".ics") {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(watchDebounce, func() {
					select {
					case pending <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Printf("source watch error: %v", err)
		case <-pending:
			timer = nil
			logger.Printf("source directory changed, syncing.")
			runPass()
		}
	}
}

func buildEngine(cfg *config.Config, logger calsync.Logger) (*calsync.Orchestrator, *localcal.Store, *remotecal.Client, mapstore.Backend, error) {
	tokens := remotecal.NewRefreshTokenSource(remotecal.TokenSourceOptions{
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		RefreshToken: cfg.RefreshToken(),
	})
	destination := remotecal.NewClient(remotecal.ClientOptions{
		BaseURL:       cfg.BaseURL,
		TokenProvider: tokens.Token,
		UserAgent:     "calmirrord",
	})
	source := localcal.NewStore(cfg.SourceDir, logger)

	backend, err := mapstore.BuildBackendFromDSN(mapDSN(cfg), cfg.Account, cfg.CalendarID)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	engine := calsync.NewOrchestrator(source, destination, backend, calsync.Options{
		Account:             cfg.Account,
		CalendarID:          cfg.CalendarID,
		DataVersion:         calsync.CurrentDataVersion,
		RetentionDays:       cfg.RetentionDays,
		PurgeAgedOut:        cfg.PurgeAgedOut,
		StrictRecurringTime: cfg.StrictRecurringTime,
		Logger:              logger,
	})
	return engine, source, destination, backend, nil
}

func mapDSN(cfg *config.Config) string {
	if cfg.MapDSN == "" || cfg.MapDSN == "file" {
		return "file:" + cfg.StateDir
	}
	return cfg.MapDSN
}

type teeLogger []interface{ Printf(string, ...any) }

func (t teeLogger) Printf(format string, args ...any) {
	for _, l := range t {
		l.Printf(format, args...)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "calmirror.yaml"
	}
	return filepath.Join(home, ".calmirror", "config.yaml")
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
