package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/calmirror/calmirror/internal/calsync"
	"github.com/calmirror/calmirror/internal/config"
	"github.com/calmirror/calmirror/internal/localcal"
	"github.com/calmirror/calmirror/internal/logfile"
	"github.com/calmirror/calmirror/internal/mapstore"
	"github.com/calmirror/calmirror/internal/remotecal"
)

func main() {
	configPath := flag.String("config", envOrDefault("CALMIRROR_CONFIG", defaultConfigPath()), "config file path")
	once := flag.Bool("once", false, "run one sync pass and exit")
	listCalendars := flag.Bool("list-calendars", false, "print the account's calendars and exit")
	force := flag.Bool("force", false, "force a full resync on the next pass")
	interval := flag.Duration("interval", durationEnv("CALMIRROR_INTERVAL", 5*time.Minute), "sync interval when looping")
	intervalJitter := flag.Float64("interval-jitter", 0.1, "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("CALMIRROR_TIMEOUT", 5*time.Minute), "per-pass timeout")
	flag.Parse()

	// A .env beside the binary is a convenience for development setups.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config %s: %v", *configPath, err)
	}
	if *listCalendars {
		printCalendars(cfg)
		return
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
	fileLog, err := logfile.New(filepath.Join(cfg.StateDir, "calmirror.log"), 0)
	if err != nil {
		log.Fatalf("failed to open log file: %v", err)
	}
	defer fileLog.Close()
	logger := teeLogger{log.Default(), fileLog}

	engine, backend, err := buildEngine(cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialize sync engine: %v", err)
	}
	defer mapstore.Close(backend)

	if *force {
		if err := engine.ForceFullResync(); err != nil {
			log.Fatalf("failed to request full resync: %v", err)
		}
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if _, err := engine.Run(ctx); err != nil {
			logger.Printf("sync pass failed: %v", err)
		}
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredInterval(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Printf("sync loop stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredInterval(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

// printCalendars lists the account's calendars so the user can fill in
// calendar_id. This is the only mode that runs without one.
func printCalendars(cfg *config.Config) {
	tokens := remotecal.NewRefreshTokenSource(remotecal.TokenSourceOptions{
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		RefreshToken: cfg.RefreshToken(),
	})
	client := remotecal.NewClient(remotecal.ClientOptions{
		BaseURL:       cfg.BaseURL,
		TokenProvider: tokens.Token,
		UserAgent:     "calmirror",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	calendars, err := client.ListCalendars(ctx)
	if err != nil {
		log.Fatalf("failed to list calendars: %v", err)
	}
	for _, cal := range calendars {
		fmt.Printf("%s\t%s\n", cal.ID, cal.Name)
	}
}

func buildEngine(cfg *config.Config, logger calsync.Logger) (*calsync.Orchestrator, mapstore.Backend, error) {
	tokens := remotecal.NewRefreshTokenSource(remotecal.TokenSourceOptions{
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		RefreshToken: cfg.RefreshToken(),
	})
	destination := remotecal.NewClient(remotecal.ClientOptions{
		BaseURL:       cfg.BaseURL,
		TokenProvider: tokens.Token,
		UserAgent:     "calmirror",
	})
	source := localcal.NewStore(cfg.SourceDir, logger)

	backend, err := mapstore.BuildBackendFromDSN(mapDSN(cfg), cfg.Account, cfg.CalendarID)
	if err != nil {
		return nil, nil, err
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
	return engine, backend, nil
}

// mapDSN resolves the bare "file" shorthand against the state directory.
func mapDSN(cfg *config.Config) string {
	if cfg.MapDSN == "" || cfg.MapDSN == "file" {
		return "file:" + cfg.StateDir
	}
	return cfg.MapDSN
}

// teeLogger fans one line out to several loggers.
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

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func jitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if jitterRatio < 0 {
		jitterRatio = 0
	} else if jitterRatio > 1 {
		jitterRatio = 1
	}
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	// Spread passes across [base*(1-j), base*(1+j)] so several instances
	// never line up on the same tick.
	offset := (sample*2 - 1) * jitterRatio * float64(base)
	return base + time.Duration(offset)
}
