// Datekeeper is an offline-first daemon that keeps recurring personal
// events (birthdays, anniversaries, memorial days on solar or lunar
// calendars) synchronized with a remote authority and schedules their
// reminders locally.
//
// Usage:
//
//	datekeeper daemon [--config <path>]     # run auto-sync + reminder resweep
//	datekeeper sync-once [--config <path>]  # single sync attempt then exit
//	datekeeper list [--config <path>]       # print upcoming events
//	datekeeper status [--config <path>]     # show config, DB, and sync state
//	datekeeper init-config                  # write a starter config file
//	datekeeper version                      # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tdnguyen/datekeeper/internal/authority"
	"github.com/tdnguyen/datekeeper/internal/calendar"
	"github.com/tdnguyen/datekeeper/internal/config"
	"github.com/tdnguyen/datekeeper/internal/jobs"
	"github.com/tdnguyen/datekeeper/internal/model"
	"github.com/tdnguyen/datekeeper/internal/recur"
	"github.com/tdnguyen/datekeeper/internal/reminder"
	"github.com/tdnguyen/datekeeper/internal/service"
	"github.com/tdnguyen/datekeeper/internal/store"
	syncp "github.com/tdnguyen/datekeeper/internal/sync"
	"github.com/tdnguyen/datekeeper/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "daemon":
		return runSync(os.Args[2:], true)
	case "sync-once":
		return runSync(os.Args[2:], false)
	case "list":
		return runList(os.Args[2:])
	case "status":
		return runStatus(os.Args[2:])
	case "init-config":
		return runInitConfig()
	case "version":
		fmt.Println("datekeeper", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q, run 'datekeeper' for usage", cmd)
	}
}

// printUsage shows help and suggests init-config if no config exists.
func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "Datekeeper: offline-first recurring-event sync and reminders")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  datekeeper daemon [--config ...]     Run auto-sync + reminder resweep")
	fmt.Fprintln(os.Stderr, "  datekeeper sync-once [--config ...]  Single sync attempt then exit")
	fmt.Fprintln(os.Stderr, "  datekeeper list [--config ...]       Print upcoming events")
	fmt.Fprintln(os.Stderr, "  datekeeper status [--config ...]     Show config, DB, and sync state")
	fmt.Fprintln(os.Stderr, "  datekeeper init-config               Write a starter config file")
	fmt.Fprintln(os.Stderr, "  datekeeper version                   Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "No config file found. Run 'datekeeper init-config' to get started.")
	}

	os.Exit(1)
	return nil // unreachable
}

// commonFlags parses the flags shared by every config-driven subcommand.
func commonFlags(name string, args []string) (cfgPath string, verbose bool, err error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfg := fs.String("config", defaultCfg, "path to config.yaml")
	verb := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return "", false, err
	}
	return *cfg, *verb, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// app bundles the wired components every config-driven subcommand needs.
type app struct {
	cfg       *config.Config
	store     *store.Store
	events    *service.Events
	engine    *syncp.Engine
	scheduler *reminder.Scheduler
	calc      *recur.Calculator
	log       *slog.Logger
}

// buildApp loads the config and wires store, calculator, scheduler,
// authority client, sync engine, and event service together.
func buildApp(cfgPath string, logger *slog.Logger) (*app, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"api_url", cfg.APIURL,
		"sync_interval", cfg.SyncInterval,
		"timezone_offset", cfg.Timezone(),
	)

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, nil, fmt.Errorf("resolving DB path: %w", err)
		}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening event DB at %q: %w", dbPath, err)
	}
	logger.Info("event DB opened", "path", dbPath)

	conv := calendar.NewConverter(cfg.Timezone())
	calc := recur.New(conv, time.Local)
	platform := reminder.NewLogPlatform(logger)
	scheduler := reminder.NewScheduler(st, calc, platform, logger)

	client := authority.NewClient(cfg.APIURL, cfg.APIToken, logger)
	engine := syncp.New(st, client, client, scheduler, logger)

	tod, err := cfg.ReminderTime()
	if err != nil {
		return nil, nil, err
	}
	defaults := model.ReminderSettings{
		DaysBefore: cfg.DefaultRemindDays,
		TimeOfDay:  &tod,
	}
	events := service.NewEvents(st, scheduler, calc, defaults, logger)

	cleanup := func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("closing event DB", "error", closeErr)
		}
	}
	return &app{
		cfg:       cfg,
		store:     st,
		events:    events,
		engine:    engine,
		scheduler: scheduler,
		calc:      calc,
		log:       logger,
	}, cleanup, nil
}

// --- Subcommands -------------------------------------------------------------

// runSync handles both "daemon" and "sync-once".
func runSync(args []string, daemon bool) error {
	cfgPath, verbose, err := commonFlags("sync", args)
	if err != nil {
		return err
	}
	logger := newLogger(verbose)

	a, cleanup, err := buildApp(cfgPath, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// Telemetry is optional; a failed setup degrades to no-op providers.
	if a.cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: a.cfg.Telemetry.OTLPEndpoint,
			Insecure:     a.cfg.Telemetry.Insecure,
			ServiceName:  a.cfg.Telemetry.ServiceName,
			Headers:      a.cfg.Telemetry.Headers,
		}
		shutdownTel, telErr := telemetry.Setup(context.Background(), telCfg)
		if telErr != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", telErr)
		} else {
			logger.Info("telemetry enabled", "endpoint", a.cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if !daemon {
		logger.Info("running single sync attempt")
		res, err := a.engine.Sync(ctx)
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		if res.Skipped {
			logger.Info("sync skipped", "reason", res.Reason)
			return nil
		}
		logger.Info("sync complete",
			"accepted", res.Accepted,
			"pulled", res.Pulled,
			"conflicts", res.Conflicts,
			"stale_acks", res.StaleAcks,
		)
		return nil
	}

	// Daemon mode: an immediate first pass, then the scheduled cadence.
	if _, err := a.engine.Sync(ctx); err != nil {
		logger.Error("initial sync failed", "error", err)
	}
	events, err := a.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("initial reminder sweep: %w", err)
	}
	a.scheduler.RescheduleAll(ctx, events)

	runner := jobs.NewRunner(logger)
	runner.Add(a.cfg.SyncInterval, jobs.NewSyncJob(a.engine))
	runner.Add(a.cfg.RescheduleInterval, jobs.NewRescheduleJob(a.store, a.scheduler))

	logger.Info("daemon starting",
		"sync_interval", a.cfg.SyncInterval,
		"reschedule_interval", a.cfg.RescheduleInterval,
	)
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("job runner: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// runList prints active events ordered by next occurrence.
func runList(args []string) error {
	cfgPath, verbose, err := commonFlags("list", args)
	if err != nil {
		return err
	}
	logger := newLogger(verbose)

	a, cleanup, err := buildApp(cfgPath, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	events, err := a.events.ListEvents(ctx)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No events.")
		return nil
	}

	now := time.Now()
	for _, ev := range events {
		next, occErr := a.calc.NextOccurrence(ev, now)
		when := "?"
		if occErr == nil {
			when = next.Format("2006-01-02")
		}
		marker := " "
		if ev.Dirty {
			marker = "*" // not yet synced
		}
		fmt.Printf("%s %-10s  %-8s %-8s  %s\n",
			marker, when, ev.Calendar, ev.Recurrence.Type, ev.Title)
	}
	return nil
}

// runStatus prints config, DB, and sync state without starting the daemon.
func runStatus(args []string) error {
	cfgPath, verbose, err := commonFlags("status", args)
	if err != nil {
		return err
	}
	logger := newLogger(verbose)

	fmt.Println("Datekeeper Status")
	fmt.Println("─────────────────")

	cfg, cfgErr := config.Load(cfgPath)
	if cfgErr != nil {
		fmt.Printf("  Config:   %s (invalid: %v)\n", cfgPath, cfgErr)
		return nil
	}
	fmt.Printf("  Config:   %s ✓\n", cfgPath)
	fmt.Printf("  API URL:  %s\n", cfg.APIURL)
	fmt.Printf("  Sync:     every %s\n", cfg.SyncInterval)

	dbPath := cfg.DBPath
	if dbPath == "" {
		if dbPath, err = store.DefaultDBPath(); err != nil {
			return err
		}
	}
	info, statErr := os.Stat(dbPath)
	if statErr != nil {
		fmt.Printf("  Event DB: not found (%s)\n", dbPath)
		return nil
	}
	fmt.Printf("  Event DB: %s (%s)\n", dbPath, humanSize(info.Size()))

	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening event DB: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("closing event DB", "error", closeErr)
		}
	}()

	ctx := context.Background()
	pending, err := st.DirtyCount(ctx)
	if err != nil {
		return err
	}
	cursor, err := st.LoadCursor(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("  Pending:  %d unsynced change(s)\n", pending)
	if cursor.LastSyncAt.IsZero() {
		fmt.Println("  Last sync: never")
	} else {
		fmt.Printf("  Last sync: %s (cursor %d)\n",
			cursor.LastSyncAt.Format(time.RFC3339), cursor.LastSyncedVersion)
	}
	return nil
}

// starterConfig is written by init-config.
const starterConfig = `# Datekeeper configuration.
api_url: "https://api.example.com"
api_token: "replace-me"

# How often to sync with the authority.
sync_interval: 15m

# How often to resweep platform reminders.
reschedule_interval: 12h

# UTC offset in hours for lunar calendar conversion.
timezone_offset: 7

# Reminder defaults applied to events created without their own.
default_remind_days: [1, 7]
default_reminder_time: "09:00"

# Optional OpenTelemetry export:
# telemetry:
#   otlp_endpoint: "localhost:4317"
#   insecure: true
`

// runInitConfig writes a starter config file if none exists.
func runInitConfig() error {
	path, err := config.DefaultPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Printf("Wrote %s. Edit api_url and api_token before running the daemon.\n", path)
	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
