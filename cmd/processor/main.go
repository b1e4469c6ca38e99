package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"weather-processor/internal/config"
	"weather-processor/internal/engine"
	"weather-processor/internal/repository"
	"weather-processor/pkg/database"
	"weather-processor/pkg/logging"
	"weather-processor/pkg/metrics"
)

func main() {
	mode := flag.String("mode", "", "Processing mode: daily or monthly (required)")
	station := flag.String("station", "", "Process a single station by ID")
	all := flag.Bool("all", false, "Process all active stations")
	year := flag.Int("year", 0, "Year to process")
	month := flag.Int("month", 0, "Month to process (1-12)")
	day := flag.Int("day", 0, "Day of month to process (daily mode)")
	yesterday := flag.Bool("yesterday", false, "Process yesterday (daily mode shortcut)")
	dryRun := flag.Bool("dry-run", false, "Compute aggregates without persisting anything")
	processPending := flag.Bool("process-pending", false, "Drain the monthly update queue after the run")
	workers := flag.Int("workers", 0, "Worker pool size override (0 uses configuration)")
	schedule := flag.String("schedule", "", "Cron expression; run as a daemon processing yesterday on each trigger")
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	opsAddr := flag.String("ops-addr", "", "Listen address for /metrics and /healthz")
	flag.Parse()

	if *configPath != "" {
		os.Setenv("WEATHER_CONFIG_FILE", *configPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *opsAddr != "" {
		cfg.Ops.ListenAddr = *opsAddr
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("weather-processor", "1.0.0", logging.ParseLevel(cfg.Logging.Level))
	ctx := context.Background()

	req, err := buildRequest(*mode, *station, *all, *year, *month, *day, *yesterday, *dryRun, *processPending, *workers)
	if err != nil && *schedule == "" {
		fmt.Fprintf(os.Stderr, "Invalid arguments: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	logger.Info(ctx, "[STARTUP] Starting weather processor", logging.Fields{
		"version": "1.0.0",
		"mode":    *mode,
		"db_host": cfg.Database.Host,
		"db_name": cfg.Database.Database,
	})

	metricsCollector := metrics.NewCollector("weather_processor")

	dbConfig := &database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}

	db, err := database.NewPostgresDB(dbConfig, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	store := repository.NewPostgresStore(db, logger, metricsCollector)
	scheduler := engine.NewScheduler(store, cfg.Processing, logger, metricsCollector)

	if cfg.Ops.ListenAddr != "" {
		startOpsServer(ctx, cfg.Ops.ListenAddr, store, logger)
	}

	if *schedule != "" {
		runDaemon(ctx, scheduler, *schedule, *dryRun, *workers, logger)
		return
	}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	summary, err := scheduler.Run(runCtx, req)
	if err != nil {
		logger.Fatal(ctx, "[RUN_ERROR] Processing run could not start", logging.Fields{}, err)
	}

	if !summary.OK() {
		os.Exit(1)
	}
}

// buildRequest resolves the CLI flags into a scheduler request. Daily mode
// accepts --yesterday, a full date, a month, or a whole year; monthly mode
// requires a year and month.
func buildRequest(mode, station string, all bool, year, month, day int, yesterday, dryRun, processPending bool, workers int) (engine.Request, error) {
	var req engine.Request

	switch mode {
	case "daily":
		req.Mode = engine.ModeDaily
	case "monthly":
		req.Mode = engine.ModeMonthly
	default:
		return req, fmt.Errorf("--mode must be daily or monthly, got %q", mode)
	}

	if all == (station != "") {
		return req, fmt.Errorf("exactly one of --all or --station is required")
	}
	req.StationID = station

	switch {
	case yesterday:
		if req.Mode != engine.ModeDaily {
			return req, fmt.Errorf("--yesterday applies to daily mode only")
		}
		d := time.Now().UTC().AddDate(0, 0, -1)
		req.From = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
		req.To = req.From
	case req.Mode == engine.ModeMonthly:
		if year == 0 || month == 0 {
			return req, fmt.Errorf("monthly mode requires --year and --month")
		}
		if month < 1 || month > 12 {
			return req, fmt.Errorf("--month must be in 1..12, got %d", month)
		}
		req.From = time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		req.To = req.From
	case day != 0:
		if year == 0 || month == 0 {
			return req, fmt.Errorf("--day requires --year and --month")
		}
		req.From = time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		if req.From.Day() != day {
			return req, fmt.Errorf("invalid date %04d-%02d-%02d", year, month, day)
		}
		req.To = req.From
	case month != 0:
		if year == 0 {
			return req, fmt.Errorf("--month requires --year")
		}
		if month < 1 || month > 12 {
			return req, fmt.Errorf("--month must be in 1..12, got %d", month)
		}
		req.From = time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		req.To = req.From.AddDate(0, 1, -1)
	case year != 0:
		req.From = time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		req.To = time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC)
	default:
		return req, fmt.Errorf("a date selection is required (--yesterday, --year[/--month[/--day]])")
	}

	req.DryRun = dryRun
	req.ProcessPending = processPending
	req.Workers = workers
	req.Command = strings.Join(os.Args[1:], " ")

	return req, nil
}

// runDaemon runs the processor on a cron schedule. Each trigger processes
// yesterday's daily aggregates for all active stations and drains the
// pending queue, the standard nightly shape.
func runDaemon(ctx context.Context, scheduler *engine.Scheduler, schedule string, dryRun bool, workers int, logger *logging.StructuredLogger) {
	c := cron.New()

	_, err := c.AddFunc(schedule, func() {
		d := time.Now().UTC().AddDate(0, 0, -1)
		date := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)

		req := engine.Request{
			Mode:           engine.ModeDaily,
			From:           date,
			To:             date,
			DryRun:         dryRun,
			ProcessPending: true,
			Workers:        workers,
			Command:        fmt.Sprintf("schedule %q", schedule),
		}

		if summary, err := scheduler.Run(ctx, req); err != nil {
			logger.Error(ctx, "[SCHEDULE_ERROR] Scheduled run could not start", logging.Fields{
				"date": date.Format("2006-01-02"),
			}, err)
		} else if summary.Failed > 0 {
			logger.Error(ctx, "[SCHEDULE_FAILURES] Scheduled run had failed units", logging.Fields{
				"date":   date.Format("2006-01-02"),
				"failed": summary.Failed,
			}, nil)
		}
	})
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Invalid cron schedule", logging.Fields{
			"schedule": schedule,
		}, err)
	}

	c.Start()
	logger.Info(ctx, "[DAEMON_START] Scheduled processing enabled", logging.Fields{
		"schedule": schedule,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "[SHUTDOWN] Stopping scheduler...", logging.Fields{})
	<-c.Stop().Done()
	logger.Info(ctx, "[SHUTDOWN_COMPLETE] Scheduler stopped", logging.Fields{})
}

// startOpsServer exposes /metrics and /healthz on a side listener.
func startOpsServer(ctx context.Context, addr string, store repository.Store, logger *logging.StructuredLogger) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.HealthCheck(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info(ctx, "[OPS_START] Operational endpoints listening", logging.Fields{
			"address": addr,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "[OPS_ERROR] Operational listener failed", logging.Fields{}, err)
		}
	}()
}
