package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BairdWan/BilibiliMonitoring/internal/bili"
	"github.com/BairdWan/BilibiliMonitoring/internal/config"
	"github.com/BairdWan/BilibiliMonitoring/internal/database"
	"github.com/BairdWan/BilibiliMonitoring/internal/detector"
	"github.com/BairdWan/BilibiliMonitoring/internal/notify"
	"github.com/BairdWan/BilibiliMonitoring/internal/scheduler"
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.Parse()

	command := "start"
	if args := flag.Args(); len(args) > 0 {
		command = args[0]
	}

	start := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	if e.ConfigPath != "" {
		cfgPath = e.ConfigPath
	}

	cfg, err := config.Load(cfgPath, e)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}))
	slog.SetDefault(log)

	dispatcher := notify.NewDispatcher(notify.DispatcherOptions{
		WebhookURL: cfg.Webhook.URL,
		Secret:     cfg.Webhook.Secret,
		Timeout:    cfg.WebhookTimeout(),
		RetryCount: cfg.WebhookRetryCount(),
	}, log)

	if command == "test" {
		if err := dispatcher.SendTest(ctx); err != nil {
			log.ErrorContext(ctx, "Webhook test failed",
				"error", err,
				"webhookURL", cfg.Webhook.URL)

			return 1
		}
		log.InfoContext(ctx, "Webhook test succeeded",
			"signed", cfg.Webhook.Secret != "")

		return 0
	}

	db, err := database.New(ctx, cfg.DBPath(), log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize db",
			"error", err,
			"dbPath", cfg.DBPath())

		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.ErrorContext(ctx, "Failed to close db",
				"error", err,
				"dbPath", cfg.DBPath())
		}
	}()
	log.InfoContext(ctx, "DB is initialized",
		"dbPath", cfg.DBPath())

	client := bili.NewClient(bili.ClientOptions{
		Cookie:         cfg.Bilibili.Cookie,
		UserAgent:      cfg.Bilibili.UserAgent,
		MinInterval:    cfg.MinInterval(),
		RequestTimeout: cfg.RequestTimeout(),
		RetryCount:     cfg.APIRetryCount(),
	}, log)

	det := detector.New(client, db, log)
	formatter := notify.NewFormatter(cfg.Location())
	accounts := cfg.MonitoredAccounts()

	sched := scheduler.New(ctx, det, db, formatter, dispatcher, scheduler.Options{
		Accounts:       accounts,
		GlobalInterval: cfg.GlobalCheckInterval(),
		CheckInterval:  cfg.CheckInterval(),
		Retention:      cfg.Retention(),
	}, log)

	switch command {
	case "once":
		sched.RunOnce(ctx)
		return 0
	case "stats":
		stats, err := db.Stats(ctx)
		if err != nil {
			log.ErrorContext(ctx, "Failed to read delivery stats",
				"error", err)

			return 1
		}
		fmt.Printf("total delivered:  %d\n", stats.TotalDelivered)
		fmt.Printf("delivered today:  %d\n", stats.DeliveredToday)
		fmt.Printf("accounts:         %d\n", stats.AccountCount)
		if !stats.LatestDelivery.IsZero() {
			fmt.Printf("latest delivery:  %s\n", stats.LatestDelivery.Format(time.RFC3339))
		}
		return 0
	case "start":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want start, test, once or stats)\n", command)
		return 2
	}

	enabledCount := 0
	for _, a := range accounts {
		if a.Enabled {
			enabledCount++
		}
	}
	log.InfoContext(ctx, "Monitor is starting",
		"accountCount", len(accounts),
		"enabledCount", enabledCount,
		"globalCheckInterval", cfg.GlobalCheckInterval(),
		"checkInterval", cfg.CheckInterval(),
		"retention", cfg.Retention())

	// Initial sweep so a fresh deployment baselines immediately
	// instead of waiting a full interval.
	sched.RunOnce(ctx)

	if err := sched.Start(); err != nil {
		log.ErrorContext(ctx, "Failed to start scheduler",
			"error", err)

		return 1
	}
	log.InfoContext(ctx, "Scheduler is started")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	sig := <-c
	log.InfoContext(ctx, "Shutdown signal is received",
		"signal", sig.String())

	sched.Stop()
	cancel()

	log.InfoContext(ctx, "Exiting...",
		"signal", sig.String(),
		"uptimeSeconds", time.Since(start).Seconds())

	return 0
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
