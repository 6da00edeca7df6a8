// Command keel runs the advice-safety pipeline server and its compliance
// tooling: audit bundle export and offline bundle verification.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/keel/pkg/api"
	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/config"
	"github.com/Mindburn-Labs/keel/pkg/consistency"
	"github.com/Mindburn-Labs/keel/pkg/escalation"
	"github.com/Mindburn-Labs/keel/pkg/observability"
	"github.com/Mindburn-Labs/keel/pkg/pipeline"
	"github.com/Mindburn-Labs/keel/pkg/rules"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; it exists separately from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: keel <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  server   Run the safety pipeline server (default)")
	fmt.Fprintln(w, "  export   Export a case's audit evidence bundle (--db, --case, --out)")
	fmt.Fprintln(w, "  verify   Verify an exported evidence bundle (--bundle)")
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	initLogger(cfg.LogLevel)
	logger := slog.Default().With("component", "server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "keel",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.Telemetry,
	})
	if err != nil {
		fmt.Fprintf(stderr, "observability init failed: %v\n", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	provider := rules.NewProvider()
	if cfg.RuleTablePath != "" {
		if err := provider.LoadFile(cfg.RuleTablePath); err != nil {
			// Serve nothing rather than stale or broken rules; every case
			// escalates until a valid table loads.
			logger.Error("rule table load failed, pipeline will escalate all cases",
				"path", cfg.RuleTablePath, "error", err)
		}
	} else {
		table, err := rules.DefaultTable()
		if err != nil {
			fmt.Fprintf(stderr, "embedded rule table invalid: %v\n", err)
			return 1
		}
		provider.Set(table)
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		fmt.Fprintf(stderr, "open audit db: %v\n", err)
		return 1
	}
	defer db.Close()

	sqliteLog, err := audit.NewSQLiteLog(db)
	if err != nil {
		fmt.Fprintf(stderr, "init audit log: %v\n", err)
		return 1
	}
	log := audit.NewRetryingLog(sqliteLog, 5, 10*time.Second)

	var queue escalation.Queue
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		queue = escalation.NewRedisQueue(client, cfg.RedisKeyPrefix)
		logger.Info("review queue on redis", "addr", cfg.RedisAddr)
	} else {
		queue = escalation.NewMemoryQueue()
		logger.Info("review queue in memory")
	}
	if err := obs.ObserveQueueDepth(queue.Len); err != nil {
		logger.Warn("queue depth gauge unavailable", "error", err)
	}

	engine := consistency.NewHTTPEngine(cfg.EngineURL, &http.Client{Timeout: cfg.EngineTimeout + time.Second})
	p := pipeline.New(provider, log, engine, cfg.EngineTimeout, queue, obs)
	server := api.NewServer(p, log)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", cfg.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "server failed: %v\n", err)
			return 1
		}
		return 0
	}
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "keel-audit.db", "Path to the audit database")
	caseID := fs.String("case", "", "Case ID to export")
	out := fs.String("out", "", "Output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *caseID == "" {
		fmt.Fprintln(stderr, "export: --case is required")
		return 2
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "open audit db: %v\n", err)
		return 1
	}
	defer db.Close()

	log, err := audit.NewSQLiteLog(db)
	if err != nil {
		fmt.Fprintf(stderr, "init audit log: %v\n", err)
		return 1
	}

	bundle, err := audit.ExportBundle(context.Background(), log, *caseID)
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "export: marshal bundle: %v\n", err)
		return 1
	}
	if *out == "" {
		fmt.Fprintln(stdout, string(data))
		return 0
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		fmt.Fprintf(stderr, "export: write %s: %v\n", *out, err)
		return 1
	}
	fmt.Fprintf(stdout, "exported %d entries for case %s to %s\n", bundle.EntryCount, *caseID, *out)
	return 0
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bundlePath := fs.String("bundle", "", "Path to the evidence bundle JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *bundlePath == "" {
		fmt.Fprintln(stderr, "verify: --bundle is required")
		return 2
	}

	data, err := os.ReadFile(*bundlePath)
	if err != nil {
		fmt.Fprintf(stderr, "verify: read %s: %v\n", *bundlePath, err)
		return 1
	}
	var bundle audit.EvidenceBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		fmt.Fprintf(stderr, "verify: parse bundle: %v\n", err)
		return 1
	}
	if err := audit.VerifyBundle(&bundle); err != nil {
		fmt.Fprintf(stderr, "verify: FAIL: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "OK: %d entries, chain head %s\n", bundle.EntryCount, bundle.ChainHead)
	return 0
}

func initLogger(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
