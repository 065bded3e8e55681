// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

// Command arbiter runs the adaptive reliability engine: an HTTP service,
// an MCP stdio server, and one-shot subcommands against the local store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"gopkg.in/yaml.v3"

	"github.com/jllopis/arbiter/pkg/bandit"
	"github.com/jllopis/arbiter/pkg/breaker"
	"github.com/jllopis/arbiter/pkg/config"
	"github.com/jllopis/arbiter/pkg/drift"
	"github.com/jllopis/arbiter/pkg/engine"
	"github.com/jllopis/arbiter/pkg/event"
	"github.com/jllopis/arbiter/pkg/mcptools"
	"github.com/jllopis/arbiter/pkg/recorder"
	httpserver "github.com/jllopis/arbiter/pkg/server"
	"github.com/jllopis/arbiter/pkg/store"
	"github.com/jllopis/arbiter/pkg/telemetry"
	"github.com/jllopis/arbiter/pkg/tenantconf"
)

const version = "dev"

type globalFlags struct {
	ConfigPath string
	StorePath  string
	Timeout    time.Duration
	JSON       bool
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		fatal(err)
	}
	if global.StorePath != "" {
		cfg.Store.Path = global.StorePath
	}

	switch args[0] {
	case "serve":
		ensureNoArgs(args[1:])
		runServe(ctx, cfg)
	case "select":
		runSelect(ctx, global, cfg, args[1:])
	case "check":
		runCheck(ctx, global, cfg, args[1:])
	case "record":
		runRecord(ctx, global, cfg, args[1:])
	case "drift":
		runDrift(ctx, global, cfg, args[1:])
	case "arms":
		runArms(ctx, global, cfg, args[1:])
	case "config":
		runConfig(ctx, global, cfg, args[1:])
	case "mcp":
		ensureNoArgs(args[1:])
		runMCP(cfg)
	case "help":
		printUsage()
	case "version":
		printVersion()
	default:
		fatal(fmt.Errorf("unknown command %q", args[0]))
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	flags := globalFlags{
		Timeout: 30 * time.Second,
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		switch {
		case arg == "-h" || arg == "--help":
			flags.Help = true
			return flags, nil, nil
		case arg == "--json":
			flags.JSON = true
		case arg == "--config":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --config")
			}
			flags.ConfigPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			flags.ConfigPath = strings.TrimPrefix(arg, "--config=")
		case arg == "--store":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --store")
			}
			flags.StorePath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--store="):
			flags.StorePath = strings.TrimPrefix(arg, "--store=")
		case arg == "--timeout":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --timeout")
			}
			value, err := time.ParseDuration(args[i+1])
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = value
			i++
		case strings.HasPrefix(arg, "--timeout="):
			value, err := time.ParseDuration(strings.TrimPrefix(arg, "--timeout="))
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = value
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

func runServe(ctx context.Context, cfg *config.Config) {
	logger := telemetry.ConfigureSlog(cfg.Log.Level, cfg.Log.Format)

	shutdown, err := telemetry.InitWithConfig("arbiter", version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.Endpoint,
		OTLPInsecure: cfg.Telemetry.Insecure,
	})
	if err != nil {
		fatal(err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry.shutdown.error", "error", err)
		}
	}()

	metrics, err := telemetry.NewEngineMetrics()
	if err != nil {
		fatal(err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	registry := engine.NewHealthRegistry()

	emitter := event.Emitter(event.NoopEmitter{})
	if cfg.Events.Enabled {
		conn, err := nats.Connect(cfg.Events.URL, nats.Name("arbiter"))
		if err != nil {
			fatal(fmt.Errorf("nats connect: %w", err))
		}
		defer conn.Close()
		emitter = event.NewNATSEmitter(conn, cfg.Events.Prefix, logger)
		registry.RegisterChecker("events", engine.HealthCheckerFunc(func(context.Context) engine.HealthResult {
			switch conn.Status() {
			case nats.CONNECTED:
				return engine.HealthResult{Status: engine.HealthHealthy}
			case nats.RECONNECTING:
				return engine.HealthResult{Status: engine.HealthDegraded, Message: "reconnecting"}
			default:
				return engine.HealthResult{Status: engine.HealthUnhealthy, Message: conn.Status().String()}
			}
		}))
		logger.Info("events.enabled", "url", cfg.Events.URL, "prefix", cfg.Events.Prefix)
	}

	var embeddings drift.EmbeddingSource
	if cfg.Embeddings.Enabled {
		src, err := drift.NewQdrantEmbeddings(cfg.Embeddings.Addr, cfg.Embeddings.Collection)
		if err != nil {
			fatal(fmt.Errorf("qdrant connect: %w", err))
		}
		embeddings = src
		registry.RegisterChecker("embeddings", engine.HealthCheckerFunc(func(ctx context.Context) engine.HealthResult {
			if err := src.Ping(ctx); err != nil {
				return engine.HealthResult{Status: engine.HealthUnhealthy, Message: err.Error()}
			}
			return engine.HealthResult{Status: engine.HealthHealthy}
		}))
		logger.Info("embeddings.enabled", "addr", cfg.Embeddings.Addr, "collection", cfg.Embeddings.Collection)
	}

	eng, detector := buildEngine(st, emitter, embeddings, logger, metrics, registry)

	scheduler := drift.NewScheduler(drift.SchedulerOptions{
		Detector:    detector,
		Usage:       st,
		Interval:    seconds(cfg.Drift.Interval),
		Timeout:     seconds(cfg.Drift.Timeout),
		Lookback:    seconds(cfg.Drift.Lookback),
		MetricNames: cfg.Drift.MetricNames(),
		Logger:      logger,
	})
	scheduler.Start()
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpserver.New(eng),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server.listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("server.shutdown.begin")
	case err := <-errCh:
		fatal(err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server.shutdown.error", "error", err)
	}
}

// buildEngine wires the store-backed components into an engine. The same
// wiring serves the HTTP server, the MCP server, and one-shot commands.
// A nil registry gets a fresh one; the store checker is always registered.
func buildEngine(st *store.Store, emitter event.Emitter, embeddings drift.EmbeddingSource, logger *slog.Logger, metrics *telemetry.EngineMetrics, registry *engine.HealthRegistry) (*engine.Engine, *drift.Detector) {
	configs := tenantconf.NewProvider(st, logger)
	brk := breaker.New(breaker.Options{
		Store:   st,
		Configs: configs,
		Emitter: emitter,
		Logger:  logger,
		Metrics: metrics,
	})
	sel := bandit.New(bandit.Options{
		Store:   st,
		Configs: configs,
		Logger:  logger,
	})
	rec := recorder.New(recorder.Options{
		Store:   st,
		Breaker: brk,
		Configs: configs,
		Logger:  logger,
		Metrics: metrics,
	})
	det := drift.NewDetector(drift.DetectorOptions{
		Usage:      st,
		Sink:       st,
		Cache:      st,
		Embeddings: embeddings,
		Configs:    configs,
		Emitter:    emitter,
		Logger:     logger,
		Metrics:    metrics,
	})
	if registry == nil {
		registry = engine.NewHealthRegistry()
	}
	registry.RegisterChecker("store", engine.HealthCheckerFunc(func(ctx context.Context) engine.HealthResult {
		if err := st.Ping(ctx); err != nil {
			return engine.HealthResult{Status: engine.HealthUnhealthy, Message: err.Error()}
		}
		return engine.HealthResult{Status: engine.HealthHealthy}
	}))
	eng := engine.New(engine.Options{
		Selector: sel,
		Breaker:  brk,
		Recorder: rec,
		Detector: det,
		Health:   registry,
		Logger:   logger,
		Metrics:  metrics,
	})
	return eng, det
}

// openLocal builds an engine over the local store for one-shot commands.
// Events and telemetry exporters stay off; this is an inspection path.
func openLocal(cfg *config.Config) (*engine.Engine, *store.Store) {
	logger := telemetry.ConfigureSlog("warn", cfg.Log.Format)
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		fatal(err)
	}
	var embeddings drift.EmbeddingSource
	if cfg.Embeddings.Enabled {
		src, err := drift.NewQdrantEmbeddings(cfg.Embeddings.Addr, cfg.Embeddings.Collection)
		if err != nil {
			fatal(fmt.Errorf("qdrant connect: %w", err))
		}
		embeddings = src
	}
	eng, _ := buildEngine(st, event.NoopEmitter{}, embeddings, logger, nil, nil)
	return eng, st
}

func runSelect(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	cmd := flag.NewFlagSet("select", flag.ContinueOnError)
	tenant := cmd.String("tenant", "", "Tenant ID")
	domain := cmd.String("domain", "", "Domain ID")
	candidates := cmd.String("candidates", "", "Comma-separated candidate model IDs")
	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}
	models := uniqueStrings(append(splitList(*candidates), cmd.Args()...))
	if *tenant == "" || *domain == "" || len(models) == 0 {
		fatal(errors.New("usage: arbiter select --tenant <id> --domain <id> [--candidates a,b] [model ...]"))
	}

	eng, st := openLocal(cfg)
	defer st.Close()
	ctx, cancel := context.WithTimeout(ctx, global.Timeout)
	defer cancel()

	selection, err := eng.Select(ctx, *tenant, *domain, models)
	if err != nil {
		fatal(err)
	}
	if global.JSON {
		printJSON(selection)
		return
	}
	fmt.Printf("selected %s tier=%s score=%.4f request_id=%s\n",
		selection.ModelID, selection.Tier, selection.Score, selection.RequestID)
}

func runCheck(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	cmd := flag.NewFlagSet("check", flag.ContinueOnError)
	tenant := cmd.String("tenant", "", "Tenant ID")
	model := cmd.String("model", "", "Model ID")
	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}
	if *tenant == "" || *model == "" {
		fatal(errors.New("usage: arbiter check --tenant <id> --model <id>"))
	}

	eng, st := openLocal(cfg)
	defer st.Close()
	ctx, cancel := context.WithTimeout(ctx, global.Timeout)
	defer cancel()

	decision, err := eng.CanUse(ctx, *tenant, *model)
	if err != nil {
		fatal(err)
	}
	snap, err := eng.BreakerSnapshot(ctx, *tenant, *model)
	if err != nil {
		fatal(err)
	}
	if global.JSON {
		printJSON(map[string]any{"decision": decision, "breaker": snap})
		return
	}
	fmt.Printf("allowed=%t state=%s failures=%d successes=%d",
		decision.Allowed, decision.State, snap.FailureCount, snap.SuccessCount)
	if decision.Reason != "" {
		fmt.Printf(" reason=%q", decision.Reason)
	}
	fmt.Println()
}

func runRecord(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	cmd := flag.NewFlagSet("record", flag.ContinueOnError)
	tenant := cmd.String("tenant", "", "Tenant ID")
	domain := cmd.String("domain", "", "Domain ID")
	model := cmd.String("model", "", "Model ID")
	success := cmd.Bool("success", false, "Mark the outcome successful")
	var metricFlags multiFlag
	cmd.Var(&metricFlags, "metric", "Metric as name=value (repeatable)")
	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}
	if *tenant == "" || *domain == "" || *model == "" {
		fatal(errors.New("usage: arbiter record --tenant <id> --domain <id> --model <id> [--success] [--metric name=value]"))
	}
	metrics, err := parseMetrics(metricFlags)
	if err != nil {
		fatal(err)
	}

	eng, st := openLocal(cfg)
	defer st.Close()
	ctx, cancel := context.WithTimeout(ctx, global.Timeout)
	defer cancel()

	obs := recorder.Observation{
		TenantID: *tenant,
		DomainID: *domain,
		ModelID:  *model,
		Success:  *success,
		Metrics:  metrics,
	}
	if err := eng.Record(ctx, obs); err != nil {
		fatal(err)
	}
	if global.JSON {
		printJSON(obs)
		return
	}
	fmt.Println("observation recorded")
}

func runDrift(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	cmd := flag.NewFlagSet("drift", flag.ContinueOnError)
	tenant := cmd.String("tenant", "", "Tenant ID")
	model := cmd.String("model", "", "Model ID")
	metrics := cmd.String("metrics", cfg.Drift.Metrics, "Comma-separated metric names")
	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}
	if *tenant == "" || *model == "" {
		fatal(errors.New("usage: arbiter drift --tenant <id> --model <id> [--metrics a,b]"))
	}

	eng, st := openLocal(cfg)
	defer st.Close()
	ctx, cancel := context.WithTimeout(ctx, global.Timeout)
	defer cancel()

	report, err := eng.DetectDrift(ctx, *tenant, *model, splitList(*metrics))
	if err != nil {
		fatal(err)
	}
	if global.JSON {
		printJSON(report)
		return
	}
	writer := newTabWriter()
	writeRow(writer, "METRIC", "TEST", "STATISTIC", "P_VALUE", "DRIFT")
	for _, mr := range report.Metrics {
		for _, r := range mr.Results {
			pValue := "-"
			if r.PValue != nil {
				pValue = fmt.Sprintf("%.4f", *r.PValue)
			}
			writeRow(writer, mr.Metric, string(r.TestType),
				fmt.Sprintf("%.4f", r.TestStatistic), pValue,
				strconv.FormatBool(r.DriftDetected))
		}
	}
	_ = writer.Flush()
	for _, skipped := range report.Skipped {
		fmt.Printf("skipped %s: %s\n", skipped.Metric, skipped.Reason)
	}
	fmt.Printf("overall_drift_detected=%t report_id=%s\n", report.OverallDriftDetected, report.ReportID)
}

func runArms(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	cmd := flag.NewFlagSet("arms", flag.ContinueOnError)
	tenant := cmd.String("tenant", "", "Tenant ID")
	domain := cmd.String("domain", "", "Domain ID")
	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}
	if *tenant == "" || *domain == "" {
		fatal(errors.New("usage: arbiter arms --tenant <id> --domain <id>"))
	}

	eng, st := openLocal(cfg)
	defer st.Close()
	ctx, cancel := context.WithTimeout(ctx, global.Timeout)
	defer cancel()

	arms, err := eng.ListArms(ctx, *tenant, *domain)
	if err != nil {
		fatal(err)
	}
	if global.JSON {
		printJSON(arms)
		return
	}
	writer := newTabWriter()
	writeRow(writer, "MODEL", "ALPHA", "BETA", "OBSERVATIONS", "SUCCESS_RATE", "LAST_OBSERVATION")
	for _, arm := range arms {
		writeRow(writer, arm.ModelID,
			fmt.Sprintf("%.2f", arm.Alpha),
			fmt.Sprintf("%.2f", arm.Beta),
			strconv.FormatInt(arm.TotalObservations, 10),
			fmt.Sprintf("%.3f", arm.SuccessRate()),
			formatTime(arm.LastObservationAt))
	}
	_ = writer.Flush()
}

func runConfig(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	if len(args) == 0 {
		fatal(errors.New("usage: arbiter config <show|import>"))
	}
	switch args[0] {
	case "show":
		cmd := flag.NewFlagSet("config show", flag.ContinueOnError)
		tenant := cmd.String("tenant", "", "Tenant ID")
		if err := cmd.Parse(args[1:]); err != nil {
			fatal(err)
		}
		if *tenant == "" {
			fatal(errors.New("usage: arbiter config show --tenant <id>"))
		}
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			fatal(err)
		}
		defer st.Close()
		ctx, cancel := context.WithTimeout(ctx, global.Timeout)
		defer cancel()
		logger := telemetry.ConfigureSlog("warn", cfg.Log.Format)
		tenantCfg, err := tenantconf.NewProvider(st, logger).ConfigFor(ctx, *tenant)
		if err != nil {
			fatal(err)
		}
		printJSON(tenantCfg)
	case "import":
		cmd := flag.NewFlagSet("config import", flag.ContinueOnError)
		tenant := cmd.String("tenant", "", "Tenant ID")
		if err := cmd.Parse(args[1:]); err != nil {
			fatal(err)
		}
		if *tenant == "" || cmd.NArg() != 1 {
			fatal(errors.New("usage: arbiter config import --tenant <id> <file.yaml>"))
		}
		raw, err := os.ReadFile(cmd.Arg(0))
		if err != nil {
			fatal(err)
		}
		// The stored row overrides only the fields it names, so the YAML
		// document is kept sparse rather than expanded over the defaults.
		var doc map[string]interface{}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			fatal(fmt.Errorf("invalid config document: %w", err))
		}
		blob, err := json.Marshal(doc)
		if err != nil {
			fatal(err)
		}
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			fatal(err)
		}
		defer st.Close()
		ctx, cancel := context.WithTimeout(ctx, global.Timeout)
		defer cancel()
		if err := st.SetTenantConfig(ctx, *tenant, blob); err != nil {
			fatal(err)
		}
		fmt.Printf("config imported for tenant %s\n", *tenant)
	default:
		fatal(fmt.Errorf("unknown config subcommand %q", args[0]))
	}
}

func runMCP(cfg *config.Config) {
	eng, st := openLocal(cfg)
	defer st.Close()
	if err := mcptools.NewServer(eng, version).ServeStdio(); err != nil {
		fatal(err)
	}
}

func parseMetrics(pairs []string) (map[string]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid --metric %q, want name=value", pair)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --metric %q: %w", pair, err)
		}
		out[strings.TrimSpace(name)] = f
	}
	return out, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func printJSON(value any) {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(payload))
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func writeRow(writer *tabwriter.Writer, cols ...string) {
	fmt.Fprintln(writer, strings.Join(cols, "\t"))
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.UTC().Format(time.RFC3339)
}

func printVersion() {
	fmt.Println(version)
}

func printUsage() {
	fmt.Print(`Arbiter adaptive reliability engine

Usage:
  arbiter [global flags] <command> [args]

Global flags:
  --config <path>      Path to config YAML
  --store <path>       SQLite store path (overrides config)
  --timeout <dur>      Command timeout (default 30s)
  --json               JSON output

Commands:
  serve                                Run the HTTP service and drift scheduler
  select --tenant T --domain D [model ...]
  check --tenant T --model M
  record --tenant T --domain D --model M [--success] [--metric name=value]
  drift --tenant T --model M [--metrics a,b]
  arms --tenant T --domain D
  config show --tenant T
  config import --tenant T <file.yaml>
  mcp                                  Serve engine tools over MCP stdio
  version

`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func ensureNoArgs(args []string) {
	if len(args) > 0 {
		fatal(fmt.Errorf("unexpected args: %v", args))
	}
}

type multiFlag []string

func (m *multiFlag) String() string {
	return strings.Join(*m, ",")
}

func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func splitList(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func uniqueStrings(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
