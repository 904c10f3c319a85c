// Stepflow entry point.
//
// Usage:
//
//	stepflow run workflow.yaml            # execute a YAML workflow
//	stepflow run workflow.yaml --set x=5  # seed initial state
//	stepflow serve                        # start the streaming server
//	stepflow serve --config config.yaml   # with a config file
//	stepflow version                      # show version information
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/history"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/internal/telemetry"
	"github.com/BaSui01/stepflow/server"
	"github.com/BaSui01/stepflow/state"
	"github.com/BaSui01/stepflow/workflow"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runWorkflow(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// runWorkflow executes a YAML workflow file with the builtin worker set
// and writes the event stream as NDJSON to stdout.
func runWorkflow(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	var sets stringSlice
	fs.Var(&sets, "set", "Initial state entry, key=value (repeatable)")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: stepflow run <workflow.yaml> [--set key=value]...")
		os.Exit(1)
	}
	workflowPath := fs.Arg(0)

	cfg := loadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	def, err := config.LoadWorkflowFile(workflowPath)
	if err != nil {
		logger.Fatal("failed to load workflow", zap.Error(err))
	}
	def.ApplyWorkerTimeout(cfg.Runner.DefaultWorkerTimeout)
	root, err := def.Build(builtinRegistry())
	if err != nil {
		logger.Fatal("failed to build workflow", zap.Error(err))
	}

	initial, err := parseInitialState(sets)
	if err != nil {
		logger.Fatal("invalid --set flag", zap.Error(err))
	}

	writer := workflow.NewEventWriter(os.Stdout)
	collector := metrics.NewCollector("stepflow", nil, logger)
	opts := []workflow.RunnerOption{
		workflow.WithSink(writer.Sink()),
		workflow.WithMetrics(collector),
	}
	if cfg.Runner.MaxParallel > 0 {
		opts = append(opts, workflow.WithMaxParallel(cfg.Runner.MaxParallel))
	}
	if cfg.Runner.RunTimeout > 0 {
		opts = append(opts, workflow.WithRunTimeout(cfg.Runner.RunTimeout))
	}
	runner := workflow.NewRunner(logger, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg, initial, logger)
	if err != nil {
		logger.Fatal("failed to initialize state store", zap.Error(err))
	}

	result, err := runner.ExecuteWithStore(ctx, root, store)
	if err != nil {
		logger.Error("workflow failed", zap.Error(err))
		os.Exit(1)
	}
	if result.Status == workflow.RunStatusCancelled {
		os.Exit(130)
	}
}

// runServe starts the streaming server with optional history recording.
func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting stepflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	var store *history.Store
	if cfg.Database.Enabled {
		store, err = history.Open(history.Options{
			Driver:          cfg.Database.Driver,
			DSN:             cfg.Database.DSN(),
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
		if err != nil {
			logger.Warn("history database not available, run recording disabled", zap.Error(err))
		}
	}

	broker := server.NewBroker(logger)
	srv := server.New(server.Config{
		Addr:            server.ListenAddr(cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, broker, store, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Fatal("server failed", zap.Error(err))
		}
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
	if err := otelProviders.Shutdown(context.Background()); err != nil {
		logger.Error("telemetry shutdown failed", zap.Error(err))
	}
	logger.Info("stepflow stopped")
}

// buildStore selects the state backend. Redis-backed runs share a
// session keyed by a fresh UUID unless initial state seeds "session_id".
func buildStore(ctx context.Context, cfg *config.Config, initial map[string]any, logger *zap.Logger) (state.Store, error) {
	if !cfg.Redis.Enabled {
		if cfg.Runner.StrictState {
			return state.NewMemoryStore(initial, state.WithStrictOverwrite()), nil
		}
		return state.NewMemoryStore(initial), nil
	}

	sessionID, _ := initial["session_id"].(string)
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	store, err := state.NewRedisStore(state.RedisOptions{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		PoolSize:  cfg.Redis.PoolSize,
		KeyPrefix: cfg.Redis.KeyPrefix,
		TTL:       cfg.Redis.TTL,
		Strict:    cfg.Runner.StrictState,
	}, sessionID, logger)
	if err != nil {
		return nil, err
	}
	for key, value := range initial {
		if err := store.Set(ctx, key, value); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func loadConfig(path string) *config.Config {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// parseInitialState turns --set key=value flags into the initial state
// map, parsing numbers and booleans where possible.
func parseInitialState(sets []string) (map[string]any, error) {
	initial := make(map[string]any, len(sets))
	for _, kv := range sets {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", kv)
		}
		if n, err := strconv.Atoi(raw); err == nil {
			initial[key] = n
		} else if f, err := strconv.ParseFloat(raw, 64); err == nil {
			initial[key] = f
		} else if b, err := strconv.ParseBool(raw); err == nil {
			initial[key] = b
		} else {
			initial[key] = raw
		}
	}
	return initial, nil
}

type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ",") }
func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func printVersion() {
	fmt.Printf("stepflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`stepflow - composable task orchestration engine

Usage:
  stepflow <command> [options]

Commands:
  run       Execute a YAML workflow file
  serve     Start the event streaming server
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>    Path to configuration file (YAML)
  --set key=value    Seed an initial state entry (repeatable)

Options for 'serve':
  --config <path>    Path to configuration file (YAML)

Examples:
  stepflow run pipeline.yaml --set x=5
  stepflow serve --config /etc/stepflow/config.yaml
  stepflow version`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format != "console" {
		zapConfig.Encoding = "json"
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
