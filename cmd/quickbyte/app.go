package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/habbes/quickbyte-sub000/internal/archive"
	"github.com/habbes/quickbyte-sub000/internal/config"
	"github.com/habbes/quickbyte-sub000/internal/logging"
	"github.com/habbes/quickbyte-sub000/internal/progress"
	"github.com/habbes/quickbyte-sub000/internal/provider"
	_ "github.com/habbes/quickbyte-sub000/internal/provider/blobstore"
	"github.com/habbes/quickbyte-sub000/internal/provider/s3multipart"
	"github.com/habbes/quickbyte-sub000/internal/recovery"
	"github.com/habbes/quickbyte-sub000/internal/transfer"
)

// commonFlags are the settings every command accepts. They override the
// config file and the environment.
type commonFlags struct {
	configPath  string
	provider    string
	bucket      string
	recovery    string
	workers     int
	concurrency int
	blockSize   string
	policy      string
	verify      bool
	progress    bool
	logLevel    string
	logFormat   string
	metricsAddr string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	f := &commonFlags{}
	fs.StringVar(&f.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&f.provider, "provider", "", fmt.Sprintf("Storage provider, one of %v", provider.Kinds()))
	fs.StringVar(&f.bucket, "bucket", "", "Bucket URL (blob) or bucket name (s3)")
	fs.StringVar(&f.recovery, "recovery", "", "Recovery database path or bucket URL")
	fs.IntVar(&f.workers, "workers", 0, "Workers per file under the fixed policy")
	fs.IntVar(&f.concurrency, "concurrency", 0, "Maximum blocks in flight")
	fs.StringVar(&f.blockSize, "block-size", "", "Size of each block, e.g. 8MiB")
	fs.StringVar(&f.policy, "policy", "", "Concurrency policy: auto, fixed or max")
	fs.BoolVar(&f.verify, "verify", false, "Recompute checksums over blocks skipped on resume")
	fs.BoolVar(&f.progress, "progress", false, "Show progress output even when stdout is not a terminal")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", "", "Log format: text or json")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return f
}

// load resolves the configuration: defaults, then the config file, then
// QUICKBYTE_ environment variables, then flags.
func (f *commonFlags) load() (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(f.configPath)
		if err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	override := config.Config{
		Provider:    f.provider,
		Bucket:      f.bucket,
		Recovery:    f.recovery,
		Workers:     f.workers,
		Concurrency: f.concurrency,
		Policy:      f.policy,
		Verify:      f.verify,
		Progress:    f.progress,
		LogLevel:    f.logLevel,
		LogFormat:   f.logFormat,
		MetricsAddr: f.metricsAddr,
	}
	if f.blockSize != "" {
		n, err := progress.ParseBytes(f.blockSize)
		if err != nil {
			return config.Config{}, fmt.Errorf("invalid block size: %w", err)
		}
		override.BlockSize = n
	}

	cfg = cfg.Merge(override)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\n[quickbyte] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// app holds what a command runs against. Everything is built from the
// resolved config and passed down explicitly.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	provider provider.Provider
	store    *recovery.Store
	metrics  *progress.Metrics
}

// openApp opens the provider and, when withStore is set, the recovery store.
// On failure it returns the exit code to use.
func openApp(ctx context.Context, cfg config.Config, withStore bool) (*app, int) {
	a := &app{
		cfg:    cfg,
		logger: logging.New(os.Stderr, "quickbyte", cfg.LogLevel, cfg.LogFormat),
	}

	pcfg := cfg.ProviderConfig()
	pcfg.Logger = a.logger
	p, err := provider.Open(ctx, provider.Kind(cfg.Provider), pcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening provider: %v\n", err)
		return nil, ExitStorageError
	}
	a.provider = p

	if withStore {
		store, err := openStore(ctx, cfg, a.logger)
		if err != nil {
			p.Close()
			fmt.Fprintf(os.Stderr, "Error opening recovery store: %v\n", err)
			return nil, ExitRecoveryError
		}
		a.store = store
	}

	if cfg.MetricsAddr != "" {
		a.metrics = progress.NewMetrics()
		go func() {
			if err := a.metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				a.logger.Warn("metrics server stopped", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}
	return a, ExitSuccess
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*recovery.Store, error) {
	var (
		repo recovery.Repository
		err  error
	)
	if cfg.RecoveryIsBucket() {
		repo, err = recovery.OpenBucket(ctx, cfg.Recovery)
	} else {
		repo, err = recovery.OpenSQLite(ctx, cfg.Recovery)
	}
	if err != nil {
		return nil, err
	}
	opts := cfg.RecoveryOptions()
	opts.Logger = logger
	return recovery.NewStore(repo, opts), nil
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("close recovery store", "error", err)
		}
	}
	if err := a.provider.Close(); err != nil {
		a.logger.Error("close provider", "error", err)
	}
}

// startProgress returns the sink a command reports block events to, plus a
// function that stops the terminal reporter. The reporter runs when stdout
// is a terminal or progress output was asked for.
func (a *app) startProgress(direction string, opts progress.Options) (progress.Sink, func()) {
	var sinks []progress.Sink
	stop := func() {}

	if a.cfg.Progress || term.IsTerminal(int(os.Stdout.Fd())) {
		opts.Workers = a.cfg.Workers
		opts.BlockSize = a.cfg.BlockSize
		reporter := progress.NewReporter(opts)
		reporter.Start()
		sinks = append(sinks, reporter)
		stop = reporter.Stop
	}
	if a.metrics != nil {
		sinks = append(sinks, a.metrics.Sink(direction))
	}

	switch len(sinks) {
	case 0:
		return progress.Nop{}, stop
	case 1:
		return sinks[0], stop
	default:
		return progress.Multi(sinks...), stop
	}
}

func (a *app) coordinator(policy transfer.Policy, sink progress.Sink) *transfer.Coordinator {
	retryOpts := a.cfg.RetryOptions()
	retryOpts.Logger = a.logger
	return transfer.NewCoordinator(a.provider, a.store, transfer.Options{
		Workers:        a.cfg.Workers,
		MaxConcurrency: a.cfg.Concurrency,
		Policy:         policy,
		Verify:         a.cfg.Verify,
		Retry:          retryOpts,
		Progress:       sink,
		Logger:         a.logger,
	})
}

// fileConcurrency is how many files run at once. Each file may keep up to
// Workers blocks in flight, so the product stays within Concurrency.
func (a *app) fileConcurrency() int {
	return max(1, a.cfg.Concurrency/max(1, a.cfg.Workers))
}

// exitCode maps a transfer error to an exit code and prints it.
func exitCode(ctx context.Context, err error) int {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "[quickbyte] Transfer interrupted, state saved for resume")
		return ExitInterrupted
	}

	var commitErr *transfer.CommitError
	switch {
	case errors.As(err, &commitErr):
		fmt.Fprintf(os.Stderr, "Error: could not finalize %s: %v\n", commitErr.Key, commitErr.Err)
		return ExitCommitFailed
	case errors.Is(err, errSourceChanged):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintln(os.Stderr, "Use 'quickbyte abandon' to discard the recorded progress")
		return ExitSourceChanged
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission), errors.Is(err, transfer.ErrNotReadable):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitSourceNotAccess
	case errors.Is(err, archive.ErrTooManyEntries), errors.Is(err, archive.ErrTooLarge), errors.Is(err, archive.ErrInvalidName),
		errors.Is(err, s3multipart.ErrPartLimits):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	case errors.Is(err, recovery.ErrNotFound), errors.Is(err, recovery.ErrClosed):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitRecoveryError
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}
}
