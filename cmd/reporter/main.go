// Command reporter relays JSON-lines error events from stdin to the
// collection endpoint through the delivery pipeline.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Manguet/ErrorReportWordpressSDK/config"
	"github.com/Manguet/ErrorReportWordpressSDK/event"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/logging"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/scheduler"
	"github.com/Manguet/ErrorReportWordpressSDK/reporter"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const maxLine = 4 << 20

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath   string
	endpoint     string
	project      string
	environment  string
	metricsAddr  string
	logLevel     string
	validateOnly bool
	printConfig  bool
	showVersion  bool
	watch        bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("reporter", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "", "path to YAML configuration file")
	fs.StringVar(&o.endpoint, "endpoint", "", "collection endpoint URL (overrides config)")
	fs.StringVar(&o.project, "project", "", "project identifier (overrides config)")
	fs.StringVar(&o.environment, "environment", "", "environment tag (overrides config)")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "address for the Prometheus endpoint, e.g. :9090 (overrides config)")
	fs.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	fs.BoolVar(&o.validateOnly, "validate", false, "validate configuration and exit")
	fs.BoolVar(&o.printConfig, "print-config", false, "print the effective configuration with secrets redacted and exit")
	fs.BoolVar(&o.showVersion, "version", false, "show version information")
	fs.BoolVar(&o.watch, "watch", false, "reload the log level when the configuration file changes")
	err := fs.Parse(args)
	return o, err
}

func loadConfig(o options) (*config.Config, error) {
	var cfg *config.Config
	if o.configPath != "" {
		var err error
		cfg, err = config.NewLoader().Load(o.configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if o.endpoint != "" {
		cfg.Endpoint = o.endpoint
	}
	if o.project != "" {
		cfg.Project = o.project
	}
	if o.environment != "" {
		cfg.Environment = o.environment
	}
	if o.metricsAddr != "" {
		cfg.Metrics.Address = o.metricsAddr
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run() error {
	o, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if o.showVersion {
		fmt.Printf("error reporter %s (built %s)\n", version, buildTime)
		return nil
	}

	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	if o.validateOnly {
		fmt.Println("Configuration is valid")
		return nil
	}
	if o.printConfig {
		out, err := yaml.Marshal(config.RedactConfig(cfg))
		if err != nil {
			return err
		}
		os.Stdout.Write(out)
		return nil
	}

	logger, level := logging.NewWithLevel(cfg.Logging)
	logging.SetGlobal(logger)
	defer logging.Sync()

	logging.Info("Starting error reporter",
		zap.String("version", version),
		zap.String("project", cfg.Project),
		zap.String("environment", cfg.Environment),
		zap.String("store", cfg.Store.Type),
		zap.Bool("batching", cfg.Batch.Enabled),
	)

	var watcher *config.Watcher
	if o.watch && o.configPath != "" {
		watcher, err = config.NewWatcher(o.configPath, logger.Named("config"))
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		// an explicit --log-level wins over the file
		watcher.OnChange(func(c *config.Config) {
			if o.logLevel == "" {
				level.SetLevel(logging.ParseLevel(c.Logging.Level))
			}
		})
	}

	r, err := reporter.New(cfg).WithLogger(logger).Build()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	sched := scheduler.New(logger.Named("scheduler"))
	r.Register(sched)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})

	if cfg.Metrics.Address != "" {
		srv := metricsServer(cfg.Metrics, r.Collector())
		g.Go(func() error {
			logging.Info("Serving metrics", zap.String("address", srv.Addr), zap.String("path", cfg.Metrics.Path))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	g.Go(func() error {
		// end of input shuts the relay down
		defer stop()
		return relay(gctx, r, os.Stdin)
	})

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.Shutdown(shutdownCtx); err != nil {
		logging.Error("Shutdown error", zap.Error(err))
	}
	logging.Info("Error reporter stopped")
	return runErr
}

func metricsServer(cfg config.MetricsConfig, c prometheus.Collector) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// relay reports one event per input line until in is exhausted or ctx
// is done.
func relay(ctx context.Context, r *reporter.Reporter, in io.Reader) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), maxLine)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	var accepted, rejected, malformed int
	defer func() {
		logging.Info("Input processed",
			zap.Int("accepted", accepted),
			zap.Int("rejected", rejected),
			zap.Int("malformed", malformed),
		)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read input: %w", err)
					}
				default:
				}
				return nil
			}
			if len(line) == 0 {
				continue
			}
			var ev event.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				malformed++
				logging.Warn("Skipping malformed event", zap.Error(err))
				continue
			}
			if r.Report(ctx, ev) {
				accepted++
			} else {
				rejected++
				logging.Debug("Event not accepted", zap.String("exception_class", ev.Classification))
			}
		}
	}
}
