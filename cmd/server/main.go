package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/alert-notifier/internal/alertgroup"
	"github.com/t77yq/alert-notifier/internal/clock"
	"github.com/t77yq/alert-notifier/internal/config"
	"github.com/t77yq/alert-notifier/internal/dispatcher"
	"github.com/t77yq/alert-notifier/internal/housekeeping"
	"github.com/t77yq/alert-notifier/internal/logging"
	"github.com/t77yq/alert-notifier/internal/monitor"
	"github.com/t77yq/alert-notifier/internal/person"
	"github.com/t77yq/alert-notifier/internal/reminder"
	"github.com/t77yq/alert-notifier/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	defaultPath := os.Getenv("ALERT_NOTIFIER_CONFIG")
	if defaultPath == "" {
		defaultPath = "config/config.yaml"
	}
	configPath := flag.String("config", defaultPath, "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := logging.New(logging.Options{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Development: cfg.Log.Development,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(logger, *configPath, cfg); err != nil {
		logger.Fatal("Alert notifier failed", zap.Error(err))
	}
}

func connectNATS(logger *zap.Logger, cfg *config.Config) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(shutdownTimeout),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	url := nats.DefaultURL
	if len(cfg.NATS.URLs) > 0 {
		url = cfg.NATS.URLs[0]
		for _, u := range cfg.NATS.URLs[1:] {
			url += "," + u
		}
	}

	retries := cfg.NATS.ConnectRetries
	if retries < 1 {
		retries = 1
	}

	// Connect with retry
	var nc *nats.Conn
	var err error
	for i := 0; i < retries; i++ {
		nc, err = nats.Connect(url, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", retries, err)
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

func run(logger *zap.Logger, configPath string, cfg *config.Config) error {
	nc, err := connectNATS(logger, cfg)
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	clk := clock.Real{}
	store, err := storage.NewSQLiteStore(logger, cfg.Database.Path, clk)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	cal, err := config.BuildCalendar(logger, cfg.Calendar)
	if err != nil {
		return err
	}
	channels, err := config.BuildChannels(logger, cfg.Channels, nc)
	if err != nil {
		return err
	}

	holder, err := config.NewHolder(logger, configPath, config.Builder(logger, channels, cal))
	if err != nil {
		return err
	}
	holder.Watch()

	notifier := person.NewNotifier(logger, channels, store, clk)
	lifecycle := reminder.NewLifecycle(logger, store, holder, notifier, clk, cfg.Reminders.KeyByRule)
	groups := alertgroup.NewDispatcher(logger, holder, notifier, lifecycle, store, clk)

	worker := dispatcher.NewWorker(logger, js, store, groups, cfg.Dispatcher)
	poller := reminder.NewPoller(logger, lifecycle, cfg.Reminders.PollInterval)
	housekeeper, err := housekeeping.New(logger, store, clk, cfg.History)
	if err != nil {
		return err
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	// Reminders first so overdue ones from before a restart go out, then
	// the inbound worker.
	if err := poller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reminder poller: %w", err)
	}
	defer poller.Stop()

	if err := housekeeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start housekeeper: %w", err)
	}
	defer housekeeper.Stop()

	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatch worker: %w", err)
	}
	defer worker.Stop()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		sampler := monitor.NewHostSampler(logger, cfg.Monitor)
		if err := sampler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start host monitor: %w", err)
		}
		defer sampler.Stop()

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			logger.Info("Serving metrics",
				zap.String("listen", cfg.Metrics.Listen),
				zap.String("path", cfg.Metrics.Path))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logger.Info("Alert notifier started",
		zap.String("config", configPath),
		zap.Int("groups", len(holder.Current().Groups)),
		zap.Strings("channels", channels.Names()))

	err = g.Wait()
	logger.Info("Shutting down")
	return err
}
