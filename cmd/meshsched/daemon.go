package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	meshsched "github.com/meshbbs/meshsched"
	"github.com/meshbbs/meshsched/internal/config"
	"github.com/meshbbs/meshsched/internal/reliability"
	"github.com/meshbbs/meshsched/monitor"
	"github.com/meshbbs/meshsched/transports/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newRunCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler against a radio bridge over RabbitMQ",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			app := fx.New(daemonOptions(cfg))
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

// daemonOptions assembles the fx graph for the run command
func daemonOptions(cfg config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newRegistry,
			newFailureStore,
			newConnectionManager,
			newRadioTransport,
			newClient,
		),
		fx.Invoke(registerClient, registerHTTPServer),
		fx.NopLogger,
	)
}

func newLogger(cfg config.Config) *slog.Logger {
	logger := cfg.NewLogger()
	slog.SetDefault(logger)
	return logger
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// newFailureStore returns a Redis store when an address is configured and
// an in-memory store otherwise
func newFailureStore(lc fx.Lifecycle, cfg config.Config, logger *slog.Logger) (reliability.FailureStore, error) {
	var store reliability.FailureStore
	if cfg.RedisAddr == "" {
		store = reliability.NewInMemoryFailureStore(cfg.FailureStoreSize)
		logger.Info("Using in-memory failure store", "maxRecords", cfg.FailureStoreSize)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		redisStore, err := reliability.DialRedisFailureStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("failed to connect failure store: %w", err)
		}
		store = redisStore
		logger.Info("Using Redis failure store", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	}

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func newConnectionManager(lc fx.Lifecycle, cfg config.Config, logger *slog.Logger) *rabbitmq.ConnectionManager {
	cm := rabbitmq.NewConnectionManager(cfg.AMQPURL, rabbitmq.WithLogger(logger))
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return cm.Connect(ctx)
		},
		OnStop: func(_ context.Context) error {
			return cm.Close()
		},
	})
	return cm
}

func newRadioTransport(lc fx.Lifecycle, cm *rabbitmq.ConnectionManager, logger *slog.Logger) *rabbitmq.Transport {
	opts := rabbitmq.DefaultTransportOptions()
	opts.Logger = logger
	transport := rabbitmq.NewTransport(cm, opts)
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return transport.Start()
		},
	})
	return transport
}

func newClient(cfg config.Config, transport *rabbitmq.Transport, store reliability.FailureStore, reg *prometheus.Registry, logger *slog.Logger) (*meshsched.Client, error) {
	options := []meshsched.ClientOption{
		meshsched.WithLogger(logger),
		meshsched.WithSchedulerConfig(cfg.SchedulerConfig()),
		meshsched.WithRetryPolicy(cfg.RetryPolicy()),
		meshsched.WithFailureStore(store),
		meshsched.WithHealthCheckInterval(cfg.HealthCheckInterval),
		meshsched.WithPrometheus(reg, cfg.MetricsNamespace),
	}
	if cfg.AlertWebhookURL != "" {
		options = append(options, meshsched.WithAlertHandlers(
			monitor.NewWebhookAlertHandler("webhook", cfg.AlertWebhookURL, logger)))
	}
	return meshsched.NewClientWithOptions(transport, options...)
}

// registerClient runs the scheduler for the lifetime of the app
func registerClient(lc fx.Lifecycle, client *meshsched.Client, logger *slog.Logger) {
	var (
		cancel context.CancelFunc
		done   chan error
	)
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan error, 1)
			go func() {
				done <- client.Run(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case err := <-done:
				if err != nil {
					logger.Error("Scheduler stopped with error", "error", err)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
			return client.Close()
		},
	})
}

// newHTTPHandler serves metrics, health and stats endpoints
func newHTTPHandler(client *meshsched.Client, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/healthz", client.HealthHandler())
	mux.Handle("/stats", client.StatsHandler())
	mux.HandleFunc("/failures", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		records, err := client.Failures(r.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []*reliability.FailureRecord{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(records)
	})
	return mux
}

func registerHTTPServer(lc fx.Lifecycle, cfg config.Config, client *meshsched.Client, reg *prometheus.Registry, logger *slog.Logger) {
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newHTTPHandler(client, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", server.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
			}
			logger.Info("HTTP server listening", "addr", ln.Addr().String())
			go func() {
				if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("HTTP server failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}
