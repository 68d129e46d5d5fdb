package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	svcbus "github.com/glimte/svcbus"
	"github.com/glimte/svcbus/config"
	"github.com/glimte/svcbus/contracts"
	"github.com/glimte/svcbus/health"
	"github.com/glimte/svcbus/internal/logging"
	"github.com/glimte/svcbus/messaging"
	"github.com/glimte/svcbus/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "svcbus",
		Short: "Request/reply between services over RabbitMQ",
		Long: `svcbus joins the v1 request/reply protocol as one instance of a service.
It can answer requests of a type with a fixed payload or send a single request
and print the reply.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	var (
		configPath string
		verbose    bool
	)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	// Serve command
	var (
		serveType  string
		serveReply string
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer requests of one type until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(serveReply)) {
				return fmt.Errorf("--reply is not valid JSON: %s", serveReply)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// Handle signals
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				cancel()
			}()

			rt, err := newApp(configPath, verbose)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.client.Connect(ctx, rt.cfg.Service.Name); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			_, err = rt.client.Wait(serveType, func(ctx context.Context, msg *messaging.Message, r *messaging.Responder) error {
				rt.logger.Info("answering request",
					zap.String("type", msg.Type),
					zap.String("request_id", msg.Request.ID))
				return r.Reply(ctx, json.RawMessage(serveReply))
			})
			if err != nil {
				return fmt.Errorf("failed to register handler: %w", err)
			}

			fmt.Printf("Answering %s as %s (instance %s). Press Ctrl+C to stop\n",
				serveType, rt.cfg.Service.Name, rt.client.InstanceID())
			<-ctx.Done()
			return nil
		},
	}
	serveCmd.Flags().StringVarP(&serveType, "type", "t", "", "Request type to answer, e.g. v1.users.get")
	serveCmd.Flags().StringVarP(&serveReply, "reply", "r", "{}", "JSON payload sent as the reply data")
	_ = serveCmd.MarkFlagRequired("type")

	// Request command
	var (
		requestType string
		requestData string
		timeout     time.Duration
	)
	requestCmd := &cobra.Command{
		Use:   "request",
		Short: "Send one request and print the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(requestData)) {
				return fmt.Errorf("--data is not valid JSON: %s", requestData)
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			rt, err := newApp(configPath, verbose)
			if err != nil {
				return err
			}
			defer rt.close()

			name := rt.cfg.Service.Name
			if name == "" {
				name = "svcbus-cli"
			}
			if err := rt.client.Connect(ctx, name); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			env, err := contracts.NewRequest(json.RawMessage(requestData))
			if err != nil {
				return err
			}

			reply, err := rt.client.SendAndWait(ctx, requestType, env)
			if err != nil {
				var timeoutErr *messaging.TimeoutError
				if errors.As(err, &timeoutErr) {
					return fmt.Errorf("no reply to %s within %s", timeoutErr.MessageType, timeoutErr.Timeout)
				}
				return fmt.Errorf("request failed: %w", err)
			}

			out, err := json.MarshalIndent(reply.Envelope, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	requestCmd.Flags().StringVarP(&requestType, "type", "t", "", "Request type, e.g. v1.users.get")
	requestCmd.Flags().StringVarP(&requestData, "data", "d", "null", "JSON payload sent as the request data")
	requestCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall deadline including connect")
	_ = requestCmd.MarkFlagRequired("type")

	rootCmd.AddCommand(serveCmd, requestCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every command builds from the config
type app struct {
	cfg     *config.Config
	client  *svcbus.Client
	logger  *zap.Logger
	metrics *http.Server
}

func newApp(configPath string, verbose bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	logger, err := logging.New(logging.Config{
		Level:    cfg.Log.Level,
		Encoding: cfg.Log.Encoding,
		File:     cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	rt := &app{cfg: cfg, logger: logger}

	var (
		collector messaging.MetricsCollector = messaging.NoOpMetricsCollector{}
		reg       *prometheus.Registry
	)
	if cfg.Metrics.Address != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.NewPrometheusCollector(reg)
	}

	rt.client, err = svcbus.NewClient(cfg, svcbus.WithLogger(logger), svcbus.WithMetrics(collector))
	if err != nil {
		rt.close()
		return nil, err
	}

	if reg != nil {
		checks := health.NewRegistry()
		checks.SetMetadata("version", version)
		checks.SetMetadata("instance_id", rt.client.InstanceID())
		checks.Register(health.NewServiceChecker(rt.client.Service()))
		if conn, ok := rt.client.Transport().(health.Connectivity); ok {
			checks.Register(health.NewBrokerChecker(conn))
		}
		rt.metrics = serveMetrics(cfg.Metrics.Address, reg, checks, logger)
	}

	return rt, nil
}

func (rt *app) close() {
	if rt.client != nil {
		if err := rt.client.Close(); err != nil {
			rt.logger.Warn("failed to close client", zap.Error(err))
		}
	}
	if rt.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.metrics.Shutdown(ctx)
	}
	_ = rt.logger.Sync()
}

// serveMetrics exposes /metrics and /healthz on addr
func serveMetrics(addr string, reg *prometheus.Registry, checks *health.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/healthz", health.NewHandler(checks, 5*time.Second))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return srv
}
