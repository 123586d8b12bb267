// Command wrpcd is a sample server hosting a demo "sum" service over both
// TCP and HTTP, wired with Cobra for its CLI surface. A YAML file named by
// --config (read with internal/config) is the base configuration; Viper
// supplies flag and WRPCD_* environment overrides on top of it.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	_ "github.com/wrpc/wrpc/codec/binary"
	_ "github.com/wrpc/wrpc/codec/json"

	"github.com/wrpc/wrpc/codec"
	"github.com/wrpc/wrpc/executor"
	"github.com/wrpc/wrpc/internal/config"
	"github.com/wrpc/wrpc/internal/metrics"
	"github.com/wrpc/wrpc/internal/wrpclog"
	"github.com/wrpc/wrpc/server"
	"github.com/wrpc/wrpc/server/httpserver"
	"github.com/wrpc/wrpc/server/tcpserver"
)

const shutdownGrace = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("wrpcd")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "wrpcd",
		Short: "Sample wrpc server hosting a demo sum service over TCP and HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, v)
		},
	}

	cmd.Flags().Int("tcp-port", 9090, "TCP listen port")
	cmd.Flags().Int("http-port", 9091, "HTTP listen port")
	cmd.Flags().Int("workers", 8, "pool executor worker count")
	cmd.Flags().String("log-level", "info", "log level")
	cmd.Flags().String("config", "", "path to a YAML config file providing the base configuration")
	v.BindPFlag("tcp_port", cmd.Flags().Lookup("tcp-port"))
	v.BindPFlag("http_port", cmd.Flags().Lookup("http-port"))
	v.BindPFlag("workers", cmd.Flags().Lookup("workers"))
	v.BindPFlag("log_level", cmd.Flags().Lookup("log-level"))
	v.BindPFlag("config", cmd.Flags().Lookup("config"))

	return cmd
}

// envOrFlagSet reports whether flagName was explicitly passed on the
// command line or envName is present in the environment — the two sources
// that should override a value coming from the YAML config file, as
// opposed to a flag's own unused default.
func envOrFlagSet(cmd *cobra.Command, flagName, envName string) bool {
	if cmd.Flags().Changed(flagName) {
		return true
	}
	_, ok := os.LookupEnv(envName)
	return ok
}

func run(ctx context.Context, cmd *cobra.Command, v *viper.Viper) error {
	cfg := &config.Config{}
	if path := v.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("wrpcd: %w", err)
		}
		cfg = loaded
	}

	workers := cfg.Executor.WorkerCount
	if workers <= 0 {
		workers = 8
	}
	if envOrFlagSet(cmd, "workers", "WRPCD_WORKERS") {
		workers = v.GetInt("workers")
	}

	logLevel := cfg.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}
	if envOrFlagSet(cmd, "log-level", "WRPCD_LOG_LEVEL") {
		logLevel = v.GetString("log_level")
	}

	pathPrefix := cfg.Server.PathPrefix
	if pathPrefix == "" {
		pathPrefix = "/rpc"
	}

	log := wrpclog.New(wrpclog.Options{Level: logLevel, Pretty: true})

	metricsReg := metrics.New()
	metricsReg.MustRegister(prometheus.DefaultRegisterer)

	mgr := server.NewManager(server.WithMetrics(metricsReg))
	bin, err := codec.ByID(codec.Binary)
	if err != nil {
		return err
	}
	if err := mgr.RegisterService(newSumService(bin)); err != nil {
		return err
	}

	pool := executor.NewPool(mgr, executor.PoolOptions{
		WorkerCount:          workers,
		MaxConcurrentQueries: cfg.Executor.MaxConcurrentQueriesOrDefault(),
		Metrics:              metricsReg,
	})
	defer pool.Shutdown(context.Background())

	tcpSrv := tcpserver.New(pool, log)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", v.GetInt("tcp_port")))
	if err != nil {
		return fmt.Errorf("wrpcd: tcp listen: %w", err)
	}

	httpProc := httpserver.New(pool, httpserver.Options{
		Prefix:           pathPrefix,
		Log:              log,
		EnableDebugForms: cfg.Server.EnableAutoForms,
		Services:         mgr,
	})
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", httpProc)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", v.GetInt("http_port")),
		Handler: mux,
	}

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- tcpSrv.Serve(runCtx, ln) }()
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	log.Info().Int("tcp_port", v.GetInt("tcp_port")).Int("http_port", v.GetInt("http_port")).Msg("wrpcd listening")

	select {
	case <-runCtx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("wrpcd: server error")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	return nil
}
