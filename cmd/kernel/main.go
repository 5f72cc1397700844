// Command kernel boots the microkernel model: it loads configuration,
// constructs a internal/kernel.Kernel, and runs its scheduler until
// interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pincerOS/kernel-sub001/internal/kernel"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configFile string
	numCores   int
	metricAddr string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "kernel",
		Short: "Run the microkernel model's scheduler and syscall dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.configFile, "config", "", "path to a kernel config file (yaml/json/toml)")
	cmd.Flags().IntVar(&flags.numCores, "num-cores", 0, "override the configured core count (0 = use config)")
	cmd.Flags().StringVar(&flags.metricAddr, "metrics-addr", ":9090", "address to serve /metrics on")

	return cmd
}

func run(ctx context.Context, flags rootFlags) error {
	v := viper.New()
	v.SetEnvPrefix("KERNEL")
	v.AutomaticEnv()
	if flags.configFile != "" {
		v.SetConfigFile(flags.configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}
	if flags.numCores > 0 {
		v.Set("num_cores", flags.numCores)
	}

	cfg, err := kernel.LoadConfig(v)
	if err != nil {
		return err
	}

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	k := kernel.New(cfg, log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flags.metricAddr != "" {
		go serveMetrics(k, flags.metricAddr, log)
	}

	log.Info("kernel run loop starting")
	if err := k.Run(ctx); err != nil {
		return fmt.Errorf("kernel run loop: %w", err)
	}
	log.Info("kernel run loop stopped")
	return nil
}

func serveMetrics(k *kernel.Kernel, addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(k.Metrics().Gatherer(), promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Warn("metrics server stopped", zap.Error(err))
	}
}
