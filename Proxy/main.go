package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Liangxia6/quicmux/Proxy/udpproxy"
	"github.com/Liangxia6/quicmux/config"
	"github.com/Liangxia6/quicmux/observability"
)

var (
	cfgFile     string
	listenAddr  string
	backend     string
	backendFile string
	dropRate    float64
	seed        int64
)

var rootCmd = &cobra.Command{
	Use:           "proxy",
	Short:         "UDP proxy towards a switchable backend, with optional packet loss",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&cfgFile, "config", "c", "", "config file (default: ./quicmux.yaml, $QUICMUX_CONFIG)")
	f.StringVar(&listenAddr, "listen", "", "listen address (overrides proxy.listen_addr)")
	f.StringVar(&backend, "backend", "", "initial backend address")
	f.StringVar(&backendFile, "backend-file", "", "file polled for the backend address")
	f.Float64Var(&dropRate, "drop-rate", 0, "share of datagrams dropped in each direction, in [0, 1)")
	f.Int64Var(&seed, "seed", 0, "seed for drop decisions, 0 picks one")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	zap.ReplaceGlobals(logger)

	m, err := observability.SetupMetrics(cfg.Metrics)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	defer m.Stop()

	opts := udpproxy.Options{
		ListenAddr:  cfg.Proxy.ListenAddr,
		Backend:     cfg.Proxy.Backend,
		BackendFile: cfg.Proxy.BackendFile,
		Poll:        cfg.Proxy.Poll,
		DropRate:    cfg.Proxy.DropRate,
		Seed:        seed,
		Logger:      logger,
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		opts.ListenAddr = listenAddr
	}
	if flags.Changed("backend") {
		opts.Backend = backend
	}
	if flags.Changed("backend-file") {
		opts.BackendFile = backendFile
	}
	if flags.Changed("drop-rate") {
		opts.DropRate = dropRate
	}

	p, err := udpproxy.New(opts)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = p.Run(ctx)
	fwd, dropped := p.Stats()
	logger.Info("proxy stopped", zap.Uint64("forwarded", fwd), zap.Uint64("dropped", dropped))
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "[proxy]", err)
		os.Exit(1)
	}
}
