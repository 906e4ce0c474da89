package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Liangxia6/quicmux/config"
	"github.com/Liangxia6/quicmux/observability"
	wrapper "github.com/Liangxia6/quicmux/Server/sWrapper"
)

// 说明：这是被迁移的服务端应用（App）的 demo：只关心业务 stream（echo）。
// 引擎、控制流（migrate/ack）、信号处理、可迁移 UDP 都由 Server/sWrapper 负责。

var (
	cfgFile     string
	listenAddr  string
	migrateAddr string
	migratePort int
	certFile    string
	keyFile     string
	quiet       bool
)

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Echo server on a migratable UDP socket",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&cfgFile, "config", "c", "", "config file (default: ./quicmux.yaml, $QUICMUX_CONFIG)")
	f.StringVar(&listenAddr, "listen", "", "listen address (overrides server.listen_addr)")
	f.StringVar(&migrateAddr, "migrate-addr", "", "address pushed to clients on migrate")
	f.IntVar(&migratePort, "migrate-port", 0, "port pushed to clients on migrate")
	f.StringVar(&certFile, "cert", "", "PEM certificate chain, self-signed if empty")
	f.StringVar(&keyFile, "key", "", "PEM private key")
	f.BoolVar(&quiet, "quiet", false, "reduce output")
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

	engine, err := cfg.Transport.EngineConfig()
	if err != nil {
		return err
	}

	opts := wrapper.DefaultServerOptions()
	opts.ListenAddr = cfg.Server.ListenAddr
	opts.MigrateAddr = cfg.Server.MigrateAddr
	opts.MigratePort = cfg.Server.MigratePort
	opts.AckTimeout = cfg.Server.AckTimeout
	opts.Quiet = cfg.Server.Quiet
	opts.SocketBufferSize = cfg.Transport.SocketBufferSize
	opts.Engine = engine
	opts.Logger = logger

	flags := cmd.Flags()
	if flags.Changed("listen") {
		opts.ListenAddr = listenAddr
	}
	if flags.Changed("migrate-addr") {
		opts.MigrateAddr = migrateAddr
	}
	if flags.Changed("migrate-port") {
		opts.MigratePort = migratePort
	}
	if flags.Changed("quiet") {
		opts.Quiet = quiet
	}
	if certFile != "" {
		ps, err := wrapper.LoadProofSource(certFile, keyFile)
		if err != nil {
			return err
		}
		opts.ProofSource = ps
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGQUIT)
	defer stop()
	err = wrapper.Serve(ctx, opts, newEchoHandler(logger))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
