package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Liangxia6/quicmux"
	wrapper "github.com/Liangxia6/quicmux/Client/cWrapper"
	"github.com/Liangxia6/quicmux/config"
	"github.com/Liangxia6/quicmux/observability"
)

var (
	cfgFile               string
	target                string
	interval              time.Duration
	intervalAfterMigrate  time.Duration
	ioTimeout             time.Duration
	ioTimeoutAfterMigrate time.Duration
	count                 int
	quiet                 bool
)

var rootCmd = &cobra.Command{
	Use:           "client",
	Short:         "Ping an echo server and report downtime across migrations",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&cfgFile, "config", "c", "", "config file (default: ./quicmux.yaml, $QUICMUX_CONFIG)")
	f.StringVar(&target, "target", "", "server addr (overrides client.target)")
	f.DurationVar(&interval, "interval", 0, "ping interval (overrides client.interval)")
	f.DurationVar(&intervalAfterMigrate, "interval-after-migrate", 20*time.Millisecond, "ping interval after migrate")
	f.DurationVar(&ioTimeout, "io-timeout", 0, "per-ping timeout (overrides client.io_timeout)")
	f.DurationVar(&ioTimeoutAfterMigrate, "io-timeout-after-migrate", 250*time.Millisecond, "per-ping timeout after migrate")
	f.IntVar(&count, "count", 0, "stop after this many echoes, 0 runs forever")
	f.BoolVar(&quiet, "quiet", false, "reduce output")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if os.Getenv("TRACE") != "" {
		cfg.Log.Level = "debug"
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	zap.ReplaceGlobals(logger)
	wrapper.SetTraceLogger(logger.Named("trace"))

	m, err := observability.SetupMetrics(cfg.Metrics)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	defer m.Stop()

	engine, err := cfg.Transport.EngineConfig()
	if err != nil {
		return err
	}

	c := cfg.Client
	flags := cmd.Flags()
	if flags.Changed("target") {
		c.Target = target
	}
	if flags.Changed("interval") {
		c.Interval = interval
	}
	if flags.Changed("io-timeout") {
		c.IOTimeout = ioTimeout
	}
	if flags.Changed("quiet") {
		c.Quiet = quiet
	}

	mgr := &wrapper.Manager{
		Target:      c.Target,
		Quiet:       c.Quiet,
		ClientID:    c.ClientID,
		ServerName:  c.ServerName,
		DialTimeout: c.DialTimeout,
		DialBackoff: c.DialBackoff,
		Engine:      engine,
		Logger:      logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := &pinger{
		interval:              c.Interval,
		intervalAfterMigrate:  intervalAfterMigrate,
		ioTimeout:             c.IOTimeout,
		ioTimeoutAfterMigrate: ioTimeoutAfterMigrate,
		quiet:                 c.Quiet,
		limit:                 count,
	}
	ctx, p.cancel = context.WithCancel(ctx)
	err = mgr.Run(ctx, p.run)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pinger 在一个 session 上循环发 Ping，记录迁移前最后一次 echo 到恢复后第一次 echo 的间隔。
type pinger struct {
	interval              time.Duration
	intervalAfterMigrate  time.Duration
	ioTimeout             time.Duration
	ioTimeoutAfterMigrate time.Duration
	quiet                 bool
	limit                 int
	cancel                context.CancelFunc

	pingID             int
	echoes             int
	lastEchoBeforeDown time.Time
	awaitingFirstAfter bool
}

func (p *pinger) markDown(reason string, err error) {
	if !p.lastEchoBeforeDown.IsZero() && !p.awaitingFirstAfter {
		p.awaitingFirstAfter = true
		wrapper.Tracef("app %s; awaitingFirstAfter=true err=%v", reason, err)
	}
}

func (p *pinger) run(ctx context.Context, s *wrapper.Session) error {
	curIOTimeout := p.ioTimeout
	curInterval := p.interval
	migrated := false
	for {
		if !migrated {
			select {
			case <-s.MigrateSeen:
				migrated = true
				wrapper.Tracef("app migrateSeen")
				if p.ioTimeoutAfterMigrate > 0 && p.ioTimeoutAfterMigrate < curIOTimeout {
					curIOTimeout = p.ioTimeoutAfterMigrate
				}
				if p.intervalAfterMigrate > 0 && p.intervalAfterMigrate < curInterval {
					curInterval = p.intervalAfterMigrate
				}
			default:
			}
		}

		select {
		case <-ctx.Done():
			// session 结束，outage 的起点记在最后一次 echo
			p.markDown("session end", ctx.Err())
			return nil
		default:
		}

		payload := fmt.Sprintf("Ping-%d", p.pingID)
		p.pingID++
		if !p.quiet {
			fmt.Printf("[PING] Sending: %s\n", payload)
		}

		start := time.Now()
		reqCtx, cancel := context.WithTimeout(ctx, curIOTimeout)
		resp, err := s.Request(reqCtx, quicmux.NewHeaderBlock(":method", "POST", ":path", "/echo"), []byte(payload+"\n"))
		cancel()
		if err != nil {
			p.markDown("request err", err)
			if errors.Is(err, quicmux.ErrSessionClosed) {
				return err
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		rtt := time.Since(start)

		now := time.Now()
		if p.awaitingFirstAfter {
			dt := now.Sub(p.lastEchoBeforeDown)
			fmt.Printf("[客户端] 汇总：服务中断 %dms\n", dt.Milliseconds())
			wrapper.Tracef("app recovered; downtime=%dms", dt.Milliseconds())
			p.awaitingFirstAfter = false
		}
		p.lastEchoBeforeDown = now

		if !p.quiet {
			fmt.Printf("[ECHO] Echo: %s status=%s (rtt=%dms)\n", strings.TrimSpace(string(resp.Body)), resp.Status(), rtt.Milliseconds())
		}
		p.echoes++
		if p.limit > 0 && p.echoes >= p.limit {
			p.cancel()
			return nil
		}

		time.Sleep(curInterval)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
