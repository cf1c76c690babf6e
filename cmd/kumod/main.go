// Command kumod runs the outbound MTA queueing core: it loads a policy
// file, validates it, and wires the Spool, ShapingStore, QueueManager
// and TSA subscription together in dependency order.
//
// Exit codes: 0 clean shutdown (or a successful --validate), 1 startup
// failure, 2 policy validation failure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/kumomta/kumod/internal/cfg"
	"github.com/kumomta/kumod/internal/dnsiface"
	"github.com/kumomta/kumod/internal/lifecycle"
	"github.com/kumomta/kumod/internal/logging"
	"github.com/kumomta/kumod/internal/logrecord"
	"github.com/kumomta/kumod/internal/metrics"
	"github.com/kumomta/kumod/internal/queuemanager"
	"github.com/kumomta/kumod/internal/shaping"
	"github.com/kumomta/kumod/internal/smtpiface"
	"github.com/kumomta/kumod/internal/spool"
	"github.com/kumomta/kumod/internal/tsa/client"
)

func main() {
	app := &cli.App{
		Name: "kumod",
		Usage: "high-throughput outbound MTA scheduling/queueing core",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name: "policy",
				Aliases: []string{"p"},
				Usage: "path to the policy file",
				Required: true,
			},
			&cli.BoolFlag{
				Name: "validate",
				Usage: "validate the policy file and exit without starting",
			},
			&cli.BoolFlag{
				Name: "debug",
				Usage: "enable debug logging",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		if ec, ok := err.(cli.ExitCoder); ok {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(ec.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logging.Logger{Name: "kumod", Debug: c.Bool("debug"), Out: logging.WriterOutput(os.Stderr, true), Sink: logrecord.Multi{metrics.RecordSink{}}}

	policy, err := cfg.Load(c.String("policy"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("kumod: %v", err), 2)
	}
	if err := policy.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("kumod: %v", err), 2)
	}
	if c.Bool("validate") {
		fmt.Println("kumod: policy is valid")
		return nil
	}

	var (
		sp *spool.Spool
		shapingStore *shapingStoreHolder
		mgr *queuemanager.Manager
		tsaSubscriber *client.Client
		tsaCancel context.CancelFunc
		metricsEndpoint *metrics.Endpoint
	)
	shapingStore = &shapingStoreHolder{}

	runner := lifecycle.New(log,
		lifecycle.Stage{
			Name: "spool",
			Start: func(ctx context.Context) error {
				var err error
				sp, err = policy.BuildSpool()
				return err
			},
			Stop: func() error {
				if sp != nil {
					return sp.Close()
				}
				return nil
			},
		},
		lifecycle.Stage{
			Name: "shaping",
			Start: func(ctx context.Context) error {
				store, err := policy.BuildShapingStore()
				if err != nil {
					return err
				}
				shapingStore.store = store
				return nil
			},
		},
		lifecycle.Stage{
			Name: "queue_manager",
			Start: func(ctx context.Context) error {
				pools, defaultPool, err := policy.BuildPools()
				if err != nil {
					return err
				}
				mxCache := dnsiface.NewMXCache(dnsiface.DefaultResolver(), defaultMXCacheTTL)

				mgr = queuemanager.New(queuemanager.Config{
					RetryPolicy: policy.Retry.RetryPolicy(),
					MaxAge: policy.Retry.MaxAge.Duration(),
					Pools: pools,
					DefaultPool: defaultPool,
					Shaping: shapingStore.store,
					MXCache: mxCache,
					AutogeneratedMsgDomain: policy.AutogeneratedMsgDomain,
					Hostname: policy.Hostname,
				}, sp, smtpClientFor(policy), log)
				return mgr.Start(ctx)
			},
			Stop: func() error {
				if mgr != nil {
					return mgr.Close()
				}
				return nil
			},
		},
		lifecycle.Stage{
			Name: "tsa_subscription",
			Start: func(ctx context.Context) error {
				if policy.TSA.BaseURL == "" {
					return nil
				}
				tsaCtx, cancel := context.WithCancel(context.Background())
				tsaCancel = cancel
				tsaSubscriber = client.New(policy.TSA.BaseURL, client.ApplierFunc(mgr.ApplyEvent), log)
				go tsaSubscriber.Run(tsaCtx)
				return nil
			},
			Stop: func() error {
				if tsaCancel != nil {
					tsaCancel()
				}
				return nil
			},
		},
		lifecycle.Stage{
			Name: "listeners",
			Start: func(ctx context.Context) error { return nil },
		},
		lifecycle.Stage{
			Name: "metrics",
			Start: func(ctx context.Context) error {
				if policy.MetricsAddr == "" {
					return nil
				}
				var err error
				metricsEndpoint, err = metrics.Listen(policy.MetricsAddr, log)
				if err != nil {
					return err
				}
				go metricsEndpoint.Serve()
				return nil
			},
			Stop: func() error {
				if metricsEndpoint != nil {
					return metricsEndpoint.Close()
				}
				return nil
			},
		},
	)

	ctx := context.Background()
	if err := runner.Start(ctx); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	log.Printf("kumod: started, config_epoch=%d", runner.ConfigEpoch())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	log.Println("kumod: shutting down")
	runner.Shutdown()
	return nil
}

// shapingStoreHolder exists only so the "shaping" lifecycle stage can
// publish its result to the "queue_manager" stage that runs after it,
// without changing lifecycle.Stage's signature to support return
// values between stages.
type shapingStoreHolder struct {
	store *shaping.Store
}

func smtpClientFor(p *cfg.Policy) smtpiface.Client {
	return smtpiface.Dial
}

// defaultMXCacheTTL matches the short TTL the site-name resolution path
// expects: long enough to absorb a burst of messages for the same
// domain, short enough that MX changes propagate promptly.
const defaultMXCacheTTL = 60 * time.Second
