// Command kumo-tsa-daemon runs the traffic-shaping automation engine as
// a standalone HTTP/WebSocket service, fronting one shared tsa.Engine
// for every kumod instance subscribed to it.
//
// Exit codes: 0 clean shutdown, 1 startup failure, 2 policy load failure.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/kumomta/kumod/internal/cfg"
	"github.com/kumomta/kumod/internal/lifecycle"
	"github.com/kumomta/kumod/internal/logging"
	"github.com/kumomta/kumod/internal/tsa"
	"github.com/kumomta/kumod/internal/tsa/server"
)

func main() {
	app := &cli.App{
		Name: "kumo-tsa-daemon",
		Usage: "traffic-shaping automation engine, standalone service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name: "policy",
				Aliases: []string{"p"},
				Usage: "path to the daemon policy file",
				Required: true,
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
	log := logging.Logger{Name: "kumo-tsa-daemon", Debug: c.Bool("debug"), Out: logging.MultiOutput{logging.NewStderrOutput()}}

	policy, err := cfg.LoadTSADaemonPolicy(c.String("policy"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("kumo-tsa-daemon: %v", err), 2)
	}

	engine := tsa.NewEngine()
	if errs := engine.SetRules(policy.Rules); len(errs) > 0 {
		for _, e := range errs {
			log.Error("kumo-tsa-daemon: automation rule rejected", e)
		}
	}
	srv := server.New(engine, log)

	var httpServer http.Server

	runner := lifecycle.New(log,
		lifecycle.Stage{
			Name: "http",
			Start: func(ctx context.Context) error {
				ln, err := net.Listen("tcp", policy.ListenAddr)
				if err != nil {
					return err
				}
				httpServer = http.Server{Handler: srv.Router()}
				go httpServer.Serve(ln)
				return nil
			},
			Stop: func() error {
				return httpServer.Close()
			},
		},
	)

	ctx := context.Background()
	if err := runner.Start(ctx); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	log.Printf("kumo-tsa-daemon: started, listening on %s", policy.ListenAddr)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	log.Println("kumo-tsa-daemon: shutting down")
	runner.Shutdown()
	return nil
}
