package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tetraboard/enginehost/analysis"
	"github.com/tetraboard/enginehost/broker"
	"github.com/tetraboard/enginehost/engine"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "enginehost",
		Usage: "hosts a UCI analysis engine and streams its output to WebSocket clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "engine-path",
				Usage:    "Path to the engine binary.",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "127.0.0.1:8080",
			},
			&cli.IntFlag{
				Name:  "threads",
				Usage: "Initial number of engine search threads.",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "move-time",
				Usage: "Search time budget for move requests.",
				Value: "1s",
			},
			&cli.StringFlag{
				Name:  "heartbeat-interval",
				Usage: "Interval between client liveness probes.",
				Value: "10s",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level. One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.BoolFlag{
				Name:  "metrics",
				Usage: "Serve Prometheus metrics at /metrics.",
				Value: true,
			},
		},
		Action: func(ctx *cli.Context) error {
			moveTime, err := time.ParseDuration(ctx.String("move-time"))
			if err != nil {
				return fmt.Errorf("parsing move time: %w", err)
			}
			heartbeatInterval, err := time.ParseDuration(ctx.String("heartbeat-interval"))
			if err != nil {
				return fmt.Errorf("parsing heartbeat interval: %w", err)
			}
			logLevel, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}

			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			slog := logger.WithOptions(zap.IncreaseLevel(logLevel)).Sugar()

			driver := engine.New(engine.Config{Path: ctx.String("engine-path")}, slog)
			coordinator := analysis.New(analysis.Config{
				Threads:  ctx.Int("threads"),
				MoveTime: moveTime,
			}, driver, slog)

			brokerOpts := []broker.Option{
				broker.WithLogger(logger),
				broker.WithLogLevel(logLevel),
				broker.WithListenAddr(ctx.String("listen-addr")),
				broker.WithHeartbeatInterval(heartbeatInterval),
			}
			if ctx.Bool("metrics") {
				brokerOpts = append(brokerOpts, broker.WithMetrics(prometheus.NewRegistry()))
			}
			b, err := broker.New(coordinator, brokerOpts...)
			if err != nil {
				return fmt.Errorf("building broker: %w", err)
			}

			go func() {
				if err := coordinator.Run(); err != nil {
					slog.Errorf("session loop: %s", err)
				}
			}()

			errCh := make(chan error, 1)
			go func() { errCh <- b.Run() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-errCh:
				coordinator.Close()
				return err
			case sig := <-sigCh:
				slog.Infof("received %s, shutting down", sig)
			}
			if err := b.Stop(); err != nil {
				slog.Errorf("stopping broker: %s", err)
			}
			if err := coordinator.Close(); err != nil {
				slog.Errorf("stopping session: %s", err)
			}
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
