// Package main runs a frame pipeline described by a config file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"go.viam.com/framepipe/config"
	"go.viam.com/framepipe/logging"
)

const (
	flagConfig        = "config"
	flagFrames        = "frames"
	flagInterval      = "interval"
	flagStatsInterval = "stats-interval"
	flagDebug         = "debug"
	flagLogFile       = "log-file"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "framepipe",
		Usage: "run camera frames through conversion and inference",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     flagConfig,
				Aliases:  []string{"c"},
				Usage:    "load configuration from `FILE`",
				Required: true,
			},
			&cli.IntFlag{
				Name:  flagFrames,
				Usage: "stop after this many frames have been handled, 0 runs until interrupted",
			},
			&cli.DurationFlag{
				Name:  flagInterval,
				Value: 33 * time.Millisecond,
				Usage: "how often polled sources are notified of a new frame",
			},
			&cli.DurationFlag{
				Name:  flagStatsInterval,
				Value: 10 * time.Second,
				Usage: "how often running stats are logged, 0 disables them",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write logs to `FILE`, rotated by size",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	ctx := c.Context
	logger := logging.NewLogger("framepipe")
	if c.Bool(flagDebug) {
		logging.GlobalLogLevel.SetLevel(logging.DEBUG.AsZap())
		logger.SetLevel(logging.DEBUG)
		ctx = logging.EnableDebugMode(ctx, "")
	}

	cfg, err := config.Read(ctx, c.String(flagConfig), logger)
	if err != nil {
		return err
	}
	if !c.Bool(flagDebug) && cfg.Log.Level != "" {
		logger.SetLevel(cfg.Log.LogLevel())
	}

	fileConf := cfg.Log.File
	if path := c.String(flagLogFile); path != "" {
		fileConf = &logging.FileAppenderConfig{Filename: path}
	}
	if fileConf != nil {
		appender, err := logging.NewFileAppender(*fileConf)
		if err != nil {
			return err
		}
		defer func() {
			if err := appender.Close(); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}()
		logger.AddAppender(appender)
	}
	logging.ReplaceGlobal(logger)
	defer func() {
		//nolint:errcheck
		logger.Sync()
	}()

	return run(ctx, cfg, runOptions{
		Frames:        c.Int(flagFrames),
		Interval:      c.Duration(flagInterval),
		StatsInterval: c.Duration(flagStatsInterval),
		Out:           c.App.Writer,
	}, logger)
}
