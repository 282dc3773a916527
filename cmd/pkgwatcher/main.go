// Package main is the entry point for the package update listener. It
// flags images for rebuild when upstream publishes a different version of
// a package they contain. Any failure stops the process with exit code 1.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"imagepipe/internal/bootstrap"
	"imagepipe/internal/bus"
	"imagepipe/internal/drift"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: imagepipe.yaml in current directory)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "pkgwatcher: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := bootstrap.Start(ctx, "imagepipe-pkgwatcher", configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	cfg := env.Config.Drift
	sub, err := bus.Dial(ctx, cfg.Endpoints, env.Logger)
	if err != nil {
		return err
	}
	defer sub.Close()

	detector := drift.New(sub, env.Store, env.Store, env.Logger,
		drift.Config{TopicSuffixes: cfg.TopicSuffixes},
		drift.WithInstruments(env.Instruments))
	return detector.Run(ctx)
}
