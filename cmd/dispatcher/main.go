// Package main is the entry point for the master tube dispatcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"imagepipe/internal/bootstrap"
	"imagepipe/internal/dispatch"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: imagepipe.yaml in current directory)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "dispatcher: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := bootstrap.Start(ctx, "imagepipe-dispatcher", configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	transport, err := env.Transport()
	if err != nil {
		return err
	}
	defer transport.Close()

	cfg := env.Config.Dispatch
	d, err := dispatch.New(env.Store, dispatch.Config{
		InputTube:      cfg.InputTube,
		NotifyTube:     cfg.NotifyTube,
		TrackingTube:   cfg.TrackingTube,
		FailedTube:     cfg.InputTube + "_failed",
		RequeueDelay:   cfg.RequeueDelay,
		MaxRequeues:    cfg.MaxRequeues,
		RememberedJobs: cfg.RememberedJobs,
		LeaseRenewal:   env.Config.Queue.LeaseRenewal(),
	}, env.Logger)
	if err != nil {
		return err
	}
	return d.Serve(ctx, transport, env.Instruments)
}
