// Package main is the entry point for the delivery phase worker.
// It consumes start_delivery jobs and reports outcomes on the master tube.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"imagepipe/internal/bootstrap"
	"imagepipe/internal/delivery"
	"imagepipe/internal/platform"
	"imagepipe/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: imagepipe.yaml in current directory)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "delivery: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := bootstrap.Start(ctx, "imagepipe-delivery", configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	transport, err := env.Transport()
	if err != nil {
		return err
	}
	defer transport.Close()

	cfg := env.Config
	openshift := platform.NewOpenShift(platform.Config{
		Kubeconfig:   cfg.OpenShift.Kubeconfig,
		PollInterval: cfg.OpenShift.PollInterval,
	}, env.Logger)

	w := delivery.New(openshift, env.Store, env.Store, delivery.Config{
		TrackingDelay:   cfg.Delivery.TrackingDelay,
		MarkPhaseFailed: cfg.Delivery.MarkPhaseFailed,
	}, env.Logger)

	loop := worker.New(transport, w.Handle, worker.Config{
		Name:         "delivery",
		InputTube:    cfg.Delivery.InputTube,
		OutputTube:   cfg.Delivery.OutputTube,
		FailedTube:   cfg.Delivery.FailedTube,
		Policy:       worker.IsolateAndContinue,
		LeaseRenewal: cfg.Queue.LeaseRenewal(),
	}, env.Logger, worker.WithInstruments(env.Instruments))

	return loop.Run(ctx)
}
