// Package main is the entry point for the image scanner.
//
//	imagescanner              scan every unscanned image, then serve scan requests
//	imagescanner onetime      scan every unscanned image and exit
//	imagescanner NAME...      scan the named images that are still unscanned and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"imagepipe/internal/bootstrap"
	"imagepipe/internal/imagescan"
	"imagepipe/internal/runtime"
	"imagepipe/internal/scanner"
	"imagepipe/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: imagepipe.yaml in current directory)")
	flag.Parse()

	if err := run(*configPath, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "imagescanner: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := bootstrap.Start(ctx, "imagepipe-imagescanner", configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	docker, err := runtime.NewDockerRuntime()
	if err != nil {
		return err
	}

	cfg := env.Config.Scan
	host := runtime.NewExecRuntime(nil)
	var runs []imagescan.ScannerRun
	for _, sc := range cfg.Scanners {
		runs = append(runs, imagescan.ScannerRun{
			Scanner: scanner.New(host, docker, scanner.Config{
				Name:       sc.Name,
				ResultFile: sc.ResultFile,
				Binary:     cfg.AtomicBinary,
				MountRoot:  cfg.MountRoot,
			}, env.Logger),
			Options: scanner.Options{ScanType: sc.ScanType, Rootfs: sc.Rootfs},
		})
	}

	orch := imagescan.New(docker, env.Store, imagescan.Config{
		Tube:            cfg.Tube,
		PullRate:        cfg.PullRate,
		PullBurst:       cfg.PullBurst,
		PackageCommand:  cfg.PackageCommand,
		RepoListCommand: cfg.RepoListCommand,
		YumVarsCommand:  cfg.YumVarsCommand,
		LeaseRenewal:    env.Config.Queue.LeaseRenewal(),
	}, env.Logger, imagescan.WithScanners(runs...), imagescan.WithInstruments(env.Instruments))

	var names []string
	onetime := false
	switch {
	case len(args) == 1 && args[0] == "onetime":
		onetime = true
	case len(args) > 0:
		names = args
		onetime = true
	}

	res, err := orch.Sweep(ctx, names)
	if err != nil {
		return err
	}
	env.Logger.Info("sweep finished", "scanned", res.Scanned, "failed", res.Failed)
	if onetime {
		return nil
	}

	transport, err := env.Transport()
	if err != nil {
		return err
	}
	defer transport.Close()

	return orch.Serve(ctx, transport, worker.WithInstruments(env.Instruments))
}
