package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"shroudmesh/internal/app"
	"shroudmesh/pkg/circuit"
	"shroudmesh/pkg/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if cfg.SignalingEndpoint == "" {
		log.Fatal("SHROUDMESH_SIGNALING_ENDPOINT must be set")
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)

	node, err := app.New(cfg, nil, logger)
	if err != nil {
		log.Fatalf("failed to build node: %v", err)
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- node.Run(ctx) }()

	go func() {
		hops := cfg.MinHops
		if hops < circuit.MinHops {
			hops = circuit.MinHops
		}
		if _, err := node.OpenCircuit(ctx, hops); err != nil {
			logger.Printf("open circuit failed err=%v", err)
		}
	}()

	if err := <-runErrCh; err != nil {
		log.Fatal(err)
	}
}
