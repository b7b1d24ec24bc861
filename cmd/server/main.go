// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main is the harborstackd entry point.
//
// harborstackd emulates a suite of managed cloud services on localhost:
// it reads a synthesized cloud assembly (manifest, stack templates,
// asset manifests), brings up an in-process provider per declared
// resource kind, wires the declared triggers (queue to function, bucket
// to function, schedule to function, rule to function), and serves each
// provider's wire protocol so unmodified client SDKs work against the
// local endpoints.
//
// Startup order:
//
//  1. Configuration (koanf: defaults, optional YAML file, environment)
//  2. Logging (zerolog, level and format from config)
//  3. Assembly parse into the application graph
//  4. Provider construction and graph binding
//  5. Orchestrated start in topological order, then event-source wiring
//     and the management namespace on the primary port
//
// Shutdown: the first SIGINT/SIGTERM (or POST /_mgmt/shutdown) runs a
// graceful stop — flush every flushable provider, then stop in reverse
// start order; a second signal exits immediately with status 1. An
// unrecoverable startup failure exits with status 2.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/harborstackd/harborstackd/internal/app"
	"github.com/harborstackd/harborstackd/internal/assembly"
	"github.com/harborstackd/harborstackd/internal/config"
	"github.com/harborstackd/harborstackd/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	assemblyDir := flag.String("assembly", "cloud-assembly.out", "path to the synthesized cloud assembly")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "harborstackd: configuration error: %v\n", err)
		return 2
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	asm, err := assembly.Load(*assemblyDir)
	if err != nil {
		logging.Error().Err(err).Str("assembly", *assemblyDir).Msg("failed to load cloud assembly")
		return 2
	}
	logging.Info().Str("assembly", *assemblyDir).Int("resources", len(asm.Graph.Nodes())).
		Msg("cloud assembly loaded")

	instance, err := app.Build(cfg, asm)
	if err != nil {
		logging.Error().Err(err).Msg("failed to assemble providers")
		return 2
	}

	ctx := context.Background()
	if err := instance.Start(ctx); err != nil {
		logging.Error().Err(err).Msg("startup failed, rolled back")
		return 2
	}
	logging.Info().Int("port", cfg.Server.Port).Msg("harborstackd running")

	// Blocks until a signal or a management shutdown request, then runs
	// the ordered teardown; a second signal hard-exits with status 1.
	if err := instance.Run(ctx); err != nil {
		logging.Error().Err(err).Msg("shutdown finished with errors")
		return 1
	}
	logging.Info().Msg("harborstackd stopped cleanly")
	return 0
}
