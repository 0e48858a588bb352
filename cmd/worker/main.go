// Copyright 2025 The idsweep Authors
// This file is part of idsweep.
//
// idsweep is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// idsweep is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with idsweep. If not, see <http://www.gnu.org/licenses/>.

// worker is the edge node: it leases ID ranges from the master, probes the
// upstream for every ID in the range, and reports the valid ones back.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/idsweep/idsweep/probe"
	"github.com/idsweep/idsweep/worker"
)

var (
	masterFlag = &cli.StringFlag{
		Name:    "master",
		Aliases: []string{"m"},
		Usage:   "Master base URL",
		Value:   worker.DefaultConfig.MasterURL,
	}
	speedFlag = &cli.UintFlag{
		Name:    "speed",
		Aliases: []string{"s"},
		Usage:   "Initial throughput estimate in IDs per second",
		Value:   uint(worker.DefaultConfig.InitialSpeed),
	}
	concurrencyFlag = &cli.IntFlag{
		Name:    "concurrency",
		Aliases: []string{"c"},
		Usage:   "Maximum number of in-flight probes",
		Value:   worker.DefaultConfig.Concurrency,
	}
	heartbeatFlag = &cli.DurationFlag{
		Name:    "heartbeat-interval",
		Aliases: []string{"b"},
		Usage:   "Pause between lease heartbeats",
		Value:   worker.DefaultConfig.HeartbeatInterval,
	}
	retryFlag = &cli.DurationFlag{
		Name:    "retry-interval",
		Aliases: []string{"r"},
		Usage:   "Pause after a failed loop iteration",
		Value:   worker.DefaultConfig.RetryInterval,
	}
	probeURLFlag = &cli.StringFlag{
		Name:     "probe-url",
		Usage:    "Upstream catalog endpoint",
		Required: true,
	}
	probePrefixFlag = &cli.StringFlag{
		Name:  "probe-prefix",
		Usage: "Prefix prepended to the numeric ID in probe requests",
		Value: probe.DefaultConfig.Prefix,
	}
	probeTimeoutFlag = &cli.DurationFlag{
		Name:  "probe-timeout",
		Usage: "Timeout for a single probe request",
		Value: probe.DefaultConfig.Timeout,
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	metricsFlag = &cli.BoolFlag{
		Name:  "metrics",
		Usage: "Enable metrics collection",
	}
)

func main() {
	app := &cli.App{
		Name:  "worker",
		Usage: "ID-space crawler edge node",
		Flags: []cli.Flag{
			masterFlag, speedFlag, concurrencyFlag, heartbeatFlag, retryFlag,
			probeURLFlag, probePrefixFlag, probeTimeoutFlag, verbosityFlag, metricsFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	handler := log.NewTerminalHandlerWithLevel(os.Stderr,
		log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)), false)
	log.SetDefault(log.NewLogger(handler))
	if ctx.Bool(metricsFlag.Name) {
		metrics.Enabled = true
	}

	probeCfg := probe.DefaultConfig
	probeCfg.URL = ctx.String(probeURLFlag.Name)
	probeCfg.Prefix = ctx.String(probePrefixFlag.Name)
	probeCfg.Timeout = ctx.Duration(probeTimeoutFlag.Name)

	cfg := worker.Config{
		MasterURL:         ctx.String(masterFlag.Name),
		InitialSpeed:      uint32(ctx.Uint(speedFlag.Name)),
		Concurrency:       ctx.Int(concurrencyFlag.Name),
		HeartbeatInterval: ctx.Duration(heartbeatFlag.Name),
		RetryInterval:     ctx.Duration(retryFlag.Name),
	}

	w := worker.New(cfg, uuid.NewString(), probe.NewHTTPProber(probeCfg))

	// First signal drains, second forces. Interrupt tells them apart.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigs {
			w.Interrupt()
		}
	}()

	start := time.Now()
	err := w.Run(ctx.Context)
	log.Info("worker stopped", "uptime", time.Since(start))
	return err
}
