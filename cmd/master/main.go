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

// master is the coordinator node: it owns the store, carves the ID space
// into leases and serves the task API. It doubles as the operator tool for
// the store (init-db, set-cursor, reset-queue, status, clear).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/urfave/cli/v2"

	"github.com/idsweep/idsweep/master"
)

var (
	databaseFlag = &cli.StringFlag{
		Name:    "database",
		Aliases: []string{"d"},
		Usage:   "Path to the SQLite database file",
		Value:   "master.db",
	}
	hostFlag = &cli.StringFlag{
		Name:    "host",
		Aliases: []string{"H"},
		Usage:   "Listen address",
		Value:   master.DefaultConfig.Host,
	}
	portFlag = &cli.IntFlag{
		Name:    "port",
		Aliases: []string{"p"},
		Usage:   "Listen port",
		Value:   master.DefaultConfig.Port,
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
	forceFlag = &cli.BoolFlag{
		Name:  "force",
		Usage: "Confirm the destructive operation",
	}
)

func main() {
	app := &cli.App{
		Name:  "master",
		Usage: "ID-space crawler coordinator",
		Flags: []cli.Flag{databaseFlag, hostFlag, portFlag, verbosityFlag, metricsFlag},
		Before: func(ctx *cli.Context) error {
			setupLogging(ctx)
			if ctx.Bool(metricsFlag.Name) {
				metrics.Enabled = true
			}
			return nil
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "init-db",
				Usage:  "Create the tables, indices and cursor seed row",
				Flags:  []cli.Flag{databaseFlag},
				Action: withStore(initDB),
			},
			{
				Name:      "set-cursor",
				Usage:     "Set the next unallocated ID",
				ArgsUsage: "<start-id>",
				Flags:     []cli.Flag{databaseFlag},
				Action:    withStore(setCursor),
			},
			{
				Name:   "reset-queue",
				Usage:  "Drop every outstanding lease",
				Flags:  []cli.Flag{databaseFlag},
				Action: withStore(resetQueue),
			},
			{
				Name:   "status",
				Usage:  "Print cursor, lease and result counts",
				Flags:  []cli.Flag{databaseFlag},
				Action: withStore(status),
			},
			{
				Name:   "clear",
				Usage:  "Wipe all data, including collected results",
				Flags:  []cli.Flag{databaseFlag, forceFlag},
				Action: withStore(clearAll),
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) {
	handler := log.NewTerminalHandlerWithLevel(os.Stderr,
		log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)), false)
	log.SetDefault(log.NewLogger(handler))
}

func serve(ctx *cli.Context) error {
	store, err := master.OpenStore(ctx.String(databaseFlag.Name))
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Bootstrap(ctx.Context); err != nil {
		return err
	}
	log.Info("store ready", "database", ctx.String(databaseFlag.Name))

	srv := master.NewServer(master.Config{
		Host: ctx.String(hostFlag.Name),
		Port: ctx.Int(portFlag.Name),
	}, master.NewDispatcher(store))
	if err := srv.Start(); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

// withStore opens the store and runs fn against it, closing afterwards.
func withStore(fn func(*cli.Context, *master.Store) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		store, err := master.OpenStore(ctx.String(databaseFlag.Name))
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(ctx, store)
	}
}

func initDB(ctx *cli.Context, store *master.Store) error {
	if err := store.Bootstrap(ctx.Context); err != nil {
		return err
	}
	log.Info("database initialized")
	return nil
}

func setCursor(ctx *cli.Context, store *master.Store) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("set-cursor takes exactly one argument, the start ID")
	}
	startID, err := strconv.ParseInt(ctx.Args().First(), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid start ID %q: %w", ctx.Args().First(), err)
	}
	if err := store.SetCursor(ctx.Context, startID); err != nil {
		return err
	}
	log.Info("cursor updated", "next_start_id", startID)
	return nil
}

func resetQueue(ctx *cli.Context, store *master.Store) error {
	n, err := store.ResetQueue(ctx.Context)
	if err != nil {
		return err
	}
	log.Info("task queue cleared", "dropped", n)
	return nil
}

func status(ctx *cli.Context, store *master.Store) error {
	st, err := store.Stats(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("cursor:   %d\n", st.Cursor)
	fmt.Printf("leases:   %d\n", st.Leases)
	fmt.Printf("running:  %d\n", st.Running)
	fmt.Printf("results:  %d\n", st.Results)
	return nil
}

func clearAll(ctx *cli.Context, store *master.Store) error {
	if !ctx.Bool(forceFlag.Name) {
		return fmt.Errorf("clear wipes all data; pass --force to confirm")
	}
	if err := store.ClearAll(ctx.Context); err != nil {
		return err
	}
	log.Info("all data cleared")
	return nil
}
