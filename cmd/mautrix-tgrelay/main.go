// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-tgrelay relays messages between Matrix rooms and Telegram
// chats. Every relayed message is posted by the relay's own accounts with the
// original sender's name in front of it, and replies are threaded on both
// sides.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/mautrix-tgrelay/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const name = "mautrix-tgrelay"

var (
	configPath  = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	version     = flag.MakeFull("v", "version", "View version and quit.", "false").Bool()
	wantHelp, _ = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		name+" - A Matrix-Telegram message relay.",
		name+" [-hv] [-c <path>]",
	)
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("%s %s (commit %s, built %s)\n", name, Tag, Commit, BuildTime)
		os.Exit(0)
	}

	cfg, err := connector.LoadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(log)
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Msg("Initializing relay")

	relay, err := connector.NewConnector(cfg, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize relay")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = relay.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start relay")
		shutdown(relay)
		os.Exit(12)
	}

	<-ctx.Done()
	log.Info().Msg("Interrupt received, stopping relay")
	shutdown(relay)
	log.Info().Msg("Relay stopped")
}

func shutdown(relay *connector.Connector) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := relay.Stop(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error while stopping relay:", err)
	}
}
