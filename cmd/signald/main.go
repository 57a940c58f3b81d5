// Signald is the signaling relay.
//
// Routes call signaling between WebSocket clients: each client subscribes to
// /topic/signal/<its identity> and publishes to /app/signal, /app/join or
// /app/leave; the relay delivers every message to the addressee's topic.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var (
		configPath string
		listen     string
		origins    []string
		debug      bool
	)
	flagSet := pflag.NewFlagSet("signald", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flagSet.StringVarP(&listen, "listen", "l", "", "address to listen on (overrides config)")
	flagSet.StringSliceVar(&origins, "origin", nil, "allowed CORS origin, repeatable (overrides config)")
	flagSet.BoolVar(&debug, "debug", false, "enable debug logging")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		util.LogError("%v", err)
		os.Exit(2)
	}
	if debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Signald — v%s", version))
	pterm.Println()

	cfg, err := config.Load(configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if listen != "" {
		cfg.Relay.Listen = listen
	}
	if len(origins) > 0 {
		cfg.Relay.AllowedOrigins = origins
	}

	server := signaling.NewServer(signaling.NewHub(), cfg.Relay.AllowedOrigins)
	if err := server.Run(ctx, cfg.Relay.Listen); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("relay stopped")
}
