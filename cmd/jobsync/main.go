package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/opswatch/jobsync/internal/api"
	"github.com/opswatch/jobsync/internal/backoff"
	"github.com/opswatch/jobsync/internal/config"
	"github.com/opswatch/jobsync/internal/connection"
	"github.com/opswatch/jobsync/internal/reconcile"
	"github.com/opswatch/jobsync/internal/subscribe"
	"github.com/opswatch/jobsync/internal/tui"
	"github.com/opswatch/jobsync/pkg/debug"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to YAML config file")
	follow := pflag.BoolP("follow", "f", false, "Log job changes to stdout instead of the dashboard")
	pflag.Parse()

	if err := run(*configPath, *follow); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, follow bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	debug.Info("Starting jobsync against %s (channel %s)", cfg.Server.URL, cfg.Server.WSURL)

	client := api.NewClient(api.Config{
		BaseURL: cfg.Server.URL,
		APIKey:  cfg.Server.APIKey,
		Timeout: cfg.Timing.HTTPTimeout,
	})

	header := http.Header{}
	if cfg.Server.APIKey != "" {
		header.Set("X-API-Key", cfg.Server.APIKey)
	}
	connCfg := connection.Config{
		URL:    cfg.Server.WSURL,
		Header: header,
		Policy: backoff.Policy{
			Base:   cfg.Backoff.Base,
			Growth: cfg.Backoff.Growth,
			Cap:    cfg.Backoff.Cap,
		},
		MaxAttempts:   cfg.Backoff.MaxAttempts,
		PingPeriod:    cfg.Timing.PingPeriod,
		PongWait:      cfg.Timing.PongWait,
		WriteWait:     cfg.Timing.WriteWait,
		DirectedDelay: cfg.Timing.DirectedDelay,
	}

	reg := subscribe.NewRegistry(subscribe.Options{
		Connector:        subscribe.WebSocketConnector(connCfg),
		Fetcher:          client.FetchSnapshot,
		RefetchOnExhaust: cfg.Backoff.RefetchOnExhaust,
	})

	if !follow {
		return tui.Run(reg)
	}
	return runFollow(client, reg)
}

// runFollow prints job changes as log lines until interrupted, seeding the
// view from a snapshot fetch first.
func runFollow(client *api.Client, reg *subscribe.Registry) error {
	unsub := reg.Subscribe(subscribe.TopicJobs, &subscribe.Observer{
		OnChange: func(ents []reconcile.Entity) {
			fmt.Printf("%d jobs tracked\n", len(ents))
		},
		OnTerminal: func(e reconcile.Entity) {
			fmt.Printf("job %s finished: %s\n", e.ID, e.Status)
		},
		OnConnectivity: func(err error) {
			fmt.Printf("connection lost: %v\n", err)
		},
	})
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	snapshot, err := client.FetchSnapshot(ctx)
	cancel()
	if err != nil {
		debug.Warning("Initial snapshot unavailable, relying on the channel: %v", err)
	} else {
		reg.Seed(subscribe.TopicJobs, snapshot)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	debug.Info("Shutting down")
	return nil
}
