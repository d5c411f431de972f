package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stratus-run/stratus/internal/registry"
	"github.com/stratus-run/stratus/internal/telemetry"
)

var version = "1.0.0"

func main() {
	addr := flag.String("addr", ":8098", "listen address for the registration API")
	dbPath := flag.String("db", "stratusd.db", "path to the sqlite registry database")
	dataDir := flag.String("data", "", "directory for attached file payloads (empty keeps metadata only)")
	monitorAddr := flag.String("monitor", "", "listen address for health/metrics endpoints (empty disables)")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	store, err := registry.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer store.Close()

	telemetry.InitGlobal(true)
	defer func() { _ = telemetry.Shutdown() }()

	var monitor *telemetry.MonitoringServer
	if *monitorAddr != "" {
		monitor = telemetry.NewMonitoringServer(*monitorAddr, telemetry.GetGlobal())
		monitor.RegisterHealthCheck("store", func() telemetry.HealthCheck {
			start := time.Now()
			check := telemetry.HealthCheck{Name: "store", Status: telemetry.HealthStatusHealthy, LastChecked: start}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				check.Status = telemetry.HealthStatusUnhealthy
				check.Message = err.Error()
			}
			check.Duration = time.Since(start)
			return check
		})
		monitor.Start()
	}

	srv := &registry.Server{Version: version, Store: store, DataDir: *dataDir}
	go func() {
		if err := srv.ListenAndServe(*addr); err != nil && err != http.ErrServerClosed {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}()
	fmt.Fprintf(os.Stdout, "stratusd listening on %s\n", *addr)
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	fmt.Fprintln(os.Stdout, "stratusd shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	if monitor != nil {
		_ = monitor.Shutdown(ctx)
	}
}
