package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"marketprism-collector/internal/config"
	"marketprism-collector/internal/health"
	"marketprism-collector/internal/metrics"
	"marketprism-collector/internal/publisher"
	"marketprism-collector/internal/supervisor"
)

const (
	exitOK        = 0
	exitConfig    = 2
	exitRuntime   = 3
	exitInterrupt = 130
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "collector",
		Short:         "Market data collector: exchange feeds to the bus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "config file path")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the collector",
		Run: func(*cobra.Command, []string) {
			os.Exit(run())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and exit",
		Run: func(*cobra.Command, []string) {
			os.Exit(validate())
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	level, err := zerolog.ParseLevel(config.LogLevel())
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func validate() int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		return exitConfig
	}
	fmt.Printf("config valid: %d feed(s)\n", len(cfg.Exchanges))
	return exitOK
}

func run() int {
	setupLogging()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Msg("Config load failed")
		return exitConfig
	}

	mirror := publisher.NewMirror(cfg.Mirror)
	pub, err := publisher.Connect(cfg.Bus, mirror)
	if err != nil {
		log.Error().Err(err).Str("url", cfg.Bus.URL).Msg("Bus connect failed")
		return exitRuntime
	}
	defer pub.Close()

	reg := health.NewRegistry()
	sup, err := supervisor.New(cfg, pub, reg)
	if err != nil {
		log.Error().Err(err).Msg("Supervisor build failed")
		return exitConfig
	}

	srv := metrics.NewServer(cfg.Metrics.Addr, map[string]http.Handler{
		"/status": reg.Handler(),
	})
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	defer srv.Stop()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		if sig == syscall.SIGINT {
			interrupted.Store(true)
		}
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		stop()
	}()

	log.Info().Int("feeds", len(cfg.Exchanges)).Msg("Collector starting")
	start := time.Now()
	if err := sup.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Collector stopped with error")
		return exitRuntime
	}
	log.Info().Dur("uptime", time.Since(start)).Msg("Collector stopped")

	if interrupted.Load() {
		return exitInterrupt
	}
	return exitOK
}
