// radionode: store-and-forward radio node. HTTP/WS API, RF pacing, bridge
// listeners and the cloud spool.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"dev.c0redev.radionode/internal/api"
	"dev.c0redev.radionode/internal/config"
	"dev.c0redev.radionode/internal/logging"
	"dev.c0redev.radionode/internal/metrics"
	"dev.c0redev.radionode/internal/node"
)

const defaultConfigFile = "radionode.toml"

// configPath: RADIONODE_CONFIG, else ./radionode.toml when present, else
// defaults + env only.
func configPath() string {
	if p := os.Getenv("RADIONODE_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

// setup builds the node and its HTTP server from cfg.
func setup(cfg config.Config, log zerolog.Logger) (*node.Node, *http.Server, error) {
	n, err := node.New(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	srv := api.New(n, logging.Component(log, "api"))
	return n, &http.Server{
		Addr:              cfg.Node.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		boot := logging.Init("radionode", "info", "console")
		boot.Fatal().Err(err).Msg("config")
	}
	log := logging.Init("radionode", cfg.Log.Level, cfg.Log.Format)
	metrics.RegisterMetrics()

	n, httpSrv, err := setup(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("node")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.Node.Listen).Str("node", n.ID).Msg("http listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http")
			stop()
		}
	}()

	if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("node run")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	log.Info().Msg("bye")
}
