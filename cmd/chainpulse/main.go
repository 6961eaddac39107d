// Command chainpulse runs the IBC relayer-performance collector: it
// connects to every configured chain's RPC endpoint, decodes IBC
// packet-lifecycle messages from committed blocks, classifies relayer
// submissions as effected or front-run, and exposes the result as
// Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/informalsystems/chainpulse/internal/config"
	"github.com/informalsystems/chainpulse/internal/supervisor"
	"github.com/informalsystems/chainpulse/pkg/analyzer"
	"github.com/informalsystems/chainpulse/pkg/chainworker"
	"github.com/informalsystems/chainpulse/pkg/cometrpc"
	"github.com/informalsystems/chainpulse/pkg/logging"
	"github.com/informalsystems/chainpulse/pkg/metrics"
	"github.com/informalsystems/chainpulse/pkg/store"
	"github.com/informalsystems/chainpulse/pkg/types"
)

var version = "dev"

func main() {
	var configPath string
	var debug, human bool
	flag.StringVar(&configPath, "config", "./chainpulse.toml", "Path to the `config.toml` file")
	flag.BoolVar(&debug, "debug", false, "Enable debug-level logging")
	flag.BoolVar(&human, "human", false, "Use a human-readable console log writer instead of JSON")
	flag.Parse()

	logging.SetupLogger(version, debug, human)
	log := logger.With().Str("component", "main").Logger()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	reg := metrics.New()
	an := analyzer.New(st, reg)

	chainCfgs := cfg.ChainConfigs()
	workers := make(map[string]supervisor.Worker, len(chainCfgs))
	monitored := make([]types.ChainID, 0, len(chainCfgs))

	for _, cc := range chainCfgs {
		monitored = append(monitored, cc.ChainID)

		if cfg.Metrics.PopulateOnStart {
			if err := an.PopulateOnStart(context.Background(), cc.ChainID); err != nil {
				log.Fatal().Err(err).Str("chain_id", string(cc.ChainID)).Msg("failed to populate metrics on start")
			}
		}

		workers[string(cc.ChainID)] = chainworker.New(cc, dialRPC, an, reg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		go serveMetrics(log, reg, cfg.Metrics.Port)
	}

	go runStuckPacketsLoop(ctx, log, an, monitored, cfg.StuckPacketsInterval())

	sup := supervisor.New(workers, reg, cfg.ShutdownGrace())
	if err := sup.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("supervisor exited with error")
	}

	log.Info().Msg("chainpulse shut down")
}

// dialRPC adapts cometrpc.Dial's concrete return type to the
// chainworker.RPCClient interface.
func dialRPC(ctx context.Context, url string) (chainworker.RPCClient, error) {
	return cometrpc.Dial(ctx, url)
}

// serveMetrics runs the Prometheus exposition HTTP server until the
// process exits. A listener failure is fatal: an operator who enabled
// metrics expects them to be reachable.
func serveMetrics(log zerolog.Logger, reg *metrics.Registry, port int) {
	addr := fmt.Sprintf(":%d", port)
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())

	log.Info().Str("addr", addr).Msg("serving prometheus metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal().Err(err).Msg("metrics server failed")
	}
}

// runStuckPacketsLoop recomputes the stuck-packets gauge on a fixed
// interval for as long as ctx is live.
func runStuckPacketsLoop(ctx context.Context, log zerolog.Logger, an *analyzer.Analyzer, monitored []types.ChainID, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := an.RecomputeStuckPackets(ctx, monitored); err != nil {
				log.Error().Err(err).Msg("failed to recompute stuck packets")
			}
		}
	}
}
