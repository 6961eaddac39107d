// Package supervisor owns the process-level lifecycle: it spawns one
// Chain Worker per configured chain, reports how many are running, and
// coordinates a bounded graceful shutdown on SIGINT/SIGTERM/SIGHUP
// (spec.md §4.6).
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/informalsystems/chainpulse/pkg/metrics"
)

// Worker is the subset of *chainworker.Worker the Supervisor depends on.
type Worker interface {
	Run(ctx context.Context) error
}

// Supervisor runs a fixed set of Workers to completion, or until signaled
// to shut down.
type Supervisor struct {
	log           zerolog.Logger
	workers       map[string]Worker
	metrics       *metrics.Registry
	shutdownGrace time.Duration
}

// New returns a Supervisor for the given named workers.
func New(workers map[string]Worker, reg *metrics.Registry, shutdownGrace time.Duration) *Supervisor {
	return &Supervisor{
		log:           logger.With().Str("component", "supervisor").Logger(),
		workers:       workers,
		metrics:       reg,
		shutdownGrace: shutdownGrace,
	}
}

// Run starts every worker and blocks until ctx is canceled, a SIGINT,
// SIGTERM, or SIGHUP is received, or every worker has returned on its own.
// On a shutdown signal, workers are given shutdownGrace to stop before Run
// returns anyway.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.metrics.ChainpulseChains.Set(float64(len(s.workers)))
	s.log.Info().Int("chains", len(s.workers)).Msg("starting chain workers")

	var wg sync.WaitGroup
	for chainID, w := range s.workers {
		wg.Add(1)
		go func(chainID string, w Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				s.log.Error().Str("chain_id", chainID).Err(err).Msg("worker exited with error")
			}
		}(chainID, w)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case sig := <-sigs:
		s.log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
	}

	cancel()

	select {
	case <-done:
		s.log.Info().Msg("all chain workers stopped cleanly")
	case <-time.After(s.shutdownGrace):
		s.log.Warn().Dur("grace", s.shutdownGrace).Msg("shutdown grace period elapsed; exiting with workers still stopping")
	}

	return nil
}
