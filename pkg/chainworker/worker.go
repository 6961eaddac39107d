// Package chainworker drives one chain's observation loop: connect to its
// RPC endpoint, subscribe to committed blocks, decode each one, and feed
// the results to the Analyzer. One Worker is spawned per configured chain
// by the Supervisor (spec.md §4.4/§4.6).
package chainworker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/informalsystems/chainpulse/pkg/analyzer"
	"github.com/informalsystems/chainpulse/pkg/cometrpc"
	"github.com/informalsystems/chainpulse/pkg/decoder"
	"github.com/informalsystems/chainpulse/pkg/metrics"
	"github.com/informalsystems/chainpulse/pkg/types"
)

// State names the Worker's position in its connection lifecycle.
type State string

const (
	StateConnecting   State = "connecting"
	StateSubscribing  State = "subscribing"
	StateStreaming    State = "streaming"
	StateReconnecting State = "reconnecting"
	StateTerminated   State = "terminated"
)

// forceReconnectEvery bounds how long a single subscription is trusted
// before being torn down and re-established, guarding against a
// node-side subscription going silently stale (spec.md §4.4).
const forceReconnectEvery = 100

const (
	initialBackoff = time.Second
	maxBackoff     = 2 * time.Minute
)

// RPCClient is the subset of *cometrpc.Client a Worker depends on.
type RPCClient interface {
	SubscribeNewBlock(ctx context.Context) (<-chan cometrpc.NewBlockEvent, error)
	Block(ctx context.Context, height int64) ([]cometrpc.BlockTx, error)
	BlockResults(ctx context.Context, height int64) ([]cometrpc.TxResult, error)
	Close() error
}

// Dialer opens a new RPCClient to url. Production code uses
// cometrpc.Dial; tests substitute a fake.
type Dialer func(ctx context.Context, url string) (RPCClient, error)

// Analyzer is the subset of *analyzer.Analyzer a Worker depends on.
type Analyzer interface {
	Observe(ctx context.Context, p types.Packet) error
	ObserveTx(ctx context.Context, tx types.Transaction) error
}

var errForcedReconnect = errors.New("forced periodic reconnect")

// Worker owns the connection lifecycle for a single configured chain.
type Worker struct {
	log     zerolog.Logger
	cfg     types.ChainConfig
	dial    Dialer
	decoder *decoder.Decoder
	an      Analyzer
	metrics *metrics.Registry

	state State
}

// New returns a Worker for cfg. dial is typically a thin wrapper around
// cometrpc.Dial; it is parameterized for testability.
func New(cfg types.ChainConfig, dial Dialer, an Analyzer, reg *metrics.Registry) *Worker {
	return &Worker{
		log:     logger.With().Str("component", "chainworker").Str("chain_id", string(cfg.ChainID)).Logger(),
		cfg:     cfg,
		dial:    dial,
		decoder: decoder.New(cfg.Comet),
		an:      an,
		metrics: reg,
		state:   StateConnecting,
	}
}

// State reports the Worker's current lifecycle state.
func (w *Worker) State() State {
	return w.state
}

func (w *Worker) setState(s State) {
	if w.state == s {
		return
	}
	w.state = s
	w.log.Info().Str("state", string(s)).Msg("worker state transition")
}

// Run drives the connect/subscribe/stream/reconnect loop until ctx is
// canceled, then returns nil. A dial failure or subscription drop is
// handled internally with backoff and a reconnect; a block that fails to
// fetch, decode or record is logged and skipped without reconnecting.
func (w *Worker) Run(ctx context.Context) error {
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			w.setState(StateTerminated)
			return nil
		}

		w.setState(StateConnecting)
		client, err := w.dial(ctx, w.cfg.URL)
		if err != nil {
			w.log.Error().Err(err).Msg("failed to connect")
			if !w.sleepBackoff(ctx, &backoff) {
				w.setState(StateTerminated)
				return nil
			}
			continue
		}

		w.setState(StateSubscribing)
		events, err := client.SubscribeNewBlock(ctx)
		if err != nil {
			w.log.Error().Err(err).Msg("failed to subscribe")
			client.Close()
			if !w.sleepBackoff(ctx, &backoff) {
				w.setState(StateTerminated)
				return nil
			}
			continue
		}

		backoff = initialBackoff
		w.setState(StateStreaming)
		streamErr := w.stream(ctx, client, events)
		client.Close()

		if ctx.Err() != nil {
			w.setState(StateTerminated)
			return nil
		}

		if streamErr != nil && !errors.Is(streamErr, errForcedReconnect) {
			w.log.Warn().Err(streamErr).Msg("stream ended, reconnecting")
		}

		w.metrics.ChainpulseReconnects.WithLabelValues(string(w.cfg.ChainID)).Inc()
		w.setState(StateReconnecting)
		if !w.sleepBackoff(ctx, &backoff) {
			w.setState(StateTerminated)
			return nil
		}
	}
}

// stream consumes NewBlock events until the subscription closes, ctx is
// canceled, or a forced periodic reconnect is due.
func (w *Worker) stream(ctx context.Context, client RPCClient, events <-chan cometrpc.NewBlockEvent) error {
	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			if err := w.handleBlock(ctx, client, evt); err != nil {
				w.log.Error().Int64("height", evt.Height).Err(err).Msg("failed to process block")
				continue
			}
			seen++
			if seen%forceReconnectEvery == 0 {
				return errForcedReconnect
			}
		}
	}
}

// handleBlock fetches a block's transactions and their execution results,
// decodes them, and forwards every extracted packet and transaction to
// the Analyzer.
func (w *Worker) handleBlock(ctx context.Context, client RPCClient, evt cometrpc.NewBlockEvent) error {
	txs, err := client.Block(ctx, evt.Height)
	if err != nil {
		return fmt.Errorf("fetching block %d: %w", evt.Height, err)
	}
	if len(txs) == 0 {
		return nil
	}

	results, err := client.BlockResults(ctx, evt.Height)
	if err != nil {
		return fmt.Errorf("fetching block_results %d: %w", evt.Height, err)
	}
	if len(results) != len(txs) {
		return fmt.Errorf("block %d: got %d txs but %d results", evt.Height, len(txs), len(results))
	}

	raw := make([]decoder.RawTx, len(txs))
	for i, tx := range txs {
		events := make([]decoder.EventAttribute, len(results[i].Events))
		for j, a := range results[i].Events {
			events[j] = decoder.EventAttribute{Key: a.Key, Value: a.Value}
		}
		raw[i] = decoder.RawTx{
			Bytes:   tx.Bytes,
			Result:  decoder.TxResult{Code: results[i].Code, Log: results[i].Log},
			Events:  events,
			TxIndex: i,
		}
	}

	packets, txRecords, stats := w.decoder.Decode(w.cfg.ChainID, evt.Height, evt.Time, raw)
	if stats.MalformedMessages > 0 || stats.MissingFields > 0 {
		w.metrics.ChainpulseDecodeErrors.WithLabelValues(string(w.cfg.ChainID)).
			Add(float64(stats.MalformedMessages + stats.MissingFields))
	}

	for _, t := range txRecords {
		if err := w.an.ObserveTx(ctx, t); err != nil {
			return fmt.Errorf("observing tx %s: %w", t.TxHash, err)
		}
	}
	for _, p := range packets {
		if !w.cfg.Allowed(p.SrcChannel) && !w.cfg.Allowed(p.DstChannel) {
			continue
		}
		if err := w.an.Observe(ctx, p); err != nil {
			return fmt.Errorf("observing packet %s/%d: %w", p.SrcChannel, p.Sequence, err)
		}
	}

	return nil
}

// sleepBackoff waits the current backoff duration plus up to half of it
// again as random jitter (or until ctx is done), then doubles backoff,
// capped at maxBackoff. It returns false if ctx was canceled during the
// wait.
func (w *Worker) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	jittered := *backoff + time.Duration(rand.Int63n(int64(*backoff)/2+1))

	select {
	case <-ctx.Done():
		return false
	case <-time.After(jittered):
	}

	next := *backoff * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	*backoff = next
	return true
}
