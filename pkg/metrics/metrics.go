// Package metrics is a thin wrapper over a Prometheus registry: it declares
// the typed counters and gauges spec.md §4.5/§6 names, with their labeled
// dimensions, and exposes them for text-format exposition. All instruments
// are backed by prometheus/client_golang's own atomic counter/gauge
// primitives, so concurrent writers from every Chain Worker and the HTTP
// scrape handler never need external locking (spec.md §5).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every Chain Pulse metric instrument.
type Registry struct {
	reg *prometheus.Registry

	IBCEffectedPackets   *prometheus.CounterVec
	IBCUneffectedPackets *prometheus.CounterVec
	IBCFrontrunCounter   *prometheus.CounterVec
	IBCStuckPackets      *prometheus.GaugeVec

	ChainpulseChains       prometheus.Gauge
	ChainpulsePackets      *prometheus.CounterVec
	ChainpulseTxs          *prometheus.CounterVec
	ChainpulseReconnects   *prometheus.CounterVec
	ChainpulseDecodeErrors *prometheus.CounterVec
}

// New registers and returns a fresh Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	packetLabels := []string{"chain_id", "src_channel", "src_port", "dst_channel", "dst_port", "signer", "memo"}

	r := &Registry{
		reg: reg,

		IBCEffectedPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ibc_effected_packets",
			Help: "Number of IBC packets that were effected (the submission landed on-chain).",
		}, packetLabels),

		IBCUneffectedPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ibc_uneffected_packets",
			Help: "Number of IBC packets that were uneffected (the submission lost a front-run race).",
		}, packetLabels),

		IBCFrontrunCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ibc_frontrun_counter",
			Help: "Number of times a relayer's submission was front-run by a competing relayer.",
		}, []string{"chain_id", "src_channel", "src_port", "dst_channel", "dst_port", "signer", "frontrunned_by", "memo", "effected_memo"}),

		IBCStuckPackets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ibc_stuck_packets",
			Help: "Number of packets received on the destination chain without an observed acknowledgement or timeout on the source chain.",
		}, []string{"dst_chain", "src_chain", "src_channel"}),

		ChainpulseChains: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainpulse_chains",
			Help: "Number of chains currently being monitored.",
		}),

		ChainpulsePackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_packets",
			Help: "Number of IBC packet-lifecycle messages observed.",
		}, []string{"chain_id"}),

		ChainpulseTxs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_txs",
			Help: "Number of transactions observed carrying at least one IBC packet-lifecycle message.",
		}, []string{"chain_id"}),

		ChainpulseReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_reconnects",
			Help: "Number of times a chain worker has reconnected to its node.",
		}, []string{"chain_id"}),

		ChainpulseDecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_decode_errors",
			Help: "Number of transactions or messages that failed to decode, by chain.",
		}, []string{"chain_id"}),
	}

	reg.MustRegister(
		r.IBCEffectedPackets,
		r.IBCUneffectedPackets,
		r.IBCFrontrunCounter,
		r.IBCStuckPackets,
		r.ChainpulseChains,
		r.ChainpulsePackets,
		r.ChainpulseTxs,
		r.ChainpulseReconnects,
		r.ChainpulseDecodeErrors,
	)

	return r
}

// Handler returns the http.Handler serving the Prometheus text exposition
// format for this registry, to be mounted at GET /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
