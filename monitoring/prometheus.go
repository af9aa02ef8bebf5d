package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type chainDBPromMetrics struct {
	bestHeight      prometheus.Gauge
	forkTips        prometheus.Gauge
	blocksPersisted prometheus.Counter
	blocksConfirmed prometheus.Counter
	forksPruned     prometheus.Counter
}

func newChainDBPromMetrics() *chainDBPromMetrics {
	return &chainDBPromMetrics{
		bestHeight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "chaindb_best_height",
				Help: "Height of the current best block",
			},
		),
		forkTips: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "chaindb_fork_tips",
				Help: "Number of tracked fork tips",
			},
		),
		blocksPersisted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chaindb_blocks_persisted_total",
				Help: "Blocks written durably through the page group adapter",
			},
		),
		blocksConfirmed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chaindb_blocks_confirmed_total",
				Help: "Blocks confirmed as irreversible",
			},
		),
		forksPruned: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chaindb_forks_pruned_total",
				Help: "Fork candidates removed by pruning and confirmation cascades",
			},
		),
	}
}

var metrics = newChainDBPromMetrics()

func SetBestHeight(height uint64) {
	metrics.bestHeight.Set(float64(height))
}

func SetForkTips(count int) {
	metrics.forkTips.Set(float64(count))
}

func IncBlocksPersisted() {
	metrics.blocksPersisted.Inc()
}

func IncBlocksConfirmed() {
	metrics.blocksConfirmed.Inc()
}

func AddForksPruned(count int) {
	if count > 0 {
		metrics.forksPruned.Add(float64(count))
	}
}
