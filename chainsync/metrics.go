package chainsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// headersMerged counts header hashes appended to the hash list.
	headersMerged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flintd",
		Subsystem: "chainsync",
		Name:      "headers_merged_total",
		Help:      "Number of block header hashes merged during header sync.",
	})

	// blocksStored counts blocks committed to the block store.
	blocksStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flintd",
		Subsystem: "chainsync",
		Name:      "blocks_stored_total",
		Help:      "Number of blocks committed during block sync.",
	})

	// rateEvictions counts channels dropped for falling below the
	// minimum sync rate, partitioned by protocol.
	rateEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flintd",
		Subsystem: "chainsync",
		Name:      "rate_evictions_total",
		Help:      "Number of peer channels evicted for a slow sync rate.",
	}, []string{"protocol"})

	// peerAttempts counts completed per-peer protocol runs, partitioned
	// by protocol and outcome code.
	peerAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flintd",
		Subsystem: "chainsync",
		Name:      "peer_attempts_total",
		Help:      "Number of completed per-peer sync attempts by outcome.",
	}, []string{"protocol", "code"})
)
