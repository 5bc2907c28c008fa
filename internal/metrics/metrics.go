// Package metrics exposes the counters and gauges spec §8's testable
// properties are checked against, plus the periodic diagnostics spec §4.1
// point 7 calls for (mode, throughput, ring depth, front-end volume, pool
// utilisation). Grounded on the agentflow example's metrics collector,
// which uses the same promauto-registered CounterVec/GaugeVec shape for a
// different (LLM/agent) domain.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every counter/gauge the device exposes.
type Collector struct {
	received *prometheus.CounterVec // labels: direction={uplink,downlink}
	dropped  *prometheus.CounterVec // labels: reason={pool_exhausted,queue_full,state_gated,truncated,fragment_too_large}
	encoded  prometheus.Counter
	underrun prometheus.Counter

	poolPeak     *prometheus.GaugeVec // labels: class
	poolInUse    *prometheus.GaugeVec
	poolLeak     *prometheus.GaugeVec

	ringDepth    *prometheus.GaugeVec // labels: ring={mic0,mic1,ref}
	frontendVolume prometheus.Gauge
	playbackDepth prometheus.Gauge

	wakeTotal         prometheus.Counter
	interactionsTotal prometheus.Counter

	reconnectAttempts prometheus.Counter

	// Aggregate totals mirroring received/dropped/encoded/underrun,
	// maintained alongside the monotonic Prometheus counters above (which
	// must never go backwards) so a per-session delta can be read without
	// violating Prometheus counter semantics. ResetSessionBaseline snapshots
	// these as the zero point for SessionSnapshot (spec §3 lifecycle
	// summary: these four reset per voice turn / music stream).
	receivedTotal atomic.Uint64
	droppedTotal  atomic.Uint64
	encodedTotal  atomic.Uint64
	underrunTotal atomic.Uint64

	baseReceived atomic.Uint64
	baseDropped  atomic.Uint64
	baseEncoded  atomic.Uint64
	baseUnderrun atomic.Uint64
}

// SessionCounters is a snapshot of the four session-scoped counters spec §3
// tracks per voice turn / music stream, and §8 testable property 2 reads.
type SessionCounters struct {
	Received uint64
	Dropped  uint64
	Encoded  uint64
	Underrun uint64
}

// New registers and returns a Collector under the given namespace (e.g.
// "hitony"), matching the metric names referenced in SPEC_FULL.md
// ("hitony_wake_total", "hitony_interactions_total").
func New(namespace string) *Collector {
	return &Collector{
		received: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Audio frames received, by direction.",
		}, []string{"direction"}),

		dropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Audio frames dropped, by reason.",
		}, []string{"reason"}),

		encoded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_encoded_total",
			Help:      "Uplink codec frames successfully encoded.",
		}),

		underrun: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_underruns_total",
			Help:      "Playback dequeue timeouts (empty playback queue while Playing).",
		}),

		poolPeak: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_peak_in_use",
			Help:      "Peak concurrent blocks in use, by size class.",
		}, []string{"class"}),

		poolInUse: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_in_use",
			Help:      "Blocks currently in use, by size class.",
		}, []string{"class"}),

		poolLeak: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_leak",
			Help:      "acquires - releases, by size class; non-zero indicates a leak.",
		}, []string{"class"}),

		ringDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ring_depth_samples",
			Help:      "Readable samples currently buffered, by ring.",
		}, []string{"ring"}),

		frontendVolume: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frontend_volume",
			Help:      "Most recent front-end output volume metadata.",
		}),

		playbackDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_queue_depth",
			Help:      "Packets currently queued for playback.",
		}),

		wakeTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wake_total",
			Help:      "Total wake events honoured (acoustic or touch).",
		}),

		interactionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interactions_total",
			Help:      "Total voice turns whose recording ended and was handed to the server.",
		}),

		reconnectAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total transport reconnect attempts.",
		}),
	}
}

func (c *Collector) RecordReceived(direction string) {
	c.received.WithLabelValues(direction).Inc()
	c.receivedTotal.Add(1)
}
func (c *Collector) RecordDropped(reason string) {
	c.dropped.WithLabelValues(reason).Inc()
	c.droppedTotal.Add(1)
}
func (c *Collector) RecordEncoded() {
	c.encoded.Inc()
	c.encodedTotal.Add(1)
}
func (c *Collector) RecordUnderrun() {
	c.underrun.Inc()
	c.underrunTotal.Add(1)
}
func (c *Collector) RecordWake()                          { c.wakeTotal.Inc() }
func (c *Collector) RecordInteraction()                   { c.interactionsTotal.Inc() }
func (c *Collector) RecordReconnectAttempt()               { c.reconnectAttempts.Inc() }
func (c *Collector) SetFrontendVolume(v float64)          { c.frontendVolume.Set(v) }
func (c *Collector) SetPlaybackDepth(n int)               { c.playbackDepth.Set(float64(n)) }
func (c *Collector) SetRingDepth(ring string, n int)      { c.ringDepth.WithLabelValues(ring).Set(float64(n)) }

// SetPoolStats mirrors a pool.Stats snapshot for one size class.
func (c *Collector) SetPoolStats(class string, inUse, peak int, leak int64) {
	c.poolInUse.WithLabelValues(class).Set(float64(inUse))
	c.poolPeak.WithLabelValues(class).Set(float64(peak))
	c.poolLeak.WithLabelValues(class).Set(float64(leak))
}

// ResetSessionBaseline snapshots the current received/dropped/encoded/
// underrun totals as the new zero point for SessionSnapshot. Called at the
// start of each voice turn / music stream (spec §3 lifecycle summary).
func (c *Collector) ResetSessionBaseline() {
	c.baseReceived.Store(c.receivedTotal.Load())
	c.baseDropped.Store(c.droppedTotal.Load())
	c.baseEncoded.Store(c.encodedTotal.Load())
	c.baseUnderrun.Store(c.underrunTotal.Load())
}

// SessionSnapshot reports received/dropped/encoded/underrun counts
// accumulated since the last ResetSessionBaseline (spec §8 testable
// property 2: a per-session drop count).
func (c *Collector) SessionSnapshot() SessionCounters {
	return SessionCounters{
		Received: c.receivedTotal.Load() - c.baseReceived.Load(),
		Dropped:  c.droppedTotal.Load() - c.baseDropped.Load(),
		Encoded:  c.encodedTotal.Load() - c.baseEncoded.Load(),
		Underrun: c.underrunTotal.Load() - c.baseUnderrun.Load(),
	}
}
