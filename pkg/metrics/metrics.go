// Package metrics exposes the pipeline's Prometheus collectors.
//
// Served by the HTTP handler at /metrics in text exposition format:
//   - outbox_enqueues_total{result}     - enqueue calls (created|coalesced)
//   - outbox_leases_total               - commands claimed by Lease
//   - outbox_acks_total{ok}             - acknowledgments by outcome
//   - pipeline_proposals_total{action}  - proposals inserted per action
//   - pipeline_translations_total       - translations inserted
//   - pipeline_bridge_enqueues_total    - dry-run commands bridged
//   - pipeline_stage_failures_total{stage} - batch passes aborted by error
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_enqueues_total",
			Help: "Enqueue calls by result",
		},
		[]string{"result"}, // created|coalesced
	)

	Leases = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_leases_total",
			Help: "Commands claimed by lease calls",
		},
	)

	Acks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_acks_total",
			Help: "Acknowledgments by outcome",
		},
		[]string{"ok"},
	)

	Proposals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_proposals_total",
			Help: "Proposals inserted per action",
		},
		[]string{"action"},
	)

	Translations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_translations_total",
			Help: "Translations inserted",
		},
	)

	BridgeEnqueues = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_bridge_enqueues_total",
			Help: "Dry-run commands bridged from translations",
		},
	)

	StageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_failures_total",
			Help: "Batch passes aborted by error",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(
		Enqueues,
		Leases,
		Acks,
		Proposals,
		Translations,
		BridgeEnqueues,
		StageFailures,
	)
}
