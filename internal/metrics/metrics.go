package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CampaignsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "campaigns_started_total",
			Help:      "Campaigns accepted by StartCampaign.",
		},
		[]string{"gateway"},
	)

	CampaignsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "campaigns_finished_total",
			Help:      "Campaigns that reached a final state.",
		},
		[]string{"state"},
	)

	Suppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "recipients_suppressed_total",
			Help:      "Recipients removed by the compliance filter.",
		},
		[]string{"reason"},
	)

	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "job_transitions_total",
			Help:      "Dispatch job status changes per gateway.",
		},
		[]string{"gateway", "status"},
	)

	GatewayCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "gateway_cost_total",
			Help:      "Cost reported by gateways.",
		},
		[]string{"gateway"},
	)

	BatchesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "batches_submitted_total",
			Help:      "Batches handed to a gateway, by result.",
		},
		[]string{"gateway", "result"}, // ok, unavailable, dropped
	)

	SubmitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "gateway_submit_duration_seconds",
			Help:      "Duration of gateway submit calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"gateway"},
	)

	AdmissionWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "admission_wait_seconds",
			Help:      "Time a batch waited for the gateway rate gate.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"gateway"},
	)

	WinnersSelected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "ab_winners_selected_total",
			Help:      "A/B evaluations that produced a winner, by outcome.",
		},
		[]string{"outcome"}, // significant, tiebreak, inconclusive
	)
)
