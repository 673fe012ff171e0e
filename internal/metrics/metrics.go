package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service holds all Prometheus metrics for the platform. Defining them in one
// place keeps naming and labeling consistent.
type Service struct {
	QueueDepth        prometheus.Gauge
	PairingAttempts   *prometheus.CounterVec
	MatchesStarted    prometheus.Counter
	MatchesSettled    *prometheus.CounterVec
	SubmissionsJudged *prometheus.CounterVec
	JudgeDuration     prometheus.Histogram
	BotsDeployed      prometheus.Gauge
	CleanupRepairs    *prometheus.CounterVec
	PersistRetries    prometheus.Counter
}

// NewService creates and registers the Prometheus metrics.
// If no registerer is provided, the default one is used.
func NewService(registerer ...prometheus.Registerer) *Service {
	reg := prometheus.DefaultRegisterer
	if len(registerer) > 0 {
		reg = registerer[0]
	}

	s := &Service{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "duel_queue_depth",
			Help: "Current number of players waiting in the matchmaking queue.",
		}),
		PairingAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duel_pairing_attempts_total",
			Help: "Pairing attempts by outcome (paired, lost_race, no_candidate, error).",
		}, []string{"outcome"}),
		MatchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duel_matches_started_total",
			Help: "Matches that reached the ongoing state.",
		}),
		MatchesSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duel_matches_settled_total",
			Help: "Settled matches by end reason.",
		}, []string{"reason"}),
		SubmissionsJudged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duel_submissions_judged_total",
			Help: "Full submissions by verdict (won, wrong_answer, complexity_failed, system_error).",
		}, []string{"verdict"}),
		JudgeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "duel_judge_duration_seconds",
			Help:    "Wall time of judging sandbox round trips.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		BotsDeployed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "duel_bots_deployed",
			Help: "Bots currently in the deployed set.",
		}),
		CleanupRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duel_cleanup_repairs_total",
			Help: "State repairs performed by the cleanup worker, by drift class.",
		}, []string{"class"}),
		PersistRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duel_persist_retries_total",
			Help: "Retried durable-store writes from the settlement dispatcher.",
		}),
	}

	reg.MustRegister(
		s.QueueDepth,
		s.PairingAttempts,
		s.MatchesStarted,
		s.MatchesSettled,
		s.SubmissionsJudged,
		s.JudgeDuration,
		s.BotsDeployed,
		s.CleanupRepairs,
		s.PersistRetries,
	)

	return s
}

// Handler returns the HTTP handler exposing the default gatherer.
func Handler(gatherer ...prometheus.Gatherer) http.Handler {
	gath := prometheus.DefaultGatherer
	if len(gatherer) > 0 {
		gath = gatherer[0]
	}
	return promhttp.HandlerFor(gath, promhttp.HandlerOpts{})
}
