package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jedbrown/pism/internal/invssa"
)

var (
	jobsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invssa_jobs_started_total",
		Help: "Number of inversion jobs started.",
	})
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invssa_jobs_finished_total",
		Help: "Number of inversion jobs finished, by terminal state.",
	}, []string{"state"})
	iterationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invssa_iterations_total",
		Help: "Total outer iterations across all jobs.",
	})
	rmsMisfit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "invssa_rms_misfit_m_per_s",
		Help: "RMS velocity misfit of the most recent iteration, m/s.",
	})
	solveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "invssa_solve_duration_seconds",
		Help:    "Wall time of inversion solves, by terminal state.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"state"})
)

func recordJobStarted() { jobsStarted.Inc() }

func recordJobFinished(state JobState) { jobsFinished.WithLabelValues(string(state)).Inc() }

func recordIteration() { iterationsTotal.Inc() }

func observeRMSMisfit(rms float64) { rmsMisfit.Set(rms) }

func observeSolveDuration(d time.Duration, state invssa.State) {
	solveDuration.WithLabelValues(string(state)).Observe(d.Seconds())
}
