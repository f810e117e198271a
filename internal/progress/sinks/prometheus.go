package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/media-fetcher/internal/progress"
)

// PrometheusSink exports progress-derived metrics: job runtimes and fetch
// sizes and durations per site. Outcome counters live in package metrics.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobRuntime    *prometheus.HistogramVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	dedupHits     *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediafetcher_jobs_started_total",
			Help: "Total jobs that have started.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediafetcher_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"result"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediafetcher_fetch_bytes_total",
			Help: "Bytes of media stored per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediafetcher_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by site and result.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"site", "result"}),
		dedupHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediafetcher_dedup_hits_by_site_total",
			Help: "Resources served from the content store per site.",
		}, []string{"site"}),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobRuntime,
		s.fetchBytes,
		s.fetchDuration,
		s.dedupHits,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			s.jobsStarted.Inc()
		case progress.StageJobDone:
			s.observeRuntime(evt, "success")
		case progress.StageJobError:
			s.observeRuntime(evt, "error")
		case progress.StageFetchDone:
			s.observeFetch(evt)
		case progress.StageDedupHit:
			s.dedupHits.WithLabelValues(siteLabel(evt)).Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, result string) {
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) observeFetch(evt progress.Event) {
	site := siteLabel(evt)
	result := "ok"
	if !evt.OK {
		result = "failed"
	}
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(site, result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func siteLabel(evt progress.Event) string {
	if evt.Site == "" {
		return "unknown"
	}
	return evt.Site
}
