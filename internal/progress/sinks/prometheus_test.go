package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-fetcher/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	const jobID = "0190b3a4-7f00-7000-8000-000000000001"
	now := time.Now()
	batch := []progress.Event{
		{JobID: jobID, TS: now, Stage: progress.StageJobStart},
		{
			JobID: jobID,
			TS:    now.Add(10 * time.Second),
			Stage: progress.StageFetchDone,
			Site:  "example.com",
			URL:   "https://example.com/v/1",
			OK:    true,
			Bytes: 1024,
			Dur:   9 * time.Second,
		},
		{JobID: jobID, TS: now, Stage: progress.StageDedupHit, Site: "example.com", URL: "https://example.com/v/2"},
		{JobID: jobID, TS: now.Add(15 * time.Second), Stage: progress.StageJobDone, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsStarted))
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("example.com")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.dedupHits.WithLabelValues("example.com")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "mediafetcher_fetch_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.jobRuntime, "mediafetcher_job_runtime_seconds"))
}

// TestPrometheusSinkRejectsDoubleRegistration checks registry conflicts surface as errors.
func TestPrometheusSinkRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
