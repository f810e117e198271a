package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-fetcher/internal/media"
)

var _ media.Clock = New()

func TestNowIsUTCAndCurrent(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := New().Now()
	require.Equal(t, time.UTC, got.Location())
	require.WithinDuration(t, before.Add(time.Second), got, 2*time.Second)
}

// Job ordering relies on submission timestamps never going backwards.
func TestNowNonDecreasing(t *testing.T) {
	t.Parallel()

	clk := New()
	prev := clk.Now()
	for range 100 {
		next := clk.Now()
		require.False(t, next.Before(prev))
		prev = next
	}
}
