package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishRequiresPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "jobs", map[string]string{"a": "b"})
	require.ErrorContains(t, err, "not configured")
	require.NoError(t, New(nil).Close())
}

func TestDialValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), Config{ProjectID: "p"})
	require.Error(t, err)
}

func TestCarrierRoundTrip(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc-def-01")
	require.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
