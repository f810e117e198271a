package fetch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenStop(t *testing.T) {
	t.Parallel()

	token := NewToken(context.Background())
	require.False(t, token.Stopped())
	token.Stop()
	token.Stop()
	require.True(t, token.Stopped())
	<-token.Done()
}

func TestTokenParentCancelIsNotAStop(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	token := NewToken(parent)
	cancel()
	<-token.Done()
	require.False(t, token.Stopped())
	require.Error(t, token.Context().Err())
}
