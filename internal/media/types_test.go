package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, JobStatusPending.Terminal())
	require.False(t, JobStatusRunning.Terminal())
	require.True(t, JobStatusCompleted.Terminal())
	require.True(t, JobStatusFailed.Terminal())
	require.False(t, JobStatus("queued").Valid())
}

func TestCleanupDays(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		config string
		want   int
	}{
		{"empty", "", 30},
		{"explicit", `{"days":7}`, 7},
		{"missing key", `{"other":1}`, 30},
		{"garbage", `{not json`, 30},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := ScheduledTask{Config: json.RawMessage(tc.config)}
			require.Equal(t, tc.want, task.CleanupDays(30))
		})
	}
}

func TestIsCallerError(t *testing.T) {
	t.Parallel()

	require.True(t, IsCallerError(fmt.Errorf("submit: %w", ErrUserNotFound)))
	require.True(t, IsCallerError(fmt.Errorf("cron: %w", ErrInvalidInput)))
	require.False(t, IsCallerError(ErrNotFound))
	require.False(t, IsCallerError(errors.New("boom")))
}

func TestResourceListCount(t *testing.T) {
	t.Parallel()

	list := ResourceList{"a": {"u1", "u2"}, "b": {"u3"}}
	require.Equal(t, 3, list.Count())
	require.Equal(t, "cfg/urls", JobName("cfg", "urls"))
}
