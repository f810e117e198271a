package media

import (
	"context"
	"time"
)

// JobStore persists job records. Status changes go through TransitionJob so
// concurrent actors cannot both move the same job.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// ListJobs returns matching jobs ordered by submission time, oldest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	CountJobs(ctx context.Context, filter JobFilter) (int, error)
	// TransitionJob applies t only if the job is currently in t.From and
	// returns the updated record, or ErrInvalidState.
	TransitionJob(ctx context.Context, jobID string, t Transition) (Job, error)
}

// ContentRegistry maps resource keys to stored artifacts.
type ContentRegistry interface {
	GetEntry(ctx context.Context, key string) (ContentEntry, error)
	// RecordContent upserts the entry and, when link is non-nil, records the
	// consumer link in the same transaction.
	RecordContent(ctx context.Context, entry ContentEntry, link *ContentLink) error
	ListLinks(ctx context.Context, key string) ([]ContentLink, error)
	// ListURLs returns the distinct resource URLs of every entry.
	ListURLs(ctx context.Context) ([]string, error)
}

// TaskStore persists scheduled task definitions.
type TaskStore interface {
	CreateTask(ctx context.Context, task ScheduledTask) error
	GetTask(ctx context.Context, taskID string) (ScheduledTask, error)
	ListTasks(ctx context.Context, userID string) ([]ScheduledTask, error)
	ListActiveTasks(ctx context.Context) ([]ScheduledTask, error)
	UpdateTask(ctx context.Context, task ScheduledTask) error
	DeleteTask(ctx context.Context, taskID string) error
	MarkRun(ctx context.Context, taskID string, lastRun time.Time, nextRun *time.Time) error
}

// ConfigStore returns the raw declarative fetch options named by (user, name).
type ConfigStore interface {
	LoadConfig(ctx context.Context, userID, name string) ([]byte, error)
}

// ResourceListStore returns the folder to URL mapping named by (user, name).
type ResourceListStore interface {
	LoadResourceList(ctx context.Context, userID, name string) (ResourceList, error)
}

// UserDirectory resolves per-user locations.
type UserDirectory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	DownloadDir(userID string) string
	ConfigDir(userID string) string
	LogDir(userID string) string
}

// Publisher pushes job notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
