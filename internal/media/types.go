// Package media defines the core types shared across the download engine.
package media

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a download job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Error texts recorded on jobs that did not complete normally.
const (
	ReasonStoppedByUser      = "stopped by user"
	ReasonStoppedAfterReboot = "stopped by user (job not in memory after restart)"
	ReasonCancelledByUser    = "cancelled by user"
	ReasonInterrupted        = "interrupted by restart"
	ReasonUserNotFound       = "User not found"
)

// Job represents the metadata persisted for each submitted download request.
type Job struct {
	ID               string      `json:"id"`
	UserID           string      `json:"user_id"`
	Name             string      `json:"name"`
	ConfigName       string      `json:"config_name"`
	ResourceListName string      `json:"resource_list_name"`
	Status           JobStatus   `json:"status"`
	LinkMode         bool        `json:"link_mode"`
	Submitted        time.Time   `json:"submitted_at"`
	Started          *time.Time  `json:"started_at,omitempty"`
	Finished         *time.Time  `json:"finished_at,omitempty"`
	ErrorText        string      `json:"error_message,omitempty"`
	Counters         JobCounters `json:"counters"`
}

// JobName builds the display name for a config/resource-list pair.
func JobName(configName, resourceListName string) string {
	return configName + "/" + resourceListName
}

// JobCounters tracks per-resource outcomes for a job.
type JobCounters struct {
	Fetched      int `json:"fetched"`
	Deduplicated int `json:"deduplicated"`
	Failed       int `json:"failed"`
}

// JobFilter narrows ListJobs results. Zero values match everything.
type JobFilter struct {
	UserID string
	Status JobStatus
}

// Transition describes a compare-and-set status change.
type Transition struct {
	From      JobStatus
	To        JobStatus
	ErrorText string
	Counters  *JobCounters
	At        time.Time
}

// ResourceState is the per-resource state machine observed while a job runs.
type ResourceState string

// Resource states.
const (
	ResourceIdle     ResourceState = ""
	ResourcePending  ResourceState = "pending"
	ResourceFetching ResourceState = "fetching"
	ResourceStopping ResourceState = "stopping"
	ResourceDone     ResourceState = "done"
	ResourceFailed   ResourceState = "failed"
)

// RunningJob is a running job enriched with in-memory progress.
type RunningJob struct {
	Job
	CurrentURL   string        `json:"current_url,omitempty"`
	CurrentState ResourceState `json:"current_state,omitempty"`
}

// ContentEntry maps a resource key to its single stored artifact.
type ContentEntry struct {
	Key     string    `json:"key"`
	URL     string    `json:"url"`
	Path    string    `json:"path"`
	UserID  string    `json:"user_id"`
	Created time.Time `json:"created_at"`
}

// ContentLink records one consumer's link to a stored artifact.
type ContentLink struct {
	Key      string    `json:"key"`
	UserID   string    `json:"user_id"`
	JobID    string    `json:"job_id"`
	LinkPath string    `json:"link_path"`
	Created  time.Time `json:"created_at"`
}

// TaskKind selects what a scheduled task does when it fires.
type TaskKind string

// Supported task kinds.
const (
	TaskKindDownload TaskKind = "download"
	TaskKindCleanup  TaskKind = "cleanup"
)

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	return k == TaskKindDownload || k == TaskKindCleanup
}

// ScheduledTask is a recurring download or cleanup definition.
type ScheduledTask struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Name           string          `json:"name"`
	Kind           TaskKind        `json:"task_type"`
	Datasource     string          `json:"datasource,omitempty"`
	CronExpression string          `json:"cron_expression"`
	Config         json.RawMessage `json:"config,omitempty"`
	Active         bool            `json:"is_active"`
	LastRun        *time.Time      `json:"last_run,omitempty"`
	NextRun        *time.Time      `json:"next_run,omitempty"`
	Created        time.Time       `json:"created_at"`
}

// CleanupDays extracts {"days": N} from the task config, falling back to def.
func (t ScheduledTask) CleanupDays(def int) int {
	if len(t.Config) == 0 {
		return def
	}
	var cfg struct {
		Days *int `json:"days"`
	}
	if err := json.Unmarshal(t.Config, &cfg); err != nil || cfg.Days == nil {
		return def
	}
	return *cfg.Days
}

// ResourceList maps output folder names to the URLs downloaded into them.
type ResourceList map[string][]string

// Count returns the total number of URLs across folders.
func (l ResourceList) Count() int {
	n := 0
	for _, urls := range l {
		n += len(urls)
	}
	return n
}
