package dispatcher

import (
	"sync"

	"github.com/JakeFAU/media-fetcher/internal/fetch"
	"github.com/JakeFAU/media-fetcher/internal/media"
)

// Execution is the in-memory record of one running job: its cancellation
// token and the resource it is currently working on.
type Execution struct {
	JobID  string
	UserID string

	token *fetch.Token

	mu    sync.Mutex
	url   string
	state media.ResourceState
}

// NewExecution builds an Execution around token. Exposed for runner tests.
func NewExecution(job media.Job, token *fetch.Token) *Execution {
	return &Execution{JobID: job.ID, UserID: job.UserID, token: token}
}

// Token returns the job's cancellation token.
func (e *Execution) Token() *fetch.Token {
	return e.token
}

// Stopped reports whether a stop was requested.
func (e *Execution) Stopped() bool {
	return e.token != nil && e.token.Stopped()
}

// SetResource records the resource being processed. While a stop is pending,
// in-flight states are reported as stopping.
func (e *Execution) SetResource(url string, state media.ResourceState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Stopped() && (state == media.ResourcePending || state == media.ResourceFetching) {
		state = media.ResourceStopping
	}
	e.url = url
	e.state = state
}

// Resource returns the current resource and its state.
func (e *Execution) Resource() (string, media.ResourceState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.url, e.state
}

func (e *Execution) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.token != nil {
		e.token.Stop()
	}
	if e.state == media.ResourcePending || e.state == media.ResourceFetching {
		e.state = media.ResourceStopping
	}
}
