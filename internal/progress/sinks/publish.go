package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/media"
	"github.com/JakeFAU/media-fetcher/internal/progress"
)

// EventJobFinished is the notification type published when a job ends.
const EventJobFinished = "job.finished"

// JobNotification is the payload published for finished jobs.
type JobNotification struct {
	Event           string    `json:"event"`
	JobID           string    `json:"job_id"`
	UserID          string    `json:"user_id"`
	Status          string    `json:"status"`
	ErrorText       string    `json:"error_message,omitempty"`
	FinishedAt      time.Time `json:"finished_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// Attributes returns message attributes for routing and filtering.
func (n JobNotification) Attributes() map[string]string {
	return map[string]string{
		"event":   n.Event,
		"job_id":  n.JobID,
		"user_id": n.UserID,
		"status":  n.Status,
	}
}

// PublishSink forwards job completions to a publisher. Publishing is best
// effort: failures are returned to the hub, which logs them.
type PublishSink struct {
	pub    media.Publisher
	topic  string
	logger *zap.Logger
}

// NewPublishSink builds a sink publishing to topic.
func NewPublishSink(pub media.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes one notification per terminal event in batch.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		n := JobNotification{
			Event:           EventJobFinished,
			JobID:           evt.JobID,
			UserID:          evt.UserID,
			Status:          string(media.JobStatusCompleted),
			FinishedAt:      evt.TS.UTC(),
			DurationSeconds: evt.Dur.Seconds(),
		}
		if evt.Stage == progress.StageJobError {
			n.Status = string(media.JobStatusFailed)
			n.ErrorText = evt.Reason
		}
		id, err := s.pub.Publish(ctx, s.topic, n)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s for job %s: %w", n.Event, n.JobID, err))
			continue
		}
		s.logger.Debug("published job notification", zap.String("job_id", n.JobID), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
