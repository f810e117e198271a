// Package worker implements the job runner: it walks a job's resource list,
// resolves each resource through the content store, and fetches what is
// missing.
package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/contentstore"
	"github.com/JakeFAU/media-fetcher/internal/dispatcher"
	"github.com/JakeFAU/media-fetcher/internal/fetch"
	"github.com/JakeFAU/media-fetcher/internal/logging"
	"github.com/JakeFAU/media-fetcher/internal/media"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
	"github.com/JakeFAU/media-fetcher/internal/policy/ratelimit"
	"github.com/JakeFAU/media-fetcher/internal/progress"
)

// OutputTemplate names fetched files inside the staging directory.
const OutputTemplate = "%(upload_date)s - %(title)s.%(ext)s"

const (
	defaultStagingDir = ".staging"
	tracerName        = "github.com/JakeFAU/media-fetcher/internal/worker"
)

// Fetcher runs one resource fetch. *fetch.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, p fetch.Params, onProgress func(fetch.Progress), token *fetch.Token) fetch.Outcome
}

// Config controls Runner behavior.
type Config struct {
	// DedupEnabled routes resources through the shared content store.
	DedupEnabled bool
	// StagingDir is the folder under each user's download directory where
	// fetches land before they are placed.
	StagingDir string
}

// Deps groups the Runner's collaborators.
type Deps struct {
	Jobs    media.JobStore
	Configs media.ConfigStore
	Lists   media.ResourceListStore
	Users   media.UserDirectory
	Content *contentstore.Store
	Fetcher Fetcher
	// Limiter, Emitter and JobLogs are optional.
	Limiter *ratelimit.Limiter
	Emitter progress.Emitter
	JobLogs *logging.JobLogs
	FS      afero.Fs
	Clock   media.Clock
}

// Runner executes admitted jobs. It implements dispatcher.Runner.
type Runner struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Runner.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Runner, error) {
	if deps.Jobs == nil || deps.Configs == nil || deps.Lists == nil || deps.Users == nil {
		return nil, errors.New("job store, config store, resource list store and user directory are required")
	}
	if deps.Content == nil || deps.Fetcher == nil || deps.FS == nil || deps.Clock == nil {
		return nil, errors.New("content store, fetcher, filesystem and clock are required")
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = defaultStagingDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{deps: deps, cfg: cfg, logger: logger}, nil
}

type resourceResult int

const (
	resultFetched resourceResult = iota
	resultDeduplicated
	resultFailed
	resultStopped
)

// Run processes job until its resources are exhausted, a stop is requested,
// or ctx ends, and then records the terminal status.
func (r *Runner) Run(ctx context.Context, job media.Job, exec *dispatcher.Execution) {
	start := r.deps.Clock.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "job.run")
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.user", job.UserID),
		attribute.Bool("job.link_mode", job.LinkMode),
	)
	defer span.End()
	logger, closeLog := r.openJobLog(job)
	defer closeLog()

	r.emit(progress.Event{JobID: job.ID, UserID: job.UserID, TS: start, Stage: progress.StageJobStart, Note: job.Name})
	logger.Info("job running",
		zap.String("job_id", job.ID),
		zap.String("config", job.ConfigName),
		zap.String("resource_list", job.ResourceListName),
		zap.Bool("link_mode", job.LinkMode))

	var counters media.JobCounters
	runErr := r.runSafely(ctx, job, exec, logger, &counters)
	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
	}
	span.SetAttributes(
		attribute.Int("job.fetched", counters.Fetched),
		attribute.Int("job.deduplicated", counters.Deduplicated),
		attribute.Int("job.failed", counters.Failed),
	)
	r.finish(ctx, job, exec, counters, runErr, start, logger)
}

func (r *Runner) runSafely(
	ctx context.Context,
	job media.Job,
	exec *dispatcher.Execution,
	logger *zap.Logger,
	counters *media.JobCounters,
) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("job panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.process(ctx, job, exec, logger, counters)
}

func (r *Runner) process(
	ctx context.Context,
	job media.Job,
	exec *dispatcher.Execution,
	logger *zap.Logger,
	counters *media.JobCounters,
) error {
	raw, err := r.deps.Configs.LoadConfig(ctx, job.UserID, job.ConfigName)
	if err != nil {
		return fmt.Errorf("load config %s: %w: %w", job.ConfigName, media.ErrJobFatal, err)
	}
	opts, err := fetch.ParseOptions(raw)
	if err != nil {
		return fmt.Errorf("parse config %s: %w: %w", job.ConfigName, media.ErrJobFatal, err)
	}
	r.resolveUserFiles(opts, job.UserID)
	if r.cfg.DedupEnabled {
		r.seedArchive(ctx, opts.DownloadArchive(), logger)
	}

	list, err := r.deps.Lists.LoadResourceList(ctx, job.UserID, job.ResourceListName)
	if err != nil {
		return fmt.Errorf("load resource list %s: %w: %w", job.ResourceListName, media.ErrJobFatal, err)
	}
	logger.Info("resource list loaded", zap.String("job_id", job.ID), zap.Int("resources", list.Count()))

	folders := make([]string, 0, len(list))
	for folder := range list {
		folders = append(folders, folder)
	}
	sort.Strings(folders)

	for _, folder := range folders {
		for _, url := range list[folder] {
			if exec.Stopped() || ctx.Err() != nil {
				return nil
			}
			exec.SetResource(url, media.ResourcePending)
			result, err := r.handleResource(ctx, job, exec, opts, folder, url, logger)
			switch result {
			case resultFetched:
				counters.Fetched++
				exec.SetResource(url, media.ResourceDone)
			case resultDeduplicated:
				counters.Deduplicated++
				exec.SetResource(url, media.ResourceDone)
			case resultFailed:
				counters.Failed++
				exec.SetResource(url, media.ResourceFailed)
				logger.Error("resource failed",
					zap.String("job_id", job.ID),
					zap.String("folder", folder),
					zap.String("url", url),
					zap.Error(err))
			case resultStopped:
				exec.SetResource(url, media.ResourceFailed)
				logger.Info("resource stopped",
					zap.String("job_id", job.ID),
					zap.String("url", url),
					zap.String("reason", media.ReasonStoppedByUser))
				return nil
			}
		}
	}
	return nil
}

func (r *Runner) handleResource(
	ctx context.Context,
	job media.Job,
	exec *dispatcher.Execution,
	opts fetch.Options,
	folder, url string,
	logger *zap.Logger,
) (resourceResult, error) {
	if err := r.deps.Limiter.Wait(ctx, url); err != nil {
		if ctx.Err() != nil {
			return resultStopped, err
		}
		return resultFailed, err
	}
	key, err := r.deps.Content.ResourceKey(url)
	if err != nil {
		return resultFailed, err
	}
	destDir := filepath.Join(r.deps.Users.DownloadDir(job.UserID), folder)

	if r.cfg.DedupEnabled {
		path, ok, err := r.deps.Content.Lookup(ctx, key)
		if err != nil {
			return resultFailed, err
		}
		if ok {
			return r.reuse(ctx, job, opts, key, url, path, destDir, logger)
		}

		claim, err := r.deps.Content.Claim(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return resultStopped, err
			}
			return resultFailed, err
		}
		defer claim.Release()
		if claim.Mode == contentstore.ClaimResolved {
			return r.reuse(ctx, job, opts, key, url, claim.Path, destDir, logger)
		}
		// Another worker may have stored it between the lookup and the lock.
		path, ok, err = r.deps.Content.Lookup(ctx, key)
		if err != nil {
			return resultFailed, err
		}
		if ok {
			return r.reuse(ctx, job, opts, key, url, path, destDir, logger)
		}
	}

	return r.fetchResource(ctx, job, exec, opts, key, url, destDir, logger)
}

// reuse makes an already stored artifact visible in destDir.
func (r *Runner) reuse(
	ctx context.Context,
	job media.Job,
	opts fetch.Options,
	key, url, path, destDir string,
	logger *zap.Logger,
) (resourceResult, error) {
	var (
		target string
		err    error
	)
	if job.LinkMode {
		target, err = r.deps.Content.Link(ctx, path, destDir)
	} else {
		target, err = r.deps.Content.CopyOut(ctx, path, destDir)
	}
	if err != nil {
		return resultFailed, fmt.Errorf("place stored artifact: %w", err)
	}
	if job.LinkMode {
		if err := r.record(ctx, job, key, url, path, target); err != nil {
			return resultFailed, err
		}
	}
	r.applyPoster(opts, destDir, logger)

	r.emit(progress.Event{
		JobID:  job.ID,
		UserID: job.UserID,
		TS:     r.deps.Clock.Now(),
		Stage:  progress.StageDedupHit,
		Site:   metrics.SanitizeSite(url),
		URL:    url,
		OK:     true,
	})
	logger.Info("resource already stored",
		zap.String("job_id", job.ID),
		zap.String("url", url),
		zap.String("path", target))
	return resultDeduplicated, nil
}

func (r *Runner) fetchResource(
	ctx context.Context,
	job media.Job,
	exec *dispatcher.Execution,
	opts fetch.Options,
	key, url, destDir string,
	logger *zap.Logger,
) (resourceResult, error) {
	staging := filepath.Join(r.deps.Users.DownloadDir(job.UserID), r.cfg.StagingDir, job.ID, key)
	if err := r.deps.FS.MkdirAll(staging, 0o750); err != nil {
		return resultFailed, fmt.Errorf("create staging dir: %w", err)
	}
	defer func() {
		if err := r.deps.FS.RemoveAll(staging); err != nil {
			logger.Warn("staging cleanup failed", zap.String("path", staging), zap.Error(err))
		}
	}()

	exec.SetResource(url, media.ResourceFetching)
	started := r.deps.Clock.Now()
	site := metrics.SanitizeSite(url)
	r.emit(progress.Event{JobID: job.ID, UserID: job.UserID, TS: started, Stage: progress.StageFetchStart, Site: site, URL: url})

	outcome := r.deps.Fetcher.Fetch(ctx, fetch.Params{
		URL:            url,
		Options:        opts,
		OutputTemplate: filepath.Join(staging, OutputTemplate),
		Timeout:        opts.DownloadTimeout(0),
		StallTimeout:   opts.StallTimeout(0),
	}, nil, exec.Token())

	done := progress.Event{
		JobID:  job.ID,
		UserID: job.UserID,
		Stage:  progress.StageFetchDone,
		Site:   site,
		URL:    url,
		OK:     outcome.OK,
		Reason: outcome.Reason,
	}
	defer func() {
		done.TS = r.deps.Clock.Now()
		done.Dur = nonNegative(done.TS.Sub(started))
		r.emit(done)
	}()

	if !outcome.OK {
		if outcome.Reason == fetch.ReasonStopped {
			return resultStopped, errors.New(outcome.ErrorText)
		}
		return resultFailed, fmt.Errorf("fetch %s: %s", outcome.Reason, outcome.ErrorText)
	}
	if outcome.ErrorText != "" {
		logger.Warn("fetch finished with warnings",
			zap.String("job_id", job.ID),
			zap.String("url", url),
			zap.String("warning", outcome.ErrorText))
	}
	if len(outcome.Files) == 0 {
		done.OK = false
		return resultFailed, fmt.Errorf("fetch %s produced no media", url)
	}

	done.Bytes = r.sizeOf(outcome.Files)
	if err := r.place(ctx, job, key, url, outcome.Files, destDir); err != nil {
		done.OK = false
		return resultFailed, err
	}
	r.applyPoster(opts, destDir, logger)
	logger.Info("resource fetched",
		zap.String("job_id", job.ID),
		zap.String("url", url),
		zap.Strings("files", outcome.Files))
	return resultFetched, nil
}

// place moves fetched files to their final location. Shared placement stores
// every file under the key and records the first one as the key's artifact.
func (r *Runner) place(ctx context.Context, job media.Job, key, url string, files []string, destDir string) error {
	if !job.LinkMode || !r.cfg.DedupEnabled {
		for _, file := range files {
			if _, err := r.deps.Content.MoveOut(ctx, file, destDir); err != nil {
				return fmt.Errorf("move %s: %w", filepath.Base(file), err)
			}
		}
		return nil
	}
	for i, file := range files {
		final, err := r.deps.Content.Store(ctx, key, file)
		if err != nil {
			return fmt.Errorf("store %s: %w", filepath.Base(file), err)
		}
		target, err := r.deps.Content.Link(ctx, final, destDir)
		if err != nil {
			return fmt.Errorf("link %s: %w", filepath.Base(file), err)
		}
		if i == 0 {
			if err := r.record(ctx, job, key, url, final, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) record(ctx context.Context, job media.Job, key, url, path, linkPath string) error {
	return r.deps.Content.Record(ctx,
		media.ContentEntry{Key: key, URL: url, Path: path, UserID: job.UserID},
		&media.ContentLink{Key: key, UserID: job.UserID, JobID: job.ID, LinkPath: linkPath},
	)
}

func (r *Runner) finish(
	ctx context.Context,
	job media.Job,
	exec *dispatcher.Execution,
	counters media.JobCounters,
	runErr error,
	start time.Time,
	logger *zap.Logger,
) {
	now := r.deps.Clock.Now()
	t := media.Transition{
		From:     media.JobStatusRunning,
		To:       media.JobStatusCompleted,
		Counters: &counters,
		At:       now,
	}
	switch {
	case exec.Stopped():
		t.To, t.ErrorText = media.JobStatusFailed, media.ReasonStoppedByUser
	case ctx.Err() != nil:
		t.To, t.ErrorText = media.JobStatusFailed, media.ReasonInterrupted
	case runErr != nil:
		t.To, t.ErrorText = media.JobStatusFailed, runErr.Error()
	}

	if _, err := r.deps.Jobs.TransitionJob(context.WithoutCancel(ctx), job.ID, t); err != nil {
		logger.Error("final job status update failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	metrics.ObserveJob(string(t.To))

	stage := progress.StageJobDone
	if t.To == media.JobStatusFailed {
		stage = progress.StageJobError
	}
	r.emit(progress.Event{
		JobID:  job.ID,
		UserID: job.UserID,
		TS:     now,
		Stage:  stage,
		OK:     t.To == media.JobStatusCompleted,
		Reason: t.ErrorText,
		Dur:    nonNegative(now.Sub(start)),
		Note:   job.Name,
	})
	logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(t.To)),
		zap.String("error", t.ErrorText),
		zap.Int("fetched", counters.Fetched),
		zap.Int("deduplicated", counters.Deduplicated),
		zap.Int("failed", counters.Failed))
}

// resolveUserFiles points relative cookie and archive files at the user's
// config folder. Cookies move only when the file exists there; the archive
// always lives there, since the engine creates it on first use.
func (r *Runner) resolveUserFiles(opts fetch.Options, userID string) {
	dir := r.deps.Users.ConfigDir(userID)
	opts.ResolvePaths(func(flag, name string) (string, bool) {
		candidate := filepath.Join(dir, filepath.Base(name))
		if flag == fetch.FlagDownloadArchive {
			return candidate, true
		}
		ok, err := afero.Exists(r.deps.FS, candidate)
		return candidate, err == nil && ok
	})
}

func (r *Runner) openJobLog(job media.Job) (*zap.Logger, func()) {
	base := r.logger.With(zap.String("user", job.UserID))
	if r.deps.JobLogs == nil {
		return base, func() {}
	}
	dir := r.deps.Users.LogDir(job.UserID)
	if err := r.deps.FS.MkdirAll(dir, 0o750); err != nil {
		base.Warn("job log directory unavailable", zap.String("dir", dir), zap.Error(err))
		return base, func() {}
	}
	logger, closeFn, err := r.deps.JobLogs.Open(base, dir, job.ID)
	if err != nil {
		base.Warn("job log unavailable", zap.String("job_id", job.ID), zap.Error(err))
		return base, func() {}
	}
	return logger, func() {
		if err := closeFn(); err != nil {
			base.Warn("job log close failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

func (r *Runner) sizeOf(files []string) int64 {
	var total int64
	for _, file := range files {
		if info, err := r.deps.FS.Stat(file); err == nil {
			total += info.Size()
		}
	}
	return total
}

func (r *Runner) emit(evt progress.Event) {
	if r.deps.Emitter == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = r.deps.Clock.Now()
	}
	evt.TS = evt.TS.UTC()
	evt.URL = strings.TrimSpace(evt.URL)
	r.deps.Emitter.Emit(evt)
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
