package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/media"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
)

// Outcome reasons.
const (
	ReasonTimeout = "TIMEOUT"
	ReasonStalled = "STALLED"
	ReasonStopped = "STOPPED"
	ReasonError   = "ERROR"
)

var (
	errTimeout = errors.New("download timed out")
	errStalled = errors.New("download stalled")
	errStopped = errors.New(media.ReasonStoppedByUser)
)

// Outcome summarizes one fetch. Reason is empty on a clean success. OK can be
// true with a non-empty ErrorText when the engine failed after the primary
// media file was written.
type Outcome struct {
	OK        bool
	Files     []string
	Reason    string
	ErrorText string
}

// Config controls the Fetcher.
type Config struct {
	DownloadTimeout time.Duration
	StallTimeout    time.Duration
	// TickInterval bounds how often the watchdog checks deadlines. Zero
	// derives it from the shorter timeout.
	TickInterval time.Duration
	// UserAgent picks the agent for configs with random-agent set. Nil uses
	// RandomUserAgent.
	UserAgent func() string
}

// Params is one resource to fetch.
type Params struct {
	URL            string
	Options        Options
	OutputTemplate string
	// Timeout and StallTimeout override the configured defaults when set.
	Timeout      time.Duration
	StallTimeout time.Duration
}

// Fetcher wraps an Engine with timeout and stall detection.
type Fetcher struct {
	engine    Engine
	fs        afero.Fs
	cfg       Config
	pickAgent func() string
	logger    *zap.Logger
}

// NewFetcher builds a Fetcher. fs is used to scan the output directory.
func NewFetcher(engine Engine, fs afero.Fs, cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if fs == nil {
		return nil, errors.New("filesystem is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pick := cfg.UserAgent
	if pick == nil {
		pick = RandomUserAgent
	}
	return &Fetcher{engine: engine, fs: fs, cfg: cfg, pickAgent: pick, logger: logger}, nil
}

// Fetch runs the engine for one resource. It aborts the engine when the total
// timeout passes, when no progress arrives within the stall timeout, or when
// token is stopped. onProgress may be nil.
func (f *Fetcher) Fetch(ctx context.Context, p Params, onProgress func(Progress), token *Token) Outcome {
	timeout := firstPositive(p.Timeout, f.cfg.DownloadTimeout)
	stall := firstPositive(p.StallTimeout, f.cfg.StallTimeout)
	if token != nil && token.Stopped() {
		return stoppedOutcome()
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	w := &watchdog{last: time.Now(), lastBytes: -1}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.watch(runCtx, cancel, w, token, timeout, stall, done)
	}()

	result, err := f.engine.Run(runCtx, Request{
		URL:            p.URL,
		OutputTemplate: p.OutputTemplate,
		Args:           f.engineArgs(p),
	}, func(pr Progress) {
		w.observe(pr)
		if onProgress != nil {
			onProgress(pr)
		}
		if token != nil && token.Stopped() {
			cancel(errStopped)
		}
	})
	close(done)
	wg.Wait()

	outcome := f.classify(runCtx, p, result, err, token)
	metrics.ObserveFetch(p.URL, outcomeLabel(outcome))
	return outcome
}

func (f *Fetcher) classify(runCtx context.Context, p Params, result EngineResult, err error, token *Token) Outcome {
	cause := context.Cause(runCtx)
	switch {
	case errors.Is(cause, errStopped) || (token != nil && token.Stopped()):
		return stoppedOutcome()
	case errors.Is(cause, errTimeout):
		return Outcome{Reason: ReasonTimeout, ErrorText: errTimeout.Error()}
	case errors.Is(cause, errStalled):
		return Outcome{Reason: ReasonStalled, ErrorText: errStalled.Error()}
	}

	files, scanErr := f.scan(filepath.Dir(p.OutputTemplate))
	if scanErr != nil {
		f.logger.Warn("scan output directory", zap.String("url", p.URL), zap.Error(scanErr))
	}
	if err == nil {
		if len(files) == 0 {
			files = mediaOnly(result.Files)
		}
		return Outcome{OK: true, Files: files}
	}
	if len(files) > 0 {
		f.logger.Warn("engine reported failure but media is present",
			zap.String("url", p.URL), zap.Strings("files", files), zap.Error(err))
		return Outcome{OK: true, Files: files, Reason: ReasonError, ErrorText: err.Error()}
	}
	return Outcome{Reason: ReasonError, ErrorText: err.Error()}
}

func (f *Fetcher) watch(
	ctx context.Context,
	cancel context.CancelCauseFunc,
	w *watchdog,
	token *Token,
	timeout, stall time.Duration,
	done <-chan struct{},
) {
	start := time.Now()
	ticker := time.NewTicker(f.tick(timeout, stall))
	defer ticker.Stop()

	var stopCh <-chan struct{}
	if token != nil {
		stopCh = token.Done()
	}
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-stopCh:
			if token.Stopped() {
				cancel(errStopped)
				return
			}
			stopCh = nil
		case now := <-ticker.C:
			if timeout > 0 && now.Sub(start) > timeout {
				cancel(errTimeout)
				return
			}
			if stall > 0 && now.Sub(w.lastProgress()) > stall {
				cancel(errStalled)
				return
			}
		}
	}
}

func (f *Fetcher) tick(timeout, stall time.Duration) time.Duration {
	if f.cfg.TickInterval > 0 {
		return f.cfg.TickInterval
	}
	shortest := stall
	if timeout > 0 && (shortest <= 0 || timeout < shortest) {
		shortest = timeout
	}
	d := shortest / 5
	if d < 5*time.Millisecond {
		d = 5 * time.Millisecond
	}
	if d > time.Second {
		d = time.Second
	}
	return d
}

// scan lists media files directly under dir.
func (f *Fetcher) scan(dir string) ([]string, error) {
	entries, err := afero.ReadDir(f.fs, dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !media.IsMediaFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// watchdog tracks the last time the engine made progress. A sample counts
// as progress when the byte count changes, which also covers a new file
// starting from zero.
type watchdog struct {
	mu        sync.Mutex
	last      time.Time
	lastBytes int64
}

func (w *watchdog) observe(p Progress) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p.DownloadedBytes != w.lastBytes {
		w.lastBytes = p.DownloadedBytes
		w.last = time.Now()
	}
}

func (w *watchdog) lastProgress() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func stoppedOutcome() Outcome {
	return Outcome{Reason: ReasonStopped, ErrorText: media.ReasonStoppedByUser}
}

func outcomeLabel(o Outcome) string {
	if o.OK {
		return "ok"
	}
	return strings.ToLower(o.Reason)
}

func mediaOnly(files []string) []string {
	var out []string
	for _, f := range files {
		if media.IsMediaFile(f) {
			out = append(out, f)
		}
	}
	return out
}

func firstPositive(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
