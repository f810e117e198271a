package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

// Request is one engine invocation.
type Request struct {
	URL            string
	OutputTemplate string
	Args           []string
}

// Progress is a progress sample reported by the engine.
type Progress struct {
	DownloadedBytes int64
	TotalBytes      int64
	Started         time.Time
}

// EngineResult lists files the engine reported writing.
type EngineResult struct {
	Files []string
}

// Engine runs the external download engine. Run must return promptly once
// ctx is cancelled.
type Engine interface {
	Run(ctx context.Context, req Request, onProgress func(Progress)) (EngineResult, error)
}

// YTDLPEngine drives yt-dlp through go-ytdlp.
type YTDLPEngine struct {
	binary   string
	interval time.Duration
}

// NewYTDLPEngine builds an engine. An empty binary uses yt-dlp from PATH.
func NewYTDLPEngine(binary string, progressInterval time.Duration) *YTDLPEngine {
	if progressInterval <= 0 {
		progressInterval = 500 * time.Millisecond
	}
	return &YTDLPEngine{binary: binary, interval: progressInterval}
}

// Run executes a single download.
func (e *YTDLPEngine) Run(ctx context.Context, req Request, onProgress func(Progress)) (EngineResult, error) {
	dl := ytdlp.New().Output(req.OutputTemplate)
	if e.binary != "" {
		dl.SetExecutable(e.binary)
	}
	if onProgress != nil {
		dl.ProgressFunc(e.interval, func(update ytdlp.ProgressUpdate) {
			onProgress(Progress{
				DownloadedBytes: int64(update.DownloadedBytes),
				TotalBytes:      int64(update.TotalBytes),
				Started:         update.Started,
			})
		})
	}

	args := append(append([]string{}, req.Args...), req.URL)
	result, err := dl.Run(ctx, args...)

	var out EngineResult
	if result != nil {
		if infos, infoErr := result.GetExtractedInfo(); infoErr == nil {
			for _, info := range infos {
				if info != nil && info.Filename != nil {
					out.Files = append(out.Files, *info.Filename)
				}
			}
		}
	}
	if err != nil {
		return out, fmt.Errorf("yt-dlp %s: %w", req.URL, err)
	}
	return out, nil
}
