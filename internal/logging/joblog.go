package logging

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// JobLogConfig controls rotation of per-job log files.
type JobLogConfig struct {
	MaxSizeMB  int
	MaxBackups int
}

// JobLogs opens one rotating log file per job inside the owning user's log
// directory so users can read their own download history.
type JobLogs struct {
	cfg JobLogConfig
}

// NewJobLogs constructs a JobLogs factory.
func NewJobLogs(cfg JobLogConfig) *JobLogs {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups < 0 {
		cfg.MaxBackups = 0
	}
	return &JobLogs{cfg: cfg}
}

// Open returns a logger that writes to both base and <dir>/<jobID>.log, plus
// a close func that flushes and releases the file.
func (j *JobLogs) Open(base *zap.Logger, dir, jobID string) (*zap.Logger, func() error, error) {
	if base == nil {
		base = zap.NewNop()
	}
	if strings.TrimSpace(dir) == "" {
		return nil, nil, fmt.Errorf("log directory is required")
	}
	if jobID == "" || strings.ContainsAny(jobID, `/\`) {
		return nil, nil, fmt.Errorf("invalid job id %q", jobID)
	}
	writer := &lumberjack.Logger{
		Filename:   filepath.Join(dir, jobID+".log"),
		MaxSize:    j.cfg.MaxSizeMB,
		MaxBackups: j.cfg.MaxBackups,
		Compress:   true,
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileEncoderConfig()),
		zapcore.AddSync(writer),
		zapcore.DebugLevel,
	)
	logger := base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))
	closeFn := func() error {
		_ = logger.Sync() //nolint:errcheck // best-effort flush
		if err := writer.Close(); err != nil {
			return fmt.Errorf("close job log: %w", err)
		}
		return nil
	}
	return logger, closeFn, nil
}
