package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
)

// ModuleSink is the per-module log destination. Entries go to the module's own
// file and are mirrored to the process logger.
type ModuleSink struct {
	Logger *zap.Logger
	file   *os.File
}

// Close flushes the logger and closes the module log file.
func (s *ModuleSink) Close() error {
	_ = s.Logger.Sync() //nolint:errcheck // best-effort flush
	if s.file == nil {
		return nil
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close module log: %w", err)
	}
	return nil
}

// ModuleLogPath returns <dir>/<name>.<id>.log.
func ModuleLogPath(dir string, m crawler.Module) string {
	return filepath.Join(dir, m.String()+".log")
}

// NewModuleSink opens (or creates) the log file for m under dir. An empty dir
// yields a sink that only mirrors to base.
func NewModuleSink(dir string, m crawler.Module, base *zap.Logger) (*ModuleSink, error) {
	if base == nil {
		base = zap.NewNop()
	}
	scoped := base.Named("module").With(
		zap.Stringer("module_id", m.ID),
		zap.String("module", m.ModuleName),
	)
	if dir == "" {
		return &ModuleSink{Logger: scoped}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create module log dir: %w", err)
	}
	f, err := os.OpenFile(ModuleLogPath(dir, m), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open module log: %w", err)
	}
	level := zapcore.InfoLevel
	if m.LogActivity {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), level)
	logger := scoped.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	}))
	return &ModuleSink{Logger: logger, file: f}, nil
}
