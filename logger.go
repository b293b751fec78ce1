package bptree

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the per-index logger. Log lines go to
// <indexDir>/logs/<operation>.log; the logger is handed to every component
// at construction instead of living in a global.
func NewLogger(indexDir, operation string) *zap.Logger {
	logDir := filepath.Join(indexDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return zap.NewNop()
	}
	path := filepath.Join(logDir, operation+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zap.NewNop()
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(f),
		zapcore.InfoLevel,
	)
	return zap.New(core).Named(operation)
}

// nopLogger keeps constructors total when the caller passes nil.
func nopLogger(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
