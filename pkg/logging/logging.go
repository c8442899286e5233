// Package logging constructs the process-wide zap logger. Nothing here
// is a package-level mutable logger: bootstrap builds one *zap.Logger
// and every component that needs to log takes it (or a
// *zap.SugaredLogger derived from it) as a constructor argument, per
// the "no module-level mutable state beyond a single process-bootstrap
// function" re-architecture note.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	Level       string // debug|info|warn|error
	Development bool
	JSON        bool
}

// New builds a *zap.Logger from Config. On a bad level it falls back
// to info rather than failing process bootstrap.
func New(cfg Config) *zap.Logger {
	level := zapcore.InfoLevel
	_ = level.UnmarshalText([]byte(cfg.Level))

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.JSON {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(core, opts...)
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.Logger {
	return zap.NewNop()
}
