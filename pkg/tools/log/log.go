// Package log replaces the zap globals at import time,
// so callers just blank-import it and use zap.S().
package log

import (
	"fmt"

	"github.com/spf13/viper"
	"github.com/streamfn/orchestrator/pkg/env"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func init() {
	level := zapcore.InfoLevel
	if raw := viper.GetString(env.LogLevel); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			level = zapcore.InfoLevel
		}
	}
	cfg := zap.Config{
		Encoding:         "json",
		Level:            zap.NewAtomicLevelAt(level),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey: "message",

			LevelKey:    "level",
			EncodeLevel: zapcore.CapitalLevelEncoder,

			TimeKey:    "time",
			EncodeTime: zapcore.ISO8601TimeEncoder,

			CallerKey:    "caller",
			EncodeCaller: zapcore.ShortCallerEncoder,
		},
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	zap.ReplaceGlobals(logger)
}
