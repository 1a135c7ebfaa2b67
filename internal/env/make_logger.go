package env

import (
	zap "go.uber.org/zap"
)

// MakeLogger builds the process logger. debug lowers the level to Debug,
// which also logs every dropped response and rejected header.
func MakeLogger(debug bool) (*zap.Logger, error) {
	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	logConfig.Encoding = "json"

	if debug {
		logConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	return logConfig.Build()
}
