package util

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// StdLogger adapts logger for libraries that only accept a *log.Logger, such
// as http.Server. Lines are logged at warn level under the given subsystem.
func StdLogger(logger *zap.Logger, subsystem string) *log.Logger {
	std, err := zap.NewStdLogAt(logger.With(zap.String("subsystem", subsystem)), zapcore.WarnLevel)
	if err != nil {
		// only fails on an invalid level
		panic(err)
	}
	return std
}
