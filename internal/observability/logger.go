package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log *zap.Logger

func InitLogger(serviceName string) {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	Log = logger.With(zap.String("service", serviceName))
}

// Logger returns the process logger, initializing a fallback if InitLogger
// was never called (library callers, tests).
func Logger() *zap.Logger {
	if Log == nil {
		InitLogger("chatlink")
	}
	return Log
}
