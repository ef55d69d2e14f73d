package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide sink for all library diagnostics. The default
// writes formatted lines to standard output; replace it via SetLogger to
// route entries elsewhere.
var Logger *zap.Logger

func init() {
	Logger = newDefaultLogger()
}

func newDefaultLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stdout"}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	logger, _ := config.Build()
	return logger
}

// SetLogger installs a custom sink. A nil logger restores the default.
func SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = newDefaultLogger()
	}
	Logger = logger
}
