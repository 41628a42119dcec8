/**
 * @description
 * Process-wide structured logger. Components take a named child logger via For so
 * every line carries a `component` field.
 *
 * @dependencies
 * - go.uber.org/zap: Structured, leveled logging.
 */
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log = zap.NewNop()

// Init builds the global logger. "production" emits JSON with ISO8601 timestamps;
// anything else uses the colored development encoder.
func Init(env string) error {
	var config zap.Config
	if env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	built, err := config.Build()
	if err != nil {
		return err
	}
	Log = built
	zap.ReplaceGlobals(Log)
	return nil
}

// For returns a child logger tagged with the component name.
func For(component string) *zap.Logger {
	return Log.With(zap.String("component", component))
}

// Sync flushes buffered entries.
func Sync() {
	_ = Log.Sync()
}
