// pkg/logger/logger.go
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New picks the production or development logger for the given environment.
func New(serviceName, environment string) *zap.Logger {
	if environment == "production" {
		return NewLogger(serviceName)
	}
	return NewDevelopmentLogger(serviceName)
}

// NewLogger creates a JSON logger tagged with the engine component name
func NewLogger(serviceName string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	log, err := config.Build()
	if err != nil {
		panic(err)
	}

	return log
}

// NewDevelopmentLogger creates a console logger with colored levels
func NewDevelopmentLogger(serviceName string) *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	log, err := config.Build()
	if err != nil {
		panic(err)
	}

	return log
}
