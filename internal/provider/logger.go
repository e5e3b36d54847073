package provider

import "go.uber.org/zap"

var logger = zap.NewNop()

// InitializeLogger sets the logger for the provider package.
func InitializeLogger(l *zap.Logger) {
	logger = l
}
