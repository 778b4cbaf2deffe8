// Package logging builds the process-wide zap logger.
package logging

import "go.uber.org/zap"

// New returns a console logger for development and a JSON logger otherwise,
// and installs it as the zap global.
func New(environment string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}
