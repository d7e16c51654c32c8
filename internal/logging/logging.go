// Package logging builds the zap loggers used by the daemons.
package logging

import (
	"go.uber.org/zap"
)

// New returns a logger named for one component. Production mode emits JSON;
// dev mode emits console output with human timestamps.
func New(component string, dev bool) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if dev {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar().Named(component), nil
}

// Nop returns a no-op logger for tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
