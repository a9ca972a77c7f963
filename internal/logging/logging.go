// Package logging builds the single process-wide structured logger minipx
// threads into every component, replacing stdlib log.Printf call sites
// with go.uber.org/zap while keeping the original bracketed-subsystem
// message shape as structured fields.
package logging

import "go.uber.org/zap"

// New builds a *zap.SugaredLogger. verbose mirrors the --verbose CLI flag:
// true selects zap's development config (human-readable, debug level),
// false selects the production JSON config.
func New(verbose bool) (*zap.SugaredLogger, error) {
	var base *zap.Logger
	var err error
	if verbose {
		base, err = zap.NewDevelopment()
	} else {
		base, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return base.Sugar(), nil
}
