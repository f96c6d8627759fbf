// Package noop provides a launcher for builds without a headless browser.
package noop

import (
	"context"
	"errors"

	"github.com/JakeFAU/webshot/internal/capture"
)

// ErrNotConfigured is returned by every launch attempt.
var ErrNotConfigured = errors.New("headless browser not configured")

// Launcher implements capture.Launcher but never produces an engine, so a
// pool built on it degrades and fails every acquire fast.
type Launcher struct{}

// New creates a new Noop launcher.
func New() *Launcher {
	return &Launcher{}
}

// Launch returns ErrNotConfigured.
func (Launcher) Launch(_ context.Context) (capture.Engine, error) {
	return nil, ErrNotConfigured
}
