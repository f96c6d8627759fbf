// Package executor runs one capture on a leased browser session under a hard
// deadline and classifies how it ended.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/capture"
	"github.com/JakeFAU/webshot/internal/clock/system"
	"github.com/JakeFAU/webshot/internal/hash/sha256"
	"github.com/JakeFAU/webshot/internal/metrics"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// Executor drives Navigate, WaitReady and Screenshot on an engine.
type Executor struct {
	hasher capture.Hasher
	clock  capture.Clock
	logger *zap.Logger
}

// New builds an Executor. Nil collaborators fall back to SHA-256, the system
// clock and a no-op logger.
func New(hasher capture.Hasher, clock capture.Clock, logger *zap.Logger) *Executor {
	if hasher == nil {
		hasher = sha256.New()
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{hasher: hasher, clock: clock, logger: logger}
}

type attempt struct {
	nav   capture.Navigation
	image []byte
	err   error
}

// Execute captures rawURL on engine and reports the result together with the
// health of the engine afterwards. It returns within timeout even when the
// engine ignores its context, and always resets the engine before returning.
func (e *Executor) Execute(
	ctx context.Context,
	engine capture.Engine,
	key capture.Key,
	rawURL string,
	timeout time.Duration,
) (capture.Result, capture.Outcome) {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attempt, 1)
	go func() {
		done <- e.run(runCtx, engine, rawURL)
	}()

	var res capture.Result
	var outcome capture.Outcome
	select {
	case a := <-done:
		res, outcome = e.classify(runCtx, key, rawURL, a)
	case <-runCtx.Done():
		res, outcome = e.fail(key, rawURL, deadlineErr(runCtx.Err(), timeout)), capture.OutcomeFaulty
	}

	if err := engine.Reset(); err != nil {
		e.logger.Warn("reset engine after capture", zap.String("key", key.String()), zap.Error(err))
		outcome = capture.OutcomeFaulty
	}

	duration := time.Since(start)
	metrics.ObserveCapture(string(res.Status), res.Reason, res.Size(), duration)
	fields := []zap.Field{
		zap.String("url", rawURL),
		zap.String("key", key.String()),
		zap.Duration("duration", duration),
		zap.Stringer("outcome", outcome),
	}
	if res.OK() {
		e.logger.Info("capture succeeded", append(fields, zap.Int("bytes", res.Size()))...)
	} else {
		e.logger.Warn("capture failed", append(fields, zap.String("reason", res.Reason), zap.Error(res.Err))...)
	}
	return res, outcome
}

func (e *Executor) run(ctx context.Context, engine capture.Engine, rawURL string) (a attempt) {
	defer func() {
		if r := recover(); r != nil {
			a = attempt{err: fmt.Errorf("%w: engine panic: %v", capture.ErrEngineCrash, r)}
		}
	}()

	nav, err := engine.Navigate(ctx, rawURL)
	if err != nil {
		return attempt{err: fmt.Errorf("navigate: %w", err)}
	}
	if nav.StatusCode >= 400 {
		return attempt{nav: nav, err: fmt.Errorf("%w: target responded %d", capture.ErrPageLoad, nav.StatusCode)}
	}
	if err := engine.WaitReady(ctx); err != nil {
		return attempt{nav: nav, err: fmt.Errorf("wait ready: %w", err)}
	}
	image, err := engine.Screenshot(ctx)
	if err != nil {
		return attempt{nav: nav, err: fmt.Errorf("screenshot: %w", err)}
	}
	return attempt{nav: nav, image: image}
}

func (e *Executor) classify(
	ctx context.Context,
	key capture.Key,
	rawURL string,
	a attempt,
) (capture.Result, capture.Outcome) {
	switch {
	case a.err == nil:
	case ctx.Err() != nil && errors.Is(a.err, ctx.Err()):
		return e.fail(key, rawURL, deadlineErr(ctx.Err(), 0)), capture.OutcomeFaulty
	case errors.Is(a.err, capture.ErrPageLoad):
		res := e.fail(key, rawURL, a.err)
		res.StatusCode = a.nav.StatusCode
		return res, capture.OutcomeHealthy
	case errors.Is(a.err, capture.ErrEngineCrash):
		return e.fail(key, rawURL, a.err), capture.OutcomeFaulty
	default:
		return e.fail(key, rawURL, fmt.Errorf("%w: %w", capture.ErrEngineCrash, a.err)), capture.OutcomeFaulty
	}

	if len(a.image) == 0 {
		return e.fail(key, rawURL, fmt.Errorf("%w: empty screenshot", capture.ErrEngineCrash)), capture.OutcomeFaulty
	}
	if !bytes.HasPrefix(a.image, pngSignature) {
		return e.fail(key, rawURL, fmt.Errorf("%w: screenshot is not a PNG", capture.ErrEngineCrash)), capture.OutcomeFaulty
	}
	digest, err := e.hasher.Hash(a.image)
	if err != nil {
		return e.fail(key, rawURL, fmt.Errorf("hash screenshot: %w", err)), capture.OutcomeHealthy
	}
	return capture.Result{
		Key:         key,
		URL:         rawURL,
		Image:       a.image,
		ContentType: capture.ContentTypePNG,
		CapturedAt:  e.clock.Now(),
		Hash:        digest,
		StatusCode:  a.nav.StatusCode,
		Status:      capture.StatusSuccess,
	}, capture.OutcomeHealthy
}

func (e *Executor) fail(key capture.Key, rawURL string, err error) capture.Result {
	return capture.Failed(key, rawURL, e.clock.Now(), err)
}

func deadlineErr(cause error, timeout time.Duration) error {
	if errors.Is(cause, context.Canceled) {
		return fmt.Errorf("%w: canceled: %w", capture.ErrCaptureTimeout, cause)
	}
	if timeout > 0 {
		return fmt.Errorf("%w after %s", capture.ErrCaptureTimeout, timeout)
	}
	return capture.ErrCaptureTimeout
}
