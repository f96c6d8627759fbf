package capture

import (
	"context"
	"errors"
	"fmt"
)

// Failure taxonomy. Every failed Result carries an error wrapping exactly one
// of these sentinels.
var (
	// ErrInvalidURL rejects input before any pool or cache interaction.
	ErrInvalidURL = errors.New("invalid url")
	// ErrPoolExhausted means no session became available within the acquire timeout.
	ErrPoolExhausted = errors.New("browser pool exhausted")
	// ErrPoolClosed is returned once the pool has been shut down.
	ErrPoolClosed = errors.New("browser pool closed")
	// ErrCaptureTimeout means the page never became ready within the capture timeout.
	ErrCaptureTimeout = errors.New("capture timed out")
	// ErrEngineCrash covers browser process faults and unusable renders.
	ErrEngineCrash = errors.New("browser engine crashed")
	// ErrPageLoad means the target returned an error or was unreachable.
	ErrPageLoad = errors.New("page load error")
	// ErrRateLimited means the target host already received its share of captures.
	ErrRateLimited = errors.New("target host rate limited")
)

// Failure reasons reported in Result.Reason and metrics labels.
const (
	ReasonInvalidURL    = "invalid-url"
	ReasonPoolExhausted = "pool-exhausted"
	ReasonPoolClosed    = "pool-closed"
	ReasonTimeout       = "timeout"
	ReasonEngineCrash   = "engine-crash"
	ReasonPageLoad      = "page-load-error"
	ReasonRateLimited   = "rate-limited"
	ReasonCanceled      = "canceled"
	ReasonInternal      = "internal"
)

// ValidationError describes a URL that can never be captured.
type ValidationError struct {
	URL    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid url %q: %s", e.URL, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidURL.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidURL
}

// Reason maps err onto one of the Reason* constants; nil maps to "".
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidURL):
		return ReasonInvalidURL
	case errors.Is(err, ErrPoolExhausted):
		return ReasonPoolExhausted
	case errors.Is(err, ErrPoolClosed):
		return ReasonPoolClosed
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, ErrCaptureTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrPageLoad):
		return ReasonPageLoad
	case errors.Is(err, ErrEngineCrash):
		return ReasonEngineCrash
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	default:
		return ReasonInternal
	}
}

// Transient reports whether retrying the same URL later may succeed.
func Transient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidURL), errors.Is(err, ErrPageLoad), errors.Is(err, ErrPoolClosed):
		return false
	default:
		return true
	}
}

// Faulty reports whether err implicates the browser session itself.
func Faulty(err error) bool {
	return errors.Is(err, ErrEngineCrash) || errors.Is(err, ErrCaptureTimeout)
}
