package capture

import (
	"context"
	"io"
	"time"
)

// Engine is the browser binding leased through a pool session. Implementations
// must honor ctx deadlines; the executor also guards against ones that do not.
type Engine interface {
	// Navigate loads url and reports the main document response. Errors that
	// describe the target (DNS, refused connection, URL rejected by the engine)
	// must wrap ErrPageLoad; anything else is treated as an engine fault.
	Navigate(ctx context.Context, url string) (Navigation, error)
	// WaitReady blocks until the page is ready to be captured.
	WaitReady(ctx context.Context) error
	// Screenshot returns the rendered viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)
	// Reset aborts any navigation in progress and drops per-capture state.
	Reset() error
	// Close terminates the underlying browser process or connection.
	Close() error
}

// Pinger is implemented by engines that can report liveness cheaply.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Launcher starts new engines for the pool.
type Launcher interface {
	Launch(ctx context.Context) (Engine, error)
}

// Hasher computes digests for content verification.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// RecordStore persists archive rows.
type RecordStore interface {
	StoreCapture(ctx context.Context, record Record) error
}

// Publisher pushes capture notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
