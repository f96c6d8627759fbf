package capture

import (
	"time"
)

// ContentTypePNG is the only encoding produced by the executor.
const ContentTypePNG = "image/png"

// Status is the terminal state of a capture.
type Status string

// Capture status values.
const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Outcome describes the health of a browser session after one capture.
type Outcome int

// Outcome values reported by the executor and consumed by the pool.
const (
	OutcomeHealthy Outcome = iota
	OutcomeFaulty
)

func (o Outcome) String() string {
	if o == OutcomeFaulty {
		return "faulty"
	}
	return "healthy"
}

// Result is the immutable product of one capture. Image is shared between the
// cache and every caller that receives the result and must not be modified.
// Cached is set on copies served from the cache without a new capture.
type Result struct {
	Key         Key       `json:"key"`
	URL         string    `json:"url"`
	Image       []byte    `json:"-"`
	ContentType string    `json:"content_type,omitempty"`
	CapturedAt  time.Time `json:"captured_at"`
	Hash        string    `json:"content_hash,omitempty"`
	StatusCode  int       `json:"status_code,omitempty"`
	Status      Status    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Cached      bool      `json:"cached"`
	Err         error     `json:"-"`
}

// OK reports whether the capture succeeded.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Size returns the encoded image size in bytes.
func (r Result) Size() int {
	return len(r.Image)
}

// Failed builds a failed result for key whose reason is derived from err.
func Failed(key Key, rawURL string, at time.Time, err error) Result {
	return Result{
		Key:        key,
		URL:        rawURL,
		CapturedAt: at,
		Status:     StatusFailed,
		Reason:     Reason(err),
		Err:        err,
	}
}

// Navigation is what the engine reports about the main document load.
type Navigation struct {
	StatusCode int
	FinalURL   string
}

// Record is the archive row written for each fresh successful capture.
type Record struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	CapturedAt  time.Time `json:"captured_at"`
	ContentHash string    `json:"content_hash"`
	BlobURI     string    `json:"blob_uri"`
	ByteSize    int       `json:"byte_size"`
	StatusCode  int       `json:"status_code"`
}
