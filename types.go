// Package resumux implements the client core of a resumable file-upload
// protocol: a driver that creates, resumes, chunks, retries, and
// optionally parallelizes a single logical upload against a tus-family
// server, surviving process restarts via a fingerprint-keyed URL store.
//
// The package defines the driver and the capability contracts it depends
// on (Transport, Source, URLStore, Fingerprinter); concrete
// implementations of those contracts live under pkg/.
package resumux

import (
	"context"
	"time"

	"github.com/aleksikoho/resumux/internal/protocol"
)

// Re-export the protocol version enum at the package root — hosts should
// never need to import internal/protocol directly.
type Protocol = protocol.Version

const (
	ProtocolV1    = protocol.V1
	ProtocolDraft = protocol.Draft
)

// Unbounded marks UploadRequest.ChunkSize as "single request transmits the
// remainder".
const Unbounded int64 = -1

// Boundary is one [Start, End) part of a parallelized upload.
type Boundary struct {
	Start int64
	End   int64
}

// UploadRequest is the immutable input to a Driver.
type UploadRequest struct {
	// Input is an opaque handle understood by SourceOpener.
	Input any

	// Endpoint is the base URL for creating new resources. Optional if
	// UploadURL is given.
	Endpoint string
	// UploadURL is a pre-known resource URL to resume against. Optional.
	UploadURL string

	// Metadata maps ASCII keys (no space, no comma) to arbitrary-byte
	// values.
	Metadata map[string][]byte

	// UploadSize is the total byte size. nil means the size the Source
	// reports is used, or, under UploadLengthDeferred, that it stays
	// unknown until the final chunk.
	UploadSize *int64
	// ChunkSize is the per-request byte count, or Unbounded.
	ChunkSize int64

	// RetryDelays is the ordered, non-negative delay schedule. Empty
	// disables retry.
	RetryDelays []time.Duration

	// ParallelUploads is N >= 1. N > 1 activates the parallel engine (G).
	ParallelUploads int
	// ParallelBoundaries is an optional explicit partitioning; its length
	// must equal ParallelUploads when set.
	ParallelBoundaries []Boundary

	StoreFingerprint           bool
	RemoveFingerprintOnSuccess bool
	OverridePatchMethod        bool
	UploadDataDuringCreation   bool
	AddRequestID               bool
	UploadLengthDeferred       bool

	// Headers are additional request headers, applied after the
	// protocol-version header and before X-Request-ID.
	Headers map[string]string

	Protocol Protocol

	// ShouldTerminate requests that Abort() delete the server-side
	// resource before clearing the persisted record.
	ShouldTerminate bool

	// Capability handles.
	Transport     Transport
	SourceOpener  SourceOpener
	URLStore      URLStore
	Fingerprinter Fingerprinter

	// Callbacks. All are optional; all are invoked at most once per
	// logical event and never after Abort(). Hooks
	// return an error to abort the in-flight request (the Go rendering of
	// "may be asynchronous; both are awaited" — callers block in the hook
	// itself rather than returning a promise).
	OnProgress           func(bytesSent, bytesTotal int64)
	OnChunkComplete      func(chunkSize, bytesAccepted, bytesTotal int64)
	OnSuccess            func()
	OnError              func(err error)
	OnUploadURLAvailable func()
	OnBeforeRequest      func(ctx context.Context, req Request) error
	OnAfterResponse      func(ctx context.Context, req Request, resp Response) error
	OnShouldRetry        func(err error, attempt int, req *UploadRequest) bool
}

// State is the single-upload engine's state.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateOpening
	StateCreating
	StateResuming
	StateSending
	StateDone
	StateError
	StateAborted
)

// String implements fmt.Stringer for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateOpening:
		return "opening"
	case StateCreating:
		return "creating"
	case StateResuming:
		return "resuming"
	case StateSending:
		return "sending"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// UploadState is the mutable record owned by one Driver instance.
type UploadState struct {
	URL         string
	Offset      int64
	Size        *int64
	Fingerprint string
	URLStoreKey string

	state State

	aborted bool

	activeRequest Request
	source        Source

	parallelChildren []*Driver
	parallelURLs     []*string
}

// PersistedRecord is a URL-store row.
type PersistedRecord struct {
	Size               *int64
	Metadata           map[string][]byte
	CreationTime       string
	UploadURL          string
	ParallelUploadURLs []string
}

// IsParallel reports whether this record describes a parallel (partitioned)
// upload rather than a single contiguous one.
func (r PersistedRecord) IsParallel() bool { return len(r.ParallelUploadURLs) > 0 }
