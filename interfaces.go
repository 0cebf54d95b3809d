package resumux

import (
	"context"
	"io"
)

// Request is a single outbound HTTP-shaped request, built and owned by a
// Transport. Implementations wrap whatever platform
// object they like; Underlying exposes it as an escape hatch.
type Request interface {
	Method() string
	URL() string
	SetHeader(key, value string)
	Header(key string) string
	// SetProgressHandler installs a callback invoked with cumulative bytes
	// sent as the request body streams out. May be called with nil to
	// clear a previously installed handler.
	SetProgressHandler(fn func(sent int64))
	// Send dispatches the request with the given body (nil for bodyless
	// requests) and blocks for the response.
	Send(ctx context.Context, body io.Reader) (Response, error)
	// Abort cancels an in-flight Send.
	Abort()
	Underlying() any
}

// Response is the result of a successfully dispatched Request — "success"
// here means the round trip completed, not that the status was 2xx.
type Response interface {
	StatusCode() int
	Header(key string) string
	Body() string
	Underlying() any
}

// Transport builds outbound requests. A concrete
// implementation is an external collaborator; pkg/tustransport provides a
// net/http-based reference implementation.
type Transport interface {
	NewRequest(method, url string) (Request, error)
}

// SourceSlice is the result of slicing a Source over [start, end). Body
// must be acceptable as a Request.Send body; Size reports its byte length.
// Done is true when the source is exhausted at end — the signal the
// Sending state uses to detect the final chunk under deferred
// length.
type SourceSlice struct {
	Body io.Reader
	Size int64
	Done bool
}

// Source is a random-access byte source. In parallel
// mode distinct parts slice disjoint ranges of the same opened
// Source concurrently, so Slice must be safe to call from multiple
// goroutines at once — an io.ReaderAt-backed implementation gets this for
// free.
type Source interface {
	// Size returns the source's total byte length and whether it is
	// known. An unknown size (ok == false) only makes sense alongside
	// UploadRequest.UploadLengthDeferred.
	Size() (size int64, ok bool)
	// Slice returns the bytes in [start, end). A negative end means "read
	// until EOF" — the shape the deferred-length, unbounded-chunk-size
	// combination needs, since neither side of the range is known upfront.
	Slice(ctx context.Context, start, end int64) (SourceSlice, error)
	Close() error
}

// SourceOpener opens a Source from an opaque input handle understood by
// the concrete implementation.
type SourceOpener interface {
	Open(ctx context.Context, input any, chunkSize int64) (Source, error)
}

// URLStore persists and recovers fingerprint-keyed upload records.
// AddUpload must return a non-empty opaque key or a non-nil error — never
// a silent empty key that disables subsequent deletion.
type URLStore interface {
	FindAllUploads(ctx context.Context) ([]PersistedRecord, error)
	FindUploadsByFingerprint(ctx context.Context, fingerprint string) ([]PersistedRecord, error)
	RemoveUpload(ctx context.Context, key string) error
	AddUpload(ctx context.Context, fingerprint string, record PersistedRecord) (key string, err error)
}

// Fingerprinter derives a stable identifier for an input. A returned
// empty string is non-fatal — it simply disables persistent resumption
// for this run, matching the "string | null" contract upstream tus
// client libraries use for the same concept.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, input any, opts FingerprintOptions) (string, error)
}

// FingerprintOptions carries the request fields a Fingerprinter may want:
// endpoint disambiguates the same local input uploaded to different
// endpoints.
type FingerprintOptions struct {
	Endpoint string
}
