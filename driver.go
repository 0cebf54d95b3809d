package resumux

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aleksikoho/resumux/internal/retry"
)

// Driver owns one logical upload end to end: validation, fingerprinting,
// create-or-resume, chunked transmission, retry, and (optionally)
// parallel partitioning. One Driver instance is owned by one logical
// executor at a time, but Abort is meant to be called from a second
// goroutine while Start is in flight — mu therefore guards only the
// shared mutable fields (cancel, aborted, activeRequest, the parallel
// bookkeeping), never a whole Start call, so Abort never blocks behind
// the upload it is trying to interrupt.
type Driver struct {
	req    UploadRequest
	state  UploadState
	retry  *retry.Controller
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New validates req and returns a ready-to-Start Driver. logger may be
// nil, in which case slog.Default() is used.
func New(req UploadRequest, logger *slog.Logger) (*Driver, error) {
	req = req.normalized()

	if err := req.validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	d := &Driver{
		req:    req,
		logger: logger,
		retry:  retry.NewController(req.RetryDelays, adaptShouldRetry(req.OnShouldRetry, &req), nil),
	}

	if req.UploadURL != "" {
		d.state.URL = req.UploadURL
	}

	if req.UploadSize != nil {
		size := *req.UploadSize
		d.state.Size = &size
	}

	return d, nil
}

// adaptShouldRetry wraps a user-supplied predicate into the
// retry package's Classifier shape, or returns nil to fall back to the
// default predicate (step 4).
func adaptShouldRetry(fn func(err error, attempt int, req *UploadRequest) bool, req *UploadRequest) retry.Classifier {
	if fn == nil {
		return nil
	}

	return func(err error, attempt int) bool { return fn(err, attempt, req) }
}

// FindPreviousUploads queries the configured URLStore for every record
// matching this input's fingerprint. Returns nil, nil when no
// Fingerprinter or URLStore is configured, or when the Fingerprinter
// returns "" (no fingerprint available for this input).
func (d *Driver) FindPreviousUploads(ctx context.Context) ([]PersistedRecord, error) {
	if d.req.Fingerprinter == nil || d.req.URLStore == nil {
		return nil, nil
	}

	fp, err := d.req.Fingerprinter.Fingerprint(ctx, d.req.Input, FingerprintOptions{Endpoint: d.req.Endpoint})
	if err != nil || fp == "" {
		return nil, nil
	}

	records, err := d.req.URLStore.FindUploadsByFingerprint(ctx, fp)
	if err != nil {
		return nil, &StorageError{Op: "FindUploadsByFingerprint", Cause: err}
	}

	return records, nil
}

// ResumeFromPreviousUpload populates url (or parallelUrls) and size from a
// record the host selected via FindPreviousUploads. Performs no I/O.
// URLStoreKey is left empty, since PersistedRecord carries no store key;
// the next successful create or resume therefore adds a new record rather
// than reusing the selected one.
func (d *Driver) ResumeFromPreviousUpload(rec PersistedRecord) {
	if rec.IsParallel() {
		d.state.parallelURLs = make([]*string, len(rec.ParallelUploadURLs))
		for i, u := range rec.ParallelUploadURLs {
			url := u
			d.state.parallelURLs[i] = &url
		}

		if rec.Size != nil {
			size := *rec.Size
			d.state.Size = &size
		}

		return
	}

	d.state.URL = rec.UploadURL

	if rec.Size != nil {
		size := *rec.Size
		d.state.Size = &size
	}
}

// Start runs the driver to completion: Idle -> Validating -> Opening ->
// (Resuming|Creating) -> Sending -> Done, or Error/Aborted. It blocks the
// calling goroutine for the lifetime of the upload, honoring ctx
// cancellation and internal retries. Re-entrant after Abort(): a fresh
// Start() call re-enters at Validating with the same UploadState.
func (d *Driver) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	d.setAborted(false)

	defer cancel()

	if err := d.req.validate(); err != nil {
		d.fail(err)
		return err
	}

	d.setState(StateOpening)

	if err := d.openSource(runCtx); err != nil {
		d.fail(err)
		return err
	}

	if d.isParallel() {
		return d.runParallel(runCtx)
	}

	return d.runSingle(runCtx)
}

// Abort cancels any in-flight request and pending retry, marks the driver
// aborted, and (optionally) terminates the server-side resource. Idempotent
// and safe to call even when no upload is in flight. Called from a second
// goroutine while Start(ctx) is still running — it only ever takes mu for
// the instant needed to snapshot the fields it acts on, so it is never
// blocked behind the upload it is meant to interrupt.
func (d *Driver) Abort() {
	d.mu.Lock()
	d.state.aborted = true
	children := append([]*Driver(nil), d.state.parallelChildren...)
	active := d.state.activeRequest
	cancel := d.cancel
	url := d.state.URL
	d.mu.Unlock()

	for _, child := range children {
		if child != nil {
			child.Abort()
		}
	}

	if active != nil {
		active.Abort()
	}

	if cancel != nil {
		cancel()
	}

	if d.req.ShouldTerminate && url != "" {
		ctx := context.Background()
		if err := d.terminate(ctx); err != nil {
			d.logger.Warn("resumux: terminate on abort failed", slog.String("error", err.Error()))
		} else {
			d.deletePersistedRecord(ctx)
		}
	}

	d.setState(StateAborted)
}

func (d *Driver) isParallel() bool {
	return d.req.ParallelUploads > 1 || len(d.state.parallelURLs) > 0
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state.state = s
	d.mu.Unlock()

	d.logger.Debug("resumux: state transition", slog.String("state", s.String()))
}

// currentState reads the state machine value under mu, since Abort may be
// setting it from another goroutine while Start's own goroutine reads it.
func (d *Driver) currentState() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state.state
}

// isAborted and setAborted guard the aborted flag, read from both the
// goroutine running Start and a concurrent Abort call.
func (d *Driver) isAborted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state.aborted
}

func (d *Driver) setAborted(v bool) {
	d.mu.Lock()
	d.state.aborted = v
	d.mu.Unlock()
}

// setActiveRequest guards the in-flight request handle that Abort uses to
// cancel a request a context-oblivious Transport wouldn't otherwise stop.
func (d *Driver) setActiveRequest(req Request) {
	d.mu.Lock()
	d.state.activeRequest = req
	d.mu.Unlock()
}

// fail invokes OnError unless the driver has been aborted.
func (d *Driver) fail(err error) {
	if d.isAborted() {
		return
	}

	d.setState(StateError)

	if d.req.OnError != nil {
		d.req.OnError(err)
	}
}

// checkAborted is consulted between every suspension point and the next
// outbound request.
func (d *Driver) checkAborted() error {
	if d.isAborted() {
		return ErrAborted
	}

	return nil
}
