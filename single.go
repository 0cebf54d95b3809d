package resumux

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/aleksikoho/resumux/internal/protocol"
	"github.com/aleksikoho/resumux/internal/retry"
)

// openSource opens the byte source once and resolves
// size: the explicit option if set, else the source's reported size,
// failing with *ConfigurationError if neither is available and length is
// not deferred.
func (d *Driver) openSource(ctx context.Context) error {
	if d.state.source != nil {
		return nil
	}

	src, err := d.req.SourceOpener.Open(ctx, d.req.Input, d.req.ChunkSize)
	if err != nil {
		return fmt.Errorf("resumux: opening source: %w", err)
	}

	d.state.source = src

	if d.req.UploadLengthDeferred {
		d.state.Size = nil
		return nil
	}

	if d.state.Size != nil {
		return nil
	}

	if size, ok := src.Size(); ok {
		d.state.Size = &size
		return nil
	}

	return &ConfigurationError{Reason: "upload size unknown: not set in options and source did not report one"}
}

// runSingle is the single-upload engine. It runs the whole
// create-or-resume-then-send state machine, retrying on transient
// failures until success, a terminal error, or abort.
func (d *Driver) runSingle(ctx context.Context) error {
	for {
		if err := d.checkAborted(); err != nil {
			return err
		}

		var err error

		if d.state.URL != "" {
			err = d.resume(ctx)
		} else {
			err = d.create(ctx)
		}

		if err == nil {
			break
		}

		if d.currentState() == StateDone {
			break
		}

		if !d.retryOrFail(ctx, err) {
			return err
		}
	}

	if d.currentState() == StateDone {
		return nil
	}

	return d.sendLoop(ctx)
}

// retryOrFail consults the retry controller; on a retry decision it sleeps
// and returns true (caller loops). On exhaustion it calls fail and returns
// false.
func (d *Driver) retryOrFail(ctx context.Context, err error) bool {
	d.retry.ObserveOffset(d.state.Offset)

	retryIt, delay := d.retry.Decide(err)
	if !retryIt {
		d.fail(err)
		return false
	}

	d.logger.Warn("resumux: retrying after error",
		slog.Int("attempt", d.retry.Attempt()),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()),
	)

	if sleepErr := retry.Sleep(ctx, delay); sleepErr != nil {
		d.fail(sleepErr)
		return false
	}

	return d.checkAborted() == nil
}

// create issues CREATE against the endpoint.
func (d *Driver) create(ctx context.Context) error {
	d.setState(StateCreating)

	if d.req.Endpoint == "" {
		return &ConfigurationError{Reason: "no endpoint configured to create a new upload"}
	}

	req, err := d.newRequest("POST", d.req.Endpoint)
	if err != nil {
		return err
	}

	if d.state.Size != nil {
		req.SetHeader(protocol.HeaderUploadLength, formatInt(*d.state.Size))
	} else {
		req.SetHeader(protocol.HeaderUploadDeferLen, protocol.DeferLengthValue())
	}

	if meta := protocol.EncodeMetadata(d.req.Metadata); meta != "" {
		req.SetHeader(protocol.HeaderUploadMetadata, meta)
	}

	var (
		body      SourceSlice
		sendChunk bool
	)

	if d.req.UploadDataDuringCreation && !d.req.UploadLengthDeferred {
		body, err = d.sliceChunk(ctx, 0)
		if err != nil {
			return err
		}

		sendChunk = true
		req.SetHeader(protocol.HeaderUploadOffset, "0")
		req.SetHeader(protocol.HeaderContentType, protocol.ContentTypeOffsetBytes)

		if d.req.Protocol == ProtocolDraft {
			req.SetHeader(protocol.HeaderUploadComplete, completeValue(body.Done))
		}
	} else if d.req.Protocol == ProtocolDraft {
		req.SetHeader(protocol.HeaderUploadComplete, "?0")
	}

	var resp Response

	if sendChunk {
		req.SetProgressHandler(func(sent int64) {
			if d.req.OnProgress != nil {
				d.emitProgress(sent)
			}
		})

		resp, err = d.send(ctx, req, body.Body)
	} else {
		resp, err = d.send(ctx, req, nil)
	}

	if err != nil {
		return err
	}

	location := resp.Header(protocol.HeaderLocation)
	if location == "" {
		return &ProtocolError{Reason: "missing Location header on creation response", Request: req, Response: resp}
	}

	d.state.URL = resolveLocation(d.req.Endpoint, location)
	d.emitUploadURLAvailable()

	if d.state.Size != nil && *d.state.Size == 0 {
		d.setState(StateDone)
		d.persistRecord(ctx)
		d.finish(ctx)

		return nil
	}

	d.persistRecord(ctx)

	if sendChunk {
		return d.handleChunkResponse(ctx, req, resp, body)
	}

	d.setState(StateSending)
	d.state.Offset = 0

	return nil
}

// resume issues HEAD against the stored URL.
func (d *Driver) resume(ctx context.Context) error {
	d.setState(StateResuming)

	req, err := d.newRequest("HEAD", d.state.URL)
	if err != nil {
		return err
	}

	resp, err := d.send(ctx, req, nil)
	if err != nil {
		var httpErr *HttpError
		if asHttpError(err, &httpErr) {
			if httpErr.Status == 423 {
				return err
			}

			if httpErr.Status >= 400 && httpErr.Status < 500 {
				d.deletePersistedRecord(ctx)

				if d.req.Endpoint != "" {
					d.state.URL = ""
					return d.create(ctx)
				}

				return &ProtocolError{Reason: "resume failed and no endpoint configured to recreate", Request: req}
			}
		}

		return err
	}

	offset, err := protocol.ParseOffset(resp.Header)
	if err != nil {
		return &ProtocolError{Reason: err.Error(), Request: req, Response: resp}
	}

	if d.state.Size == nil || !d.req.UploadLengthDeferred {
		length, ok, lenErr := protocol.ParseUploadLength(resp.Header)
		if lenErr != nil {
			return &ProtocolError{Reason: lenErr.Error(), Request: req, Response: resp}
		}

		if !ok && d.req.Protocol == ProtocolV1 && !d.req.UploadLengthDeferred {
			return &ProtocolError{Reason: "missing required Upload-Length on resume", Request: req, Response: resp}
		}

		if ok {
			d.state.Size = &length
		}
	}

	d.emitUploadURLAvailable()
	d.persistRecord(ctx)

	d.state.Offset = offset

	if d.state.Size != nil && offset == *d.state.Size {
		d.setState(StateDone)
		d.finish(ctx)

		return nil
	}

	d.setState(StateSending)

	return nil
}

// sendLoop drives the chunk loop until Done or a terminal
// error, retrying between chunks on transient failures.
func (d *Driver) sendLoop(ctx context.Context) error {
	for {
		if err := d.checkAborted(); err != nil {
			return err
		}

		if d.currentState() == StateDone {
			return nil
		}

		err := d.sendOneChunk(ctx)
		if err == nil {
			continue
		}

		if d.currentState() == StateDone {
			return nil
		}

		if !d.retryOrFail(ctx, err) {
			return err
		}
	}
}

// sendOneChunk builds and sends a single PATCH (or overridden POST)
// request for the current offset, then hands the response to
// handleChunkResponse.
func (d *Driver) sendOneChunk(ctx context.Context) error {
	body, err := d.sliceChunk(ctx, d.state.Offset)
	if err != nil {
		return err
	}

	method := "PATCH"
	if d.req.OverridePatchMethod {
		method = "POST"
	}

	req, err := d.newRequest(method, d.state.URL)
	if err != nil {
		return err
	}

	if d.req.OverridePatchMethod {
		req.SetHeader(protocol.HeaderMethodOverride, "PATCH")
	}

	req.SetHeader(protocol.HeaderUploadOffset, formatInt(d.state.Offset))
	req.SetHeader(protocol.HeaderContentType, protocol.ContentTypeOffsetBytes)

	if d.req.UploadLengthDeferred && body.Done {
		size := d.state.Offset + body.Size
		d.state.Size = &size
		req.SetHeader(protocol.HeaderUploadLength, formatInt(size))
	}

	if !d.req.UploadLengthDeferred && body.Done && d.state.Size != nil {
		if d.state.Offset+body.Size != *d.state.Size {
			return &SizeMismatchError{Expected: *d.state.Size, Actual: d.state.Offset + body.Size}
		}
	}

	if d.req.Protocol == ProtocolDraft {
		req.SetHeader(protocol.HeaderUploadComplete, completeValue(body.Done))
	}

	start := d.state.Offset

	req.SetProgressHandler(func(sent int64) {
		d.emitProgress(start + sent)
	})

	var resp Response

	if body.Size == 0 && body.Body == nil {
		resp, err = d.send(ctx, req, nil)
	} else {
		resp, err = d.send(ctx, req, body.Body)
	}

	if err != nil {
		return err
	}

	return d.handleChunkResponse(ctx, req, resp, body)
}

// handleChunkResponse parses Upload-Offset, emits progress/chunk-complete,
// advances state, and transitions to Done when offset == size.
func (d *Driver) handleChunkResponse(ctx context.Context, req Request, resp Response, body SourceSlice) error {
	newOffset, err := protocol.ParseOffset(resp.Header)
	if err != nil {
		return &ProtocolError{Reason: err.Error(), Request: req, Response: resp}
	}

	previous := d.state.Offset
	d.state.Offset = newOffset

	total := int64(-1)
	if d.state.Size != nil {
		total = *d.state.Size
	}

	d.emitProgress(newOffset)

	if d.req.OnChunkComplete != nil {
		d.req.OnChunkComplete(newOffset-previous, newOffset, total)
	}

	if d.state.Size != nil && newOffset == *d.state.Size {
		d.setState(StateDone)
		d.finish(ctx)

		return nil
	}

	d.setState(StateSending)

	return nil
}

// sliceChunk computes [start, end) for the next chunk and slices the source.
func (d *Driver) sliceChunk(ctx context.Context, start int64) (SourceSlice, error) {
	var end int64

	switch {
	case d.req.ChunkSize == Unbounded:
		if d.state.Size != nil {
			end = *d.state.Size
		} else {
			end = -1 // let the source decide
		}
	case d.state.Size != nil:
		end = start + d.req.ChunkSize
		if end > *d.state.Size {
			end = *d.state.Size
		}
	default:
		end = start + d.req.ChunkSize
	}

	return d.state.source.Slice(ctx, start, end)
}

// finish handles Done/success: closing the byte source, conditional
// fingerprint removal, then the success callback.
func (d *Driver) finish(ctx context.Context) {
	if d.state.source != nil {
		if err := d.state.source.Close(); err != nil {
			d.logger.Warn("resumux: failed to close source", slog.String("error", err.Error()))
		}
	}

	if d.req.RemoveFingerprintOnSuccess {
		d.deletePersistedRecord(ctx)
	}

	if d.isAborted() {
		return
	}

	if d.req.OnSuccess != nil {
		d.req.OnSuccess()
	}
}

// persistRecord writes the fingerprint record exactly when its
// precondition holds: storeFingerprint true, a fingerprint exists, and no
// key has been assigned yet.
func (d *Driver) persistRecord(ctx context.Context) {
	if !d.req.StoreFingerprint || d.req.URLStore == nil || d.req.Fingerprinter == nil {
		return
	}

	if d.state.URLStoreKey != "" {
		return
	}

	if d.state.Fingerprint == "" {
		fp, err := d.req.Fingerprinter.Fingerprint(ctx, d.req.Input, FingerprintOptions{Endpoint: d.req.Endpoint})
		if err != nil || fp == "" {
			return
		}

		d.state.Fingerprint = fp
	}

	rec := PersistedRecord{
		Size:         d.state.Size,
		Metadata:     d.req.Metadata,
		CreationTime: time.Now().UTC().Format(time.RFC3339),
		UploadURL:    d.state.URL,
	}

	key, err := d.req.URLStore.AddUpload(ctx, d.state.Fingerprint, rec)
	if err != nil {
		d.logger.Warn("resumux: failed to persist upload record", slog.String("error", err.Error()))
		return
	}

	if key == "" {
		d.logger.Warn("resumux: URLStore.AddUpload returned an empty key; persistence disabled for this upload")
		return
	}

	d.state.URLStoreKey = key
}

// deletePersistedRecord removes the persisted record, logging failures
// without propagating them.
func (d *Driver) deletePersistedRecord(ctx context.Context) {
	if d.req.URLStore == nil || d.state.URLStoreKey == "" {
		return
	}

	if err := d.req.URLStore.RemoveUpload(ctx, d.state.URLStoreKey); err != nil {
		d.logger.Warn("resumux: failed to remove persisted upload record", slog.String("error", err.Error()))
	}

	d.state.URLStoreKey = ""
}

func (d *Driver) emitUploadURLAvailable() {
	if d.isAborted() {
		return
	}

	if d.req.OnUploadURLAvailable != nil {
		d.req.OnUploadURLAvailable()
	}
}

func (d *Driver) emitProgress(sent int64) {
	if d.isAborted() {
		return
	}

	total := int64(-1)
	if d.state.Size != nil {
		total = *d.state.Size
	}

	if d.req.OnProgress != nil {
		d.req.OnProgress(sent, total)
	}
}

func formatInt(v int64) string { return fmt.Sprintf("%d", v) }

func completeValue(done bool) string {
	if done {
		return "?1"
	}

	return "?0"
}

// asHttpError is a small errors.As wrapper kept local to avoid importing
// "errors" into every call site that only needs this one check.
func asHttpError(err error, target **HttpError) bool {
	he, ok := err.(*HttpError)
	if !ok {
		return false
	}

	*target = he

	return true
}

// resolveLocation resolves a (possibly relative) Location header against
// the endpoint it was returned from, per the protocol family's convention
// of allowing servers to return relative resource URLs.
func resolveLocation(endpoint, location string) string {
	base, err := url.Parse(endpoint)
	if err != nil {
		return location
	}

	ref, err := url.Parse(location)
	if err != nil {
		return location
	}

	return base.ResolveReference(ref).String()
}
