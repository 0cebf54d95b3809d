package resumux

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aleksikoho/resumux/internal/protocol"
)

// runParallel is the parallel-upload engine: split
// the source into N parts, drive N sub-drivers as partial uploads, then
// issue the final concatenation request.
func (d *Driver) runParallel(ctx context.Context) error {
	n := d.req.ParallelUploads
	if len(d.state.parallelURLs) > 0 {
		n = len(d.state.parallelURLs)
	}

	boundaries, err := d.partBoundaries(n)
	if err != nil {
		d.fail(err)
		return err
	}

	d.mu.Lock()
	if d.state.parallelURLs == nil {
		d.state.parallelURLs = make([]*string, n)
	}

	d.state.parallelChildren = make([]*Driver, n)
	d.mu.Unlock()

	agg := newProgressAggregator(n, d.req.OnProgress)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n)

	for i := 0; i < n; i++ {
		i := i
		boundary := boundaries[i]

		g.Go(func() error {
			child, err := d.spawnPart(i, boundary, agg)
			if err != nil {
				return err
			}

			d.mu.Lock()
			d.state.parallelChildren[i] = child
			d.mu.Unlock()

			if err := child.Start(gctx); err != nil {
				return fmt.Errorf("resumux: part %d: %w", i, err)
			}

			d.mu.Lock()
			url := child.state.URL
			d.state.parallelURLs[i] = &url
			d.mu.Unlock()

			d.maybePersistParallelRecord(ctx)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		d.fail(err)
		return err
	}

	if err := d.checkAborted(); err != nil {
		return err
	}

	return d.concatenateFinal(ctx)
}

// partBoundaries returns the caller-supplied partition, or the default
// even split with the remainder riding in the last part.
func (d *Driver) partBoundaries(n int) ([]Boundary, error) {
	if len(d.req.ParallelBoundaries) > 0 {
		return d.req.ParallelBoundaries, nil
	}

	if d.state.Size == nil {
		return nil, &ConfigurationError{Reason: "parallel upload requires a known total size"}
	}

	total := *d.state.Size
	partSize := total / int64(n)

	boundaries := make([]Boundary, n)

	for i := 0; i < n; i++ {
		start := int64(i) * partSize
		end := start + partSize

		if i == n-1 {
			end = total
		}

		boundaries[i] = Boundary{Start: start, End: end}
	}

	return boundaries, nil
}

// spawnPart builds the sub-driver for part i: a contiguous single-upload
// Driver targeting [start,end), tagged
// Upload-Concat: partial, with persistence and metadata disabled (the
// parent owns both).
func (d *Driver) spawnPart(i int, boundary Boundary, agg *progressAggregator) (*Driver, error) {
	partSize := boundary.End - boundary.Start

	partReq := d.req
	partReq.ParallelUploads = 1
	partReq.ParallelBoundaries = nil
	partReq.Metadata = nil
	partReq.StoreFingerprint = false
	partReq.RemoveFingerprintOnSuccess = false
	partReq.UploadSize = &partSize
	partReq.Headers = mergeHeaders(d.req.Headers, protocol.HeaderUploadConcat, protocol.ConcatPartial)

	if existing := d.state.parallelURLs[i]; existing != nil {
		partReq.UploadURL = *existing
	} else {
		partReq.UploadURL = ""
	}

	partReq.OnProgress = func(sent, _ int64) { agg.report(i, sent) }
	partReq.OnChunkComplete = nil
	partReq.OnSuccess = nil
	partReq.OnError = nil
	partReq.OnUploadURLAvailable = nil

	partReq.SourceOpener = boundedSourceOpener{parent: d.state.source, boundary: boundary}

	child, err := New(partReq, d.logger)
	if err != nil {
		return nil, fmt.Errorf("resumux: building part %d driver: %w", i, err)
	}

	return child, nil
}

// maybePersistParallelRecord persists the full parallelUploadUrls list
// exactly once, the instant every slot is non-nil:
// never a partial write.
func (d *Driver) maybePersistParallelRecord(ctx context.Context) {
	if !d.req.StoreFingerprint || d.req.URLStore == nil || d.req.Fingerprinter == nil {
		return
	}

	// Held across the check and the write so two parts finishing together
	// cannot both see every slot filled and both persist.
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state.URLStoreKey != "" {
		return
	}

	urls := make([]string, len(d.state.parallelURLs))

	for i, u := range d.state.parallelURLs {
		if u == nil {
			return
		}

		urls[i] = *u
	}

	if d.state.Fingerprint == "" {
		fp, err := d.req.Fingerprinter.Fingerprint(ctx, d.req.Input, FingerprintOptions{Endpoint: d.req.Endpoint})
		if err != nil || fp == "" {
			return
		}

		d.state.Fingerprint = fp
	}

	rec := PersistedRecord{
		Size:               d.state.Size,
		Metadata:           d.req.Metadata,
		ParallelUploadURLs: urls,
	}

	key, err := d.req.URLStore.AddUpload(ctx, d.state.Fingerprint, rec)
	if err != nil || key == "" {
		d.logger.Warn("resumux: failed to persist parallel upload record")
		return
	}

	d.state.URLStoreKey = key
}

// concatenateFinal issues the final POST with Upload-Concat: final
// listing every part URL in boundary order.
func (d *Driver) concatenateFinal(ctx context.Context) error {
	urls := make([]string, len(d.state.parallelURLs))
	for i, u := range d.state.parallelURLs {
		urls[i] = *u
	}

	req, err := d.newRequest("POST", d.req.Endpoint)
	if err != nil {
		return err
	}

	req.SetHeader(protocol.HeaderUploadConcat, protocol.ConcatFinal(urls))

	if meta := protocol.EncodeMetadata(d.req.Metadata); meta != "" {
		req.SetHeader(protocol.HeaderUploadMetadata, meta)
	}

	resp, err := d.send(ctx, req, nil)
	if err != nil {
		d.fail(err)
		return err
	}

	location := resp.Header(protocol.HeaderLocation)
	if location == "" {
		err := &ProtocolError{Reason: "missing Location header on final concatenation response", Request: req, Response: resp}
		d.fail(err)

		return err
	}

	d.state.URL = resolveLocation(d.req.Endpoint, location)
	d.setState(StateDone)
	d.emitUploadURLAvailable()
	d.finish(ctx)

	return nil
}

// mergeHeaders returns a copy of base with key/value appended, leaving
// base untouched (the parent's Headers map is shared across parts).
func mergeHeaders(base map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(base)+1)
	for k, v := range base {
		out[k] = v
	}

	out[key] = value

	return out
}

// progressAggregator maintains total = Σ lastPerPart so the parent's
// aggregate progress is monotone and consistent even as parts advance
// out of lockstep.
type progressAggregator struct {
	mu       sync.Mutex
	perPart  []int64
	onReport func(sent, total int64)
}

func newProgressAggregator(n int, onProgress func(sent, total int64)) *progressAggregator {
	return &progressAggregator{
		perPart:  make([]int64, n),
		onReport: onProgress,
	}
}

func (a *progressAggregator) report(part int, sent int64) {
	if a.onReport == nil {
		return
	}

	a.mu.Lock()
	a.perPart[part] = sent

	var sum int64
	for _, v := range a.perPart {
		sum += v
	}
	a.mu.Unlock()

	a.onReport(sum, -1)
}

// boundedSourceOpener adapts an already-open parent Source into a
// SourceOpener that exposes only the [boundary.Start, boundary.End) slice
// to a part's sub-driver, translating part-relative offsets to
// parent-relative ones.
type boundedSourceOpener struct {
	parent   Source
	boundary Boundary
}

func (o boundedSourceOpener) Open(ctx context.Context, input any, chunkSize int64) (Source, error) {
	return boundedSource{parent: o.parent, boundary: o.boundary}, nil
}

type boundedSource struct {
	parent   Source
	boundary Boundary
}

func (s boundedSource) Size() (int64, bool) {
	return s.boundary.End - s.boundary.Start, true
}

func (s boundedSource) Slice(ctx context.Context, start, end int64) (SourceSlice, error) {
	partSize := s.boundary.End - s.boundary.Start

	absStart := s.boundary.Start + start

	absEnd := s.boundary.End
	if end >= 0 {
		absEnd = s.boundary.Start + end
		if absEnd > s.boundary.End {
			absEnd = s.boundary.End
		}
	}

	slice, err := s.parent.Slice(ctx, absStart, absEnd)
	if err != nil {
		return SourceSlice{}, err
	}

	slice.Done = start+slice.Size >= partSize

	return slice, nil
}

func (s boundedSource) Close() error { return nil }
