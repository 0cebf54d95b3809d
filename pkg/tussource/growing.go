package tussource

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aleksikoho/resumux"
)

// GrowingFileOpener opens a local file whose final size is not yet known
// — the deferred-length case — by watching it for Write events instead of
// polling.
type GrowingFileOpener struct {
	// PollInterval is the wait between size checks when no watcher could be
	// established, the longest wait for a watcher event before re-checking,
	// and the quiet period after which growth counts as stalled. Defaults
	// to one second.
	PollInterval time.Duration
}

// Open implements resumux.SourceOpener. input must be a string path.
func (o GrowingFileOpener) Open(ctx context.Context, input any, chunkSize int64) (resumux.Source, error) {
	path, ok := input.(string)
	if !ok {
		return nil, fmt.Errorf("tussource: GrowingFileOpener expects a string path, got %T", input)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tussource: opening %s: %w", path, err)
	}

	watcher, watchErr := fsnotify.NewWatcher()
	if watchErr == nil {
		if err := watcher.Add(path); err != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}

	poll := o.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	return &GrowingFileSource{file: f, path: path, watcher: watcher, poll: poll}, nil
}

// GrowingFileSource is a Source over a file that may still be growing.
// Size reports unknown until a Slice call has observed growth stall and
// returned Done — until then Size's ok is false, matching
// UploadLengthDeferred's contract.
type GrowingFileSource struct {
	file    *os.File
	path    string
	watcher *fsnotify.Watcher
	poll    time.Duration

	finalSize int64
	known     bool
}

// Size implements resumux.Source.
func (s *GrowingFileSource) Size() (int64, bool) {
	if s.known {
		return s.finalSize, true
	}

	return 0, false
}

// Slice implements resumux.Source: reads [start, end) when the bytes are
// already on disk, else waits (via fsnotify, falling back to polling)
// until they are, or until ctx is done. A read that returns fewer bytes
// than requested with no further growth observed for one full wait
// interval is treated as EOF (Done=true), giving the deferred-length
// Sending loop in single.go its completion signal.
func (s *GrowingFileSource) Slice(ctx context.Context, start, end int64) (resumux.SourceSlice, error) {
	needed := end
	if needed < 0 {
		needed = start // unbounded end: read whatever is currently available
	}

	if err := s.waitForBytes(ctx, needed); err != nil {
		return resumux.SourceSlice{}, err
	}

	info, err := s.file.Stat()
	if err != nil {
		return resumux.SourceSlice{}, fmt.Errorf("tussource: stat %s: %w", s.path, err)
	}

	available := info.Size()

	sliceEnd := end
	if sliceEnd < 0 || sliceEnd > available {
		sliceEnd = available
	}

	if start > sliceEnd {
		start = sliceEnd
	}

	buf := make([]byte, sliceEnd-start)

	n, readErr := s.file.ReadAt(buf, start)
	if readErr != nil && n == 0 {
		return resumux.SourceSlice{}, fmt.Errorf("tussource: reading range [%d,%d): %w", start, sliceEnd, readErr)
	}

	done := s.growthStalled(ctx, start+int64(n))
	if done {
		s.known = true
		s.finalSize = start + int64(n)
	}

	return resumux.SourceSlice{Body: newByteReader(buf[:n]), Size: int64(n), Done: done}, nil
}

// waitForBytes blocks until the file has at least `needed` bytes, or ctx
// ends, using fsnotify Write events when available and a poll ticker
// otherwise.
func (s *GrowingFileSource) waitForBytes(ctx context.Context, needed int64) error {
	for {
		info, err := s.file.Stat()
		if err != nil {
			return fmt.Errorf("tussource: stat %s: %w", s.path, err)
		}

		if info.Size() >= needed {
			return nil
		}

		if s.watcher != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case _, ok := <-s.watcher.Events:
				if !ok {
					s.watcher = nil
				}

				continue
			case <-s.watcher.Errors:
				continue
			case <-time.After(s.poll):
				continue
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.poll):
		}
	}
}

// growthStalled reports whether the file appears to have stopped
// growing: no size increase observed after waiting one poll interval.
func (s *GrowingFileSource) growthStalled(ctx context.Context, observedSize int64) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.poll):
	}

	info, err := s.file.Stat()
	if err != nil {
		return false
	}

	return info.Size() == observedSize
}

// Close implements resumux.Source.
func (s *GrowingFileSource) Close() error {
	if s.watcher != nil {
		s.watcher.Close()
	}

	return s.file.Close()
}

var _ resumux.SourceOpener = GrowingFileOpener{}
var _ resumux.Source = (*GrowingFileSource)(nil)
