// Package tussource provides resumux Source/SourceOpener implementations:
// an os.File-backed source for ordinary local files, an in-memory source
// for tests and small inputs, and a growing-file source for inputs still
// being written to disk.
package tussource

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/aleksikoho/resumux"
)

// FileOpener opens local filesystem paths as resumux Sources. input given
// to Open must be a string path.
type FileOpener struct{}

// Open implements resumux.SourceOpener.
func (FileOpener) Open(ctx context.Context, input any, chunkSize int64) (resumux.Source, error) {
	path, ok := input.(string)
	if !ok {
		return nil, fmt.Errorf("tussource: FileOpener expects a string path, got %T", input)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tussource: opening %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tussource: stat %s: %w", path, err)
	}

	return &FileSource{file: f, size: info.Size()}, nil
}

// FileSource is an os.File-backed Source using io.ReaderAt for concurrent,
// random-access slicing — the same contract driveops threads as
// content io.ReaderAt through its upload path.
type FileSource struct {
	mu   sync.Mutex
	file *os.File
	size int64
}

// Size implements resumux.Source.
func (s *FileSource) Size() (int64, bool) { return s.size, true }

// Slice implements resumux.Source. end < 0 means "until EOF".
func (s *FileSource) Slice(ctx context.Context, start, end int64) (resumux.SourceSlice, error) {
	if end < 0 || end > s.size {
		end = s.size
	}

	if start > end {
		start = end
	}

	length := end - start
	buf := make([]byte, length)

	s.mu.Lock()
	n, err := s.file.ReadAt(buf, start)
	s.mu.Unlock()

	if err != nil && err != io.EOF {
		return resumux.SourceSlice{}, fmt.Errorf("tussource: reading range [%d,%d): %w", start, end, err)
	}

	return resumux.SourceSlice{
		Body: newByteReader(buf[:n]),
		Size: int64(n),
		Done: start+int64(n) >= s.size,
	}, nil
}

// Close implements resumux.Source.
func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.file.Close()
}

func newByteReader(b []byte) io.Reader {
	return &limitedByteReader{data: b}
}

type limitedByteReader struct {
	data []byte
	pos  int
}

func (r *limitedByteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}

	n := copy(p, r.data[r.pos:])
	r.pos += n

	return n, nil
}

var _ resumux.SourceOpener = FileOpener{}
var _ resumux.Source = (*FileSource)(nil)
