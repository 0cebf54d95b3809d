package tussource

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aleksikoho/resumux"
)

// MemoryOpener opens byte slices held in memory. input given to Open must
// be a []byte — intended for tests and small uploads where staging a
// temp file is unnecessary overhead.
type MemoryOpener struct{}

// Open implements resumux.SourceOpener.
func (MemoryOpener) Open(ctx context.Context, input any, chunkSize int64) (resumux.Source, error) {
	data, ok := input.([]byte)
	if !ok {
		return nil, fmt.Errorf("tussource: MemoryOpener expects a []byte, got %T", input)
	}

	return &MemorySource{data: data}, nil
}

// MemorySource is a []byte-backed Source.
type MemorySource struct {
	data []byte
}

// Size implements resumux.Source.
func (s *MemorySource) Size() (int64, bool) { return int64(len(s.data)), true }

// Slice implements resumux.Source. end < 0 means "until EOF".
func (s *MemorySource) Slice(ctx context.Context, start, end int64) (resumux.SourceSlice, error) {
	total := int64(len(s.data))

	if end < 0 || end > total {
		end = total
	}

	if start > end {
		start = end
	}

	return resumux.SourceSlice{
		Body: bytes.NewReader(s.data[start:end]),
		Size: end - start,
		Done: end >= total,
	}, nil
}

// Close implements resumux.Source. No-op: memory needs no release.
func (s *MemorySource) Close() error { return nil }

var _ resumux.SourceOpener = MemoryOpener{}
var _ resumux.Source = (*MemorySource)(nil)
