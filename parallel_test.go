package resumux

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleksikoho/resumux/internal/protocol"
)

func TestParallelUploadOfTwoPartsConcatenatesOnCompletion(t *testing.T) {
	src := &fakeSource{data: []byte("0123456789")} // 10 bytes, split 5/5

	var mu sync.Mutex
	created := map[string]bool{}

	transport := &fakeTransport{}
	transport.handler = func(ctx context.Context, req *fakeRequest, data []byte) (Response, error) {
		switch req.method {
		case "POST":
			concat := req.headers[protocol.HeaderUploadConcat]

			if concat == protocol.ConcatPartial {
				mu.Lock()
				n := len(created)
				url := fmt.Sprintf("https://example.com/files/part%d", n)
				created[url] = true
				mu.Unlock()

				return &fakeResponse{status: 201, headers: map[string]string{
					protocol.HeaderLocation: url,
				}}, nil
			}

			if strings.HasPrefix(concat, "final;") {
				return &fakeResponse{status: 201, headers: map[string]string{
					protocol.HeaderLocation: "https://example.com/files/final",
				}}, nil
			}

			return nil, fmt.Errorf("unexpected Upload-Concat value %q", concat)
		case "PATCH":
			return &fakeResponse{status: 204, headers: map[string]string{
				protocol.HeaderUploadOffset: "5",
			}}, nil
		}

		return nil, fmt.Errorf("unexpected request %s %s", req.method, req.url)
	}

	successCalled := false

	d, err := New(UploadRequest{
		Endpoint:        "https://example.com/files",
		ChunkSize:       Unbounded,
		Protocol:        ProtocolV1,
		ParallelUploads: 2,
		Transport:       transport,
		SourceOpener:    fakeSourceOpener{source: src},
		OnSuccess:       func() { successCalled = true },
	}, nil)
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, StateDone, d.state.state)
	assert.Equal(t, "https://example.com/files/final", d.state.URL)
	assert.True(t, successCalled)
	assert.Len(t, d.state.parallelURLs, 2)

	for _, u := range d.state.parallelURLs {
		require.NotNil(t, u)
	}
}

func TestResumeFromPreviousUploadRestoresSizeForParallelRecord(t *testing.T) {
	src := &fakeSource{data: []byte("0123456789")}

	transport := &fakeTransport{}
	transport.handler = func(ctx context.Context, req *fakeRequest, data []byte) (Response, error) {
		switch req.method {
		case "HEAD":
			return &fakeResponse{status: 200, headers: map[string]string{
				protocol.HeaderUploadOffset: "5",
				protocol.HeaderUploadLength: "5",
			}}, nil
		case "POST":
			concat := req.headers[protocol.HeaderUploadConcat]

			if strings.HasPrefix(concat, "final;") {
				return &fakeResponse{status: 201, headers: map[string]string{
					protocol.HeaderLocation: "https://example.com/files/final",
				}}, nil
			}

			return nil, fmt.Errorf("unexpected creation POST during resumed parallel upload")
		}

		return nil, fmt.Errorf("unexpected request %s %s", req.method, req.url)
	}

	d, err := New(UploadRequest{
		Endpoint:     "https://example.com/files",
		ChunkSize:    Unbounded,
		Protocol:     ProtocolV1,
		Transport:    transport,
		SourceOpener: fakeSourceOpener{source: src},
	}, nil)
	require.NoError(t, err)

	size := int64(10)
	d.ResumeFromPreviousUpload(PersistedRecord{
		Size: &size,
		ParallelUploadURLs: []string{
			"https://example.com/files/part0",
			"https://example.com/files/part1",
		},
	})

	require.NotNil(t, d.state.Size)
	assert.Equal(t, int64(10), *d.state.Size)

	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, StateDone, d.state.state)
	assert.Equal(t, "https://example.com/files/final", d.state.URL)
}
