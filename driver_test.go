package resumux

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleksikoho/resumux/internal/protocol"
)

type transportHandler func(ctx context.Context, req *fakeRequest, data []byte) (Response, error)

type fakeTransport struct {
	handler transportHandler
}

func (t *fakeTransport) NewRequest(method, url string) (Request, error) {
	return &fakeRequest{method: method, url: url, transport: t}, nil
}

type fakeRequest struct {
	method    string
	url       string
	headers   map[string]string
	transport *fakeTransport
	progress  func(sent int64)
}

func (r *fakeRequest) Method() string { return r.method }
func (r *fakeRequest) URL() string    { return r.url }

func (r *fakeRequest) SetHeader(key, value string) {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}

	r.headers[key] = value
}

func (r *fakeRequest) Header(key string) string { return r.headers[key] }

func (r *fakeRequest) SetProgressHandler(fn func(sent int64)) { r.progress = fn }

func (r *fakeRequest) Send(ctx context.Context, body io.Reader) (Response, error) {
	var data []byte

	if body != nil {
		read, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}

		data = read

		if r.progress != nil {
			r.progress(int64(len(data)))
		}
	}

	return r.transport.handler(ctx, r, data)
}

func (r *fakeRequest) Abort() {}

func (r *fakeRequest) Underlying() any { return r }

type fakeResponse struct {
	status  int
	headers map[string]string
	body    string
}

func (r *fakeResponse) StatusCode() int          { return r.status }
func (r *fakeResponse) Header(key string) string { return r.headers[key] }
func (r *fakeResponse) Body() string             { return r.body }
func (r *fakeResponse) Underlying() any          { return r }

type fakeSource struct {
	data []byte

	mu     sync.Mutex
	closed bool
}

func (s *fakeSource) Size() (int64, bool) { return int64(len(s.data)), true }

func (s *fakeSource) Slice(_ context.Context, start, end int64) (SourceSlice, error) {
	if end < 0 || end > int64(len(s.data)) {
		end = int64(len(s.data))
	}

	chunk := s.data[start:end]

	return SourceSlice{
		Body: &byteReader{data: chunk},
		Size: int64(len(chunk)),
		Done: end >= int64(len(s.data)),
	}, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return nil
}

func (s *fakeSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// byteReader is a minimal io.Reader over a byte slice, avoiding a
// bytes.Reader import just to hand a SourceSlice its Body.
type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}

	n := copy(p, r.data[r.pos:])
	r.pos += n

	return n, nil
}

type fakeSourceOpener struct{ source *fakeSource }

func (o fakeSourceOpener) Open(ctx context.Context, input any, chunkSize int64) (Source, error) {
	return o.source, nil
}

func TestHappyPathCreateAndSendCompletes(t *testing.T) {
	src := &fakeSource{data: []byte("hello world")}

	transport := &fakeTransport{}
	transport.handler = func(ctx context.Context, req *fakeRequest, data []byte) (Response, error) {
		switch req.method {
		case "POST":
			return &fakeResponse{status: 201, headers: map[string]string{
				protocol.HeaderLocation: "https://example.com/files/abc123",
			}}, nil
		case "PATCH":
			return &fakeResponse{status: 204, headers: map[string]string{
				protocol.HeaderUploadOffset: "11",
			}}, nil
		}

		return nil, fmt.Errorf("unexpected request %s %s", req.method, req.url)
	}

	successCalled := false

	d, err := New(UploadRequest{
		Endpoint:     "https://example.com/files",
		ChunkSize:    Unbounded,
		Protocol:     ProtocolV1,
		Transport:    transport,
		SourceOpener: fakeSourceOpener{source: src},
		OnSuccess:    func() { successCalled = true },
	}, nil)
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, StateDone, d.state.state)
	assert.True(t, successCalled)
	assert.True(t, src.Closed())
}

func TestResumeAfterCrashContinuesFromReportedOffset(t *testing.T) {
	src := &fakeSource{data: []byte("hello world")}

	transport := &fakeTransport{}
	transport.handler = func(ctx context.Context, req *fakeRequest, data []byte) (Response, error) {
		switch req.method {
		case "HEAD":
			return &fakeResponse{status: 200, headers: map[string]string{
				protocol.HeaderUploadOffset: "5",
				protocol.HeaderUploadLength: "11",
			}}, nil
		case "PATCH":
			assert.Equal(t, "5", req.headers[protocol.HeaderUploadOffset])

			return &fakeResponse{status: 204, headers: map[string]string{
				protocol.HeaderUploadOffset: "11",
			}}, nil
		}

		return nil, fmt.Errorf("unexpected request %s %s", req.method, req.url)
	}

	d, err := New(UploadRequest{
		UploadURL:    "https://example.com/files/existing",
		ChunkSize:    Unbounded,
		Protocol:     ProtocolV1,
		Transport:    transport,
		SourceOpener: fakeSourceOpener{source: src},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, StateDone, d.state.state)
	assert.Equal(t, int64(11), d.state.Offset)
	assert.True(t, src.Closed())
}

func TestRetriesOn423ThenSucceeds(t *testing.T) {
	src := &fakeSource{data: []byte("hello")}

	var mu sync.Mutex

	attempts := 0

	transport := &fakeTransport{}
	transport.handler = func(ctx context.Context, req *fakeRequest, data []byte) (Response, error) {
		switch req.method {
		case "POST":
			return &fakeResponse{status: 201, headers: map[string]string{
				protocol.HeaderLocation: "https://example.com/files/abc",
			}}, nil
		case "PATCH":
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()

			if n == 1 {
				return &fakeResponse{status: 423}, nil
			}

			return &fakeResponse{status: 204, headers: map[string]string{
				protocol.HeaderUploadOffset: "5",
			}}, nil
		}

		return nil, fmt.Errorf("unexpected request %s %s", req.method, req.url)
	}

	d, err := New(UploadRequest{
		Endpoint:     "https://example.com/files",
		ChunkSize:    Unbounded,
		Protocol:     ProtocolV1,
		RetryDelays:  []time.Duration{0},
		Transport:    transport,
		SourceOpener: fakeSourceOpener{source: src},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, StateDone, d.state.state)
	assert.Equal(t, 2, attempts)
}

func TestDeferredLengthSendsUploadLengthOnFinalChunk(t *testing.T) {
	src := &fakeSource{data: []byte("streamed-body")}

	var finalLength string

	transport := &fakeTransport{}
	transport.handler = func(ctx context.Context, req *fakeRequest, data []byte) (Response, error) {
		switch req.method {
		case "POST":
			assert.Equal(t, "1", req.headers[protocol.HeaderUploadDeferLen])

			return &fakeResponse{status: 201, headers: map[string]string{
				protocol.HeaderLocation: "https://example.com/files/abc",
			}}, nil
		case "PATCH":
			finalLength = req.headers[protocol.HeaderUploadLength]

			return &fakeResponse{status: 204, headers: map[string]string{
				protocol.HeaderUploadOffset: fmt.Sprintf("%d", len(data)),
			}}, nil
		}

		return nil, fmt.Errorf("unexpected request %s %s", req.method, req.url)
	}

	d, err := New(UploadRequest{
		Endpoint:             "https://example.com/files",
		ChunkSize:            Unbounded,
		Protocol:             ProtocolV1,
		UploadLengthDeferred: true,
		Transport:            transport,
		SourceOpener:         fakeSourceOpener{source: src},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, StateDone, d.state.state)
	assert.Equal(t, "13", finalLength)
	assert.True(t, src.Closed())
}

func TestSizeMismatchIsTerminalAndNotRetried(t *testing.T) {
	src := &fakeSource{data: []byte("short")}
	declaredSize := int64(10)

	transport := &fakeTransport{}
	transport.handler = func(ctx context.Context, req *fakeRequest, data []byte) (Response, error) {
		if req.method == "POST" {
			return &fakeResponse{status: 201, headers: map[string]string{
				protocol.HeaderLocation: "https://example.com/files/abc",
			}}, nil
		}

		t.Fatalf("unexpected request %s %s", req.method, req.url)

		return nil, nil
	}

	var gotErr error

	d, err := New(UploadRequest{
		Endpoint:     "https://example.com/files",
		ChunkSize:    Unbounded,
		Protocol:     ProtocolV1,
		UploadSize:   &declaredSize,
		Transport:    transport,
		SourceOpener: fakeSourceOpener{source: src},
		OnError:      func(err error) { gotErr = err },
	}, nil)
	require.NoError(t, err)

	startErr := d.Start(context.Background())
	require.Error(t, startErr)

	var sizeErr *SizeMismatchError
	require.ErrorAs(t, startErr, &sizeErr)
	assert.Equal(t, declaredSize, sizeErr.Expected)
	assert.Equal(t, int64(5), sizeErr.Actual)
	assert.Equal(t, StateError, d.state.state)
	assert.Equal(t, startErr, gotErr)
}

func TestAbortReturnsPromptlyWhileUploadInFlight(t *testing.T) {
	src := &fakeSource{data: []byte("0123456789")}
	createDone := make(chan struct{})

	transport := &fakeTransport{}
	transport.handler = func(ctx context.Context, req *fakeRequest, data []byte) (Response, error) {
		switch req.method {
		case "POST":
			close(createDone)

			return &fakeResponse{status: 201, headers: map[string]string{
				protocol.HeaderLocation: "https://example.com/files/abc",
			}}, nil
		case "PATCH":
			<-ctx.Done()
			return nil, ctx.Err()
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

	startDone := make(chan struct{})

	go func() {
		_ = d.Start(context.Background())
		close(startDone)
	}()

	<-createDone

	abortDone := make(chan struct{})

	go func() {
		d.Abort()
		close(abortDone)
	}()

	select {
	case <-abortDone:
	case <-time.After(time.Second):
		t.Fatal("Abort() blocked on a mutex held by the in-flight Start() call")
	}

	select {
	case <-startDone:
	case <-time.After(time.Second):
		t.Fatal("Start() did not unwind after Abort() canceled its context")
	}
}
