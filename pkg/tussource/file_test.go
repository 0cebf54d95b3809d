package tussource

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestFileOpenerOpensAndReportsSize(t *testing.T) {
	path := writeTempFile(t, "hello world")

	src, err := FileOpener{}.Open(context.Background(), path, 4)
	require.NoError(t, err)
	defer src.Close()

	size, ok := src.Size()
	require.True(t, ok)
	assert.Equal(t, int64(11), size)
}

func TestFileOpenerRejectsNonStringInput(t *testing.T) {
	_, err := FileOpener{}.Open(context.Background(), 42, 4)
	require.Error(t, err)
}

func TestFileSourceSliceBoundsAndDone(t *testing.T) {
	path := writeTempFile(t, "0123456789")

	src, err := FileOpener{}.Open(context.Background(), path, 4)
	require.NoError(t, err)
	defer src.Close()

	slice, err := src.Slice(context.Background(), 0, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), slice.Size)
	assert.False(t, slice.Done)

	body, err := io.ReadAll(slice.Body)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(body))

	last, err := src.Slice(context.Background(), 8, -1)
	require.NoError(t, err)
	assert.True(t, last.Done)

	body, err = io.ReadAll(last.Body)
	require.NoError(t, err)
	assert.Equal(t, "89", string(body))
}

func TestFileSourceConcurrentSlicesAreSafe(t *testing.T) {
	path := writeTempFile(t, "abcdefghijklmnopqrstuvwxyz")

	src, err := FileOpener{}.Open(context.Background(), path, 4)
	require.NoError(t, err)
	defer src.Close()

	done := make(chan struct{}, 2)

	go func() {
		_, err := src.Slice(context.Background(), 0, 13)
		assert.NoError(t, err)
		done <- struct{}{}
	}()

	go func() {
		_, err := src.Slice(context.Background(), 13, 26)
		assert.NoError(t, err)
		done <- struct{}{}
	}()

	<-done
	<-done
}
