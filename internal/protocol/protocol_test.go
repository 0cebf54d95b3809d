package protocol

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMetadataRoundTrip(t *testing.T) {
	cases := []map[string][]byte{
		{},
		{"filename": []byte("report.pdf")},
		{"filename": []byte("report.pdf"), "filetype": []byte("application/pdf")},
		{"empty": []byte("")},
		{"binary": {0x00, 0xff, 0x10, 0x80}},
	}

	for _, meta := range cases {
		header := EncodeMetadata(meta)

		decoded, err := DecodeMetadata(header)
		require.NoError(t, err)

		if len(meta) == 0 {
			assert.Empty(t, header)
			assert.Empty(t, decoded)

			continue
		}

		assert.Equal(t, len(meta), len(decoded))

		for k, v := range meta {
			assert.Equal(t, v, decoded[k])
		}
	}
}

func TestEncodeMetadataOmitsHeaderWhenEmpty(t *testing.T) {
	assert.Equal(t, "", EncodeMetadata(nil))
	assert.Equal(t, "", EncodeMetadata(map[string][]byte{}))
}

func TestValidMetadataKey(t *testing.T) {
	assert.True(t, ValidMetadataKey("filename"))
	assert.False(t, ValidMetadataKey(""))
	assert.False(t, ValidMetadataKey("has space"))
	assert.False(t, ValidMetadataKey("has,comma"))
	assert.False(t, ValidMetadataKey("naïve")) // non-ASCII
}

func TestVersionHeader(t *testing.T) {
	name, value := VersionHeader(V1)
	assert.Equal(t, HeaderTusResumable, name)
	assert.Equal(t, "1.0.0", value)

	name, value = VersionHeader(Draft)
	assert.Equal(t, HeaderDraftInterop, name)
	assert.Equal(t, "5", value)
}

func TestDeferLengthValueIsString(t *testing.T) {
	// Must be the ASCII string "1", never a numeric type.
	assert.Equal(t, "1", DeferLengthValue())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		want StatusClass
	}{
		{200, ClassSuccess},
		{201, ClassSuccess},
		{204, ClassSuccess},
		{400, ClassClientTerminal},
		{404, ClassClientTerminal},
		{409, ClassRetryable},
		{423, ClassRetryable},
		{500, ClassRetryable},
		{503, ClassRetryable},
		{301, ClassOther},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.code), "code %d", tt.code)
	}
}

func TestParseOffset(t *testing.T) {
	h := http.Header{}
	_, err := ParseOffset(h.Get)
	require.Error(t, err)

	h.Set(HeaderUploadOffset, "not-a-number")
	_, err = ParseOffset(h.Get)
	require.Error(t, err)

	h.Set(HeaderUploadOffset, "42")
	v, err := ParseOffset(h.Get)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestParseUploadLength(t *testing.T) {
	h := http.Header{}
	_, ok, err := ParseUploadLength(h.Get)
	require.NoError(t, err)
	assert.False(t, ok)

	h.Set(HeaderUploadLength, "100")
	v, ok, err := ParseUploadLength(h.Get)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(100), v)
}

func TestConcatFinal(t *testing.T) {
	got := ConcatFinal([]string{"https://h/a", "https://h/b"})
	assert.Equal(t, "final;https://h/a https://h/b", got)
}
