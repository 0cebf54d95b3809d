package tusprogress

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReportNonTTYWritesPlainLines(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf, "upload.bin")

	p.Report(50, 100)
	p.Report(100, 100)

	out := buf.String()
	assert.Contains(t, out, "upload.bin: 50.0% (50/100 bytes)")
	assert.Contains(t, out, "upload.bin: 100.0% (100/100 bytes)")
	assert.False(t, strings.Contains(out, "\r"))
}

func TestReportUnknownTotalOmitsPercentage(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf, "upload.bin")

	p.Report(42, 0)

	assert.Contains(t, buf.String(), "upload.bin: 42 bytes sent")
}

func TestDoneOnNonTTYIsNoop(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf, "upload.bin")

	p.Report(1, 10)
	before := buf.String()

	p.Done()

	assert.Equal(t, before, buf.String())
}
