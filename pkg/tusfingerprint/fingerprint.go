// Package tusfingerprint provides the default resumux Fingerprinter: a
// stable identifier for a local file input derived from its path, size,
// and modification time, NFC-normalized so the same file fingerprints
// identically across filesystems with different Unicode normalization
// forms (the classic macOS-NFD-vs-everyone-else-NFC problem).
package tusfingerprint

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"

	"golang.org/x/text/unicode/norm"

	"github.com/aleksikoho/resumux"
)

// FileFingerprinter fingerprints string path inputs. input given to
// Fingerprint must be a string path; any other type yields "".
type FileFingerprinter struct{}

// Fingerprint implements resumux.Fingerprinter.
func (FileFingerprinter) Fingerprint(ctx context.Context, input any, opts resumux.FingerprintOptions) (string, error) {
	path, ok := input.(string)
	if !ok {
		return "", nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("tusfingerprint: stat %s: %w", path, err)
	}

	normalizedPath := norm.NFC.String(path)

	// Length-prefix every component to rule out delimiter-collision
	// between adjacent fields.
	h := sha256.Sum256(fmt.Appendf(nil, "%d:%s:%d:%s:%d:%d",
		len(opts.Endpoint), opts.Endpoint,
		len(normalizedPath), normalizedPath,
		info.Size(), info.ModTime().UnixNano(),
	))

	return fmt.Sprintf("%x", h), nil
}

var _ resumux.Fingerprinter = FileFingerprinter{}
