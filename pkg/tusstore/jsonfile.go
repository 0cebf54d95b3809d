package tusstore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aleksikoho/resumux"
)

const (
	jsonFilePerms = 0o600
	jsonDirPerms  = 0o700
)

// JSONFileStore is a single-host, dependency-free durable URLStore:
// one JSON file per record, named by a length-prefixed sha256 of its key,
// written via the write-tmp-then-rename idiom for crash safety.
type JSONFileStore struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex
}

// NewJSONFileStore builds a JSONFileStore rooted at dir. The directory is
// not created here; AddUpload creates it on first write.
func NewJSONFileStore(dir string, logger *slog.Logger) *JSONFileStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &JSONFileStore{dir: dir, logger: logger}
}

// diskRecord is the on-disk JSON shape: the PersistedRecord plus the key
// and fingerprint needed to reconstruct lookups without a database index.
type diskRecord struct {
	Key                string            `json:"key"`
	Fingerprint        string            `json:"fingerprint"`
	Size               *int64            `json:"size,omitempty"`
	Metadata           map[string][]byte `json:"metadata,omitempty"`
	CreationTime       string            `json:"creation_time"`
	UploadURL          string            `json:"upload_url,omitempty"`
	ParallelUploadURLs []string          `json:"parallel_upload_urls,omitempty"`
}

// FindAllUploads implements resumux.URLStore.
func (s *JSONFileStore) FindAllUploads(ctx context.Context) ([]resumux.PersistedRecord, error) {
	recs, err := s.readAll()
	if err != nil {
		return nil, err
	}

	out := make([]resumux.PersistedRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toPersisted())
	}

	return out, nil
}

// FindUploadsByFingerprint implements resumux.URLStore.
func (s *JSONFileStore) FindUploadsByFingerprint(ctx context.Context, fingerprint string) ([]resumux.PersistedRecord, error) {
	recs, err := s.readAll()
	if err != nil {
		return nil, err
	}

	var out []resumux.PersistedRecord

	for _, r := range recs {
		if r.Fingerprint == fingerprint {
			out = append(out, r.toPersisted())
		}
	}

	return out, nil
}

// RemoveUpload implements resumux.URLStore. No error if the file is
// already gone.
func (s *JSONFileStore) RemoveUpload(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.filePath(key)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("tusstore: removing record file: %w", err)
	}

	return nil
}

// AddUpload implements resumux.URLStore. By design,
// always returns a non-empty key or a non-nil error.
func (s *JSONFileStore) AddUpload(ctx context.Context, fingerprint string, record resumux.PersistedRecord) (string, error) {
	if fingerprint == "" {
		return "", fmt.Errorf("tusstore: empty fingerprint")
	}

	key := uuid.NewString()

	rec := diskRecord{
		Key:                key,
		Fingerprint:        fingerprint,
		Size:               record.Size,
		Metadata:           record.Metadata,
		CreationTime:       record.CreationTime,
		UploadURL:          record.UploadURL,
		ParallelUploadURLs: record.ParallelUploadURLs,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, jsonDirPerms); err != nil {
		return "", fmt.Errorf("tusstore: creating store directory: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("tusstore: marshaling record: %w", err)
	}

	path := s.filePath(key)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, jsonFilePerms); err != nil {
		return "", fmt.Errorf("tusstore: writing temp record file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("tusstore: renaming temp record file: %w", err)
	}

	return key, nil
}

// CleanStale removes record files older than maxAge, returning the count
// removed.
func (s *JSONFileStore) CleanStale(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("tusstore: reading store directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.dir, e.Name())
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("tusstore: failed to clean stale record",
					slog.String("file", e.Name()), slog.String("error", err.Error()))

				continue
			}

			deleted++
		}
	}

	return deleted, nil
}

func (s *JSONFileStore) readAll() ([]diskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("tusstore: reading store directory: %w", err)
	}

	var out []diskRecord

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}

		var rec diskRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("tusstore: corrupt record file, skipping",
				slog.String("file", e.Name()), slog.String("error", err.Error()))

			continue
		}

		out = append(out, rec)
	}

	return out, nil
}

func (r diskRecord) toPersisted() resumux.PersistedRecord {
	return resumux.PersistedRecord{
		Size:               r.Size,
		Metadata:           r.Metadata,
		CreationTime:       r.CreationTime,
		UploadURL:          r.UploadURL,
		ParallelUploadURLs: r.ParallelUploadURLs,
	}
}

// filePath returns the record file path for key, length-prefixing key in
// the hash input to avoid delimiter-collision ambiguity.
func (s *JSONFileStore) filePath(key string) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%d:%s", len(key), key))
	return filepath.Join(s.dir, fmt.Sprintf("%x.json", h))
}

var _ resumux.URLStore = (*JSONFileStore)(nil)
