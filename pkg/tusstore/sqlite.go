package tusstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, registers as "sqlite"

	"github.com/aleksikoho/resumux"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is a goose-migrated, modernc.org/sqlite-backed URLStore.
// Safe for concurrent use across goroutines and processes sharing the
// same database file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens dbPath (":memory:" is fine for tests), runs
// pending migrations, and returns a ready SQLiteStore.
func NewSQLiteStore(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("tusstore: opening sqlite database: %w", err)
	}

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("tusstore: setting pragma %q: %w", p, err)
		}
	}

	return nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("tusstore: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("tusstore: creating migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("tusstore: running migrations: %w", err)
	}

	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// FindAllUploads implements resumux.URLStore.
func (s *SQLiteStore) FindAllUploads(ctx context.Context) ([]resumux.PersistedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT size, metadata, creation_time, upload_url, parallel_upload_urls FROM uploads`)
	if err != nil {
		return nil, fmt.Errorf("tusstore: querying uploads: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// FindUploadsByFingerprint implements resumux.URLStore.
func (s *SQLiteStore) FindUploadsByFingerprint(ctx context.Context, fingerprint string) ([]resumux.PersistedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT size, metadata, creation_time, upload_url, parallel_upload_urls
		 FROM uploads WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("tusstore: querying uploads by fingerprint: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]resumux.PersistedRecord, error) {
	var out []resumux.PersistedRecord

	for rows.Next() {
		var (
			size         sql.NullInt64
			metadataJSON string
			creationTime string
			uploadURL    string
			parallelJSON string
		)

		if err := rows.Scan(&size, &metadataJSON, &creationTime, &uploadURL, &parallelJSON); err != nil {
			return nil, fmt.Errorf("tusstore: scanning upload row: %w", err)
		}

		rec := resumux.PersistedRecord{CreationTime: creationTime, UploadURL: uploadURL}

		if size.Valid {
			v := size.Int64
			rec.Size = &v
		}

		if err := json.Unmarshal([]byte(metadataJSON), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("tusstore: decoding metadata: %w", err)
		}

		if err := json.Unmarshal([]byte(parallelJSON), &rec.ParallelUploadURLs); err != nil {
			return nil, fmt.Errorf("tusstore: decoding parallel upload urls: %w", err)
		}

		out = append(out, rec)
	}

	return out, rows.Err()
}

// RemoveUpload implements resumux.URLStore.
func (s *SQLiteStore) RemoveUpload(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE key = ?`, key); err != nil {
		return fmt.Errorf("tusstore: deleting upload %s: %w", key, err)
	}

	return nil
}

// AddUpload implements resumux.URLStore. By design,
// always returns a non-empty key or a non-nil error.
func (s *SQLiteStore) AddUpload(ctx context.Context, fingerprint string, record resumux.PersistedRecord) (string, error) {
	if fingerprint == "" {
		return "", fmt.Errorf("tusstore: empty fingerprint")
	}

	metadataJSON, err := json.Marshal(record.Metadata)
	if err != nil {
		return "", fmt.Errorf("tusstore: encoding metadata: %w", err)
	}

	parallelJSON, err := json.Marshal(record.ParallelUploadURLs)
	if err != nil {
		return "", fmt.Errorf("tusstore: encoding parallel upload urls: %w", err)
	}

	key := uuid.NewString()

	var size any
	if record.Size != nil {
		size = *record.Size
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO uploads (key, fingerprint, size, metadata, creation_time, upload_url, parallel_upload_urls)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, fingerprint, size, string(metadataJSON), record.CreationTime, record.UploadURL, string(parallelJSON),
	)
	if err != nil {
		return "", fmt.Errorf("tusstore: inserting upload: %w", err)
	}

	return key, nil
}

var _ resumux.URLStore = (*SQLiteStore)(nil)
