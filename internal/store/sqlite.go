package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MarkSong535/canvas-ai/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Mutex for write operations to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency. The _pragma
	// form applies to every pooled connection, not just the first one.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS manifest_files (
		course_id INTEGER NOT NULL,
		relative_path TEXT NOT NULL,
		signature TEXT NOT NULL,
		size INTEGER NOT NULL,
		downloaded_at INTEGER NOT NULL,
		PRIMARY KEY (course_id, relative_path)
	);

	CREATE TABLE IF NOT EXISTS vector_stores (
		course_id INTEGER PRIMARY KEY,
		store_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS uploaded_files (
		file_id INTEGER PRIMARY KEY,
		course_id INTEGER NOT NULL,
		store_file_id TEXT NOT NULL,
		uploaded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_uploaded_course ON uploaded_files(course_id);

	CREATE TABLE IF NOT EXISTS run_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at INTEGER NOT NULL,
		report_json TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Manifest returns every manifest entry for a course keyed by relative path.
func (s *SQLiteStore) Manifest(ctx context.Context, courseID int64) (map[string]domain.ManifestEntry, error) {
	query := `
		SELECT course_id, relative_path, signature, size, downloaded_at
		FROM manifest_files WHERE course_id = ?`

	rows, err := s.db.QueryContext(ctx, query, courseID)
	if err != nil {
		return nil, fmt.Errorf("query manifest: %w", err)
	}
	defer rows.Close()

	manifest := make(map[string]domain.ManifestEntry)
	for rows.Next() {
		var entry domain.ManifestEntry
		var downloadedAt int64
		if err := rows.Scan(&entry.CourseID, &entry.RelativePath, &entry.Signature, &entry.Size, &downloadedAt); err != nil {
			return nil, fmt.Errorf("scan manifest row: %w", err)
		}
		entry.DownloadedAt = time.Unix(downloadedAt, 0)
		manifest[entry.RelativePath] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate manifest rows: %w", err)
	}

	return manifest, nil
}

// UpsertManifestEntry records a successfully written file.
func (s *SQLiteStore) UpsertManifestEntry(ctx context.Context, entry domain.ManifestEntry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO manifest_files (course_id, relative_path, signature, size, downloaded_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(course_id, relative_path) DO UPDATE SET
		signature = excluded.signature,
		size = excluded.size,
		downloaded_at = excluded.downloaded_at`

	_, err := s.db.ExecContext(ctx, query,
		entry.CourseID, entry.RelativePath, entry.Signature, entry.Size, entry.DownloadedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert manifest entry: %w", err)
	}
	return nil
}

// VectorStoreID returns the store mapped to a course, or "".
func (s *SQLiteStore) VectorStoreID(ctx context.Context, courseID int64) (string, error) {
	var storeID string
	err := s.db.QueryRowContext(ctx,
		`SELECT store_id FROM vector_stores WHERE course_id = ?`, courseID,
	).Scan(&storeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query vector store: %w", err)
	}
	return storeID, nil
}

// SetVectorStoreID records the store created for a course.
func (s *SQLiteStore) SetVectorStoreID(ctx context.Context, courseID int64, storeID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO vector_stores (course_id, store_id, created_at)
	VALUES (?, ?, ?)
	ON CONFLICT(course_id) DO UPDATE SET store_id = excluded.store_id`

	if _, err := s.db.ExecContext(ctx, query, courseID, storeID, time.Now().Unix()); err != nil {
		return fmt.Errorf("set vector store: %w", err)
	}
	return nil
}

// VectorStoreMappings returns the full course-to-store table.
func (s *SQLiteStore) VectorStoreMappings(ctx context.Context) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT course_id, store_id FROM vector_stores`)
	if err != nil {
		return nil, fmt.Errorf("query vector stores: %w", err)
	}
	defer rows.Close()

	mappings := make(map[int64]string)
	for rows.Next() {
		var courseID int64
		var storeID string
		if err := rows.Scan(&courseID, &storeID); err != nil {
			return nil, fmt.Errorf("scan vector store row: %w", err)
		}
		mappings[courseID] = storeID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector store rows: %w", err)
	}

	return mappings, nil
}

// IsUploaded reports whether a file identity is already in a store.
func (s *SQLiteStore) IsUploaded(ctx context.Context, fileID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM uploaded_files WHERE file_id = ?`, fileID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query uploaded file: %w", err)
	}
	return true, nil
}

// MarkUploaded appends a file identity to the upload ledger.
func (s *SQLiteStore) MarkUploaded(ctx context.Context, rec domain.UploadRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO uploaded_files (file_id, course_id, store_file_id, uploaded_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(file_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query,
		rec.FileID, rec.CourseID, rec.StoreFileID, rec.UploadedAt.Unix(),
	); err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	return nil
}

// UploadedFiles returns the full upload ledger in file-ID order.
func (s *SQLiteStore) UploadedFiles(ctx context.Context) ([]domain.UploadRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id, course_id, store_file_id, uploaded_at FROM uploaded_files ORDER BY file_id`)
	if err != nil {
		return nil, fmt.Errorf("query uploaded files: %w", err)
	}
	defer rows.Close()

	var records []domain.UploadRecord
	for rows.Next() {
		var rec domain.UploadRecord
		var uploadedAt int64
		if err := rows.Scan(&rec.FileID, &rec.CourseID, &rec.StoreFileID, &uploadedAt); err != nil {
			return nil, fmt.Errorf("scan uploaded file row: %w", err)
		}
		rec.UploadedAt = time.Unix(uploadedAt, 0)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uploaded file rows: %w", err)
	}

	return records, nil
}

// SaveReport persists a terminal run report as JSON.
func (s *SQLiteStore) SaveReport(ctx context.Context, report domain.RunReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO run_reports (created_at, report_json) VALUES (?, ?)`,
		report.Timestamp.Unix(), string(payload),
	); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}
