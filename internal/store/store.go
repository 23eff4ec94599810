// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/MarkSong535/canvas-ai/internal/domain"
)

// Repository persists the local file manifest, the course-to-vector-store
// mapping, the uploaded-file ledger, and run reports.
type Repository interface {
	// Manifest returns every manifest entry for a course keyed by
	// relative path.
	Manifest(ctx context.Context, courseID int64) (map[string]domain.ManifestEntry, error)

	// UpsertManifestEntry records a successfully written file.
	UpsertManifestEntry(ctx context.Context, entry domain.ManifestEntry) error

	// VectorStoreID returns the store mapped to a course, or "" when the
	// course has no store yet.
	VectorStoreID(ctx context.Context, courseID int64) (string, error)

	// SetVectorStoreID records the store created for a course.
	SetVectorStoreID(ctx context.Context, courseID int64, storeID string) error

	// VectorStoreMappings returns the full course-to-store table.
	VectorStoreMappings(ctx context.Context) (map[int64]string, error)

	// IsUploaded reports whether a file identity is already in a store.
	IsUploaded(ctx context.Context, fileID int64) (bool, error)

	// MarkUploaded appends a file identity to the upload ledger.
	MarkUploaded(ctx context.Context, rec domain.UploadRecord) error

	// UploadedFiles returns the full upload ledger.
	UploadedFiles(ctx context.Context) ([]domain.UploadRecord, error)

	// SaveReport persists a terminal run report.
	SaveReport(ctx context.Context, report domain.RunReport) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
