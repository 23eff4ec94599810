// Package uploader decides which downloaded files belong in the course's
// vector store and pushes them there exactly once.
package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MarkSong535/canvas-ai/internal/canvas"
	"github.com/MarkSong535/canvas-ai/internal/config"
	"github.com/MarkSong535/canvas-ai/internal/domain"
	"github.com/MarkSong535/canvas-ai/internal/store"
	"github.com/MarkSong535/canvas-ai/internal/vectorstore"
)

// Orchestrator submits eligible files to the vector-store provider and
// maintains the course-to-store mapping and the upload ledger.
type Orchestrator struct {
	provider vectorstore.Provider
	repo     store.Repository
	exts     map[string]struct{}
	maxSize  int64

	// storeMu serializes the lookup-or-create of a course's vector
	// store; concurrent workers must never create two stores for the
	// same course.
	storeMu sync.Mutex
}

// New creates an orchestrator. A nil provider disables uploads entirely;
// every file is then reported as skipped.
func New(provider vectorstore.Provider, repo store.Repository, cfg config.DownloadConfig) *Orchestrator {
	exts := make(map[string]struct{}, len(cfg.UploadExtensions))
	for _, ext := range cfg.UploadExtensions {
		exts[ext] = struct{}{}
	}
	return &Orchestrator{
		provider: provider,
		repo:     repo,
		exts:     exts,
		maxSize:  cfg.MaxUploadSize,
	}
}

// MaybeUpload uploads the file at path unless it is ineligible or already
// uploaded. It returns the provider file ID for a fresh upload, skipped=true
// for dedup/eligibility skips, and an error only for actual upload failures.
func (o *Orchestrator) MaybeUpload(ctx context.Context, course canvas.Course, rec domain.FileRecord, path string) (string, bool, error) {
	if o.provider == nil {
		return "", true, nil
	}
	if !o.eligible(path) {
		return "", true, nil
	}

	uploaded, err := o.repo.IsUploaded(ctx, rec.FileID)
	if err != nil {
		return "", false, fmt.Errorf("check upload ledger: %w", err)
	}
	if uploaded {
		return "", true, nil
	}

	storeID, err := o.storeFor(ctx, course)
	if err != nil {
		return "", false, err
	}

	storeFileID, err := o.provider.Upload(ctx, storeID, path)
	if err != nil {
		return "", false, fmt.Errorf("upload %s: %w", rec.RelativePath, err)
	}

	if err := o.repo.MarkUploaded(ctx, domain.UploadRecord{
		FileID:      rec.FileID,
		CourseID:    rec.CourseID,
		StoreFileID: storeFileID,
		UploadedAt:  time.Now(),
	}); err != nil {
		return "", false, fmt.Errorf("record upload of %s: %w", rec.RelativePath, err)
	}

	slog.Debug("file uploaded to vector store",
		"course_id", rec.CourseID, "path", rec.RelativePath, "store_file_id", storeFileID)
	return storeFileID, false, nil
}

// storeFor returns the course's vector store, creating and recording it
// first if missing. The mapping is written before any upload so a crash
// between creation and first upload self-heals on retry.
func (o *Orchestrator) storeFor(ctx context.Context, course canvas.Course) (string, error) {
	o.storeMu.Lock()
	defer o.storeMu.Unlock()

	storeID, err := o.repo.VectorStoreID(ctx, course.ID)
	if err != nil {
		return "", fmt.Errorf("look up vector store: %w", err)
	}
	if storeID != "" {
		return storeID, nil
	}

	name := canvas.SanitizeName(course.Name)
	if course.CourseCode != "" {
		name = canvas.SanitizeName(course.CourseCode) + "_" + name
	}

	storeID, err = o.provider.CreateStore(ctx, name)
	if err != nil {
		return "", fmt.Errorf("create vector store for course %d: %w", course.ID, err)
	}
	if err := o.repo.SetVectorStoreID(ctx, course.ID, storeID); err != nil {
		return "", fmt.Errorf("record vector store for course %d: %w", course.ID, err)
	}

	slog.Info("vector store created", "course_id", course.ID, "store_id", storeID)
	return storeID, nil
}

func (o *Orchestrator) eligible(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := o.exts[ext]; !ok {
		return false
	}

	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() <= o.maxSize
}
