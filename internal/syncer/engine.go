package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/MarkSong535/canvas-ai/internal/canvas"
	"github.com/MarkSong535/canvas-ai/internal/domain"
	"github.com/MarkSong535/canvas-ai/internal/store"
)

// Engine executes fetch actions: it downloads the remote payload, writes it
// under the download root, and records the manifest entry. The manifest is
// only touched after the file is fully on disk, so a failed fetch is retried
// on the next run.
type Engine struct {
	client canvas.Client
	repo   store.Repository
	root   string
}

// NewEngine creates a sync engine rooted at the download directory.
func NewEngine(client canvas.Client, repo store.Repository, root string) *Engine {
	return &Engine{client: client, repo: repo, root: root}
}

// CoursePath returns the on-disk directory for a course.
func (e *Engine) CoursePath(course canvas.Course) string {
	name := canvas.SanitizeName(course.Name)
	if name == "unnamed" {
		name = "Course_" + strconv.FormatInt(course.ID, 10)
	}
	if course.CourseCode != "" {
		name = canvas.SanitizeName(course.CourseCode) + "_" + name
	}
	return filepath.Join(e.root, name)
}

// LocalPath returns where a planned file lands on disk.
func (e *Engine) LocalPath(course canvas.Course, rec domain.FileRecord) string {
	return filepath.Join(e.CoursePath(course), filepath.FromSlash(rec.RelativePath))
}

// Fetch downloads one file and upserts its manifest entry. The payload is
// written to a temp file and renamed so a partial download never shadows
// the real file.
func (e *Engine) Fetch(ctx context.Context, course canvas.Course, rec domain.FileRecord) error {
	if rec.URL == "" {
		return fmt.Errorf("file %s has no download URL", rec.RelativePath)
	}

	dest := e.LocalPath(course, rec)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", rec.RelativePath, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", rec.RelativePath, err)
	}
	tmpName := tmp.Name()

	if err := e.client.Download(ctx, rec.URL, tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fetch %s: %w", rec.RelativePath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file for %s: %w", rec.RelativePath, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("finalize %s: %w", rec.RelativePath, err)
	}

	entry := domain.ManifestEntry{
		CourseID:     rec.CourseID,
		RelativePath: rec.RelativePath,
		Signature:    rec.Signature,
		Size:         rec.Size,
		DownloadedAt: time.Now(),
	}
	if err := e.repo.UpsertManifestEntry(ctx, entry); err != nil {
		return fmt.Errorf("record manifest entry for %s: %w", rec.RelativePath, err)
	}

	slog.Debug("file fetched", "course_id", rec.CourseID, "path", rec.RelativePath, "size", rec.Size)
	return nil
}
