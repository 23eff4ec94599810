// Package download executes one download job: sync planning, bounded
// concurrent fetching, vector-store upload, and the terminal report and
// mapping projection.
package download

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/MarkSong535/canvas-ai/internal/canvas"
	"github.com/MarkSong535/canvas-ai/internal/domain"
	"github.com/MarkSong535/canvas-ai/internal/store"
	"github.com/MarkSong535/canvas-ai/internal/syncer"
	"github.com/MarkSong535/canvas-ai/internal/uploader"
)

const (
	reportFileName  = "download_report.json"
	mappingFileName = "vector_stores_mapping.json"
)

// ProgressFunc receives per-course stats snapshots in completion order.
type ProgressFunc func(domain.Progress)

// Runner drives download jobs. One Runner is shared by every connection so
// its per-course locks serialize jobs that target the same course.
type Runner struct {
	client   canvas.Client
	repo     store.Repository
	engine   *syncer.Engine
	uploads  *uploader.Orchestrator
	root     string
	workers  int
	locks    *courseLocks
	reportMu sync.Mutex
}

// NewRunner creates a job runner with a bounded fetch/upload worker pool.
func NewRunner(client canvas.Client, repo store.Repository, engine *syncer.Engine, uploads *uploader.Orchestrator, root string, workers int) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		client:  client,
		repo:    repo,
		engine:  engine,
		uploads: uploads,
		root:    root,
		workers: workers,
		locks:   newCourseLocks(),
	}
}

// courseJob aggregates one course's counters under a lock. The counters are
// commutative, so worker completion order does not affect the final stats.
type courseJob struct {
	mu     sync.Mutex
	stats  domain.CourseStats
	errors []domain.FileError
}

func (j *courseJob) snapshot() domain.CourseStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

// Run executes the job for the selected courses and projects the final
// state into the run report and mapping artifacts. Per-file failures are
// recorded and never abort the job; storage failures do.
func (r *Runner) Run(ctx context.Context, courses []canvas.Course, progress ProgressFunc) (*domain.RunReport, error) {
	report := &domain.RunReport{
		Timestamp: time.Now(),
		Courses:   make(map[string]domain.CourseStats, len(courses)),
	}

	for _, course := range courses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		job, err := r.runCourse(ctx, course, progress)
		if err != nil {
			return nil, err
		}
		report.Courses[strconv.FormatInt(course.ID, 10)] = job.stats
		report.Errors = append(report.Errors, job.errors...)
	}

	if err := r.project(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

// runCourse holds the course lock for the whole plan-and-execute phase.
func (r *Runner) runCourse(ctx context.Context, course canvas.Course, progress ProgressFunc) (*courseJob, error) {
	lock := r.locks.forCourse(course.ID)
	lock.Lock()
	defer lock.Unlock()

	job := &courseJob{}

	listing, err := r.client.CourseFiles(ctx, course.ID)
	if err != nil {
		// A listing failure loses this course but not the job.
		slog.Warn("course listing failed", "course_id", course.ID, "error", err)
		job.errors = append(job.errors, domain.FileError{
			CourseID: course.ID,
			Kind:     domain.ErrKindFetch,
			Error:    fmt.Sprintf("list files: %v", err),
		})
		return job, nil
	}

	manifest, err := r.repo.Manifest(ctx, course.ID)
	if err != nil {
		return nil, fmt.Errorf("load manifest for course %d: %w", course.ID, err)
	}

	plan := syncer.Plan(course.ID, listing, manifest)
	slog.Info("course plan ready",
		"course_id", course.ID, "files", len(plan))

	sem := make(chan struct{}, r.workers)
	var wg sync.WaitGroup

	for _, action := range plan {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(action domain.Action) {
			defer wg.Done()
			defer func() { <-sem }()
			r.processFile(ctx, course, action, job)
			if progress != nil {
				progress(domain.Progress{CourseID: course.ID, Stats: job.snapshot()})
			}
		}(action)
	}
	wg.Wait()

	return job, nil
}

func (r *Runner) processFile(ctx context.Context, course canvas.Course, action domain.Action, job *courseJob) {
	rec := action.Record

	if action.Kind == domain.ActionFetch {
		if err := r.engine.Fetch(ctx, course, rec); err != nil {
			slog.Warn("fetch failed", "course_id", course.ID, "path", rec.RelativePath, "error", err)
			job.mu.Lock()
			job.stats.Failed++
			job.errors = append(job.errors, domain.FileError{
				CourseID: course.ID,
				Path:     rec.RelativePath,
				Kind:     domain.ErrKindFetch,
				Error:    err.Error(),
			})
			job.mu.Unlock()
			return
		}
		job.mu.Lock()
		job.stats.Downloaded++
		job.mu.Unlock()
	} else {
		job.mu.Lock()
		job.stats.Skipped++
		job.mu.Unlock()
	}

	// Both fresh and already-present files are offered to the vector
	// store; the ledger makes repeats cheap skips.
	localPath := r.engine.LocalPath(course, rec)
	_, skipped, err := r.uploads.MaybeUpload(ctx, course, rec, localPath)
	if err != nil {
		slog.Warn("upload failed", "course_id", course.ID, "path", rec.RelativePath, "error", err)
		job.mu.Lock()
		job.stats.UploadFailed++
		job.errors = append(job.errors, domain.FileError{
			CourseID: course.ID,
			Path:     rec.RelativePath,
			Kind:     domain.ErrKindUpload,
			Error:    err.Error(),
		})
		job.mu.Unlock()
		return
	}
	if !skipped {
		job.mu.Lock()
		job.stats.Uploaded++
		job.mu.Unlock()
	}
}

// project writes the run report and mapping artifacts and persists the
// report record. It is a pure projection of the job's final state.
func (r *Runner) project(ctx context.Context, report *domain.RunReport) error {
	r.reportMu.Lock()
	defer r.reportMu.Unlock()

	if err := os.MkdirAll(r.root, 0755); err != nil {
		return fmt.Errorf("create download root: %w", err)
	}

	reportPath := filepath.Join(r.root, reportFileName)
	if err := writeJSON(reportPath, report); err != nil {
		return fmt.Errorf("write run report: %w", err)
	}
	report.ReportPath = reportPath

	mappings, err := r.repo.VectorStoreMappings(ctx)
	if err != nil {
		return fmt.Errorf("load vector store mappings: %w", err)
	}
	uploadedFiles, err := r.repo.UploadedFiles(ctx)
	if err != nil {
		return fmt.Errorf("load upload ledger: %w", err)
	}

	export := domain.MappingExport{Stores: make(map[string]string, len(mappings))}
	for courseID, storeID := range mappings {
		export.Stores[strconv.FormatInt(courseID, 10)] = storeID
	}
	for _, rec := range uploadedFiles {
		export.Files = append(export.Files, domain.UploadedFile{
			FileID:      rec.FileID,
			CourseID:    rec.CourseID,
			StoreFileID: rec.StoreFileID,
		})
	}

	mappingPath := filepath.Join(r.root, mappingFileName)
	if err := writeJSON(mappingPath, export); err != nil {
		return fmt.Errorf("write mapping file: %w", err)
	}
	report.MappingPath = mappingPath

	if err := r.repo.SaveReport(ctx, *report); err != nil {
		return fmt.Errorf("persist run report: %w", err)
	}

	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, data, 0644)
}
