// Package syncer decides which remote course files need fetching and
// executes the downloads against the local manifest.
package syncer

import (
	"github.com/MarkSong535/canvas-ai/internal/canvas"
	"github.com/MarkSong535/canvas-ai/internal/domain"
)

// Plan diffs a remote listing against the local manifest. A file is skipped
// iff a manifest entry exists for the same (course, relative path) with an
// identical signature; everything else is queued for fetch. The result is a
// pure function of its inputs, in listing order.
func Plan(courseID int64, remote []canvas.File, manifest map[string]domain.ManifestEntry) []domain.Action {
	actions := make([]domain.Action, 0, len(remote))
	for _, f := range remote {
		rec := domain.FileRecord{
			FileID:       f.ID,
			CourseID:     courseID,
			RelativePath: f.RelativePath,
			DisplayName:  f.DisplayName,
			URL:          f.URL,
			Size:         f.Size,
			Signature:    f.Signature(),
		}

		kind := domain.ActionFetch
		if entry, ok := manifest[f.RelativePath]; ok && entry.Signature == rec.Signature {
			kind = domain.ActionSkip
		}
		actions = append(actions, domain.Action{Kind: kind, Record: rec})
	}
	return actions
}
