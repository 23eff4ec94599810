package domain

import "time"

// FileRecord describes one remote course file and its standing against the
// local manifest. Signature is whatever change marker the remote API exposes
// for the file (modification timestamp plus size).
type FileRecord struct {
	FileID       int64
	CourseID     int64
	RelativePath string
	DisplayName  string
	URL          string
	Size         int64
	Signature    string
}

// ManifestEntry is the persisted record of a file that has been fetched.
// An entry exists only after the file was written to disk successfully.
type ManifestEntry struct {
	CourseID     int64
	RelativePath string
	Signature    string
	Size         int64
	DownloadedAt time.Time
}

// ActionKind classifies a planned step for a single remote file.
type ActionKind int

const (
	// ActionSkip means the manifest already reflects the remote file.
	ActionSkip ActionKind = iota
	// ActionFetch means the file must be downloaded.
	ActionFetch
)

// Action pairs a file record with the sync decision made for it.
type Action struct {
	Kind   ActionKind
	Record FileRecord
}

// UploadRecord marks a file identity as present in a vector store.
type UploadRecord struct {
	FileID      int64
	CourseID    int64
	StoreFileID string
	UploadedAt  time.Time
}
