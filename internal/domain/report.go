package domain

import "time"

// Error kinds used in outbound error messages and per-file error records.
const (
	ErrKindAuth     = "auth_error"
	ErrKindProtocol = "protocol_error"
	ErrKindFetch    = "fetch_error"
	ErrKindUpload   = "upload_error"
	ErrKindFatal    = "fatal_error"
)

// CourseStats holds the commutative per-course counters for one job.
type CourseStats struct {
	Downloaded   int `json:"downloaded"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
	Uploaded     int `json:"uploaded"`
	UploadFailed int `json:"upload_failed"`
}

// Total returns the number of remote files the job observed for the course.
func (s CourseStats) Total() int {
	return s.Downloaded + s.Skipped + s.Failed
}

// Progress is one incremental stats snapshot for a course mid-job.
type Progress struct {
	CourseID int64       `json:"course_id"`
	Stats    CourseStats `json:"stats"`
}

// FileError records a single non-fatal per-file failure.
type FileError struct {
	CourseID int64  `json:"course_id"`
	Path     string `json:"path,omitempty"`
	Kind     string `json:"kind"`
	Error    string `json:"error"`
}

// RunReport is the terminal projection of one download job.
type RunReport struct {
	Timestamp   time.Time              `json:"timestamp"`
	Courses     map[string]CourseStats `json:"courses"`
	Errors      []FileError            `json:"errors,omitempty"`
	ReportPath  string                 `json:"-"`
	MappingPath string                 `json:"-"`
}

// MappingExport is the on-disk shape of the course-to-store table.
type MappingExport struct {
	Stores map[string]string `json:"vector_stores"`
	Files  []UploadedFile    `json:"uploaded_files"`
}

// UploadedFile is one row of the exported upload ledger.
type UploadedFile struct {
	FileID      int64  `json:"file_id"`
	CourseID    int64  `json:"course_id"`
	StoreFileID string `json:"store_file_id"`
}
