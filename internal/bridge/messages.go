package bridge

import "github.com/MarkSong535/canvas-ai/internal/domain"

// Error kinds carried by outbound error messages. Per-file fetch and
// upload kinds appear inside summary error records instead.
const (
	kindAuthError     = domain.ErrKindAuth
	kindProtocolError = domain.ErrKindProtocol
	kindFatalError    = domain.ErrKindFatal
)

// inboundMessage is the envelope for everything a client sends. Fields are
// populated per message type; unused ones stay at their zero value.
type inboundMessage struct {
	Type string `json:"type"`

	// auth
	Password string `json:"password,omitempty"`
	TOTP     string `json:"totp,omitempty"`

	// chat
	Query string `json:"query,omitempty"`

	// download selection
	CourseIndices []int   `json:"course_indices,omitempty"`
	CourseIDs     []int64 `json:"course_ids,omitempty"`
	AutoConfirm   bool    `json:"auto_confirm,omitempty"`

	// confirm
	Accept bool `json:"accept,omitempty"`
}

type statusMessage struct {
	Type                 string  `json:"type"`
	Authenticated        bool    `json:"authenticated"`
	AwaitingConfirmation bool    `json:"awaiting_confirmation,omitempty"`
	SelectedCourses      []int64 `json:"selected_courses,omitempty"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type chatResultMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type rosterMessage struct {
	Type    string                     `json:"type"`
	Entries []domain.CourseRosterEntry `json:"entries"`
}

type progressMessage struct {
	Type         string `json:"type"`
	CourseID     int64  `json:"course_id"`
	Downloaded   int    `json:"downloaded"`
	Skipped      int    `json:"skipped"`
	Failed       int    `json:"failed"`
	Uploaded     int    `json:"uploaded"`
	UploadFailed int    `json:"upload_failed"`
}

type summaryMessage struct {
	Type        string                        `json:"type"`
	Courses     map[string]domain.CourseStats `json:"courses"`
	Errors      []domain.FileError            `json:"errors,omitempty"`
	ReportPath  string                        `json:"report_path,omitempty"`
	MappingPath string                        `json:"mapping_path,omitempty"`
}

func statusOK() statusMessage {
	return statusMessage{Type: "status", Authenticated: true}
}

func errorOf(kind, message string) errorMessage {
	return errorMessage{Type: "error", Kind: kind, Message: message}
}
