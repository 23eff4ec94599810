package bridge

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/MarkSong535/canvas-ai/internal/canvas"
	"github.com/MarkSong535/canvas-ai/internal/domain"
)

// workflowState tracks where a connection is in its staged workflow.
type workflowState int

const (
	stateUnauthenticated workflowState = iota
	stateIdle
	stateChatPending
	stateAwaitingSelection
	stateConfirming
	stateExecuting
	stateClosed
)

func (s workflowState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateIdle:
		return "idle"
	case stateChatPending:
		return "chat_pending"
	case stateAwaitingSelection:
		return "awaiting_selection"
	case stateConfirming:
		return "confirming"
	case stateExecuting:
		return "executing"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Session holds one connection's workflow state. It is driven by the
// handler's read loop, so methods need no internal locking.
type Session struct {
	ID    string
	state workflowState

	// roster is the snapshot taken when the roster was last sent; the
	// 1-based indices clients select with are positions in this slice.
	roster []canvas.Course

	// selection survives the confirmation stage.
	selection []canvas.Course
}

func NewSession() *Session {
	return &Session{ID: uuid.NewString(), state: stateUnauthenticated}
}

func (s *Session) State() workflowState { return s.state }

func (s *Session) Authenticated() bool { return s.state != stateUnauthenticated && s.state != stateClosed }

// Authenticate moves the one-time auth gate. It is idempotent for an
// already-authenticated session.
func (s *Session) Authenticate() {
	if s.state == stateUnauthenticated {
		s.state = stateIdle
	}
}

func (s *Session) Close() { s.state = stateClosed }

// BeginChat reserves the workflow for a chat exchange.
func (s *Session) BeginChat() error {
	if s.state != stateIdle {
		return fmt.Errorf("chat not allowed in state %s", s.state)
	}
	s.state = stateChatPending
	return nil
}

func (s *Session) EndChat() { s.state = stateIdle }

// HoldRoster snapshots the course roster and moves the workflow to the
// selection stage. Indices handed to clients are 1-based.
func (s *Session) HoldRoster(courses []canvas.Course) ([]domain.CourseRosterEntry, error) {
	if s.state != stateIdle {
		return nil, fmt.Errorf("roster not allowed in state %s", s.state)
	}
	s.roster = courses
	s.state = stateAwaitingSelection

	entries := make([]domain.CourseRosterEntry, len(courses))
	for i, course := range courses {
		entries[i] = domain.CourseRosterEntry{
			Index:    i + 1,
			CourseID: course.ID,
			Name:     course.Name,
		}
	}
	return entries, nil
}

// ResolveSelection maps client-chosen indices or ids onto the held roster.
// Any unknown index or id fails the whole selection and leaves the
// workflow state unchanged.
func (s *Session) ResolveSelection(indices []int, ids []int64) ([]canvas.Course, error) {
	if s.state != stateAwaitingSelection {
		return nil, fmt.Errorf("selection not allowed in state %s", s.state)
	}
	if len(indices) == 0 && len(ids) == 0 {
		return nil, fmt.Errorf("empty selection")
	}

	byID := make(map[int64]canvas.Course, len(s.roster))
	for _, course := range s.roster {
		byID[course.ID] = course
	}

	seen := make(map[int64]bool)
	var selected []canvas.Course
	add := func(course canvas.Course) {
		if !seen[course.ID] {
			seen[course.ID] = true
			selected = append(selected, course)
		}
	}

	for _, idx := range indices {
		if idx < 1 || idx > len(s.roster) {
			return nil, fmt.Errorf("course index %d out of range 1..%d", idx, len(s.roster))
		}
		add(s.roster[idx-1])
	}
	for _, id := range ids {
		course, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("course id %d not in roster", id)
		}
		add(course)
	}

	return selected, nil
}

// RequestConfirm parks the resolved selection until the client answers.
func (s *Session) RequestConfirm(selection []canvas.Course) {
	s.selection = selection
	s.state = stateConfirming
}

// Confirm resolves the confirmation stage. A decline returns the session
// to idle and drops the parked selection.
func (s *Session) Confirm(accept bool) ([]canvas.Course, error) {
	if s.state != stateConfirming {
		return nil, fmt.Errorf("confirm not allowed in state %s", s.state)
	}
	selection := s.selection
	s.selection = nil
	if !accept {
		s.state = stateIdle
		return nil, nil
	}
	return selection, nil
}

// BeginExecute marks the download job as running.
func (s *Session) BeginExecute() { s.state = stateExecuting }

// FinishExecute returns the workflow to idle after a job, successful or not.
func (s *Session) FinishExecute() {
	s.roster = nil
	s.state = stateIdle
}
