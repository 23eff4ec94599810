// Package domain contains core domain types for the Canvas bridge.
package domain

// CourseRosterEntry is one row of a roster snapshot sent to a client.
// Indices are assigned once per snapshot, starting at 1, and stay stable
// for the duration of the selection round.
type CourseRosterEntry struct {
	Index    int    `json:"index"`
	CourseID int64  `json:"course_id"`
	Name     string `json:"name"`
}
