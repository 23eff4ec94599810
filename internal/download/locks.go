package download

import "sync"

// courseLocks hands out one mutex per course so concurrent jobs from
// different connections serialize their plan-and-execute phase for a
// shared course.
type courseLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newCourseLocks() *courseLocks {
	return &courseLocks{locks: make(map[int64]*sync.Mutex)}
}

func (c *courseLocks) forCourse(courseID int64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[courseID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[courseID] = lock
	}
	return lock
}
