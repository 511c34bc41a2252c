package chat

import (
	"strconv"
	"sync"
	"time"
)

// IDSource issues message ids as decimal Unix milliseconds. Ids are strictly
// increasing even when two are issued in the same millisecond or the clock
// steps back.
type IDSource struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewIDSource returns an IDSource reading the wall clock.
func NewIDSource() *IDSource {
	return &IDSource{now: time.Now}
}

// Next returns a new id greater than every id issued or observed so far.
func (s *IDSource) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.now().UnixMilli()
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	return strconv.FormatInt(n, 10)
}

// Observe records an existing id so later ids sort after it. Ids that are not
// decimal integers are ignored.
func (s *IDSource) Observe(id string) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return
	}
	s.mu.Lock()
	if n > s.last {
		s.last = n
	}
	s.mu.Unlock()
}
