package download

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultRetryDelays is the wait before attempts 2 through 6.
var DefaultRetryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}

// Schedule is a backoff.BackOff walking a fixed list of delays and repeating the last one.
type Schedule struct {
	delays []time.Duration
	next   int
}

var _ backoff.BackOff = (*Schedule)(nil)

func NewSchedule(delays []time.Duration) *Schedule {
	return &Schedule{delays: delays}
}

func (s *Schedule) NextBackOff() time.Duration {
	if len(s.delays) == 0 {
		return 0
	}

	i := s.next
	if i >= len(s.delays) {
		i = len(s.delays) - 1
	}

	s.next++

	return s.delays[i]
}

func (s *Schedule) Reset() {
	s.next = 0
}
