package ratelimit

import (
	"sync"
	"time"
)

// Window names reported on denial.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
)

type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

type window struct {
	name string
	max  int
	dur  time.Duration
}

type counter struct {
	count   int
	resetAt time.Time
}

// Limiter keeps fixed-window counters per identity across minute, hour and
// day granularities. State is process-local and lost on restart; it is a soft
// abuse guard, not a billing control.
type Limiter struct {
	mu      sync.Mutex
	windows [3]window
	senders map[string]*[3]counter
	now     func() time.Time
}

func New(limits Limits) *Limiter {
	return &Limiter{
		windows: [3]window{
			{name: WindowMinute, max: limits.PerMinute, dur: time.Minute},
			{name: WindowHour, max: limits.PerHour, dur: time.Hour},
			{name: WindowDay, max: limits.PerDay, dur: 24 * time.Hour},
		},
		senders: make(map[string]*[3]counter),
		now:     time.Now,
	}
}

// Allow consumes one slot for identity. Windows are checked minute, hour,
// day; the first denial reports its window and leaves the remaining windows
// untouched, so a message blocked at the minute level never counts against
// the hour or day.
func (l *Limiter) Allow(identity string) (bool, string) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	counters, ok := l.senders[identity]
	if !ok {
		counters = &[3]counter{}
		l.senders[identity] = counters
	}

	for i, w := range l.windows {
		c := &counters[i]
		if !now.Before(c.resetAt) {
			c.count = 1
			c.resetAt = now.Add(w.dur)
			continue
		}
		if c.count >= w.max {
			return false, w.name
		}
		c.count++
	}

	return true, ""
}

// Sweep drops identities whose windows have all expired, bounding memory.
// Timing never affects Allow outcomes.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, counters := range l.senders {
		live := false
		for i := range counters {
			if now.Before(counters[i].resetAt) {
				live = true
				break
			}
		}
		if !live {
			delete(l.senders, id)
			removed++
		}
	}
	return removed
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.senders)
}
