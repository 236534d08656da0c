package supervisor

import (
	"time"

	"github.com/loykin/devtasks/internal/task"
)

// Budget limits automatic restarts. With a window, restarts older than the
// window no longer count; without one, Max caps the lifetime total. A nil
// Max never runs out.
type Budget struct {
	max    *int
	window time.Duration
	times  []time.Time
	total  int
}

func NewBudget(p task.RestartPolicy) *Budget {
	return &Budget{max: p.Max, window: p.Window}
}

// Allow reports whether a restart at now fits the budget and records it if so.
func (b *Budget) Allow(now time.Time) bool {
	if b.window > 0 {
		cutoff := now.Add(-b.window)
		i := 0
		for i < len(b.times) && b.times[i].Before(cutoff) {
			i++
		}
		b.times = b.times[i:]
	}
	if b.max != nil {
		if len(b.times) >= *b.max {
			return false
		}
		b.times = append(b.times, now)
	}
	b.total++
	return true
}

// Total is the number of restarts granted so far.
func (b *Budget) Total() int { return b.total }

// Recent returns the restart times still counted against the budget.
func (b *Budget) Recent() []time.Time { return append([]time.Time(nil), b.times...) }
