package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loykin/devtasks/internal/task"
)

func intPtr(v int) *int { return &v }

func TestBudgetBurstExhausts(t *testing.T) {
	b := NewBudget(task.RestartPolicy{Max: intPtr(3), Window: 60 * time.Second})
	t0 := time.Unix(1_700_000_000, 0)
	// four failures within 10s: three restarts granted, the fourth gives up
	assert.True(t, b.Allow(t0))
	assert.True(t, b.Allow(t0.Add(3*time.Second)))
	assert.True(t, b.Allow(t0.Add(6*time.Second)))
	assert.False(t, b.Allow(t0.Add(9*time.Second)))
	assert.Equal(t, 3, b.Total())
}

func TestBudgetSpacedFailuresNeverExhaust(t *testing.T) {
	b := NewBudget(task.RestartPolicy{Max: intPtr(3), Window: 60 * time.Second})
	t0 := time.Unix(1_700_000_000, 0)
	for i := 0; i < 50; i++ {
		assert.True(t, b.Allow(t0.Add(time.Duration(i)*30*time.Second)), "restart %d", i)
	}
	assert.LessOrEqual(t, len(b.Recent()), 3)
}

func TestBudgetLifetimeCap(t *testing.T) {
	b := NewBudget(task.RestartPolicy{Max: intPtr(2)})
	t0 := time.Unix(0, 0)
	assert.True(t, b.Allow(t0))
	assert.True(t, b.Allow(t0.Add(24*time.Hour)))
	assert.False(t, b.Allow(t0.Add(48*time.Hour)))
}

func TestBudgetNoMaxIsUnlimited(t *testing.T) {
	b := NewBudget(task.RestartPolicy{Window: time.Second})
	t0 := time.Unix(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, b.Allow(t0))
	}
}

func TestBudgetZeroMax(t *testing.T) {
	b := NewBudget(task.RestartPolicy{Max: intPtr(0)})
	assert.False(t, b.Allow(time.Now()))
}
