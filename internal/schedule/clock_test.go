package schedule

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock_RetainsMaximum(t *testing.T) {
	c := NewClock()
	assert.Equal(t, uint64(0), c.Now())

	v, regressed := c.Observe(100)
	assert.Equal(t, uint64(100), v)
	assert.False(t, regressed)

	v, regressed = c.Observe(90)
	assert.Equal(t, uint64(100), v)
	assert.True(t, regressed)
	assert.Equal(t, uint64(1), c.Regressions())

	v, _ = c.Observe(100)
	assert.Equal(t, uint64(100), v)

	c.Observe(150)
	assert.Equal(t, uint64(150), c.Now())
	assert.False(t, c.ObservedAt().IsZero())
}

func TestClock_Reset(t *testing.T) {
	c := NewClock()
	c.Observe(500)
	c.Observe(1)
	c.Reset()
	assert.Equal(t, uint64(0), c.Now())
	assert.Equal(t, uint64(0), c.Regressions())
	assert.True(t, c.ObservedAt().IsZero())
}

func TestClock_ConcurrentObservations(t *testing.T) {
	c := NewClock()
	var wg sync.WaitGroup
	for i := uint64(1); i <= 100; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			c.Observe(v)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, uint64(100), c.Now())
}
