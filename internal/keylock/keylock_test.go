package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_SerializesSameKey(t *testing.T) {
	var m Map
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("cp-1")
			defer unlock()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
	assert.Equal(t, 0, m.Held(), "entries are released after use")
}

func TestMap_TryLock(t *testing.T) {
	var m Map

	unlock, ok := m.TryLock("logEntries")
	require.True(t, ok)

	_, ok = m.TryLock("logEntries")
	assert.False(t, ok, "second holder must be refused")

	other, ok := m.TryLock("dailyMetrics")
	require.True(t, ok, "independent keys do not block each other")
	other()

	unlock()
	unlock() // idempotent

	again, ok := m.TryLock("logEntries")
	require.True(t, ok)
	again()
	assert.Equal(t, 0, m.Held())
}
