package keyedlock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSerialisesSameKey(t *testing.T) {
	var m Mutex
	unlock := m.Lock("c")

	acquired := make(chan struct{})
	go func() {
		release := m.Lock("c")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second holder never acquired the key")
	}
}

func TestLockIndependentKeys(t *testing.T) {
	var m Mutex
	unlockA := m.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		m.Lock("b")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on another key blocked")
	}
}

func TestLockDropsUnusedEntries(t *testing.T) {
	var m Mutex
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("c")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 32, counter)
	assert.Zero(t, m.Len())
}

func TestUnlockTwiceIsHarmless(t *testing.T) {
	var m Mutex
	unlock := m.Lock("c")
	unlock()
	require.NotPanics(t, unlock)
	assert.Zero(t, m.Len())
}
