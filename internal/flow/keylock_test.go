package flow

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("628")
			defer unlock()
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive)
	assert.Zero(t, k.Len())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := k.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
	assert.Equal(t, 1, k.Len())
	unlockA()
	assert.Zero(t, k.Len())
}
