package atomic

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyedRWMutexSerializesPerKey(t *testing.T) {
	as := require.New(t)

	m := NewKeyedRWMutex()
	counters := map[string]*int{"a": new(int), "b": new(int)}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, k := range []string{"a", "b"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := m.Lock(k)
				defer unlock()
				v := *counters[k]
				time.Sleep(time.Microsecond)
				*counters[k] = v + 1
			}()
		}
	}
	wg.Wait()

	as.Equal(50, *counters["a"])
	as.Equal(50, *counters["b"])
	as.Zero(m.Len())
}

func TestKeyedRWMutexSharedReaders(t *testing.T) {
	as := require.New(t)

	m := NewKeyedRWMutex()
	r1 := m.RLock("a")
	r2 := m.RLock("a")
	as.Equal(1, m.Len())

	locked := make(chan struct{})
	go func() {
		unlock := m.Lock("a")
		close(locked)
		unlock()
	}()

	select {
	case <-locked:
		as.FailNow("writer acquired the lock while readers held it")
	case <-time.After(time.Millisecond * 50):
	}

	r1()
	r2()
	<-locked
	as.Eventually(func() bool { return m.Len() == 0 }, time.Second, time.Millisecond*10)
}
