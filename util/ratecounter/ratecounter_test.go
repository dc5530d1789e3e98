package ratecounter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func newTestRate(bucket, window time.Duration) (*Rate, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	r := New(bucket, window)
	r.now = clock.now
	r.current = r.index(clock.t)
	return r, clock
}

func TestRateWithinWindow(t *testing.T) {
	as := require.New(t)

	r, clock := newTestRate(time.Second, time.Second*10)
	for i := 0; i < 10; i++ {
		if i > 0 {
			clock.t = clock.t.Add(time.Second)
		}
		r.IncrementBy(5)
	}

	as.InDelta(5.0, r.RatePer(time.Second), 0.01)
	as.Equal(uint64(50), r.Total())
}

func TestRateExpires(t *testing.T) {
	as := require.New(t)

	r, clock := newTestRate(time.Second, time.Second*4)
	r.IncrementBy(40)
	as.InDelta(10.0, r.RatePer(time.Second), 0.01)

	clock.t = clock.t.Add(time.Second * 2)
	r.Increment()
	as.InDelta(41.0/4, r.RatePer(time.Second), 0.01)

	clock.t = clock.t.Add(time.Minute)
	as.Zero(r.RatePer(time.Second))
	as.Equal(uint64(41), r.Total())
}
