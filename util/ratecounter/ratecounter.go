package ratecounter

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Rate counts events over a sliding window split into fixed size buckets.
type Rate struct {
	bucket time.Duration
	now    func() time.Time

	mu      sync.Mutex
	counts  []uint64
	current int64 // bucket index of the newest slot
	total   *atomic.Uint64
}

// New returns a counter observing the last window, split into buckets of the
// given size. window is rounded up to a whole number of buckets.
func New(bucket time.Duration, window time.Duration) *Rate {
	if bucket <= 0 {
		bucket = time.Second
	}
	slots := int((window + bucket - 1) / bucket)
	if slots < 1 {
		slots = 1
	}
	r := &Rate{
		bucket: bucket,
		now:    time.Now,
		counts: make([]uint64, slots),
		total:  atomic.NewUint64(0),
	}
	r.current = r.index(r.now())
	return r
}

func (r *Rate) index(t time.Time) int64 {
	return t.UnixNano() / int64(r.bucket)
}

// advance zeroes every slot that fell out of the window. Caller holds mu.
func (r *Rate) advance() {
	idx := r.index(r.now())
	if idx <= r.current {
		return
	}
	stale := idx - r.current
	if stale > int64(len(r.counts)) {
		stale = int64(len(r.counts))
	}
	for i := int64(1); i <= stale; i++ {
		r.counts[(r.current+i)%int64(len(r.counts))] = 0
	}
	r.current = idx
}

// IncrementBy records n events now.
func (r *Rate) IncrementBy(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.advance()
	r.counts[r.current%int64(len(r.counts))] += uint64(n)
	r.mu.Unlock()
	r.total.Add(uint64(n))
}

func (r *Rate) Increment() {
	r.IncrementBy(1)
}

// Total is the number of events recorded since creation.
func (r *Rate) Total() uint64 {
	return r.total.Load()
}

// RatePer returns the average number of events per interval over the window.
func (r *Rate) RatePer(interval time.Duration) float64 {
	r.mu.Lock()
	r.advance()
	var sum uint64
	for _, c := range r.counts {
		sum += c
	}
	window := r.bucket * time.Duration(len(r.counts))
	r.mu.Unlock()

	return float64(sum) * float64(interval) / float64(window)
}
