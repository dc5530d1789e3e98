package rtt

import (
	"sync"
	"time"

	"go.miragespace.co/conclave/spec/rtt"

	"github.com/montanaflynn/stats"
	"github.com/zhangyunhao116/skipmap"
)

type sample struct {
	at  time.Time
	rtt time.Duration
}

// ring holds the most recent samples for one member, oldest first once full.
type ring struct {
	mu      sync.Mutex
	samples []sample
	next    int
	full    bool
}

func (r *ring) add(s sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = s
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.full = true
	}
}

// since returns samples taken at or after cutoff, in arrival order.
func (r *ring) since(cutoff time.Time) []sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, start := r.next, 0
	if r.full {
		n, start = len(r.samples), r.next
	}
	out := make([]sample, 0, n)
	for i := 0; i < n; i++ {
		s := r.samples[(start+i)%len(r.samples)]
		if !s.at.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Instrumentation keeps the last few probe round trips of every monitored
// member and summarizes them on demand.
type Instrumentation struct {
	rings *skipmap.StringMap[*ring]
	size  int
	now   func() time.Time
}

var _ rtt.Recorder = (*Instrumentation)(nil)

// NewInstrumentation keeps up to size samples per member.
func NewInstrumentation(size int) *Instrumentation {
	if size < 1 {
		size = 1
	}
	return &Instrumentation{
		rings: skipmap.NewString[*ring](),
		size:  size,
		now:   time.Now,
	}
}

func (i *Instrumentation) Record(key string, d time.Duration) {
	if d < 0 {
		return
	}
	r, _ := i.rings.LoadOrStoreLazy(key, func() *ring {
		return &ring{samples: make([]sample, i.size)}
	})
	r.add(sample{at: i.now(), rtt: d})
}

// Snapshot summarizes the samples of key taken within past. It returns nil
// when there are none.
func (i *Instrumentation) Snapshot(key string, past time.Duration) *rtt.Statistics {
	r, ok := i.rings.Load(key)
	if !ok {
		return nil
	}
	samples := r.since(i.now().Add(-past))
	if len(samples) == 0 {
		return nil
	}

	data := make(stats.Float64Data, len(samples))
	for j, s := range samples {
		data[j] = float64(s.rtt)
	}
	summary := &rtt.Statistics{
		Samples: len(samples),
		Since:   samples[0].at,
		Until:   samples[len(samples)-1].at,
	}
	// errors only occur on empty input
	minimum, _ := data.Min()
	mean, _ := data.Mean()
	p95, _ := data.Percentile(95)
	maximum, _ := data.Max()
	stddev, _ := data.StandardDeviation()
	summary.Min = time.Duration(minimum)
	summary.Average = time.Duration(mean)
	summary.P95 = time.Duration(p95)
	summary.Max = time.Duration(maximum)
	summary.StandardDeviation = time.Duration(stddev)
	return summary
}

func (i *Instrumentation) Drop(key string) {
	i.rings.Delete(key)
}
