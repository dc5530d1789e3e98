package rtt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInstrumentationWindow(t *testing.T) {
	as := require.New(t)

	now := time.Unix(1000, 0)
	inst := NewInstrumentation(4)
	inst.now = func() time.Time { return now }

	as.Nil(inst.Snapshot("a", time.Minute))

	for _, d := range []time.Duration{10, 20, 30, 40, 50, 60} {
		inst.Record("a", d*time.Millisecond)
		now = now.Add(time.Second)
	}

	s := inst.Snapshot("a", time.Minute)
	as.NotNil(s)
	as.Equal(4, s.Samples)
	as.Equal(30*time.Millisecond, s.Min)
	as.Equal(60*time.Millisecond, s.Max)
	as.Equal(45*time.Millisecond, s.Average)

	// only the two most recent samples are within 2.5s
	s = inst.Snapshot("a", time.Millisecond*2500)
	as.Equal(2, s.Samples)
	as.Equal(50*time.Millisecond, s.Min)

	inst.Record("a", -time.Millisecond)
	as.Equal(4, inst.Snapshot("a", time.Minute).Samples)

	inst.Drop("a")
	as.Nil(inst.Snapshot("a", time.Minute))
}
