package journal

import (
	"testing"
	"time"

	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"
	"go.miragespace.co/conclave/util/testcond"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func mustView(t *testing.T, seq int64, members ...*protocol.Member) *membership.View {
	v, err := membership.NewView(&protocol.ViewID{Creator: 1, Sequence: seq}, members, nil, nil)
	require.NoError(t, err)
	return v
}

func TestJournalAppendAndReopen(t *testing.T) {
	as := require.New(t)
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	j, err := New(Config{Logger: logger, DataDir: dir, FlushInterval: time.Millisecond * 10})
	as.NoError(err)
	go j.Start()

	a := &protocol.Member{Address: "a", StartedAt: 1, Ordinal: 1}
	b := &protocol.Member{Address: "b", StartedAt: 1, Ordinal: 2}
	v1 := mustView(t, 1, a)
	v2 := mustView(t, 2, a, b)
	j.OnViewInstalled(membership.NewViewEvent(nil, v1))
	j.OnViewInstalled(membership.NewViewEvent(v1, v2))

	as.NoError(testcond.WaitForCondition(func() bool {
		return j.LastSequence() == 2
	}, time.Millisecond*10, time.Second*2))
	j.Stop()

	// closed journals ignore new views
	j.OnViewInstalled(membership.NewViewEvent(v2, mustView(t, 3, a)))

	ro, err := New(Config{Logger: logger, DataDir: dir, ReadOnly: true})
	as.NoError(err)
	defer ro.Stop()

	as.Equal(int64(2), ro.LastSequence())
	n, err := ro.Len()
	as.NoError(err)
	as.Equal(uint64(2), n)

	seen := make([]*membership.View, 0)
	as.NoError(ro.Range(func(_ uint64, v *membership.View) bool {
		seen = append(seen, v)
		return true
	}))
	as.Len(seen, 2)
	as.Equal(v1.Fingerprint(), seen[0].Fingerprint())
	as.Equal(v2.Fingerprint(), seen[1].Fingerprint())
}

func TestJournalEmpty(t *testing.T) {
	as := require.New(t)

	j, err := New(Config{Logger: zaptest.NewLogger(t), DataDir: t.TempDir(), ReadOnly: true})
	as.NoError(err)
	defer j.Stop()

	calls := 0
	as.NoError(j.Range(func(uint64, *membership.View) bool {
		calls++
		return true
	}))
	as.Zero(calls)
	as.Zero(j.LastSequence())

	_, err = New(Config{Logger: zaptest.NewLogger(t)})
	as.Error(err)
}
