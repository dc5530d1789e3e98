package promise

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func sleeper(d time.Duration) func(context.Context) (time.Duration, error) {
	return func(ctx context.Context) (time.Duration, error) {
		select {
		case <-time.After(d):
			return d, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func TestSettleConcurrent(t *testing.T) {
	as := require.New(t)

	waits := []time.Duration{
		time.Millisecond * 100,
		time.Millisecond * 200,
		time.Millisecond * 300,
	}
	jobs := make([]func(context.Context) (time.Duration, error), 0, len(waits))
	for _, d := range waits {
		jobs = append(jobs, sleeper(d))
	}

	start := time.Now()
	results := Settle(context.Background(), jobs...)
	elapsed := time.Since(start)

	as.Len(results, len(waits))
	for i, r := range results {
		as.NoError(r.Err)
		as.Equal(waits[i], r.Value)
	}
	as.Less(elapsed, waits[0]+waits[1]+waits[2])
}

func TestSettleKeepsFailures(t *testing.T) {
	as := require.New(t)

	boom := errors.New("boom")
	results := Settle(context.Background(),
		func(context.Context) (int, error) { return 1, nil },
		func(context.Context) (int, error) { return 0, boom },
		func(context.Context) (int, error) { return 3, nil },
	)

	as.NoError(results[0].Err)
	as.ErrorIs(results[1].Err, boom)
	as.NoError(results[2].Err)
	as.Equal(3, results[2].Value)
}

func TestSettleContextDone(t *testing.T) {
	as := require.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()

	results := Settle(ctx, sleeper(time.Millisecond), sleeper(time.Second*5))

	as.NoError(results[0].Err)
	as.ErrorIs(results[1].Err, context.DeadlineExceeded)
}

func TestSettleEmpty(t *testing.T) {
	require.Empty(t, Settle[int](context.Background()))
}
