package rtt

import (
	"fmt"
	"strconv"
	"time"

	"go.miragespace.co/conclave/spec/protocol"
)

// Recorder collects probe round trip samples keyed by member.
type Recorder interface {
	Record(key string, sample time.Duration)
	Snapshot(key string, past time.Duration) *Statistics
	Drop(key string)
}

type Statistics struct {
	Samples           int
	Since             time.Time
	Until             time.Time
	Min               time.Duration
	Average           time.Duration
	P95               time.Duration
	Max               time.Duration
	StandardDeviation time.Duration
}

func (s *Statistics) String() string {
	if s == nil {
		return ""
	}
	return fmt.Sprintf("min/avg/p95/max/mdev = %v/%v/%v/%v/%v", s.Min, s.Average, s.P95, s.Max, s.StandardDeviation)
}

// MakeMeasurementKey keys probe samples by process identity, so a restarted
// process at the same address starts with a clean history.
func MakeMeasurementKey(m *protocol.Member) string {
	return m.GetAddress() + "/" + strconv.FormatInt(m.GetStartedAt(), 10)
}
