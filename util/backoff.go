package util

import (
	"math/rand/v2"
	"time"
)

// Jitter returns a random duration in [interval/2, interval). Periodic tasks
// use it so members started together do not tick in lockstep.
func Jitter(interval time.Duration) time.Duration {
	half := int64(interval / 2)
	if half <= 0 {
		return interval
	}
	return time.Duration(half + rand.Int64N(half))
}
