package testcond

import (
	"fmt"
	"time"
)

// WaitForCondition polls eval every interval until it returns true or timeout
// elapses.
func WaitForCondition(eval func() bool, interval time.Duration, timeout time.Duration) error {
	if eval() {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	polls := 1
	for {
		select {
		case <-ticker.C:
			polls++
			if eval() {
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("condition not met after %s (%d polls)", timeout, polls)
		}
	}
}
