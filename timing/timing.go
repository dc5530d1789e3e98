package timing

import "time"

const (
	// Failure detector
	ProbeInterval   = time.Second * 1
	ProbeTimeout    = time.Millisecond * 500
	SuspicionWindow = time.Second * 10
	MissThreshold   = 3

	// View change
	AckTimeout          = time.Second * 3
	MessageTimeout      = time.Second * 2
	VerificationTimeout = time.Second * 1

	// Join and leave
	JoinAttemptTimeout = time.Second * 5
	JoinRetryDelay     = time.Millisecond * 500
	JoinMaxAttempts    = 10
	LeaveTimeout       = time.Second * 5
	JoinReplayTTL      = time.Minute * 2

	// Locator
	AnnounceTimeout = time.Second * 3
	LocatorLeaseTTL = time.Second * 15
)
