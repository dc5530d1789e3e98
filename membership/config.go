package membership

import (
	"errors"
	"time"

	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/rtt"
	"go.miragespace.co/conclave/spec/transport"
	"go.miragespace.co/conclave/timing"

	"go.uber.org/zap"
)

type ManagerConfig struct {
	Logger        *zap.Logger
	Messenger     transport.Messenger
	Locator       membership.Locator
	Authenticator membership.Authenticator
	// Listeners are notified of every installed view, in install order.
	// Listeners must not block for long.
	Listeners   []membership.ViewListener
	RTTRecorder rtt.Recorder

	FailureDetectionPort int32
	MonitoredSuccessors  int

	ProbeInterval       time.Duration
	ProbeTimeout        time.Duration
	MissThreshold       int
	SuspicionWindow     time.Duration
	VerificationTimeout time.Duration

	AckTimeout     time.Duration
	MessageTimeout time.Duration

	JoinAttemptTimeout time.Duration
	JoinRetryDelay     time.Duration
	JoinMaxAttempts    uint
	JoinReplayTTL      time.Duration
	LeaveTimeout       time.Duration
}

// DefaultManagerConfig fills every interval from the timing package. Callers
// still need to provide the logger and collaborators.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MonitoredSuccessors: membership.DefaultMonitoredSuccessors,
		ProbeInterval:       timing.ProbeInterval,
		ProbeTimeout:        timing.ProbeTimeout,
		MissThreshold:       timing.MissThreshold,
		SuspicionWindow:     timing.SuspicionWindow,
		VerificationTimeout: timing.VerificationTimeout,
		AckTimeout:          timing.AckTimeout,
		MessageTimeout:      timing.MessageTimeout,
		JoinAttemptTimeout:  timing.JoinAttemptTimeout,
		JoinRetryDelay:      timing.JoinRetryDelay,
		JoinMaxAttempts:     timing.JoinMaxAttempts,
		JoinReplayTTL:       timing.JoinReplayTTL,
		LeaveTimeout:        timing.LeaveTimeout,
	}
}

func (c *ManagerConfig) Validate() error {
	if c == nil {
		return errors.New("nil ManagerConfig")
	}
	if c.Logger == nil {
		return errors.New("nil Logger")
	}
	if c.Messenger == nil {
		return errors.New("nil Messenger")
	}
	if c.Messenger.Identity() == nil || c.Messenger.Identity().GetAddress() == "" {
		return errors.New("invalid Messenger Identity, must have an address")
	}
	if c.Locator == nil {
		return errors.New("nil Locator")
	}
	if c.Authenticator == nil {
		return errors.New("nil Authenticator")
	}
	if c.MonitoredSuccessors <= 0 {
		return errors.New("invalid MonitoredSuccessors, must be positive")
	}
	if c.MissThreshold <= 0 {
		return errors.New("invalid MissThreshold, must be positive")
	}
	if c.JoinMaxAttempts == 0 {
		return errors.New("invalid JoinMaxAttempts, must be positive")
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"ProbeInterval", c.ProbeInterval},
		{"ProbeTimeout", c.ProbeTimeout},
		{"SuspicionWindow", c.SuspicionWindow},
		{"VerificationTimeout", c.VerificationTimeout},
		{"AckTimeout", c.AckTimeout},
		{"MessageTimeout", c.MessageTimeout},
		{"JoinAttemptTimeout", c.JoinAttemptTimeout},
		{"JoinRetryDelay", c.JoinRetryDelay},
		{"JoinReplayTTL", c.JoinReplayTTL},
		{"LeaveTimeout", c.LeaveTimeout},
	} {
		if d.val <= 0 {
			return errors.New("invalid " + d.name + ", must be positive")
		}
	}
	return nil
}
