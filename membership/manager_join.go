package membership

import (
	"context"
	"errors"
	"fmt"

	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

const maxRedirects = 3

// Join asks the locator for the coordinator and requests admission, retrying
// transient failures with backoff and following redirects. Every attempt
// carries the same request id so the coordinator can replay its answer. On
// failure the process is Gone and the error is a *JoinError.
func (m *Manager) Join(ctx context.Context, credentials []byte) error {
	if _, ok := m.state.Transition(membership.Inactive, membership.Joining); !ok {
		return fmt.Errorf("%w: cannot join while %s", membership.ErrInvalidState, m.state.Get())
	}

	m.startTasks()

	requestID := m.requestID.Inc()
	var (
		attempts uint
		target   *protocol.Member
	)

	err := retry.Do(func() error {
		attempts++
		if target == nil {
			located, err := m.locate(ctx)
			if err != nil {
				return err
			}
			target = located
		}
		for hop := 0; ; hop++ {
			if target != nil && target.GetAddress() == m.self.GetAddress() {
				// a seed entry for this process, or the stale location of an
				// earlier incarnation at our address
				m.logger.Debug("Locator named our own address, locating again",
					zap.Object("located", target),
					zap.Bool("previousIncarnation", !membership.SameMember(target, m.self) && target.GetStartedAt() != 0),
				)
				target = nil
				if hop < maxRedirects {
					located, err := m.locate(ctx)
					if err != nil {
						return err
					}
					target = located
					continue
				}
			}
			if target == nil {
				return membership.ErrNoCoordinator
			}
			redirect, err := m.requestJoin(ctx, target, requestID, credentials)
			if err == nil {
				return nil
			}
			if !errors.Is(err, membership.ErrRedirected) {
				target = nil
				return err
			}
			m.logger.Debug("Join request redirected", zap.Object("from", target), zap.Object("to", redirect))
			target = redirect
			if hop >= maxRedirects {
				return err
			}
		}
	},
		retry.Context(ctx),
		retry.Attempts(m.JoinMaxAttempts),
		retry.Delay(m.JoinRetryDelay),
		retry.MaxDelay(m.JoinRetryDelay*16),
		retry.LastErrorOnly(true),
		retry.RetryIf(membership.ErrorIsRetryable),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Warn("Retrying join request", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)

	if err != nil {
		m.logger.Error("Failed to join cluster", zap.Uint("attempts", attempts), zap.Error(err))
		m.markGone()
		return &membership.JoinError{Cause: err, Attempts: attempts}
	}

	m.logger.Info("Joined cluster",
		zap.Object("view", m.view.Load().ID()),
		zap.Object("identity", m.Identity()),
	)
	return nil
}

func (m *Manager) locate(ctx context.Context) (*protocol.Member, error) {
	ctx, cancel := context.WithTimeout(ctx, m.JoinAttemptTimeout)
	defer cancel()
	coord, err := m.Locator.CurrentCoordinator(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", membership.ErrNoCoordinator, err)
	}
	return coord, nil
}

// requestJoin sends one join request to target and waits for the answer. A
// redirect returns the suggested coordinator, which may be nil.
func (m *Manager) requestJoin(ctx context.Context, target *protocol.Member, requestID int32, credentials []byte) (*protocol.Member, error) {
	ctx, cancel := context.WithTimeout(ctx, m.JoinAttemptTimeout)
	defer cancel()

	env := m.envelope(protocol.Envelope_JOIN_REQUEST)
	env.JoinRequest = &protocol.JoinRequest{
		Recipient:            target,
		Member:               m.self,
		Credentials:          credentials,
		FailureDetectionPort: m.FailureDetectionPort,
		RequestId:            requestID,
	}

	m.logger.Debug("Sending join request", zap.Object("coordinator", target), zap.Object("request", env.JoinRequest))

	if err := m.Messenger.SendReliable(ctx, target, env); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, membership.ErrTimeout
			}
			return nil, ctx.Err()

		case <-m.admitted:
			// a commit including us arrived before the response
			return nil, nil

		case resp := <-m.joinResponses:
			if resp.GetRequestId() != requestID {
				continue
			}
			switch resp.GetOutcome() {
			case protocol.JoinResponse_ACCEPTED:
				v, err := membership.FromProto(resp.GetView())
				if err != nil {
					return nil, fmt.Errorf("%w: %v", membership.ErrProtocolAbort, err)
				}
				if !v.Contains(m.self) {
					return nil, fmt.Errorf("%w: accepted view does not contain us", membership.ErrProtocolAbort)
				}
				m.install(v)
				if m.state.Get() == membership.Joining {
					return nil, fmt.Errorf("%w: accepted view was not installed", membership.ErrProtocolAbort)
				}
				return nil, nil

			case protocol.JoinResponse_REJECTED:
				if resp.GetReason() == protocol.JoinResponse_AUTHENTICATION_FAILED {
					return nil, membership.ErrAuthenticationFailed
				}
				return nil, membership.ErrInvalidRequest

			case protocol.JoinResponse_REDIRECT:
				return resp.GetCoordinator(), membership.ErrRedirected

			default:
				return nil, fmt.Errorf("%w: unknown join outcome %s", membership.ErrProtocolAbort, resp.GetOutcome())
			}
		}
	}
}

// Leave asks the coordinator to remove this process and waits, bounded by
// LeaveTimeout, for the view that excludes it. The process is Gone when
// Leave returns, even if the removal was never committed.
func (m *Manager) Leave(ctx context.Context) error {
	if !m.state.TransitionAny(membership.Leaving, membership.Stable, membership.CoordinatorTransition) {
		return fmt.Errorf("%w: cannot leave while %s", membership.ErrInvalidState, m.state.Get())
	}

	m.logger.Info("Leaving cluster")

	ctx, cancel := context.WithTimeout(ctx, m.LeaveTimeout)
	defer cancel()

	self := m.Identity()
	err := retry.Do(func() error {
		coord := m.Coordinator()
		if coord == nil {
			return membership.ErrNoCoordinator
		}
		if membership.SameMember(coord, m.self) {
			m.coordinator.submit(&leaveEvent{member: self, viewSeq: m.CurrentView().Sequence()})
			return nil
		}
		env := m.envelope(protocol.Envelope_LEAVE_REQUEST)
		env.LeaveRequest = &protocol.LeaveRequest{Member: self}
		// an unreachable coordinator is left to the failure detector
		return m.Messenger.SendReliable(ctx, coord, env)
	},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(m.JoinRetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(membership.ErrorIsRetryable),
	)
	if err != nil {
		m.logger.Warn("Failed to deliver leave request", zap.Error(err))
	}

	select {
	case <-m.gone:
		m.logger.Info("Left cluster")
		return nil
	case <-ctx.Done():
		m.markGone()
		return fmt.Errorf("%w: leave was not committed", membership.ErrTimeout)
	}
}
