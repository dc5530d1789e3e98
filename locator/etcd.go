package locator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Etcd stores the coordinator under a key bound to a lease, so the entry
// disappears when the coordinator stops refreshing it. One lease is granted
// and kept alive across announcements; a new one is granted only after the
// old one expired.
type Etcd struct {
	kv     clientv3.KV
	leases clientv3.Lease
	logger *zap.Logger
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	lease clientv3.LeaseID
}

var (
	_ membership.Locator   = (*Etcd)(nil)
	_ membership.Announcer = (*Etcd)(nil)
)

func NewEtcdClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func NewEtcd(logger *zap.Logger, client *clientv3.Client, cluster string, ttl time.Duration) *Etcd {
	return newEtcd(logger, client.KV, client.Lease, cluster, ttl)
}

func newEtcd(logger *zap.Logger, kv clientv3.KV, leases clientv3.Lease, cluster string, ttl time.Duration) *Etcd {
	return &Etcd{
		kv:     kv,
		leases: leases,
		logger: logger.With(zap.String("component", "etcdLocator")),
		key:    fmt.Sprintf("/conclave/%s/coordinator", cluster),
		ttl:    ttl,
		lease:  clientv3.NoLease,
	}
}

func (e *Etcd) CurrentCoordinator(ctx context.Context) (*protocol.Member, error) {
	resp, err := e.kv.Get(ctx, e.key)
	if err != nil {
		return nil, fmt.Errorf("reading coordinator from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	return decodeMember(resp.Kvs[0].Value)
}

func (e *Etcd) Announce(ctx context.Context, coordinator *protocol.Member) error {
	val, err := encodeMember(coordinator)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	lease, err := e.refresh(ctx)
	if err != nil {
		return err
	}
	if _, err := e.kv.Put(ctx, e.key, string(val), clientv3.WithLease(lease)); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			e.lease = clientv3.NoLease
		}
		return fmt.Errorf("writing coordinator to etcd: %w", err)
	}
	e.logger.Debug("Announced coordinator", zap.Object("coordinator", coordinator), zap.Int64("lease", int64(lease)))
	return nil
}

// refresh keeps the cached lease alive, granting a new one when there is
// none yet or etcd no longer knows the old one. Callers hold e.mu.
func (e *Etcd) refresh(ctx context.Context) (clientv3.LeaseID, error) {
	if e.lease != clientv3.NoLease {
		_, err := e.leases.KeepAliveOnce(ctx, e.lease)
		switch {
		case err == nil:
			return e.lease, nil
		case errors.Is(err, rpctypes.ErrLeaseNotFound):
			e.logger.Info("Coordinator lease expired, granting a new one", zap.Int64("lease", int64(e.lease)))
			e.lease = clientv3.NoLease
		default:
			return clientv3.NoLease, fmt.Errorf("refreshing etcd lease: %w", err)
		}
	}

	grant, err := e.leases.Grant(ctx, int64(e.ttl/time.Second))
	if err != nil {
		return clientv3.NoLease, fmt.Errorf("granting etcd lease: %w", err)
	}
	e.lease = grant.ID
	return e.lease, nil
}
