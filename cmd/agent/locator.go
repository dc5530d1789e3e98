package agent

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.miragespace.co/conclave/locator"
	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/timing"

	"go.uber.org/zap"
)

const defaultCluster = "default"

// parseLocator builds a locator from a URI:
//
//	static://host1:port,host2:port
//	etcd://host1:2379,host2:2379/cluster
//	redis://host:6379/cluster
//
// The returned func releases the locator's client.
func parseLocator(logger *zap.Logger, uri string) (membership.Locator, func(), error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, nil, fmt.Errorf("error parsing locator: %w", err)
	}
	hosts := make([]string, 0)
	for _, h := range strings.Split(parsed.Host, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		return nil, nil, fmt.Errorf("locator %q has no hosts", uri)
	}
	cluster := strings.Trim(parsed.Path, "/")
	if cluster == "" {
		cluster = defaultCluster
	}
	ttl := timing.LocatorLeaseTTL
	if q := parsed.Query().Get("ttl"); q != "" {
		ttl, err = time.ParseDuration(q)
		if err != nil {
			return nil, nil, fmt.Errorf("error parsing locator ttl: %w", err)
		}
	}

	switch parsed.Scheme {
	case "static":
		return locator.NewStatic(hosts...), func() {}, nil
	case "etcd":
		client, err := locator.NewEtcdClient(hosts)
		if err != nil {
			return nil, nil, fmt.Errorf("error connecting to etcd: %w", err)
		}
		return locator.NewEtcd(logger, client, cluster, ttl), func() { client.Close() }, nil
	case "redis":
		if len(hosts) > 1 {
			return nil, nil, fmt.Errorf("redis locator takes exactly one host")
		}
		client := locator.NewRedisClient(hosts[0])
		return locator.NewRedis(logger, client, cluster, ttl), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown locator scheme %q", parsed.Scheme)
	}
}
