// Package proxy maintains the edge proxy's route table in Redis. Each
// installed module owns one route prefix; the edge proxy watches the reload
// channel and rebuilds its routing from the proxy:routes:* keys.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// ErrRouteTaken is returned when another module already holds the prefix.
var ErrRouteTaken = errors.New("route prefix already registered")

const (
	routeKeyPrefix = "proxy:routes:"
	reloadChannel  = "proxy:reload"
	reservedMarker = "__reserved__"
)

// RouteStore registers and releases module route prefixes.
type RouteStore struct {
	rdb *redis.Client
}

// NewRouteStore creates a route store on the given Redis client.
func NewRouteStore(rdb *redis.Client) *RouteStore {
	return &RouteStore{rdb: rdb}
}

// Reserve atomically claims a route prefix before any container work begins.
// The claim holds a placeholder value until Commit writes the real endpoint.
// Returns ErrRouteTaken when the prefix is already claimed.
func (s *RouteStore) Reserve(ctx context.Context, prefix string) error {
	ok, err := s.rdb.SetNX(ctx, routeKeyPrefix+prefix, reservedMarker, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve route: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRouteTaken, prefix)
	}
	return nil
}

// Commit points a reserved prefix at the module's container endpoint and
// tells the edge proxy to reload.
func (s *RouteStore) Commit(ctx context.Context, prefix, endpoint string) error {
	if err := s.rdb.Set(ctx, routeKeyPrefix+prefix, endpoint, 0).Err(); err != nil {
		return fmt.Errorf("failed to commit route: %w", err)
	}
	s.publishReload(ctx)
	return nil
}

// Release removes a prefix from the route table. Releasing a prefix that is
// not registered is a no-op.
func (s *RouteStore) Release(ctx context.Context, prefix string) error {
	if err := s.rdb.Del(ctx, routeKeyPrefix+prefix).Err(); err != nil {
		return fmt.Errorf("failed to release route: %w", err)
	}
	s.publishReload(ctx)
	return nil
}

// Endpoint returns the endpoint a prefix routes to, or "" when unregistered
// or still reserved.
func (s *RouteStore) Endpoint(ctx context.Context, prefix string) (string, error) {
	val, err := s.rdb.Get(ctx, routeKeyPrefix+prefix).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up route: %w", err)
	}
	if val == reservedMarker {
		return "", nil
	}
	return val, nil
}

func (s *RouteStore) publishReload(ctx context.Context) {
	if err := s.rdb.Publish(ctx, reloadChannel, "reload").Err(); err != nil {
		slog.Warn("failed to publish proxy reload", "error", err)
	}
}
