package relationship

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/vergecare/vergegate/internal/observability"
)

// ErrNotFound indicates no relationship record exists for the pair.
var ErrNotFound = errors.New("relationship: not found")

// Repository defines persistence operations for guardian links.
type Repository interface {
	// FindLink returns the link for the pair regardless of state, or
	// ErrNotFound.
	FindLink(ctx context.Context, guardianID, dependentID string) (Link, error)
	// Limits returns the configured limits for the pair. Pairs without a
	// limits row get the zero value (unlimited).
	Limits(ctx context.Context, guardianID, dependentID string) (Limits, error)
}

// Service answers guardian questions for the policy engine. Lookups are
// served from a short-TTL Redis cache when possible and deduplicated with
// singleflight so a burst of evaluations for the same pair produces one
// store query.
type Service struct {
	repo      Repository
	cache     *redis.Client
	logger    *slog.Logger
	metrics   *observability.Metrics
	cacheTTL  time.Duration
	predicate LimitPredicate
	group     singleflight.Group
}

// NewService constructs the resolver. cache may be nil to disable caching;
// predicate may be nil to use DefaultLimitPredicate.
func NewService(repo Repository, cache *redis.Client, logger *slog.Logger, metrics *observability.Metrics, cacheTTL time.Duration, predicate LimitPredicate) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	if predicate == nil {
		predicate = DefaultLimitPredicate
	}
	return &Service{
		repo:      repo,
		cache:     cache,
		logger:    logger,
		metrics:   metrics,
		cacheTTL:  cacheTTL,
		predicate: predicate,
	}
}

// IsGuardianOf reports whether guardianID holds an active, unrevoked,
// unexpired consent over dependentID at the given instant.
//
// Cached answers can lag a revocation by at most the cache TTL; the TTL is
// kept short so a revoked guardian loses access within seconds.
func (s *Service) IsGuardianOf(ctx context.Context, guardianID, dependentID string, asOf time.Time) (bool, error) {
	if guardianID == "" || dependentID == "" {
		return false, nil
	}
	key := cacheKey(guardianID, dependentID)
	if cached, ok := s.cacheGet(ctx, key); ok {
		s.metrics.RelationshipCacheHit()
		return cached, nil
	}
	s.metrics.RelationshipCacheMiss()

	result, err, _ := s.group.Do(key, func() (any, error) {
		link, err := s.repo.FindLink(ctx, guardianID, dependentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, nil
			}
			return nil, err
		}
		return link.ActiveAt(asOf), nil
	})
	if err != nil {
		return false, fmt.Errorf("relationship: lookup %s->%s: %w", guardianID, dependentID, err)
	}
	active := result.(bool)
	s.cacheSet(ctx, key, active)
	return active, nil
}

// WithinLimits evaluates the limit predicate for a limit-bounded permission.
func (s *Service) WithinLimits(ctx context.Context, guardianID, dependentID, permission string) (bool, error) {
	limits, err := s.repo.Limits(ctx, guardianID, dependentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.predicate(Limits{}, permission), nil
		}
		return false, fmt.Errorf("relationship: limits %s->%s: %w", guardianID, dependentID, err)
	}
	return s.predicate(limits, permission), nil
}

// Invalidate drops the cached answer for a pair, called after a revocation or
// consent change so the next evaluation sees fresh state.
func (s *Service) Invalidate(ctx context.Context, guardianID, dependentID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, cacheKey(guardianID, dependentID)).Err(); err != nil {
		s.logger.Warn("relationship cache invalidate", slog.Any("error", err))
	}
}

// cacheGet reads the cached answer. Cache failures degrade to a store lookup
// rather than failing the evaluation.
func (s *Service) cacheGet(ctx context.Context, key string) (bool, bool) {
	if s.cache == nil {
		return false, false
	}
	value, err := s.cache.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("relationship cache read", slog.Any("error", err))
		}
		return false, false
	}
	return value == "1", true
}

func (s *Service) cacheSet(ctx context.Context, key string, active bool) {
	if s.cache == nil {
		return
	}
	value := "0"
	if active {
		value = "1"
	}
	if err := s.cache.Set(ctx, key, value, s.cacheTTL).Err(); err != nil {
		s.logger.Warn("relationship cache write", slog.Any("error", err))
	}
}

func cacheKey(guardianID, dependentID string) string {
	return "rel:" + guardianID + ":" + dependentID
}
