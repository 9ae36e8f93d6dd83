package registry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/caleberi/chunkmanager/common"
)

// Liveness tracks chunkserver heartbeat arrivals with a Redis-backed ϕ
// accrual failure detector (Hayashibara et al., 2004), adapted from the
// teacher's root-level failure_detector package: one sampling window per
// server instead of per-link round-trip samples, since the registry only
// ever observes heartbeat arrival times, not request/response pairs.
//
// Backing state in Redis (rather than in-process) lets liveness survive a
// master restart and be shared with a standby, at the cost of needing a
// reachable Redis instance; tests substitute miniredis.
type Liveness struct {
	rdb                *redis.Client
	windowSize         int
	ttl                time.Duration
	suspicionThreshold float64
}

// NewLiveness connects to the given Redis endpoint and returns a tracker
// that keeps, per server, the last windowSize heartbeat arrival times for
// up to ttl.
func NewLiveness(opts *redis.Options, windowSize int, ttl time.Duration, suspicionThreshold float64) (*Liveness, error) {
	if windowSize <= 0 {
		windowSize = 100
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("liveness: connecting to redis: %w", err)
	}
	return &Liveness{rdb: rdb, windowSize: windowSize, ttl: ttl, suspicionThreshold: suspicionThreshold}, nil
}

func (l *Liveness) key(server common.ServerID) string {
	return "chunkmanager:liveness:" + string(server)
}

// RecordHeartbeat registers a heartbeat arrival for server at the current
// time, trimming the window to its configured size.
func (l *Liveness) RecordHeartbeat(ctx context.Context, server common.ServerID) error {
	key := l.key(server)
	now := time.Now()
	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())

	p := l.rdb.Pipeline()
	p.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	p.Expire(ctx, key, l.ttl)
	if _, err := p.Exec(ctx); err != nil {
		return fmt.Errorf("liveness: recording heartbeat for %s: %w", server, err)
	}

	if card, err := l.rdb.ZCard(ctx, key).Result(); err == nil && card > int64(l.windowSize) {
		l.rdb.ZRemRangeByRank(ctx, key, 0, card-int64(l.windowSize)-1)
	}
	return nil
}

// arrivalTimes returns the recorded heartbeat arrival times for server,
// oldest first.
func (l *Liveness) arrivalTimes(ctx context.Context, server common.ServerID) ([]float64, error) {
	scores, err := l.rdb.ZRangeWithScores(ctx, l.key(server), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("liveness: reading samples for %s: %w", server, err)
	}
	times := make([]float64, len(scores))
	for i, z := range scores {
		times[i] = z.Score
	}
	sort.Float64s(times)
	return times, nil
}

// phi implements the Φ accrual suspicion formula against a heartbeat
// inter-arrival distribution assumed normal with the given mean/stddev.
// With zero stddev every interval so far was identical, so a gap shorter
// than mean scores 0 and any longer gap scores +Inf.
func phi(timeSinceLast, mean, stdDev float64) float64 {
	if stdDev == 0 {
		if timeSinceLast < mean {
			return 0
		}
		return math.Inf(1)
	}
	z := (timeSinceLast - mean) / stdDev
	cdf := 0.5 * (1 + math.Erf(z/math.Sqrt2))
	if cdf >= 1.0 {
		return math.Inf(1)
	}
	v := -math.Log10(1.0 - cdf)
	if math.IsNaN(v) {
		return math.Inf(1)
	}
	return v
}

// Phi computes the current suspicion level for server. A server with
// fewer than two recorded samples is reported maximally suspect: there
// is not enough history to vouch for it.
func (l *Liveness) Phi(ctx context.Context, server common.ServerID) (float64, error) {
	times, err := l.arrivalTimes(ctx, server)
	if err != nil {
		return 0, err
	}
	if len(times) < 2 {
		return math.Inf(1), nil
	}

	intervals := make([]float64, len(times)-1)
	for i := 1; i < len(times); i++ {
		intervals[i-1] = times[i] - times[i-1]
	}
	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))

	var variance float64
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(intervals))
	stdDev := math.Sqrt(variance)

	elapsed := float64(time.Now().UnixMilli()) - times[len(times)-1]
	return phi(elapsed, mean, stdDev), nil
}

// IsSuspect reports whether server's current ϕ exceeds the configured
// suspicion threshold.
func (l *Liveness) IsSuspect(ctx context.Context, server common.ServerID) bool {
	p, err := l.Phi(ctx, server)
	if err != nil {
		log.Error().Err(err).Str("server", string(server)).Msg("liveness: phi computation failed, treating as suspect")
		return true
	}
	return p > l.suspicionThreshold
}

// Forget drops all recorded heartbeat history for server, e.g. once it
// has been formally removed from the registry.
func (l *Liveness) Forget(ctx context.Context, server common.ServerID) error {
	return l.rdb.Del(ctx, l.key(server)).Err()
}

// Close releases the underlying Redis connection.
func (l *Liveness) Close() error {
	return l.rdb.Close()
}
