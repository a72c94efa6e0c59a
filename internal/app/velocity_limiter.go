package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// OperationClass groups operator routes that share one velocity budget.
type OperationClass string

const (
	// OperationMutation covers calls that move money: push funds and refunds.
	OperationMutation OperationClass = "mutation"
	// OperationQuery covers read-only calls: status lookups and merchant checks.
	OperationQuery OperationClass = "query"
)

// VelocityLimits caps how many calls of each class one operator may make in a
// sliding window. A non-positive limit leaves that class unlimited.
type VelocityLimits struct {
	Mutation int
	Query    int
	Window   time.Duration
}

func (l VelocityLimits) limitFor(class OperationClass) int {
	switch class {
	case OperationMutation:
		return l.Mutation
	case OperationQuery:
		return l.Query
	default:
		return 0
	}
}

func (l VelocityLimits) window() time.Duration {
	if l.Window < time.Second {
		return time.Minute
	}
	return l.Window
}

// VelocityDecision is the answer for one operator call.
type VelocityDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// VelocityLimiter admits or rejects operator calls per operation class.
// Rejected calls do not consume budget.
type VelocityLimiter interface {
	Admit(ctx context.Context, operatorID string, class OperationClass) (VelocityDecision, error)
}

func unlimited() VelocityDecision {
	return VelocityDecision{Allowed: true}
}

// velocityScript keeps one sorted set of admitted call timestamps per
// operator and class. Entries older than the window are trimmed before
// counting; the reply is {admitted, used, wait_ms}.
var velocityScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local used = redis.call("ZCARD", KEYS[1])
if used < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  return {1, used + 1, 0}
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local wait = window
if oldest[2] then
  wait = tonumber(oldest[2]) + window - now
end
return {0, used, wait}
`)

// RedisVelocityLimiter shares operator budgets across replicas.
type RedisVelocityLimiter struct {
	client redis.UniversalClient
	prefix string
	limits VelocityLimits
	now    func() time.Time
}

func NewRedisVelocityLimiter(client redis.UniversalClient, prefix string, limits VelocityLimits) *RedisVelocityLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "visadirect"
	}
	return &RedisVelocityLimiter{
		client: client,
		prefix: strings.TrimSuffix(trimmedPrefix, ":") + ":velocity",
		limits: limits,
		now:    time.Now,
	}
}

func (r *RedisVelocityLimiter) key(operatorID string, class OperationClass) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, class, operatorID)
}

func (r *RedisVelocityLimiter) Admit(ctx context.Context, operatorID string, class OperationClass) (VelocityDecision, error) {
	if r == nil || r.client == nil {
		return unlimited(), nil
	}
	limit := r.limits.limitFor(class)
	operatorID = strings.TrimSpace(operatorID)
	if limit <= 0 || operatorID == "" {
		return unlimited(), nil
	}

	window := r.limits.window()
	raw, err := velocityScript.Run(ctx, r.client, []string{r.key(operatorID, class)},
		r.now().UnixMilli(), window.Milliseconds(), limit, uuid.NewString()).Result()
	if err != nil {
		return VelocityDecision{}, err
	}
	return parseVelocityReply(raw, limit, window)
}

func parseVelocityReply(raw interface{}, limit int, window time.Duration) (VelocityDecision, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return VelocityDecision{}, fmt.Errorf("unexpected velocity reply shape: %T", raw)
	}
	var parsed [3]int64
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return VelocityDecision{}, fmt.Errorf("unexpected velocity reply element %d: %T", i, v)
		}
		parsed[i] = n
	}

	decision := VelocityDecision{Allowed: parsed[0] == 1, Limit: limit, Remaining: limit - int(parsed[1])}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	if !decision.Allowed {
		decision.RetryAfter = time.Duration(parsed[2]) * time.Millisecond
		if decision.RetryAfter <= 0 || decision.RetryAfter > window {
			decision.RetryAfter = window
		}
	}
	return decision, nil
}

// MemoryVelocityLimiter applies the same sliding window inside one process.
// It is used when Redis is not configured.
type MemoryVelocityLimiter struct {
	mutex  sync.Mutex
	calls  map[string][]time.Time
	limits VelocityLimits
	now    func() time.Time
}

func NewMemoryVelocityLimiter(limits VelocityLimits) *MemoryVelocityLimiter {
	return &MemoryVelocityLimiter{calls: make(map[string][]time.Time), limits: limits, now: time.Now}
}

func (m *MemoryVelocityLimiter) Admit(_ context.Context, operatorID string, class OperationClass) (VelocityDecision, error) {
	limit := m.limits.limitFor(class)
	operatorID = strings.TrimSpace(operatorID)
	if limit <= 0 || operatorID == "" {
		return unlimited(), nil
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	window := m.limits.window()
	now := m.now()
	key := string(class) + ":" + operatorID
	recent := m.calls[key][:0]
	for _, at := range m.calls[key] {
		if now.Sub(at) < window {
			recent = append(recent, at)
		}
	}

	if len(recent) >= limit {
		m.calls[key] = recent
		return VelocityDecision{Limit: limit, RetryAfter: recent[0].Add(window).Sub(now)}, nil
	}
	recent = append(recent, now)
	m.calls[key] = recent
	return VelocityDecision{Allowed: true, Limit: limit, Remaining: limit - len(recent)}, nil
}
