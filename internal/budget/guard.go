// Package budget enforces per-agent spending limits and trips a circuit on
// agents whose payouts keep failing.
package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/batchpay/internal/logging"
	"github.com/example/batchpay/internal/metrics"
)

// amounts are tracked in Redis as integer micro-units
const microScale = 6

// Request is one spend the caller wants to make.
type Request struct {
	AgentID      string
	OwnerAddress string
	Amount       decimal.Decimal
	Token        string
	ChainID      int64
	Sender       string
}

// Decision is the guard's verdict.
type Decision struct {
	Allowed   bool            `json:"allowed"`
	Reason    string          `json:"reason,omitempty"`
	Remaining decimal.Decimal `json:"remaining"`
}

// Policy is the default limit set applied to every agent.
type Policy struct {
	DailyLimit       decimal.Decimal
	MaxBatchAmount   decimal.Decimal
	FailureThreshold int
	Cooldown         time.Duration
}

// RedisGuard keeps spend counters and failure streaks in Redis so every
// gateway replica sees the same budget.
type RedisGuard struct {
	rdb     redis.UniversalClient
	policy  Policy
	prefix  string
	logger  *zap.Logger
	metrics *metrics.Collectors
	now     func() time.Time
}

// NewRedisGuard returns a guard applying policy. m may be nil.
func NewRedisGuard(rdb redis.UniversalClient, policy Policy, logger *zap.Logger, m *metrics.Collectors) *RedisGuard {
	if policy.FailureThreshold <= 0 {
		policy.FailureThreshold = 5
	}
	if policy.Cooldown <= 0 {
		policy.Cooldown = 15 * time.Minute
	}
	return &RedisGuard{
		rdb:     rdb,
		policy:  policy,
		prefix:  "budget",
		logger:  logging.OrNop(logger).Named("budget"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (g *RedisGuard) key(agentID string, parts ...string) string {
	return g.prefix + ":" + strings.ToLower(agentID) + ":" + strings.Join(parts, ":")
}

func (g *RedisGuard) spendKey(agentID string) string {
	return g.key(agentID, "spend", g.now().Format("20060102"))
}

func toMicros(d decimal.Decimal) int64 {
	return d.Shift(microScale).Round(0).IntPart()
}

func fromMicros(n int64) decimal.Decimal {
	return decimal.New(n, -microScale)
}

// SetAgentDailyLimit overrides the default daily limit for one agent.
func (g *RedisGuard) SetAgentDailyLimit(ctx context.Context, agentID string, limit decimal.Decimal) error {
	return g.rdb.HSet(ctx, g.key(agentID, "policy"), "daily_limit", limit.String()).Err()
}

func (g *RedisGuard) dailyLimit(ctx context.Context, agentID string) (decimal.Decimal, error) {
	raw, err := g.rdb.HGet(ctx, g.key(agentID, "policy"), "daily_limit").Result()
	if errors.Is(err, redis.Nil) {
		return g.policy.DailyLimit, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	limit, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("agent %s daily limit %q: %w", agentID, raw, err)
	}
	return limit, nil
}

// Check decides whether req may proceed. It does not reserve the amount;
// RecordSuccess books what was actually spent.
func (g *RedisGuard) Check(ctx context.Context, req Request) (*Decision, error) {
	decision, err := g.check(ctx, req)
	if err != nil {
		return nil, err
	}
	g.metrics.RecordBudgetDecision(decision.Allowed)
	if !decision.Allowed {
		g.logger.Info("budget denied",
			zap.String("agent_id", req.AgentID),
			zap.String("amount", req.Amount.String()),
			zap.String("reason", decision.Reason))
	}
	return decision, nil
}

func (g *RedisGuard) check(ctx context.Context, req Request) (*Decision, error) {
	open, err := g.rdb.Exists(ctx, g.key(req.AgentID, "circuit")).Result()
	if err != nil {
		return nil, fmt.Errorf("read circuit: %w", err)
	}

	limit, err := g.dailyLimit(ctx, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	spentMicros, err := g.rdb.Get(ctx, g.spendKey(req.AgentID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read spend: %w", err)
	}
	remaining := limit.Sub(fromMicros(spentMicros))
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	switch {
	case open > 0:
		return &Decision{Reason: "agent suspended after repeated payout failures", Remaining: remaining}, nil
	case !g.policy.MaxBatchAmount.IsZero() && req.Amount.GreaterThan(g.policy.MaxBatchAmount):
		return &Decision{
			Reason:    fmt.Sprintf("amount %s exceeds per-batch cap %s", req.Amount, g.policy.MaxBatchAmount),
			Remaining: remaining,
		}, nil
	case !limit.IsZero() && req.Amount.GreaterThan(remaining):
		return &Decision{
			Reason:    fmt.Sprintf("daily limit exceeded: %s requested, %s remaining", req.Amount, remaining),
			Remaining: remaining,
		}, nil
	}
	if limit.IsZero() {
		return &Decision{Allowed: true}, nil
	}
	return &Decision{Allowed: true, Remaining: remaining.Sub(req.Amount)}, nil
}

// RecordSuccess books amount against today's spend and clears the failure streak.
func (g *RedisGuard) RecordSuccess(ctx context.Context, agentID string, amount decimal.Decimal) error {
	spend := g.spendKey(agentID)
	_, err := g.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.IncrBy(ctx, spend, toMicros(amount))
		p.Expire(ctx, spend, 48*time.Hour)
		p.Del(ctx, g.key(agentID, "failures"))
		return nil
	})
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// RecordFailure extends the failure streak and opens the circuit once the
// streak reaches the policy threshold.
func (g *RedisGuard) RecordFailure(ctx context.Context, agentID string) error {
	failures := g.key(agentID, "failures")
	n, err := g.rdb.Incr(ctx, failures).Result()
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if err := g.rdb.Expire(ctx, failures, g.policy.Cooldown).Err(); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if n >= int64(g.policy.FailureThreshold) {
		if err := g.rdb.Set(ctx, g.key(agentID, "circuit"), "open", g.policy.Cooldown).Err(); err != nil {
			return fmt.Errorf("open circuit: %w", err)
		}
		g.logger.Warn("agent circuit opened", zap.String("agent_id", agentID), zap.Int64("failures", n))
	}
	return nil
}
