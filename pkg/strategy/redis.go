package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps one hash per persona plus JSON blobs for session rows.
//
//	{prefix}strategy:{persona}      hash engagement_weight, threat_weight, usage_count, updated_at
//	{prefix}strategies              set of persona names
//	{prefix}processed               hash session id -> processed unix ms
//	{prefix}metrics:{session}       SessionMetrics JSON
//	{prefix}effectiveness:{session} []PersonaEffectiveness JSON
//	{prefix}lock:learner            run lock token
type RedisStore struct {
	client  *redis.Client
	prefix  string
	lockTTL time.Duration
	logger  *zap.Logger
}

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript resets the lock expiry only if it still carries our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

func NewRedisStore(client *redis.Client, prefix string, lockTTL time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	return &RedisStore{client: client, prefix: prefix, lockTTL: lockTTL, logger: logger}
}

// OpenRedis dials and pings.
func OpenRedis(ctx context.Context, opts *redis.Options, prefix string, lockTTL time.Duration, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return NewRedisStore(client, prefix, lockTTL, logger), nil
}

func (s *RedisStore) strategyKey(persona string) string { return s.prefix + "strategy:" + persona }
func (s *RedisStore) indexKey() string                  { return s.prefix + "strategies" }
func (s *RedisStore) processedKey() string              { return s.prefix + "processed" }
func (s *RedisStore) metricsKey(id string) string       { return s.prefix + "metrics:" + id }
func (s *RedisStore) effectivenessKey(id string) string { return s.prefix + "effectiveness:" + id }
func (s *RedisStore) lockKey() string                   { return s.prefix + "lock:learner" }

func (s *RedisStore) Strategies(ctx context.Context, names ...string) (map[string]PersonaStrategy, error) {
	out := make(map[string]PersonaStrategy, len(names))
	if len(names) == 0 {
		return out, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(names))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, n := range names {
			cmds[i] = p.HGetAll(ctx, s.strategyKey(n))
		}
		return nil
	})
	if err != nil {
		return nil, s.classify(err)
	}
	for i, n := range names {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		st, err := decodeStrategy(n, fields)
		if err != nil {
			return nil, err
		}
		out[n] = st
	}
	return out, nil
}

func (s *RedisStore) ListStrategies(ctx context.Context) ([]PersonaStrategy, error) {
	names, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, s.classify(err)
	}
	m, err := s.Strategies(ctx, names...)
	if err != nil {
		return nil, err
	}
	out := make([]PersonaStrategy, 0, len(m))
	for _, st := range m {
		out = append(out, st)
	}
	sortStrategies(out)
	return out, nil
}

func decodeStrategy(name string, fields map[string]string) (PersonaStrategy, error) {
	st := PersonaStrategy{Persona: name}
	var err error
	if st.EngagementWeight, err = parseFloat(fields["engagement_weight"]); err != nil {
		return st, fmt.Errorf("strategy %s: engagement_weight: %w", name, err)
	}
	if st.ThreatWeight, err = parseFloat(fields["threat_weight"]); err != nil {
		return st, fmt.Errorf("strategy %s: threat_weight: %w", name, err)
	}
	if v := fields["usage_count"]; v != "" {
		if st.UsageCount, err = strconv.ParseInt(v, 10, 64); err != nil {
			return st, fmt.Errorf("strategy %s: usage_count: %w", name, err)
		}
	}
	if v := fields["updated_at"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err == nil && ms > 0 {
			st.UpdatedAt = time.UnixMilli(ms).UTC()
		}
	}
	return st, nil
}

func parseFloat(v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseFloat(v, 64)
}

func encodeStrategy(st PersonaStrategy) map[string]any {
	return map[string]any{
		"engagement_weight": strconv.FormatFloat(st.EngagementWeight, 'g', -1, 64),
		"threat_weight":     strconv.FormatFloat(st.ThreatWeight, 'g', -1, 64),
		"usage_count":       strconv.FormatInt(st.UsageCount, 10),
		"updated_at":        strconv.FormatInt(st.UpdatedAt.UnixMilli(), 10),
	}
}

func (s *RedisStore) IsProcessed(ctx context.Context, sessionID string) (bool, error) {
	ok, err := s.client.HExists(ctx, s.processedKey(), sessionID).Result()
	if err != nil {
		return false, s.classify(err)
	}
	return ok, nil
}

// ApplySession watches the processed hash and every touched strategy key, so
// a concurrent writer aborts the EXEC and the caller sees ErrWriteConflict.
func (s *RedisStore) ApplySession(ctx context.Context, u SessionUpdate) (bool, error) {
	id := u.Metrics.SessionID
	if id == "" {
		return false, errors.New("session update without session id")
	}
	credits := u.sortedCredits()
	keys := []string{s.processedKey()}
	for _, c := range credits {
		keys = append(keys, s.strategyKey(c.Persona))
	}

	metricsJSON, err := json.Marshal(u.Metrics)
	if err != nil {
		return false, err
	}
	effJSON, err := json.Marshal(u.Effectiveness)
	if err != nil {
		return false, err
	}

	applied := false
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		done, err := tx.HExists(ctx, s.processedKey(), id).Result()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		now := time.Now()
		next := make([]PersonaStrategy, 0, len(credits))
		for _, c := range credits {
			fields, err := tx.HGetAll(ctx, s.strategyKey(c.Persona)).Result()
			if err != nil {
				return err
			}
			old := PersonaStrategy{}
			if len(fields) > 0 {
				if old, err = decodeStrategy(c.Persona, fields); err != nil {
					return err
				}
			}
			next = append(next, u.Smoothing.Apply(old, c, now))
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, st := range next {
				p.HSet(ctx, s.strategyKey(st.Persona), encodeStrategy(st))
				p.SAdd(ctx, s.indexKey(), st.Persona)
			}
			p.Set(ctx, s.metricsKey(id), metricsJSON, 0)
			p.Set(ctx, s.effectivenessKey(id), effJSON, 0)
			p.HSet(ctx, s.processedKey(), id, strconv.FormatInt(now.UnixMilli(), 10))
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}, keys...)
	if err != nil {
		return false, s.classify(err)
	}
	return applied, nil
}

func (s *RedisStore) AcquireRunLock(ctx context.Context, owner string) (RunLock, error) {
	token := owner + ":" + uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.lockKey(), token, s.lockTTL).Result()
	if err != nil {
		return nil, s.classify(err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return runLock{
		refresh: func(ctx context.Context) error {
			n, err := refreshScript.Run(ctx, s.client, []string{s.lockKey()}, token, s.lockTTL.Milliseconds()).Int()
			if err != nil {
				return s.classify(err)
			}
			if n == 0 {
				return ErrLocked
			}
			return nil
		},
		release: func(ctx context.Context) error {
			if err := releaseScript.Run(ctx, s.client, []string{s.lockKey()}, token).Err(); err != nil {
				return s.classify(err)
			}
			return nil
		},
	}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %v", ErrWriteConflict, err)
	}
	var netErr net.Error
	if errors.Is(err, redis.ErrClosed) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
