package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRedisPrefix = "hpcq"
	heartbeatTTL       = 15 * time.Second
	heartbeatEvery     = 3 * time.Second
)

// Backend job states stored in the job hash.
const (
	redisPending   = "pending"
	redisRunning   = "running"
	redisDone      = "done"
	redisFailed    = "failed"
	redisCancelled = "cancelled"
)

// RedisManager brokers jobs through Redis to node agents.
//
// Keys:
//   - <prefix>:pending (list)          job IDs waiting for an agent
//   - <prefix>:job:<id> (hash)         request, status, host, exit code
//   - <prefix>:heartbeat:<host> (str)  refreshed by live agents, expires after heartbeatTTL
type RedisManager struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisManager(rdb *redis.Client, prefix string) *RedisManager {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisManager{rdb: rdb, prefix: prefix}
}

func (m *RedisManager) pendingKey() string { return m.prefix + ":pending" }
func (m *RedisManager) jobKey(id string) string { return fmt.Sprintf("%s:job:%s", m.prefix, id) }
func (m *RedisManager) heartbeatKey(host string) string { return fmt.Sprintf("%s:heartbeat:%s", m.prefix, host) }

func (m *RedisManager) Submit(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	id := uuid.New().String()

	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, m.jobKey(id), map[string]interface{}{
		"request":    string(payload),
		"status":     redisPending,
		"updated_at": time.Now().Unix(),
	})
	pipe.LPush(ctx, m.pendingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return id, nil
}

func (m *RedisManager) Query(ctx context.Context, id string) (Status, error) {
	fields, err := m.rdb.HMGet(ctx, m.jobKey(id), "status", "host").Result()
	if err != nil {
		return StatusPending, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	status, _ := fields[0].(string)
	host, _ := fields[1].(string)
	switch status {
	case "":
		return StatusVanished, ErrUnknownJob
	case redisPending:
		return StatusPending, nil
	case redisRunning:
		alive, err := m.rdb.Exists(ctx, m.heartbeatKey(host)).Result()
		if err != nil {
			return StatusPending, fmt.Errorf("failed to read heartbeat for %s: %w", host, err)
		}
		if alive == 0 {
			return StatusVanished, nil
		}
		return StatusRunning, nil
	case redisDone:
		return StatusDone, nil
	case redisFailed, redisCancelled:
		return StatusFailed, nil
	}
	return StatusPending, fmt.Errorf("job %s has unknown status %q", id, status)
}

func (m *RedisManager) Cancel(ctx context.Context, id string) error {
	n, err := m.rdb.LRem(ctx, m.pendingKey(), 0, id).Result()
	if err != nil {
		return fmt.Errorf("failed to cancel %s: %w", id, err)
	}
	fields := map[string]interface{}{"cancel": 1}
	if n > 0 {
		fields["status"] = redisCancelled
	}
	return m.rdb.HSet(ctx, m.jobKey(id), fields).Err()
}

func (m *RedisManager) Forget(ctx context.Context, id string) error {
	pipe := m.rdb.TxPipeline()
	pipe.LRem(ctx, m.pendingKey(), 0, id)
	pipe.Del(ctx, m.jobKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (m *RedisManager) Close() error { return m.rdb.Close() }

// RedisAgent runs on a compute node: it pops pending jobs, executes them as
// local processes and writes their status back.
type RedisAgent struct {
	m      *RedisManager
	host   string
	slots  chan struct{}
	poll   time.Duration
	logger zerolog.Logger
}

func NewRedisAgent(m *RedisManager, host string, slots int) *RedisAgent {
	if host == "" {
		host, _ = os.Hostname()
	}
	if slots <= 0 {
		slots = 1
	}
	return &RedisAgent{
		m:      m,
		host:   host,
		slots:  make(chan struct{}, slots),
		poll:   500 * time.Millisecond,
		logger: log.With().Str("component", "agent").Str("host", host).Logger(),
	}
}

// Run serves jobs until ctx is cancelled.
func (a *RedisAgent) Run(ctx context.Context) error {
	go a.heartbeat(ctx)
	a.logger.Info().Int("slots", cap(a.slots)).Msg("agent started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a.slots <- struct{}{}:
		}

		res, err := a.m.rdb.BRPop(ctx, time.Second, a.m.pendingKey()).Result()
		if errors.Is(err, redis.Nil) {
			<-a.slots
			continue
		}
		if err != nil {
			<-a.slots
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn().Err(err).Msg("failed to pop job")
			time.Sleep(time.Second)
			continue
		}
		go func(id string) {
			defer func() { <-a.slots }()
			a.execute(ctx, id)
		}(res[1])
	}
}

func (a *RedisAgent) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		if err := a.m.rdb.Set(ctx, a.m.heartbeatKey(a.host), time.Now().Unix(), heartbeatTTL).Err(); err != nil && ctx.Err() == nil {
			a.logger.Warn().Err(err).Msg("failed to refresh heartbeat")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *RedisAgent) execute(ctx context.Context, id string) {
	key := a.m.jobKey(id)
	logger := a.logger.With().Str("backend_id", id).Logger()

	raw, err := a.m.rdb.HGet(ctx, key, "request").Result()
	if err != nil {
		logger.Warn().Err(err).Msg("job record missing")
		return
	}
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		logger.Error().Err(err).Msg("invalid job request")
		a.setStatus(ctx, key, redisFailed, -1)
		return
	}
	if cancelled, _ := a.m.rdb.HExists(ctx, key, "cancel").Result(); cancelled {
		a.setStatus(ctx, key, redisCancelled, -1)
		return
	}

	p, err := startProcess(req, req.Command, req.Args...)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start job")
		a.setStatus(ctx, key, redisFailed, -1)
		return
	}
	a.m.rdb.HSet(ctx, key, "status", redisRunning, "host", a.host, "updated_at", time.Now().Unix())
	logger.Info().Str("command", req.Command).Msg("job started")

	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			code := p.cmd.ProcessState.ExitCode()
			if p.err != nil {
				a.setStatus(ctx, key, redisFailed, code)
			} else {
				a.setStatus(ctx, key, redisDone, code)
			}
			logger.Info().Int("exit_code", code).Msg("job finished")
			return
		case <-ctx.Done():
			_ = p.kill()
			return
		case <-ticker.C:
			if cancelled, _ := a.m.rdb.HExists(ctx, key, "cancel").Result(); cancelled {
				logger.Info().Msg("job cancelled")
				_ = p.kill()
				<-p.done
				a.setStatus(ctx, key, redisCancelled, -1)
				return
			}
		}
	}
}

func (a *RedisAgent) setStatus(ctx context.Context, key, status string, code int) {
	err := a.m.rdb.HSet(ctx, key, map[string]interface{}{
		"status":     status,
		"exit_code":  strconv.Itoa(code),
		"updated_at": time.Now().Unix(),
	}).Err()
	if err != nil {
		a.logger.Warn().Err(err).Str("key", key).Msg("failed to update job status")
	}
}
