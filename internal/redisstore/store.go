// Package redisstore provides the daemon's handle on the runtime state
// store: a Redis client resolved either directly or through a sentinel
// quorum, plus the key conventions shared by the policy engines.
package redisstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"chapps/internal/config"
)

// SentinelTimeout bounds socket operations during sentinel discovery.
const SentinelTimeout = 100 * time.Millisecond

// Store wraps a Redis client. All engine state mutations go through
// pipelines on this client so concurrent requests cannot observe a
// partially updated record. Any operation failure is a soft failure;
// the calling engine chooses its fallback.
type Store struct {
	redis.UniversalClient
}

// Key joins the given parts with colons. Each policy engine prefixes
// its keys with a unique token (oqp, grl, sda, spf).
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// ErrorRecorder counts store soft failures.
type ErrorRecorder interface {
	StoreError(store string)
}

// InstrumentErrors registers a client hook recording every failed
// command against the "redis" store label. A nil reply is not a
// failure.
func (s *Store) InstrumentErrors(rec ErrorRecorder) {
	s.AddHook(errorHook{rec: rec})
}

type errorHook struct {
	rec ErrorRecorder
}

func (h errorHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h errorHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if err != nil && err != redis.Nil {
			h.rec.StoreError("redis")
		}
		return err
	}
}

func (h errorHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if err != nil && err != redis.Nil {
			h.rec.StoreError("redis")
		}
		return err
	}
}

// ForWrite returns a Store resolved to a read-write master. With a
// sentinel quorum configured, the master is discovered through the
// quorum; if discovery fails the direct server:port is used instead.
func ForWrite(cfg config.RedisConfig) *Store {
	return connect(cfg, false)
}

// ForRead returns a Store resolved to a read-only replica when a
// sentinel quorum is configured, or the direct server otherwise.
func ForRead(cfg config.RedisConfig) *Store {
	return connect(cfg, true)
}

func connect(cfg config.RedisConfig, replica bool) *Store {
	if cfg.SentinelServers != "" {
		client := redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.SentinelDataset,
			SentinelAddrs: strings.Fields(cfg.SentinelServers),
			ReplicaOnly:   replica,
			DialTimeout:   SentinelTimeout,
		})
		ctx, cancel := context.WithTimeout(context.Background(), SentinelTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err == nil {
			return &Store{UniversalClient: client}
		}
		_ = client.Close()
	}
	return &Store{UniversalClient: redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.Server, cfg.Port),
	})}
}
