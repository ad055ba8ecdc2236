// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sink

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Thermoquad/bmsmon/pkg/session"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions configure the Redis sink
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix starts every key. Empty means "bms".
	Prefix string
	Logger *zap.Logger
}

// Redis stores the latest record of each response in a hash and publishes
// a notification on a channel of the same name
type Redis struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

var _ Sink = (*Redis)(nil)

// NewRedis connects and pings the server
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	r := &Redis{
		client: client,
		prefix: opts.Prefix,
		logger: opts.Logger,
	}
	if r.prefix == "" {
		r.prefix = "bms"
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.Named("redis")
	return r, nil
}

// Key returns the hash key and channel for a device's response, for
// example "bms:c84780123456:live_data"
func Key(prefix string, device session.Identity, response string) string {
	id := strings.ToLower(strings.ReplaceAll(device.ID, ":", ""))
	if id == "" {
		id = "unknown"
	}
	return prefix + ":" + id + ":" + strings.ToLower(response)
}

// hashArgs returns the HSET field/value pairs for data in key order
func hashArgs(device session.Identity, data session.Data) []interface{} {
	fields := Flatten(data.Values)
	fields["_timestamp"] = strconv.FormatInt(data.Timestamp.UnixMilli(), 10)
	fields["_device"] = device.Name

	args := make([]interface{}, 0, len(fields)*2)
	for _, k := range sortedKeys(fields) {
		args = append(args, k, fields[k])
	}
	return args
}

// Write implements Sink. HSET and PUBLISH go out in one pipeline.
func (r *Redis) Write(ctx context.Context, device session.Identity, data session.Data) error {
	key := Key(r.prefix, device, data.Response)

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, hashArgs(device, data)...)
	pipe.Publish(ctx, key, fmt.Sprintf("%s:%d", data.Response, data.Timestamp.UnixMilli()))
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("Redis write failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis write %s: %w", key, err)
	}
	return nil
}

// Close implements Sink
func (r *Redis) Close() error {
	return r.client.Close()
}
