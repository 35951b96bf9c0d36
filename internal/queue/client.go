// Package queue wraps go-redis v9 with the atomic job-queue primitives the
// synthesis core needs: enqueue-if-new, claim, complete, requeue-if-stale,
// and delete-inflight-if-owner (spec §4.2). Each primitive is a Lua script
// run with Eval so the check-and-mutate sequence is race-free across
// concurrent workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Standard errors returned by queue operations.
var (
	ErrNotOwner   = errors.New("queue: claim not owned by caller")
	ErrNotClaimed = errors.New("queue: job not in processing set")
	ErrDuplicate  = errors.New("queue: variant already inflight")
	ErrNotFound   = errors.New("queue: job not found")
)

// Client wraps a *redis.Client with the key layout and Lua scripts the
// core's queue, result and billing components share.
type Client struct {
	rdb *redis.Client
}

// New connects to Redis at addr and verifies connectivity with a Ping,
// the way the teacher's GoRedisAdapter does.
func New(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     50,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Wrap adapts an already-constructed *redis.Client (used by tests against
// miniredis, which hands back a plain address rather than a client).
func Wrap(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close shuts down the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Raw exposes the underlying client for callers that need direct Redis
// access outside the queue primitives.
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// Key layout. One queue/processing/dlq triple per model slug; inflight and
// job-index keys are global and keyed by variant_hash / job_id.
func queueKey(model string) string      { return "queue:" + model }
func processingKey(model string) string { return "processing:" + model }
func dlqKey(model string) string        { return "dlq:" + model }
func inflightKey(variantHash string) string { return "inflight:" + variantHash }
func jobKey(jobID string) string        { return "job:" + jobID }
func indexKey(userID, documentID string) string { return "index:" + userID + ":" + documentID }

// doneChannel is the per-(user,document) pub/sub channel the notify package
// publishes completions to, so subscribers don't fan out across every
// in-flight document on the instance (spec §4.7).
func doneChannel(userID, documentID string) string {
	return "done:" + userID + ":" + documentID
}

// DoneChannel exposes the channel-naming convention to the notify package.
func DoneChannel(userID, documentID string) string {
	return doneChannel(userID, documentID)
}
