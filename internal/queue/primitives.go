package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yapit-tts/yapit-sub004/internal/wire"
)

// enqueueIfNewScript sets the inflight gate, stores the job body, and adds
// the job id to the model's queue scored by enqueue time — all in one
// round trip so two concurrent producers racing on the same variant never
// both enqueue (spec §4.1 "dedup on enqueue"). The score doubles as the
// overflow scanner's age signal (spec §4.8).
// Also populates index:{user}:{document}, a hash from block_idx to
// "job_id|model|variant_hash" the cursor_moved handler uses to find and
// evict jobs by (user, document, block) without scanning every model's
// queue (spec §4.3 "indexed job").
var enqueueIfNewScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[7])
redis.call('SET', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[4], ARGV[4], ARGV[1] .. '|' .. ARGV[5] .. '|' .. ARGV[6])
return 1
`)

// EnqueueIfNew admits job onto its model queue unless its variant is
// already inflight. The inflight key expires after variantTimeout so a
// crashed worker or lost result can never wedge a variant shut forever
// (spec §4.1 "SETNX inflight:{hash} = new_job_id, ex=<variant-timeout>").
// Returns false (no error) on a duplicate.
func (c *Client) EnqueueIfNew(ctx context.Context, job wire.Job, variantTimeout time.Duration) (bool, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	keys := []string{
		inflightKey(job.VariantHash),
		jobKey(job.JobID),
		queueKey(job.Model),
		indexKey(job.UserID, job.DocumentID),
	}
	res, err := enqueueIfNewScript.Run(ctx, c.rdb, keys,
		job.JobID, body, job.CreatedAtMs,
		strconv.Itoa(job.BlockIdx), job.Model, job.VariantHash,
		int64(variantTimeout/time.Second),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// claimScript pops the oldest (lowest-scored) job id off the queue and
// records it in the processing set scored by its visibility deadline, so a
// stale claim can be found later by a ZRANGEBYSCORE scan (spec §4.2
// visibility timeout).
var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
	return false
end
local jobID = popped[1]
local jobJSON = redis.call('GET', 'job:' .. jobID)
if not jobJSON then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], jobID)
return {jobID, jobJSON}
`)

// Claim pops the next job for model and marks it processing with a
// visibility deadline of now+timeout. Returns (nil, nil) when the queue is
// empty — not an error, callers should fall back to a blocking wait.
func (c *Client) Claim(ctx context.Context, model string, visibilityTimeout time.Duration) (*wire.Job, error) {
	deadline := time.Now().Add(visibilityTimeout).UnixMilli()
	keys := []string{queueKey(model), processingKey(model)}
	res, err := claimScript.Run(ctx, c.rdb, keys, deadline).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if b, ok := res.(bool); ok && !b {
		return nil, nil
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, nil
	}
	var job wire.Job
	if err := json.Unmarshal([]byte(pair[1].(string)), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// completeScript removes a job from processing and drops its body now that
// no further claim will read it. The index entry and inflight gate are
// left alone — the result consumer's FinalizeResult (spec §4.5 step 1)
// owns clearing those once the result is actually processed.
var completeScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

// Complete marks jobID done: removed from the processing set, job body
// discarded. Idempotent — calling it twice for the same job is a no-op the
// second time.
func (c *Client) Complete(ctx context.Context, model, jobID string) error {
	keys := []string{processingKey(model), jobKey(jobID)}
	return completeScript.Run(ctx, c.rdb, keys, jobID).Err()
}

// requeueOrDLQScript bumps a stale claim's retry count and either returns
// it to the tail of the queue, or — past the retry cap — moves it to the
// model's dead-letter list and synthesizes an error result onto `results`
// (spec §4.7) so the ordinary result consumer notifies subscribers and
// clears the inflight/index entries exactly the way a real result would.
var requeueOrDLQScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
	return 'not_claimed'
end
local jobJSON = redis.call('GET', KEYS[2])
if not jobJSON then
	return 'missing'
end
local job = cjson.decode(jobJSON)
job.retry_count = job.retry_count + 1
if job.retry_count > tonumber(ARGV[2]) then
	redis.call('RPUSH', KEYS[3], cjson.encode(job))
	local result = {
		job_id = job.job_id,
		user_id = job.user_id,
		document_id = job.document_id,
		block_idx = job.block_idx,
		model = job.model,
		voice = job.voice,
		variant_hash = job.variant_hash,
		usage_multiplier = job.usage_multiplier,
		text_length = string.len(job.text),
		error_code = 'retry_limit_exceeded',
		error_message = 'exceeded max retries after visibility timeout',
	}
	redis.call('RPUSH', KEYS[4], cjson.encode(result))
	redis.call('DEL', KEYS[2])
	return 'dlq'
end
redis.call('SET', KEYS[2], cjson.encode(job))
redis.call('ZADD', KEYS[5], ARGV[3], ARGV[1])
return 'requeued'
`)

// RequeueOutcome reports what the visibility scanner did with one stale
// claim.
type RequeueOutcome string

const (
	OutcomeRequeued   RequeueOutcome = "requeued"
	OutcomeDLQ        RequeueOutcome = "dlq"
	OutcomeNotClaimed RequeueOutcome = "not_claimed"
	OutcomeMissing    RequeueOutcome = "missing"
)

// RequeueOrDLQ is invoked by the visibility scanner for each jobID whose
// processing-set score (deadline) has already passed.
func (c *Client) RequeueOrDLQ(ctx context.Context, model, jobID string, maxRetries int) (RequeueOutcome, error) {
	keys := []string{
		processingKey(model),
		jobKey(jobID),
		dlqKey(model),
		resultsListKey,
		queueKey(model),
	}
	res, err := requeueOrDLQScript.Run(ctx, c.rdb, keys, jobID, maxRetries, time.Now().UnixMilli()).Text()
	if err != nil {
		return "", err
	}
	return RequeueOutcome(res), nil
}

// StaleClaims returns job ids in model's processing set whose visibility
// deadline is at or before now — candidates for the visibility scanner.
func (c *Client) StaleClaims(ctx context.Context, model string, now time.Time, limit int64) ([]string, error) {
	return c.rdb.ZRangeByScore(ctx, processingKey(model), &redis.ZRangeBy{
		Min:   "0",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
}

// deleteInflightIfOwnerScript is the result consumer's dedup gate (spec
// §4.5 step 1): only the job that currently owns the inflight key may
// clear it, so a late duplicate result from a visibility-timeout retry
// can't clear a different job's gate out from under it.
var deleteInflightIfOwnerScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

// DeleteInflightIfOwner clears the variant's inflight key only if jobID is
// the current owner. Returns false if another job has since claimed the
// same variant (a retry, or a genuinely new request after eviction).
func (c *Client) DeleteInflightIfOwner(ctx context.Context, variantHash, jobID string) (bool, error) {
	res, err := deleteInflightIfOwnerScript.Run(ctx, c.rdb, []string{inflightKey(variantHash)}, jobID).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// finalizeResultScript combines the dedup-gate check with clearing the
// block's index entry, so the result consumer does both in one round
// trip. The index entry is cleared whether or not the gate passes.
var finalizeResultScript = redis.NewScript(`
local gated = 0
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
	redis.call('DEL', KEYS[1])
	gated = 1
end
redis.call('HDEL', KEYS[2], ARGV[2])
return gated
`)

// FinalizeResult runs the dedup gate and index cleanup for one result
// (spec §4.5 step 1). Returns true if this result owned the gate and
// should be processed; false means it is a stale duplicate and must be
// dropped.
func (c *Client) FinalizeResult(ctx context.Context, variantHash, jobID, userID, documentID string, blockIdx int) (bool, error) {
	keys := []string{inflightKey(variantHash), indexKey(userID, documentID)}
	res, err := finalizeResultScript.Run(ctx, c.rdb, keys, jobID, strconv.Itoa(blockIdx)).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// PushResult and PopResult move wire.Result payloads through the shared
// results list the hot consumer drains (spec §4.5).
const resultsListKey = "results"

func (c *Client) PushResult(ctx context.Context, result wire.Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.rdb.RPush(ctx, resultsListKey, body).Err()
}

// BlockingPopResult waits up to timeout for a result, returning
// (nil, nil) on timeout.
func (c *Client) BlockingPopResult(ctx context.Context, timeout time.Duration) (*wire.Result, error) {
	res, err := c.rdb.BLPop(ctx, timeout, resultsListKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var result wire.Result
	if err := json.Unmarshal([]byte(res[1]), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PushBillingEvent and BlockingPopBillingEvent carry wire.BillingEvent from
// the hot result consumer to the cold billing consumer (spec §4.5 step 5,
// §4.6).
const billingListKey = "billing"

func (c *Client) PushBillingEvent(ctx context.Context, event wire.BillingEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.rdb.RPush(ctx, billingListKey, body).Err()
}

func (c *Client) BlockingPopBillingEvent(ctx context.Context, timeout time.Duration) (*wire.BillingEvent, error) {
	res, err := c.rdb.BLPop(ctx, timeout, billingListKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var event wire.BillingEvent
	if err := json.Unmarshal([]byte(res[1]), &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// QueueDepth and ProcessingDepth back the queue-depth / consumer-lag
// gauges (spec §8, SPEC_FULL.md §B).
func (c *Client) QueueDepth(ctx context.Context, model string) (int64, error) {
	return c.rdb.ZCard(ctx, queueKey(model)).Result()
}

func (c *Client) ProcessingDepth(ctx context.Context, model string) (int64, error) {
	return c.rdb.ZCard(ctx, processingKey(model)).Result()
}

func (c *Client) DLQDepth(ctx context.Context, model string) (int64, error) {
	return c.rdb.LLen(ctx, dlqKey(model)).Result()
}

// OverflowCandidates returns job ids still sitting unclaimed in model's
// queue whose enqueue-time score is older than the overflow threshold
// (spec §4.8).
func (c *Client) OverflowCandidates(ctx context.Context, model string, olderThan time.Time, limit int64) ([]string, error) {
	return c.rdb.ZRangeByScore(ctx, queueKey(model), &redis.ZRangeBy{
		Min:   "0",
		Max:   strconv.FormatInt(olderThan.UnixMilli(), 10),
		Count: limit,
	}).Result()
}

// claimSpecificScript removes one named job from the queue (rather than
// the oldest) so the overflow scanner can pull it out for direct
// serverless dispatch without racing a worker's ordinary Claim.
var claimSpecificScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
	return false
end
local jobJSON = redis.call('GET', KEYS[2])
if not jobJSON then
	return false
end
return jobJSON
`)

// ClaimSpecific removes jobID from model's queue (if still present) and
// returns its body, for overflow dispatch. Returns (nil, nil) if a worker
// already claimed it first.
func (c *Client) ClaimSpecific(ctx context.Context, model, jobID string) (*wire.Job, error) {
	keys := []string{queueKey(model), jobKey(jobID)}
	res, err := claimSpecificScript.Run(ctx, c.rdb, keys, jobID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if b, ok := res.(bool); ok && !b {
		return nil, nil
	}
	var job wire.Job
	if err := json.Unmarshal([]byte(res.(string)), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// EvictOutcome reports what cursor_moved eviction did with one indexed
// block.
type EvictOutcome string

const (
	EvictOutcomeEvicted    EvictOutcome = "evicted"
	EvictOutcomeClaimed    EvictOutcome = "claimed"
	EvictOutcomeNotIndexed EvictOutcome = "absent"
)

// evictBlockScript looks up the (job_id, model, variant_hash) indexed for
// one block, removes it from its model's queue, and — only if removal
// succeeded (the job had not yet been claimed) — drops the job body and
// the index entry, and clears the inflight gate if this job id still owns
// it (spec §4.3 "cursor_moved"). A claimed job is left untouched: its
// result is simply discarded by the client later.
var evictBlockScript = redis.NewScript(`
local entry = redis.call('HGET', KEYS[1], ARGV[1])
if not entry then
	return 'absent'
end
local sep1 = string.find(entry, '|')
local sep2 = string.find(entry, '|', sep1 + 1)
local jobID = string.sub(entry, 1, sep1 - 1)
local model = string.sub(entry, sep1 + 1, sep2 - 1)
local variantHash = string.sub(entry, sep2 + 1)

local removed = redis.call('ZREM', 'queue:' .. model, jobID)
if removed == 0 then
	return 'claimed'
end

redis.call('DEL', 'job:' .. jobID)
redis.call('HDEL', KEYS[1], ARGV[1])

local current = redis.call('GET', 'inflight:' .. variantHash)
if current == jobID then
	redis.call('DEL', 'inflight:' .. variantHash)
end
return 'evicted'
`)

// EvictBlock evicts the job indexed for (userID, documentID, blockIdx) if
// it is still queued and unclaimed.
func (c *Client) EvictBlock(ctx context.Context, userID, documentID string, blockIdx int) (EvictOutcome, error) {
	keys := []string{indexKey(userID, documentID)}
	res, err := evictBlockScript.Run(ctx, c.rdb, keys, strconv.Itoa(blockIdx)).Text()
	if err != nil {
		return "", err
	}
	return EvictOutcome(res), nil
}

// IndexedBlocks returns every block index currently indexed for (userID,
// documentID) — i.e. HKEYS index:{user}:{document} parsed back to ints.
// cursor_moved eviction (spec §4.3) walks this set rather than an
// arithmetic window, since the indexed blocks are not guaranteed to sit
// within any fixed distance of the retention window (e.g. a large batch
// enqueued before the first cursor move).
func (c *Client) IndexedBlocks(ctx context.Context, userID, documentID string) ([]int, error) {
	fields, err := c.rdb.HKeys(ctx, indexKey(userID, documentID)).Result()
	if err != nil {
		return nil, err
	}
	blocks := make([]int, 0, len(fields))
	for _, f := range fields {
		idx, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		blocks = append(blocks, idx)
	}
	return blocks, nil
}
