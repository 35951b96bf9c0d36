package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yapit-tts/yapit-sub004/internal/wire"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb)
}

func testJob(jobID string) wire.Job {
	return wire.Job{
		JobID:       jobID,
		UserID:      "user-1",
		DocumentID:  "doc-1",
		BlockIdx:    0,
		Text:        "hello world",
		Model:       "kokoro",
		Voice:       "af_heart",
		VariantHash: wire.VariantHash("hello world", "kokoro", "af_heart", nil),
	}
}

func TestEnqueueIfNewRejectsDuplicateVariant(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	job := testJob("job-1")
	ok, err := c.EnqueueIfNew(ctx, job, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	dup := testJob("job-2")
	dup.VariantHash = job.VariantHash
	ok, err = c.EnqueueIfNew(ctx, dup, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "same variant_hash must not enqueue twice")

	depth, err := c.QueueDepth(ctx, "kokoro")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestClaimMovesJobToProcessing(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	job := testJob("job-1")
	_, err := c.EnqueueIfNew(ctx, job, time.Minute)
	require.NoError(t, err)

	claimed, err := c.Claim(ctx, "kokoro", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "job-1", claimed.JobID)

	depth, err := c.QueueDepth(ctx, "kokoro")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	processing, err := c.ProcessingDepth(ctx, "kokoro")
	require.NoError(t, err)
	assert.Equal(t, int64(1), processing)
}

func TestClaimOnEmptyQueueReturnsNil(t *testing.T) {
	c := newTestClient(t)
	claimed, err := c.Claim(context.Background(), "kokoro", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestCompleteRemovesFromProcessingButKeepsInflightGate(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	job := testJob("job-1")
	_, err := c.EnqueueIfNew(ctx, job, time.Minute)
	require.NoError(t, err)
	_, err = c.Claim(ctx, "kokoro", 30*time.Second)
	require.NoError(t, err)

	require.NoError(t, c.Complete(ctx, "kokoro", "job-1"))

	processing, err := c.ProcessingDepth(ctx, "kokoro")
	require.NoError(t, err)
	assert.Equal(t, int64(0), processing)

	// Complete does not touch the inflight gate; FinalizeResult does, once
	// the result consumer actually processes the result.
	owned, err := c.DeleteInflightIfOwner(ctx, job.VariantHash, "job-1")
	require.NoError(t, err)
	assert.True(t, owned)
}

func TestRequeueOrDLQRequeuesUnderRetryCap(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	job := testJob("job-1")
	_, err := c.EnqueueIfNew(ctx, job, time.Minute)
	require.NoError(t, err)
	_, err = c.Claim(ctx, "kokoro", 30*time.Second)
	require.NoError(t, err)

	outcome, err := c.RequeueOrDLQ(ctx, "kokoro", "job-1", 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequeued, outcome)

	depth, err := c.QueueDepth(ctx, "kokoro")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestRequeueOrDLQMovesToDLQPastRetryCapAndSynthesizesErrorResult(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	job := testJob("job-1")
	job.RetryCount = 3
	_, err := c.EnqueueIfNew(ctx, job, time.Minute)
	require.NoError(t, err)
	_, err = c.Claim(ctx, "kokoro", 30*time.Second)
	require.NoError(t, err)

	outcome, err := c.RequeueOrDLQ(ctx, "kokoro", "job-1", 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDLQ, outcome)

	dlqDepth, err := c.DLQDepth(ctx, "kokoro")
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlqDepth)

	result, err := c.BlockingPopResult(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.IsError())
	assert.Equal(t, "job-1", result.JobID)
	assert.Equal(t, "retry_limit_exceeded", result.ErrorCode)

	// The inflight gate is only released once the result consumer
	// finalizes this synthetic result, same as any other result.
	gated, err := c.FinalizeResult(ctx, job.VariantHash, result.JobID, job.UserID, job.DocumentID, job.BlockIdx)
	require.NoError(t, err)
	assert.True(t, gated)

	retry := testJob("job-2")
	retry.VariantHash = job.VariantHash
	ok, err := c.EnqueueIfNew(ctx, retry, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRequeueOrDLQOnUnclaimedJobIsNotClaimed(t *testing.T) {
	c := newTestClient(t)
	outcome, err := c.RequeueOrDLQ(context.Background(), "kokoro", "ghost-job", 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotClaimed, outcome)
}

func TestDeleteInflightIfOwnerRejectsNonOwner(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	job := testJob("job-1")
	_, err := c.EnqueueIfNew(ctx, job, time.Minute)
	require.NoError(t, err)

	ok, err := c.DeleteInflightIfOwner(ctx, job.VariantHash, "some-other-job")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvictBlockRemovesUnclaimedJob(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	job := testJob("job-1")
	_, err := c.EnqueueIfNew(ctx, job, time.Minute)
	require.NoError(t, err)

	outcome, err := c.EvictBlock(ctx, job.UserID, job.DocumentID, job.BlockIdx)
	require.NoError(t, err)
	assert.Equal(t, EvictOutcomeEvicted, outcome)

	depth, err := c.QueueDepth(ctx, "kokoro")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	// Eviction clears the inflight gate too: a fresh request admits.
	again := testJob("job-2")
	again.VariantHash = job.VariantHash
	ok, err := c.EnqueueIfNew(ctx, again, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvictBlockLeavesClaimedJobAlone(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	job := testJob("job-1")
	_, err := c.EnqueueIfNew(ctx, job, time.Minute)
	require.NoError(t, err)
	_, err = c.Claim(ctx, "kokoro", 30*time.Second)
	require.NoError(t, err)

	outcome, err := c.EvictBlock(ctx, job.UserID, job.DocumentID, job.BlockIdx)
	require.NoError(t, err)
	assert.Equal(t, EvictOutcomeClaimed, outcome, "a claimed job must not be evicted")

	processing, err := c.ProcessingDepth(ctx, "kokoro")
	require.NoError(t, err)
	assert.Equal(t, int64(1), processing)
}

func TestEvictBlockOnUnindexedBlockIsAbsent(t *testing.T) {
	c := newTestClient(t)
	outcome, err := c.EvictBlock(context.Background(), "user-1", "doc-1", 99)
	require.NoError(t, err)
	assert.Equal(t, EvictOutcomeNotIndexed, outcome)
}

func TestFinalizeResultDropsStaleDuplicate(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	job := testJob("job-1")
	_, err := c.EnqueueIfNew(ctx, job, time.Minute)
	require.NoError(t, err)

	// Another job now owns the gate (e.g. after a retry).
	gated, err := c.FinalizeResult(ctx, job.VariantHash, "some-other-job", job.UserID, job.DocumentID, job.BlockIdx)
	require.NoError(t, err)
	assert.False(t, gated)
}

func TestOverflowCandidatesAndClaimSpecific(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	job := testJob("job-1")
	job.CreatedAtMs = time.Now().Add(-time.Minute).UnixMilli()
	_, err := c.EnqueueIfNew(ctx, job, time.Minute)
	require.NoError(t, err)

	candidates, err := c.OverflowCandidates(ctx, "kokoro", time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "job-1", candidates[0])

	claimed, err := c.ClaimSpecific(ctx, "kokoro", "job-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "job-1", claimed.JobID)

	depth, err := c.QueueDepth(ctx, "kokoro")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	// Already removed: a second claim finds nothing.
	again, err := c.ClaimSpecific(ctx, "kokoro", "job-1")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestResultAndBillingEventRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	result := wire.Result{JobID: "job-1", AudioB64: "abcd", Codec: "opus"}
	require.NoError(t, c.PushResult(ctx, result))

	got, err := c.BlockingPopResult(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "job-1", got.JobID)

	event := wire.BillingEvent{UserID: "user-1", VariantHash: "h1"}
	require.NoError(t, c.PushBillingEvent(ctx, event))

	gotEvent, err := c.BlockingPopBillingEvent(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, gotEvent)
	assert.Equal(t, "user-1", gotEvent.UserID)
}

func TestBlockingPopResultTimesOutOnEmptyList(t *testing.T) {
	c := newTestClient(t)
	got, err := c.BlockingPopResult(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}
