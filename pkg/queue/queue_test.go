package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trainPayload struct {
	Model  string `json:"model"`
	Epochs int    `json:"epochs"`
}

type countingJob struct {
	failFirst int32
	calls     atomic.Int32
	last      atomic.Value
}

func (j *countingJob) Name() string { return "counting" }
func (j *countingJob) Type() string { return "train" }

func (j *countingJob) Handle(_ context.Context, payload json.RawMessage) error {
	n := j.calls.Add(1)
	p, err := ParsePayload[trainPayload](payload)
	if err != nil {
		return err
	}
	j.last.Store(*p)
	if n <= j.failFirst {
		return errors.New("transient")
	}
	return nil
}

func newQueue(t *testing.T, cfg *QueueConfig, jobs ...Job) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(nil, cfg, client, ModeProducerConsumer, WithKeyPrefix("test:queue"))
	q.RegisterJobs(jobs...)
	require.NoError(t, q.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q, mr
}

func waitStatus(t *testing.T, q *RedisQueue, id, want string) *JobState {
	t.Helper()
	var st *JobState
	require.Eventually(t, func() bool {
		var err error
		st, err = q.Status(context.Background(), id)
		return err == nil && st.Status == want
	}, 5*time.Second, 20*time.Millisecond)
	return st
}

func TestEnqueueRunsJob(t *testing.T) {
	job := &countingJob{}
	q, _ := newQueue(t, &QueueConfig{PollTimeout: 100 * time.Millisecond}, job)

	id, err := q.Enqueue(context.Background(), "train", trainPayload{Model: "cnn", Epochs: 2})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	st := waitStatus(t, q, id, StatusSucceeded)
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, trainPayload{Model: "cnn", Epochs: 2}, job.last.Load())
}

func TestEnqueueUnknownType(t *testing.T) {
	q, _ := newQueue(t, nil, &countingJob{})
	_, err := q.Enqueue(context.Background(), "other", nil)
	require.Error(t, err)
}

func TestFailedJobIsRetried(t *testing.T) {
	job := &countingJob{failFirst: 1}
	q, _ := newQueue(t, &QueueConfig{RetryLimit: 1, RetryDelay: time.Millisecond, PollTimeout: 100 * time.Millisecond}, job)

	id, err := q.Enqueue(context.Background(), "train", trainPayload{Model: "cnn"})
	require.NoError(t, err)

	st := waitStatus(t, q, id, StatusSucceeded)
	assert.Equal(t, 2, st.Attempts)
	assert.Equal(t, int32(2), job.calls.Load())
}

func TestExhaustedJobGoesToDeadLetters(t *testing.T) {
	job := &countingJob{failFirst: 10}
	q, _ := newQueue(t, &QueueConfig{PollTimeout: 100 * time.Millisecond}, job)

	id, err := q.Enqueue(context.Background(), "train", trainPayload{Model: "cnn"})
	require.NoError(t, err)

	st := waitStatus(t, q, id, StatusFailed)
	assert.Equal(t, "transient", st.Error)

	dead, err := q.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
}

func TestStatusUnknownID(t *testing.T) {
	q, _ := newQueue(t, nil, &countingJob{})
	_, err := q.Status(context.Background(), "job-404")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestParsePayloadEmpty(t *testing.T) {
	_, err := ParsePayload[trainPayload](nil)
	require.Error(t, err)
}
