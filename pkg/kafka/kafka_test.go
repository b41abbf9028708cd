package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type fakeReader struct {
	ch        chan kafka.Message
	mu        sync.Mutex
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type recordingHandler struct {
	topic string
	fail  map[string]int
	mu    sync.Mutex
	seen  []string
	trace []string
}

func (h *recordingHandler) Topic() string { return h.topic }

func (h *recordingHandler) Handle(ctx context.Context, key, value []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, string(value))
	h.trace = append(h.trace, TraceIDFrom(ctx))
	if h.fail[string(value)] > 0 {
		h.fail[string(value)]--
		return errors.New("boom")
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func TestProducerEncodesValues(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, "none")

	require.NoError(t, p.Publish(context.Background(), "forecast.results", []byte("id-1"), map[string]int{"a": 1}))
	require.NoError(t, p.PublishMessage(context.Background(), "logs", "plain"))
	require.NoError(t, p.PublishBatch(context.Background(), "t", nil))

	msgs := w.written()
	require.Len(t, msgs, 2)
	assert.Equal(t, "forecast.results", msgs[0].Topic)
	assert.Equal(t, []byte("id-1"), msgs[0].Key)
	assert.JSONEq(t, `{"a":1}`, string(msgs[0].Value))
	assert.Equal(t, "plain", string(msgs[1].Value))
}

func TestProducerWrapsWriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("down")}
	p := newProducer(w, "none")

	err := p.Publish(context.Background(), "topic", nil, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "topic")
}

func newTestConsumer(t *testing.T, h *recordingHandler, opts ...ConsumerOption) (*Consumer, *fakeReader) {
	t.Helper()
	opts = append([]ConsumerOption{WithConsumerBrokers([]string{"localhost:9092"}), WithConsumerRetry(1, time.Millisecond, time.Millisecond)}, opts...)
	c, err := NewConsumer(opts...)
	require.NoError(t, err)

	r := &fakeReader{ch: make(chan kafka.Message, 10)}
	c.newReader = func(string) messageReader { return r }
	c.RegisterHandler(h)
	c.WithConsumerHook(TraceHook(nil, 0))
	require.NoError(t, c.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c, r
}

func TestConsumerHandlesAndCommits(t *testing.T) {
	h := &recordingHandler{topic: "forecast.requests", fail: map[string]int{"retry": 1}}
	_, r := newTestConsumer(t, h)

	r.ch <- kafka.Message{Topic: "forecast.requests", Offset: 1, Value: []byte("ok"),
		Headers: []kafka.Header{{Key: "trace_id", Value: []byte("t-1")}}}
	r.ch <- kafka.Message{Topic: "forecast.requests", Offset: 2, Value: []byte("retry")}

	require.Eventually(t, func() bool { return len(r.commits()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []int64{1, 2}, r.commits())
	assert.Equal(t, 3, h.count())
	assert.Contains(t, h.trace, "t-1")
}

func TestConsumerLeavesFailedMessageUncommittedWithoutDLQ(t *testing.T) {
	h := &recordingHandler{topic: "forecast.requests", fail: map[string]int{"bad": 5}}
	_, r := newTestConsumer(t, h)

	r.ch <- kafka.Message{Topic: "forecast.requests", Offset: 7, Value: []byte("bad")}
	r.ch <- kafka.Message{Topic: "forecast.requests", Offset: 8, Value: []byte("")}

	// two attempts for "bad"; the empty payload is rejected by the hook
	require.Eventually(t, func() bool { return h.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, r.commits())
}

func TestConsumerRequiresHandlers(t *testing.T) {
	c, err := NewConsumer(WithConsumerBrokers([]string{"localhost:9092"}))
	require.NoError(t, err)
	assert.Error(t, c.Start())

	_, err = NewConsumer()
	assert.Error(t, err)
}

func TestHookChainRecoversPanics(t *testing.T) {
	var errs []string
	chain := NewHookChain(
		HookFuncs{Before: func(ctx context.Context, _ string, km kafka.Message, d []byte) (context.Context, kafka.Message, []byte, error) {
			panic("bad hook")
		}},
		HookFuncs{Err: func(_ context.Context, _ string, _ kafka.Message, _ []byte, err error) {
			errs = append(errs, err.Error())
		}},
		nil,
	)

	_, _, _, err := chain.BeforeHandle(context.Background(), "t", kafka.Message{}, []byte("x"))
	var he *HookError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "ERR_PANIC", he.Code)
	assert.Len(t, errs, 1)
}

func TestBackoffWithJitterBounds(t *testing.T) {
	for attempt := 1; attempt < 10; attempt++ {
		d := backoffWithJitter(10*time.Millisecond, 80*time.Millisecond, attempt)
		assert.LessOrEqual(t, d, 80*time.Millisecond)
		assert.Greater(t, d, time.Duration(0))
	}
}
