package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"incomeengine/internal/model"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeOutbox struct {
	mu       sync.Mutex
	pending  []*model.OutboxMessage
	statuses map[int64]string
	retries  map[int64]int
}

func newFakeOutbox(msgs ...*model.OutboxMessage) *fakeOutbox {
	return &fakeOutbox{pending: msgs, statuses: map[int64]string{}, retries: map[int64]int{}}
}

func (f *fakeOutbox) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeOutbox) UpdateStatus(ctx context.Context, id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeOutbox) IncrementRetryCount(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries[id]++
	return nil
}

func (f *fakeOutbox) MarkAsFailed(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = model.OutboxStatusFailed
	f.retries[id]++
	return nil
}

type fakeProducer struct {
	sent []string
	fail map[string]bool
}

func (p *fakeProducer) Send(topic, key, value string) error {
	if p.fail[key] {
		return errors.New("kafka: broker not available")
	}
	p.sent = append(p.sent, key)
	return nil
}

func TestOutboxSenderProcessPendingMessages(t *testing.T) {
	outbox := newFakeOutbox(
		&model.OutboxMessage{ID: 1, MessageKey: "INC1", Topic: "income.credited", Payload: "{}"},
		&model.OutboxMessage{ID: 2, MessageKey: "INC2", Topic: "income.credited", Payload: "{}"},
		&model.OutboxMessage{ID: 3, MessageKey: "INC3", Topic: "income.credited", Payload: "{}", RetryCount: 2},
	)
	producer := &fakeProducer{fail: map[string]bool{"INC2": true, "INC3": true}}
	sender := NewOutboxSender(outbox, producer, 0, 10, 3, zap.NewNop())

	sender.processPendingMessages(context.Background())

	assert.Equal(t, []string{"INC1"}, producer.sent)
	assert.Equal(t, model.OutboxStatusSent, outbox.statuses[1])

	// 未到上限只加重试次数
	_, marked := outbox.statuses[2]
	assert.False(t, marked)
	assert.Equal(t, 1, outbox.retries[2])

	// 第三次失败标记为 FAILED
	assert.Equal(t, model.OutboxStatusFailed, outbox.statuses[3])
	assert.Equal(t, 1, outbox.retries[3])
}

func TestOutboxSenderStopsOnCancel(t *testing.T) {
	outbox := newFakeOutbox(&model.OutboxMessage{ID: 1, MessageKey: "INC1"})
	producer := &fakeProducer{}
	sender := NewOutboxSender(outbox, producer, time.Millisecond, 10, 3, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sender.processPendingMessages(ctx)
	assert.Empty(t, producer.sent)

	done := make(chan struct{})
	go func() {
		sender.Start(context.Background())
		close(done)
	}()
	sender.Stop()
	<-done
}
