package job

import (
	"context"
	"time"

	"incomeengine/internal/infrastructure/metrics"
	"incomeengine/internal/model"

	"go.uber.org/zap"
)

// Producer 消息投递端，生产环境是 mq.Producer
type Producer interface {
	Send(topic, key, value string) error
}

// OutboxStore 本地消息表的读写，生产环境是 repository.OutboxRepository
type OutboxStore interface {
	GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	IncrementRetryCount(ctx context.Context, id int64) error
	MarkAsFailed(ctx context.Context, id int64) error
}

// OutboxSender 轮询本地消息表，把入账和任务完成事件投递到 Kafka
type OutboxSender struct {
	outbox    OutboxStore
	producer  Producer
	logger    *zap.Logger
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
	maxRetry  int
}

func NewOutboxSender(outbox OutboxStore, producer Producer, interval time.Duration, batchSize, maxRetry int, logger *zap.Logger) *OutboxSender {
	return &OutboxSender{
		outbox:    outbox,
		producer:  producer,
		logger:    logger.Named("outbox"),
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: batchSize,
		maxRetry:  maxRetry,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info("消息发送任务启动", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.logger.Info("任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outbox.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("查询消息失败", zap.Error(err))
		return
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			return
		}
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.producer.Send(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		metrics.OutboxSentTotal.WithLabelValues("sent").Inc()
		if updateErr := s.outbox.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); updateErr != nil {
			s.logger.Error("更新消息状态失败", zap.Int64("id", msg.ID), zap.Error(updateErr))
			return
		}
		s.logger.Debug("消息发送成功", zap.Int64("id", msg.ID), zap.String("topic", msg.Topic), zap.String("key", msg.MessageKey))
		return
	}

	s.logger.Warn("消息发送失败", zap.Int64("id", msg.ID), zap.String("topic", msg.Topic), zap.Error(err))

	if msg.RetryCount+1 >= s.maxRetry {
		metrics.OutboxSentTotal.WithLabelValues("failed").Inc()
		if err := s.outbox.MarkAsFailed(ctx, msg.ID); err != nil {
			s.logger.Error("标记消息失败状态失败", zap.Int64("id", msg.ID), zap.Error(err))
			return
		}
		s.logger.Error("消息超过最大重试次数，标记为失败", zap.Int64("id", msg.ID), zap.Int("retry", msg.RetryCount+1))
		return
	}

	metrics.OutboxSentTotal.WithLabelValues("retry").Inc()
	if err := s.outbox.IncrementRetryCount(ctx, msg.ID); err != nil {
		s.logger.Error("增加重试次数失败", zap.Int64("id", msg.ID), zap.Error(err))
	}
}
