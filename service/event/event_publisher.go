/*
 * @module service/event/event_publisher
 * @description 同步事件发布器，把同步/聚合完成事件以JSON投递到Kafka供下游订阅
 * @architecture 适配器模式 - 封装kafka-go生产者，未配置broker时发布为空操作
 * @documentReference ai_docs/sync_event_design.md
 * @stateFlow 事件构造 -> JSON序列化 -> 按表名分区投递
 * @rules 发布失败只告警不影响同步主流程
 * @dependencies github.com/segmentio/kafka-go, encoding/json
 * @refs service/etl/table_syncer.go, service/core/manager.go
 */

package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

const defaultSyncEventTopic = "datasync.sync.events"

// SyncEvent 同步完成事件
type SyncEvent struct {
	EventType  string    `json:"event_type"`
	Table      string    `json:"table"`
	Mode       string    `json:"mode"`
	Processed  int       `json:"processed"`
	Success    int       `json:"success"`
	Failed     int       `json:"failed"`
	LogID      string    `json:"log_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher 同步事件发布器
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher 创建事件发布器。brokers为空时返回nil，调用方按未启用处理。
func NewPublisher(brokers []string, topic string) *Publisher {
	if len(brokers) == 0 {
		return nil
	}
	if topic == "" {
		topic = defaultSyncEventTopic
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 100 * time.Millisecond,
		},
	}
}

// Publish 投递事件，按表名作为分区键
func (p *Publisher) Publish(ctx context.Context, event *SyncEvent) error {
	if p == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化同步事件失败: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Table),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("投递同步事件失败: %w", err)
	}
	return nil
}

// PublishSyncCompleted 发布同步完成事件，失败只告警
func (p *Publisher) PublishSyncCompleted(ctx context.Context, table, mode string, processed, success, failed int, logID string) {
	if p == nil {
		return
	}
	event := &SyncEvent{
		EventType: "sync.completed",
		Table:     table,
		Mode:      mode,
		Processed: processed,
		Success:   success,
		Failed:    failed,
		LogID:     logID,
	}
	if err := p.Publish(ctx, event); err != nil {
		slog.Warn("发布同步事件失败", "table", table, "error", err)
	}
}

// Close 关闭生产者
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
