package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	xerrors "AgentEscrow/internal/errors"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig 描述合规事件主题。
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// MessageWriter 是 kafka.Writer 中发布所需的子集。
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher 将信封写入 Kafka，按托管 ID 做哈希分区。
type KafkaPublisher struct {
	writer  MessageWriter
	timeout time.Duration
}

// NewKafkaPublisher 创建同步写入、要求全部副本确认的发布器。
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	var brokers []string
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 || strings.TrimSpace(cfg.Topic) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Kafka brokers 与 topic 不能为空")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return NewKafkaPublisherWithWriter(writer, cfg.WriteTimeout), nil
}

// NewKafkaPublisherWithWriter 使用自定义写入器创建发布器。
func NewKafkaPublisherWithWriter(writer MessageWriter, timeout time.Duration) *KafkaPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaPublisher{writer: writer, timeout: timeout}
}

// Publish 实现 Publisher 接口。
func (p *KafkaPublisher) Publish(ctx context.Context, envelopes ...Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(envelopes))
	for _, env := range envelopes {
		value, err := json.Marshal(env)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件信封失败")
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(env.Key()),
			Value: value,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(env.Type)},
				{Key: "event_id", Value: []byte(env.ID)},
			},
			Time: env.OccurredAt,
		})
	}
	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, msgs...); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布合规事件失败", xerrors.WithRetryable(true))
	}
	return nil
}

// Close 实现 Publisher 接口。
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var _ Publisher = (*KafkaPublisher)(nil)
