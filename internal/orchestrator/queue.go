package orchestrator

import "context"

// Handler 处理出队的会话 ID。返回错误表示需要重新投递。
type Handler func(ctx context.Context, sessionID string) error

// Producer 将会话 ID 投递到队列。
type Producer interface {
	Publish(ctx context.Context, sessionID string) error
	Close() error
}

// Consumer 以固定数量的工作协程消费会话 ID，直到 ctx 结束。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备投递与消费能力。
type Queue interface {
	Producer
	Consumer
}
