package events

import (
	"context"
	"log/slog"
	"time"

	"AgentEscrow/internal/escrow"
	"AgentEscrow/pkg/logger"
)

// TransitionPayload 是迁移事件的负载。
type TransitionPayload struct {
	EscrowID  string         `json:"escrow_id"`
	Event     escrow.Event   `json:"event"`
	From      escrow.Status  `json:"from,omitempty"`
	To        escrow.Status  `json:"to,omitempty"`
	Outcome   escrow.Outcome `json:"outcome"`
	Actor     string         `json:"actor,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Amount    int64          `json:"amount"`
	Currency  string         `json:"currency"`
	BuyerID   string         `json:"buyer_id"`
	SellerID  string         `json:"seller_id"`
}

// Relay 把托管观察者通知转换为事件信封。发布失败只记录日志，不影响托管。
type Relay struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewRelay 创建事件中继。
func NewRelay(publisher Publisher) *Relay {
	return &Relay{publisher: publisher, logger: logger.Named("events")}
}

// OnTransition 实现 escrow.Observer。
func (r *Relay) OnTransition(ctx context.Context, record escrow.TransitionRecord) {
	wf := record.Escrow
	env, err := New(TypeEscrowTransition, wf.ID, record.Actor, TransitionPayload{
		EscrowID:  wf.ID,
		Event:     record.Event,
		From:      record.From,
		To:        record.To,
		Outcome:   record.Outcome,
		Actor:     record.Actor,
		ErrorCode: string(record.ErrorCode),
		Reason:    record.Reason,
		Amount:    wf.Amount,
		Currency:  wf.Currency,
		BuyerID:   wf.BuyerID,
		SellerID:  wf.SellerID,
	}, record.At)
	r.publish(ctx, env, err)
}

// OnVerification 实现 escrow.Observer。
func (r *Relay) OnVerification(ctx context.Context, record escrow.VerificationRecord) {
	env, err := New(TypeEscrowVerification, record.Escrow.ID, record.Event.VerifierID, record.Event, record.Event.CreatedAt)
	r.publish(ctx, env, err)
}

// Emit 发布任意类型的事件，供异常与信任模块使用。
func (r *Relay) Emit(ctx context.Context, eventType, escrowID, subjectID string, payload any) {
	env, err := New(eventType, escrowID, subjectID, payload, time.Time{})
	r.publish(ctx, env, err)
}

func (r *Relay) publish(ctx context.Context, env Envelope, err error) {
	if err == nil {
		err = r.publisher.Publish(ctx, env)
	}
	if err != nil {
		r.logger.Warn("发布合规事件失败",
			slog.String("type", env.Type),
			slog.String("escrow_id", env.EscrowID),
			slog.Any("error", err),
		)
	}
}

var _ escrow.Observer = (*Relay)(nil)
