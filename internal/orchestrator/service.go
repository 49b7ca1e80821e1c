package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"AgentEscrow/internal/agent"
	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/pkg/logger"

	"github.com/google/uuid"
)

// RunLister 按工作流列出智能体运行记录，agent.RunStore 满足该接口。
type RunLister interface {
	ListByWorkflow(ctx context.Context, workflowID string) ([]agent.Run, error)
}

// StartRequest 描述一次工作流启动请求。
type StartRequest struct {
	OwnerID    string        `json:"owner_id"`
	WorkflowID string        `json:"workflow_id,omitempty"`
	Listing    agent.Listing `json:"listing"`
}

// Service 负责会话的创建、查询与取消。
type Service struct {
	store    Store
	producer Producer
	runs     RunLister
	logger   *slog.Logger
}

// NewService 构造会话服务。runs 为空时 Runs 返回空列表。
func NewService(store Store, producer Producer, runs RunLister) *Service {
	return &Service{store: store, producer: producer, runs: runs, logger: logger.Named("orchestrator")}
}

// Start 创建会话并投递到队列，返回 created 状态的会话。
func (s *Service) Start(ctx context.Context, req StartRequest) (*Session, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话服务未初始化")
	}
	if err := validateStart(req); err != nil {
		return nil, err
	}
	workflowID := strings.TrimSpace(req.WorkflowID)
	if workflowID == "" {
		workflowID = uuid.NewString()
	}
	listing := cloneListing(req.Listing)
	if listing.ID == "" {
		listing.ID = uuid.NewString()
	}
	listing.Currency = strings.ToUpper(listing.Currency)

	session := &Session{
		ID:            uuid.NewString(),
		OwnerID:       strings.TrimSpace(req.OwnerID),
		WorkflowID:    workflowID,
		Listing:       listing,
		Status:        StatusCreated,
		WorkflowState: make(map[agent.Type]StepStatus),
		AgentSequence: []agent.Type{},
	}
	if err := s.store.Create(ctx, session); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, session.ID); err != nil {
		wrapped := xerrors.Wrap(CodeSessionPublish, err, "发布会话到队列失败")
		s.logger.Error("会话入队失败", slog.String("session_id", session.ID), slog.Any("error", err))
		session.Status = StatusFailed
		session.FailureCode = CodeSessionPublish
		session.Failure = wrapped.Error()
		if updateErr := s.store.Update(context.WithoutCancel(ctx), session); updateErr != nil {
			s.logger.Error("回写入队失败状态出错", slog.String("session_id", session.ID), slog.Any("error", updateErr))
		}
		return nil, wrapped
	}
	logger.Audit().Info("会话已创建",
		slog.String("session_id", session.ID),
		slog.String("workflow_id", session.WorkflowID),
		slog.String("owner_id", session.OwnerID),
		slog.String("listing_id", listing.ID),
		slog.String("seller_id", listing.SellerID),
	)
	return session, nil
}

func validateStart(req StartRequest) error {
	l := req.Listing
	switch {
	case strings.TrimSpace(req.OwnerID) == "":
		return xerrors.New(CodeSessionValidation, "owner_id 不能为空")
	case strings.TrimSpace(l.SellerID) == "":
		return xerrors.New(CodeSessionValidation, "listing.seller_id 不能为空")
	case strings.TrimSpace(l.Title) == "":
		return xerrors.New(CodeSessionValidation, "listing.title 不能为空")
	case l.AskingPriceMinor < 0 || l.FloorPriceMinor < 0:
		return xerrors.New(CodeSessionValidation, "价格不能为负数")
	case strings.TrimSpace(l.Currency) == "":
		return xerrors.New(CodeSessionValidation, "listing.currency 不能为空")
	}
	for _, offer := range l.Offers {
		if strings.TrimSpace(offer.BuyerID) == "" || offer.PriceMinor <= 0 {
			return xerrors.New(CodeSessionValidation, "出价必须包含买家与正数金额")
		}
		if offer.BuyerID == l.SellerID {
			return xerrors.New(CodeSessionValidation, "卖家不能对自己的商品出价")
		}
	}
	return nil
}

// Get 返回会话视图。
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// Cancel 请求取消会话，运行器会在下一个步骤开始前终止它。
func (s *Service) Cancel(ctx context.Context, id string) (*Session, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化")
	}
	session, err := s.store.RequestCancel(ctx, id)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("会话取消请求",
		slog.String("session_id", session.ID),
		slog.String("status", string(session.Status)),
		slog.String("current_step", string(session.CurrentStep)),
	)
	return session, nil
}

// Runs 返回会话对应工作流的全部智能体运行记录。
func (s *Service) Runs(ctx context.Context, id string) ([]agent.Run, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.runs == nil {
		return []agent.Run{}, nil
	}
	return s.runs.ListByWorkflow(ctx, session.WorkflowID)
}

// List 返回符合过滤条件的会话列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Session, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// WaitUntilFinished 轮询直到会话结束或 ctx 超时。
func (s *Service) WaitUntilFinished(ctx context.Context, id string, interval time.Duration) (*Session, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		session, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if session.Status.Terminal() {
			return session, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放队列连接。
func (s *Service) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
