package trust

import (
	"context"
	"log/slog"
	"time"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/escrow"
	"AgentEscrow/internal/events"
	"AgentEscrow/internal/observability/metrics"
	"AgentEscrow/pkg/logger"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBadgeTTL 是徽章默认有效期。
	DefaultBadgeTTL = 90 * 24 * time.Hour
	// DefaultCacheSize 是有效徽章缓存容量。
	DefaultCacheSize = 1024
	maxAgeDays       = 365
)

// HistorySource 提供主体的托管历史。
type HistorySource interface {
	History(ctx context.Context, subjectID string) (escrow.PartyHistory, error)
}

// Service 重新计算信任分并签发徽章，同时作为托管观察者接收触发。
type Service struct {
	store     Store
	history   HistorySource
	cache     *lru.Cache[Key, Badge]
	locks     escrow.Locker
	ttl       time.Duration
	cacheSize int
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics
	emitter   Emitter
}

// Emitter 将徽章签发发布到合规事件流。
type Emitter interface {
	Emit(ctx context.Context, eventType, escrowID, subjectID string, payload any)
}

// Option 自定义服务。
type Option func(*Service)

// WithBadgeTTL 设置徽章有效期，非正值表示永不过期。
func WithBadgeTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithCacheSize 设置缓存容量。
func WithCacheSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 设置日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics 设置指标收集器。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithEmitter 设置合规事件出口。
func WithEmitter(e Emitter) Option {
	return func(s *Service) { s.emitter = e }
}

// NewService 创建信任服务。
func NewService(store Store, history HistorySource, opts ...Option) (*Service, error) {
	if store == nil || history == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "信任服务缺少存储或历史来源")
	}
	s := &Service{
		store:     store,
		history:   history,
		locks:     escrow.NewMemoryLocker(),
		ttl:       DefaultBadgeTTL,
		cacheSize: DefaultCacheSize,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.Named("trust"),
	}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := lru.New[Key, Badge](s.cacheSize)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建徽章缓存失败")
	}
	s.cache = cache
	return s, nil
}

// Evaluate 根据托管历史生成评分快照。listingID 非空时只统计该商品的托管，账户年龄始终按主体计算。
func Evaluate(history escrow.PartyHistory, listingID string, now time.Time) Criteria {
	var c Criteria
	included := make(map[string]struct{}, len(history.Escrows))
	var earliest time.Time
	for _, wf := range history.Escrows {
		if earliest.IsZero() || wf.CreatedAt.Before(earliest) {
			earliest = wf.CreatedAt
		}
		if listingID != "" && wf.ListingID != listingID {
			continue
		}
		included[wf.ID] = struct{}{}
		c.Escrows++
		if wf.Status.Terminal() {
			c.Settled++
		}
		if wf.Status == escrow.StatusReleased {
			c.Completed++
		}
		if wf.DisputeRaised {
			c.Disputed++
		}
	}
	for _, ev := range history.Verifications {
		if _, ok := included[ev.EscrowID]; !ok {
			continue
		}
		if ev.Kind == escrow.KindReleaseConsent || ev.Kind == escrow.KindAnomalyReview {
			continue
		}
		c.Verifications++
		if ev.Outcome {
			c.PassedChecks++
		}
	}
	if !earliest.IsZero() && now.After(earliest) {
		days := int(now.Sub(earliest) / (24 * time.Hour))
		c.AccountAgeDays = min(days, maxAgeDays)
	}
	return c
}

// Active 返回 key 下有效的徽章，过期徽章视为不存在。
func (s *Service) Active(ctx context.Context, key Key) (Badge, error) {
	now := s.now()
	if badge, ok := s.cache.Get(key); ok {
		if badge.Valid(now) {
			return badge, nil
		}
		s.cache.Remove(key)
		return Badge{}, ErrNotFound
	}
	badge, err := s.store.Current(ctx, key)
	if err != nil {
		return Badge{}, err
	}
	if !badge.Valid(now) {
		return Badge{}, ErrNotFound
	}
	s.cache.Add(key, badge)
	return badge, nil
}

// Badges 返回主体当前有效的全部徽章。
func (s *Service) Badges(ctx context.Context, subjectID string) ([]Badge, error) {
	all, err := s.store.List(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []Badge
	for _, b := range all {
		if b.Valid(now) {
			out = append(out, b)
		}
	}
	return out, nil
}

// Recompute 重新计算主体（可选商品维度）的信任分。没有有效徽章或快照、等级变化时签发新徽章，否则返回当前徽章。
func (s *Service) Recompute(ctx context.Context, subjectID, listingID string) (Badge, error) {
	if subjectID == "" {
		return Badge{}, xerrors.New(xerrors.CodeInvalidArgument, "主体不能为空")
	}
	key := Key{SubjectID: subjectID, ListingID: listingID}
	unlock, err := s.locks.Lock(ctx, subjectID+"|"+listingID)
	if err != nil {
		return Badge{}, err
	}
	defer unlock()

	history, err := s.history.History(ctx, subjectID)
	if err != nil {
		return Badge{}, err
	}
	now := s.now()
	criteria := Evaluate(history, listingID, now)
	score := criteria.Score()
	level := LevelFor(score)

	current, err := s.Active(ctx, key)
	switch {
	case err == nil:
		if current.Criteria == criteria && current.Level == level {
			return current, nil
		}
	case !xerrors.IsCode(err, xerrors.CodeNotFound):
		return Badge{}, err
	}

	badge := Badge{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		ListingID: listingID,
		Level:     level,
		Score:     score,
		Criteria:  criteria,
		Active:    true,
		IssuedAt:  now,
		ExpiresAt: expiryFrom(now, s.ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Issue(ctx, badge); err != nil {
		return Badge{}, err
	}
	s.cache.Add(key, badge)
	s.metrics.ObserveBadge(string(level))
	s.logger.Info("签发信任徽章",
		slog.String("subject_id", subjectID),
		slog.String("listing_id", listingID),
		slog.String("level", string(level)),
		slog.Float64("score", score),
	)
	logger.Audit().Info("信任徽章",
		slog.String("badge_id", badge.ID),
		slog.String("subject_id", subjectID),
		slog.String("listing_id", listingID),
		slog.String("level", string(level)),
		slog.Float64("score", score),
		slog.Int("escrows", criteria.Escrows),
		slog.Int("completed", criteria.Completed),
		slog.Int("disputed", criteria.Disputed),
		slog.Int("verifications", criteria.Verifications),
		slog.Int("passed_checks", criteria.PassedChecks),
		slog.Int("account_age_days", criteria.AccountAgeDays),
		slog.Time("expires_at", badge.ExpiresAt),
	)
	if s.emitter != nil {
		s.emitter.Emit(ctx, events.TypeBadgeIssued, "", subjectID, badge)
	}
	return badge, nil
}

// Score 返回主体级信任分，没有有效徽章时按历史即时计算且不签发。
func (s *Service) Score(ctx context.Context, subjectID string) (float64, error) {
	badge, err := s.Active(ctx, Key{SubjectID: subjectID})
	if err == nil {
		return badge.Score, nil
	}
	if !xerrors.IsCode(err, xerrors.CodeNotFound) {
		return 0, err
	}
	history, err := s.history.History(ctx, subjectID)
	if err != nil {
		return 0, err
	}
	return Evaluate(history, "", s.now()).Score(), nil
}

// OnTransition 在托管进入终态后重算买方、卖方及卖方商品维度的徽章。
func (s *Service) OnTransition(ctx context.Context, record escrow.TransitionRecord) {
	if record.Outcome != escrow.OutcomeApplied || !record.To.Terminal() {
		return
	}
	wf := record.Escrow
	s.recomputeAll(ctx, wf.ID, []Key{
		{SubjectID: wf.BuyerID},
		{SubjectID: wf.SellerID},
		{SubjectID: wf.SellerID, ListingID: wf.ListingID},
	})
}

// OnVerification 在每次验证写入后重算买卖双方的徽章。
func (s *Service) OnVerification(ctx context.Context, record escrow.VerificationRecord) {
	wf := record.Escrow
	s.recomputeAll(ctx, wf.ID, []Key{
		{SubjectID: wf.BuyerID},
		{SubjectID: wf.SellerID},
	})
}

func (s *Service) recomputeAll(ctx context.Context, escrowID string, keys []Key) {
	seen := make(map[Key]struct{}, len(keys))
	var g errgroup.Group
	for _, key := range keys {
		if key.SubjectID == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		g.Go(func() error {
			if _, err := s.Recompute(ctx, key.SubjectID, key.ListingID); err != nil {
				s.logger.Warn("重算信任徽章失败",
					slog.String("escrow_id", escrowID),
					slog.String("subject_id", key.SubjectID),
					slog.String("listing_id", key.ListingID),
					slog.Any("error", err),
				)
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
}

var (
	_ escrow.Observer    = (*Service)(nil)
	_ escrow.TrustScorer = (*Service)(nil)
)
