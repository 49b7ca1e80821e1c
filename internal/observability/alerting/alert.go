package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/pkg/logger"

	"github.com/slack-go/slack"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelSlack Channel = "slack"
	ChannelLog   Channel = "log"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	Source     string
	Subject    string
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
	minimum   xerrors.Severity
}

// FanoutOption 定义可选配置。
type FanoutOption func(*FanoutDispatcher)

// WithMinimumSeverity 丢弃低于指定严重程度的事件。
func WithMinimumSeverity(sev xerrors.Severity) FanoutOption {
	return func(d *FanoutDispatcher) {
		d.minimum = sev
	}
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers []Notifier, opts ...FanoutOption) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	d := &FanoutDispatcher{notifiers: set, minimum: xerrors.SeverityInfo}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil || rank(event.Severity) < rank(d.minimum) {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

func rank(sev xerrors.Severity) int {
	switch sev {
	case xerrors.SeverityCritical:
		return 2
	case xerrors.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// SlackPoster 是 slack.Client 中发送消息所需的子集。
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier 通过 Slack 发送告警。
type SlackNotifier struct {
	Client    SlackPoster
	ChannelID string
}

// NewSlackNotifier 使用 bot token 创建 Slack 通知器。
func NewSlackNotifier(token, channelID string) (*SlackNotifier, error) {
	if strings.TrimSpace(token) == "" || strings.TrimSpace(channelID) == "" {
		return nil, errors.New("Slack token 与 channel 不能为空")
	}
	return &SlackNotifier{Client: slack.New(token), ChannelID: channelID}, nil
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Client == nil || n.ChannelID == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("code", string(event.Code)))
		return nil
	}
	_, _, err := n.Client.PostMessageContext(ctx, n.ChannelID, slack.MsgOptionText(formatSlack(event), false))
	return err
}

func formatSlack(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*[%s]* %s - %s", event.Severity, event.Code, event.Message)
	if event.Subject != "" {
		fmt.Fprintf(&b, "\n对象: `%s`", event.Subject)
	}
	if event.Source != "" {
		fmt.Fprintf(&b, "\n来源: %s", event.Source)
	}
	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %s", k, event.Metadata[k])
	}
	return b.String()
}

// LogNotifier 将告警写入合规日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录告警。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	l := logger.Audit()
	if n != nil && n.Logger != nil {
		l = n.Logger
	}
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("source", event.Source),
		slog.String("subject", event.Subject),
		slog.Time("occurred_at", event.OccurredAt),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String("meta_"+k, v))
	}
	l.Warn(event.Message, attrs...)
	return nil
}

// FromError 根据统一错误构造告警事件。
func FromError(source, subject string, err error, metadata map[string]string) Event {
	code := xerrors.CodeOf(err)
	message := xerrors.AttributesOf(code).Message
	if err != nil {
		message = err.Error()
	}
	return Event{
		Code:       code,
		Message:    message,
		Severity:   xerrors.SeverityOf(err),
		Source:     source,
		Subject:    subject,
		Metadata:   metadata,
		OccurredAt: time.Now().UTC(),
	}
}
