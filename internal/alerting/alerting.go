package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Event 描述一次价格阈值触发。
type Event struct {
	AlertID      string          `json:"alert_id"`
	TokenAddress string          `json:"token_address"`
	Direction    string          `json:"direction"`
	Target       decimal.Decimal `json:"target"`
	Observed     decimal.Decimal `json:"observed"`
	TriggeredAt  time.Time       `json:"triggered_at"`
	Provider     string          `json:"provider,omitempty"`
	Fallback     bool            `json:"fallback,omitempty"`
}

// Sink 定义告警事件的投递接口。投递失败由调用方记录, 不做重试。
type Sink interface {
	DeliverAlertEvent(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event) error

// DeliverAlertEvent implements Sink.
func (f SinkFunc) DeliverAlertEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// MultiSink 将事件分发到所有下游, 单个下游失败不影响其他下游。
type MultiSink []Sink

// DeliverAlertEvent implements Sink.
func (m MultiSink) DeliverAlertEvent(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.DeliverAlertEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink 仅写日志, 未配置任何推送渠道时使用。
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink 构造日志告警器。
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "alert_log").Logger()}
}

// DeliverAlertEvent implements Sink.
func (s *LogSink) DeliverAlertEvent(_ context.Context, event Event) error {
	s.logger.Info().
		Str("alert_id", event.AlertID).
		Str("token", event.TokenAddress).
		Str("direction", event.Direction).
		Str("target", event.Target.String()).
		Str("observed", event.Observed.String()).
		Str("provider", event.Provider).
		Msg("告警触发")
	return nil
}

// RenderMessage 生成人类可读的告警文本。
func RenderMessage(event Event) string {
	builder := strings.Builder{}
	builder.WriteString("[Price Alert]\n")
	builder.WriteString(fmt.Sprintf("Token: %s\n", event.TokenAddress))
	builder.WriteString(fmt.Sprintf("Condition: %s %s USD\n", strings.ToLower(event.Direction), formatPrice(event.Target)))
	builder.WriteString(fmt.Sprintf("Observed: %s USD\n", formatPrice(event.Observed)))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", event.TriggeredAt.UTC().Format(time.RFC3339)))
	if event.Provider != "" {
		source := event.Provider
		if event.Fallback {
			source += " (fallback)"
		}
		builder.WriteString(fmt.Sprintf("Source: %s\n", source))
	}
	builder.WriteString(fmt.Sprintf("Alert ID: %s", event.AlertID))
	return builder.String()
}

// formatPrice 对小额代币保留更多小数位。
func formatPrice(d decimal.Decimal) string {
	if d.Abs().LessThan(decimal.NewFromInt(1)) {
		return d.StringFixed(8)
	}
	return d.StringFixed(2)
}

var (
	_ Sink = MultiSink(nil)
	_ Sink = (*LogSink)(nil)
	_ Sink = SinkFunc(nil)
)
