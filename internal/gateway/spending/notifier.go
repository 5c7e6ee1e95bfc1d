package spending

import (
	"context"
	"time"

	"github.com/mrmushfiq/llm0-gates/internal/gateway/metrics"
	"go.uber.org/zap"
)

// Alert is raised once per threshold per billing period
type Alert struct {
	GateID      string
	TenantID    string
	Threshold   float64
	Percent     float64
	Spent       float64
	Limit       float64
	PeriodStart time.Time
}

// Notifier delivers spend alerts. Implementations must not block for long;
// they run on the request path.
type Notifier interface {
	NotifySpendAlert(ctx context.Context, alert Alert)
}

// LogNotifier writes alerts to the log and counts them
type LogNotifier struct {
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewLogNotifier(log *zap.Logger, m *metrics.Metrics) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log, metrics: m}
}

func (n *LogNotifier) NotifySpendAlert(ctx context.Context, alert Alert) {
	n.metrics.IncSpendAlert(alert.Threshold)
	n.log.Warn("spending alert",
		zap.String("gate_id", alert.GateID),
		zap.String("tenant_id", alert.TenantID),
		zap.Float64("threshold_pct", alert.Threshold),
		zap.Float64("spent_pct", alert.Percent),
		zap.Float64("spent_usd", alert.Spent),
		zap.Float64("limit_usd", alert.Limit),
		zap.Time("period_start", alert.PeriodStart),
	)
}
