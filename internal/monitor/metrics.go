package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trades-keeper/internal/position"
)

// Metrics 为 keeper_* 指标集合，使用独立 Registry，nil 时所有方法为空操作。
//
//   - keeper_cycle_duration_seconds{cycle}   周期耗时
//   - keeper_cycle_skipped_total{cycle}      因上一轮未结束被丢弃的触发
//   - keeper_rule_fired_total{rule,result}   规则命中次数（ok|unresolved|skipped）
//   - keeper_closes_total{status,reason}     最终平仓次数
//   - keeper_partial_fills_total             分批止盈次数
//   - keeper_realized_pnl                    累计已实现盈亏
//   - keeper_active_positions                活跃持仓数
//   - keeper_price_rejected_total{reason}    被守卫丢弃的报价
//   - keeper_reconcile_total{result}         对账结果（applied|kept）
//   - keeper_review_total{result}            AI 复评结果（ran|denied|failed）
//   - keeper_errors_total                    记录的异常数
type Metrics struct {
	registry *prometheus.Registry

	cycleDuration *prometheus.HistogramVec
	cycleSkipped  *prometheus.CounterVec
	ruleFired     *prometheus.CounterVec
	closes        *prometheus.CounterVec
	partials      prometheus.Counter
	realizedPnl   prometheus.Gauge
	active        prometheus.Gauge
	priceRejected *prometheus.CounterVec
	reconcile     *prometheus.CounterVec
	review        *prometheus.CounterVec
	errors        prometheus.Counter
}

// NewMetrics 创建并注册指标。
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keeper_cycle_duration_seconds",
				Help:    "Duration of periodic cycles",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"cycle"},
		),
		cycleSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keeper_cycle_skipped_total",
				Help: "Cycle firings dropped because the previous run was still in progress",
			},
			[]string{"cycle"},
		),
		ruleFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keeper_rule_fired_total",
				Help: "State machine rule matches by outcome",
			},
			[]string{"rule", "result"},
		),
		closes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keeper_closes_total",
				Help: "Archived final closes by status and reason",
			},
			[]string{"status", "reason"},
		),
		partials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keeper_partial_fills_total",
			Help: "Partial take-profit fills",
		}),
		realizedPnl: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keeper_realized_pnl",
			Help: "Realized PnL accumulated since start",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keeper_active_positions",
			Help: "Number of active positions",
		}),
		priceRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keeper_price_rejected_total",
				Help: "Quotes discarded by the price guard",
			},
			[]string{"reason"},
		),
		reconcile: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keeper_reconcile_total",
				Help: "Ledger reconciliation results",
			},
			[]string{"result"},
		),
		review: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keeper_review_total",
				Help: "AI review attempts by result",
			},
			[]string{"result"},
		),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keeper_errors_total",
			Help: "Recorded errors",
		}),
	}

	m.registry.MustRegister(
		m.cycleDuration, m.cycleSkipped, m.ruleFired, m.closes, m.partials,
		m.realizedPnl, m.active, m.priceRejected, m.reconcile, m.review, m.errors,
	)
	return m
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回底层 Registry，测试使用。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveCycle 记录周期耗时。
func (m *Metrics) ObserveCycle(cycle string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.WithLabelValues(cycle).Observe(d.Seconds())
}

// ObserveCycleSkipped 记录一次被丢弃的周期触发。
func (m *Metrics) ObserveCycleSkipped(cycle string) {
	if m == nil {
		return
	}
	m.cycleSkipped.WithLabelValues(cycle).Inc()
}

// ObserveRule 记录规则命中。
func (m *Metrics) ObserveRule(out position.Outcome) {
	if m == nil || out.Rule == "" {
		return
	}
	result := "ok"
	switch {
	case out.Unresolved:
		result = "unresolved"
	case out.Fill.Skipped:
		result = "skipped"
	}
	m.ruleFired.WithLabelValues(string(out.Rule), result).Inc()
}

// ObserveClose 记录最终平仓。
func (m *Metrics) ObserveClose(rec position.ClosedRecord) {
	if m == nil {
		return
	}
	m.closes.WithLabelValues(string(rec.Status), rec.Reason).Inc()
	m.realizedPnl.Add(rec.RealizedPnl)
}

// ObservePartial 记录分批止盈。
func (m *Metrics) ObservePartial(rec position.ClosedRecord) {
	if m == nil {
		return
	}
	m.partials.Inc()
	m.realizedPnl.Add(rec.RealizedPnl)
}

// SetActive 更新活跃持仓数。
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

// ObservePriceRejected 记录被丢弃的报价。
func (m *Metrics) ObservePriceRejected(reason string) {
	if m == nil {
		return
	}
	m.priceRejected.WithLabelValues(reason).Inc()
}

// ObserveReconcile 记录对账结果。
func (m *Metrics) ObserveReconcile(kept bool) {
	if m == nil {
		return
	}
	result := "applied"
	if kept {
		result = "kept"
	}
	m.reconcile.WithLabelValues(result).Inc()
}

// ObserveReview 记录复评结果。
func (m *Metrics) ObserveReview(p ReviewPayload) {
	if m == nil {
		return
	}
	result := "ran"
	switch {
	case !p.Allowed:
		result = "denied"
	case p.Error != "":
		result = "failed"
	}
	m.review.WithLabelValues(result).Inc()
}

// ObserveError 记录异常。
func (m *Metrics) ObserveError() {
	if m == nil {
		return
	}
	m.errors.Inc()
}
