// Package monitor 记录持仓生命周期的审计事件，并维护 Prometheus 指标。
package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trades-keeper/internal/position"
	"trades-keeper/internal/store"
)

// Service 负责持久化监控事件。nil Service 的记录方法直接丢弃事件。
type Service struct {
	db      *sql.DB
	metrics *Metrics
	logger  *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。metrics 可以为 nil。
func NewService(store *store.Store, metrics *Metrics, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:      store.DB(),
		metrics: metrics,
		logger:  logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Metrics 返回关联的指标集合，可能为 nil。
func (s *Service) Metrics() *Metrics {
	if s == nil {
		return nil
	}
	return s.metrics
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

func (s *Service) record(ctx context.Context, typ EventType, payload interface{}) {
	if s == nil {
		return
	}
	if err := s.Record(ctx, Event{Type: typ, Timestamp: time.Now().UTC(), Payload: payload}); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("type", string(typ)), zap.Error(err))
	}
}

// RecordTransition 记录一次规则命中及其执行结果。
func (s *Service) RecordTransition(ctx context.Context, p position.Position, price float64, out position.Outcome) {
	if s == nil || out.Rule == "" {
		return
	}
	payload := TransitionPayload{
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Rule:       out.Rule,
		From:       out.From,
		To:         out.To,
		Price:      price,
		FillPrice:  out.Fill.Price,
		FillQty:    out.Fill.Quantity,
		OrderID:    out.Fill.OrderID,
		Skipped:    out.Fill.Skipped,
		Unresolved: out.Unresolved,
	}
	if out.ExecErr != nil {
		payload.Error = out.ExecErr.Error()
	}
	s.metrics.ObserveRule(out)
	s.record(ctx, EventTransition, payload)
}

// RecordPartial 记录分批止盈。
func (s *Service) RecordPartial(ctx context.Context, rec position.ClosedRecord) {
	if s == nil {
		return
	}
	s.metrics.ObservePartial(rec)
	s.record(ctx, EventPartialFill, RecordPayload{Record: rec})
}

// RecordArchive 记录最终平仓归档。
func (s *Service) RecordArchive(ctx context.Context, rec position.ClosedRecord) {
	if s == nil {
		return
	}
	s.metrics.ObserveClose(rec)
	s.record(ctx, EventArchive, RecordPayload{Record: rec})
}

// RecordReconcile 记录对账结果。
func (s *Service) RecordReconcile(ctx context.Context, payload ReconcilePayload) {
	if s == nil {
		return
	}
	s.metrics.ObserveReconcile(payload.Kept)
	s.record(ctx, EventReconcile, payload)
}

// RecordPriceRejected 记录被价格守卫丢弃的报价。
func (s *Service) RecordPriceRejected(ctx context.Context, payload PriceRejectedPayload) {
	if s == nil {
		return
	}
	s.metrics.ObservePriceRejected(payload.Reason)
	s.record(ctx, EventPriceRejected, payload)
}

// RecordReview 记录 AI 复评结果。
func (s *Service) RecordReview(ctx context.Context, payload ReviewPayload) {
	if s == nil {
		return
	}
	s.metrics.ObserveReview(payload)
	s.record(ctx, EventReview, payload)
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	if s == nil || err == nil {
		return
	}
	s.metrics.ObserveError()
	s.record(ctx, EventError, ErrorPayload{
		Message: msg,
		Error:   err.Error(),
		Context: ctxMap,
	})
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
