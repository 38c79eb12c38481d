package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"trades-keeper/internal/monitor"
	"trades-keeper/internal/review"
)

func (a *App) startMonitorServer(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Monitor.Port),
		Handler: a.monitorHandler(ctx),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			a.logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	a.logger.Info("监控接口已启动", zap.String("addr", srv.Addr))
	return nil
}

func (a *App) monitorHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 200
		if qs := q.Get("limit"); qs != "" {
			if v, err := strconv.Atoi(qs); err == nil && v > 0 {
				if v > 1000 {
					v = 1000
				}
				limit = v
			}
		}

		eventType := monitor.EventType("")
		if typ := strings.TrimSpace(q.Get("type")); typ != "" {
			eventType = monitor.EventType(strings.ToLower(typ))
		}

		events, err := a.monitor.ListEvents(r.Context(), eventType, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		a.writeJSON(w, events)
	})

	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		a.writeJSON(w, a.book.Snapshot())
	})

	mux.HandleFunc("/pnl", func(w http.ResponseWriter, r *http.Request) {
		daily, err := a.tracker.Daily(r.Context(), time.Now())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		a.writeJSON(w, map[string]interface{}{
			"daily":  daily,
			"active": a.tracker.Active(),
		})
	})

	// 手动复评异步执行，结果写入事件流
	mux.HandleFunc("/review", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if a.reviewer == nil {
			http.Error(w, "ai review disabled", http.StatusServiceUnavailable)
			return
		}
		go a.runReviewCycle(ctx, review.KindManual)
		w.WriteHeader(http.StatusAccepted)
	})

	return mux
}

func (a *App) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("写入监控响应失败", zap.Error(err))
	}
}
