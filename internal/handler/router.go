package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/cryptotrack/internal/metrics"
	"github.com/hitoshi/cryptotrack/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger  *slog.Logger
	Metrics metrics.MetricsCollector

	// Gatherer が nil の場合は/metricsを公開しない
	Gatherer prometheus.Gatherer

	// バックエンドへのプロキシ
	Proxy       http.Handler
	RateLimiter *middleware.RateLimiter

	// ダッシュボードの静的ファイル
	Pages http.Handler

	CORSAllowedOrigin string
	Secure            bool // HTTPS配信の場合true
}

// NewRouter はゲートウェイのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → RequestID → Logging → Recovery → SecurityHeaders
//
// /api/* にはCORSを、ログイン・登録には接続元ごとのレート制限を追加する。
// ページはRouteGuardの後ろに配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.Secure))

	// --- 運用エンドポイント ---
	r.Get("/health", handleHealth)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- バックエンドAPI ---
	r.Route(APIPrefix, func(r chi.Router) {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

		limited := r.With(deps.RateLimiter.AuthMiddleware())
		limited.Post(backendLoginPath, deps.Proxy.ServeHTTP)
		limited.Post("/auth/register/", deps.Proxy.ServeHTTP)

		r.Handle("/*", deps.Proxy)
	})

	// --- ダッシュボード ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewRouteGuard(logger, deps.Metrics))
		r.Handle("/*", deps.Pages)
	})

	return r
}

// handleHealth はヘルスチェックに応答する。
// GET /health
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
