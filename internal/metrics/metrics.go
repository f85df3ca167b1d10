// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// APIクライアント、ルートガード、ゲートウェイから利用する。
type MetricsCollector interface {
	RecordRefresh(success bool)
	RecordAuthFetchRetry()
	RecordGuardRedirect(target string)
	RecordProxyStatus(statusCode int)
	RecordBackendLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	refresh        *prometheus.CounterVec
	authFetchRetry prometheus.Counter
	guardRedirect  *prometheus.CounterVec
	proxyStatus    *prometheus.CounterVec
	backendLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptotrack_refresh_total",
			Help: "アクセストークンのリフレッシュ試行数（結果別）",
		}, []string{"result"}),
		authFetchRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptotrack_authfetch_retry_total",
			Help: "401後にリフレッシュして再送したリクエストの合計数",
		}),
		guardRedirect: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptotrack_guard_redirect_total",
			Help: "ルートガードによるリダイレクト数（リダイレクト先別）",
		}, []string{"target"}),
		proxyStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptotrack_proxy_status_total",
			Help: "バックエンドへのプロキシ応答のステータスコード別件数",
		}, []string{"status_code"}),
		backendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cryptotrack_backend_latency_seconds",
			Help:    "バックエンドAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.refresh,
		c.authFetchRetry,
		c.guardRedirect,
		c.proxyStatus,
		c.backendLatency,
	)

	return c
}

// RecordRefresh はリフレッシュ結果を記録する。
func (c *Collector) RecordRefresh(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.refresh.WithLabelValues(result).Inc()
}

// RecordAuthFetchRetry は401後の再送を記録する。
func (c *Collector) RecordAuthFetchRetry() {
	c.authFetchRetry.Inc()
}

// RecordGuardRedirect はルートガードのリダイレクトを記録する。
func (c *Collector) RecordGuardRedirect(target string) {
	c.guardRedirect.WithLabelValues(target).Inc()
}

// RecordProxyStatus はプロキシ応答のステータスコードを記録する。
func (c *Collector) RecordProxyStatus(statusCode int) {
	c.proxyStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordBackendLatency はバックエンド呼び出しのレイテンシを記録する。
func (c *Collector) RecordBackendLatency(duration time.Duration) {
	c.backendLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。
// consoleモードやテストで使用する。
type Nop struct{}

func (Nop) RecordRefresh(bool)                 {}
func (Nop) RecordAuthFetchRetry()              {}
func (Nop) RecordGuardRedirect(string)         {}
func (Nop) RecordProxyStatus(int)              {}
func (Nop) RecordBackendLatency(time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
