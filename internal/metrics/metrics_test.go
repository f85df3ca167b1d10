package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetricFamily は収集結果から名前でメトリクスファミリーを探す。
func findMetricFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// labelValue はメトリクスから指定ラベルの値を返す。
func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordRefresh_SplitsByResult はリフレッシュ結果がラベル別に集計されることを検証する。
func TestRecordRefresh_SplitsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRefresh(true)
	c.RecordRefresh(true)
	c.RecordRefresh(false)

	mf := findMetricFamily(t, reg, "cryptotrack_refresh_total")
	got := map[string]float64{}
	for _, m := range mf.GetMetric() {
		got[labelValue(m, "result")] = m.GetCounter().GetValue()
	}
	if got["success"] != 2 {
		t.Errorf("success = %v, want 2", got["success"])
	}
	if got["failure"] != 1 {
		t.Errorf("failure = %v, want 1", got["failure"])
	}
}

// TestRecordAuthFetchRetry_IncrementsCounter は再送カウンタが増加することを検証する。
func TestRecordAuthFetchRetry_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAuthFetchRetry()

	mf := findMetricFamily(t, reg, "cryptotrack_authfetch_retry_total")
	if val := mf.GetMetric()[0].GetCounter().GetValue(); val != 1 {
		t.Errorf("authfetch_retry_total = %v, want 1", val)
	}
}

// TestRecordGuardRedirect_LabelsTarget はリダイレクト先がラベルに入ることを検証する。
func TestRecordGuardRedirect_LabelsTarget(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordGuardRedirect("/admin/login")

	mf := findMetricFamily(t, reg, "cryptotrack_guard_redirect_total")
	if target := labelValue(mf.GetMetric()[0], "target"); target != "/admin/login" {
		t.Errorf("target = %q, want %q", target, "/admin/login")
	}
}

// TestRecordProxyStatus_LabelsStatusCode はステータスコードがラベルに入ることを検証する。
func TestRecordProxyStatus_LabelsStatusCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordProxyStatus(401)

	mf := findMetricFamily(t, reg, "cryptotrack_proxy_status_total")
	if code := labelValue(mf.GetMetric()[0], "status_code"); code != "401" {
		t.Errorf("status_code = %q, want %q", code, "401")
	}
}

// TestRecordBackendLatency_Observes はヒストグラムに観測値が入ることを検証する。
func TestRecordBackendLatency_Observes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBackendLatency(150 * time.Millisecond)

	mf := findMetricFamily(t, reg, "cryptotrack_backend_latency_seconds")
	h := mf.GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 1 {
		t.Errorf("sample count = %d, want 1", h.GetSampleCount())
	}
}

// TestHandler_ServesMetrics はスクレイプ用ハンドラーがメトリクスを返すことを検証する。
func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordAuthFetchRetry()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	Handler(reg).ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "cryptotrack_authfetch_retry_total") {
		t.Error("response should contain cryptotrack_authfetch_retry_total metric")
	}
}
