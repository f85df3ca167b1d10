// Package apiclient はダッシュボードが利用するバックエンドREST APIのクライアントを提供する。
// アクセストークンの付与、Cookieで運ばれるリフレッシュトークンによるサイレントリフレッシュ、
// 401応答時の1回限りの再送を担う。
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/cryptotrack/internal/metrics"
	"github.com/hitoshi/cryptotrack/internal/tokenstore"
)

// バックエンドの認証エンドポイント。
const (
	loginPath          = "/auth/login/"
	registerPath       = "/auth/register/"
	refreshPath        = "/auth/refresh/"
	mePath             = "/auth/me/"
	updateProfilePath  = "/auth/update-profile/"
	changePasswordPath = "/auth/change-password/"
	logoutPath         = "/auth/logout/"
)

const (
	// defaultTimeout はHTTPクライアント未指定時のリクエストタイムアウト。
	defaultTimeout = 10 * time.Second
	// maxErrorBodySize はエラー応答のdetail読み取りに使う最大バイト数。
	maxErrorBodySize = 64 << 10
	// tracerName はOpenTelemetryのトレーサー名。
	tracerName = "github.com/hitoshi/cryptotrack/internal/apiclient"
)

// Config はClientの設定。
type Config struct {
	// BaseURL はバックエンドAPIのベースURL（例: http://localhost:8000/api）。
	BaseURL string
	// Timeout はリクエストタイムアウト。HTTPClient指定時は無視する。
	Timeout time.Duration
	// HTTPClient はテスト用に差し替え可能なHTTPクライアント。
	// Jarが未設定の場合はメモリ上のCookieJarを設定する。
	HTTPClient *http.Client
}

// Client はバックエンドAPIのクライアント。
// リフレッシュトークンはCookieJarにのみ存在し、スクリプトからは読めない扱いとする。
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *tokenstore.Store
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	tracer     trace.Tracer

	// refreshGroup は同時に発生したリフレッシュを1回のリクエストにまとめる。
	refreshGroup singleflight.Group
}

// NewClient はClientを生成する。
// metricsCollectorがnilの場合はメトリクスを記録しない。
func NewClient(cfg Config, tokens *tokenstore.Store, logger *slog.Logger, metricsCollector metrics.MetricsCollector) (*Client, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metricsCollector == nil {
		metricsCollector = metrics.Nop{}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
		metrics:    metricsCollector,
		tracer:     otel.Tracer(tracerName),
	}, nil
}

// Tokens はClientが参照するトークンストアを返す。
func (c *Client) Tokens() *tokenstore.Store {
	return c.tokens
}

// Cookies はCookieJarがバックエンドに対して保持しているCookieを返す。
// HttpOnlyのリフレッシュCookieの有無をルートガードの判定に使う。
func (c *Client) Cookies() []*http.Cookie {
	u, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return nil
	}
	return c.httpClient.Jar.Cookies(u)
}

// NewRequest はバックエンドのパスに対するリクエストを生成する。
// bodyがnilでなければJSONとしてエンコードする。
func (c *Client) NewRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// send はリクエストを1回送信し、レイテンシを記録する。
func (c *Client) send(req *http.Request) (*http.Response, error) {
	ctx, span := c.tracer.Start(req.Context(), req.Method+" "+req.URL.Path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL.Path),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := c.httpClient.Do(req.WithContext(ctx))
	c.metrics.RecordBackendLatency(time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, resp.Status)
	}
	return resp, nil
}

// postJSON は認証ヘッダーなしでJSONをPOSTする。
// ログイン・登録・リフレッシュ・ログアウトのようにCookieのみで成立する呼び出しに使う。
func (c *Client) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	req, err := c.NewRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	if body == nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

// errorBody はバックエンドのエラー応答。
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

// readDetail はエラー応答のdetailを読み取る。
// detailが文字列でない場合やボディが不正な場合は空文字列を返す。
func readDetail(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil || len(body) == 0 {
		return ""
	}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || len(eb.Detail) == 0 {
		return ""
	}

	var detail string
	if err := json.Unmarshal(eb.Detail, &detail); err != nil {
		return ""
	}
	return detail
}

// drainAndClose は接続を再利用できるようにボディを読み捨てて閉じる。
func drainAndClose(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))
	resp.Body.Close()
}

// isSuccess は2xxステータスかどうかを判定する。
func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
