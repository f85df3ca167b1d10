// Package handler はゲートウェイのHTTPハンドラーを提供する。
package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/cryptotrack/internal/metrics"
	"github.com/hitoshi/cryptotrack/internal/middleware"
	"github.com/hitoshi/cryptotrack/internal/model"
)

// APIPrefix はバックエンドへ転送するパスの接頭辞。転送時には取り除く。
const APIPrefix = "/api"

// Cookieの書き換え対象となるバックエンドのエンドポイント。
const (
	backendLoginPath   = "/auth/login/"
	backendRefreshPath = "/auth/refresh/"
	backendLogoutPath  = "/auth/logout/"
)

// maxTokenBodySize はトークン応答として読み込む本文の上限。
const maxTokenBodySize = 1 << 20

// ProxyConfig はリバースプロキシの設定。
type ProxyConfig struct {
	BackendURL         string
	AccessCookieMaxAge int // アクセストークンCookieの有効期間（秒）
	CookieSecure       bool
	CookieDomain       string
}

// Proxy は/api/*をバックエンドへ転送し、
// ログイン・リフレッシュ応答のアクセストークンをスクリプトから読めるCookieに写す。
type Proxy struct {
	config   ProxyConfig
	basePath string // バックエンドURLのパス部分
	rp       *httputil.ReverseProxy
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
}

// NewProxy はProxyを生成する。
func NewProxy(cfg ProxyConfig, logger *slog.Logger, m metrics.MetricsCollector) (*Proxy, error) {
	target, err := url.Parse(cfg.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse backend url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("backend url must be absolute: %q", cfg.BackendURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Nop{}
	}

	p := &Proxy{
		config:   cfg,
		basePath: strings.TrimRight(target.Path, "/"),
		logger:   logger,
		metrics:  m,
	}
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			path := backendPath(pr.In.URL.Path)
			pr.Out.URL.Path = path
			pr.Out.URL.RawPath = ""
			pr.SetURL(target)
			pr.SetXForwarded()

			// トークン応答の本文を読むため圧縮させない
			if isTokenPath(path) {
				pr.Out.Header.Del("Accept-Encoding")
			}
		},
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.handleError,
	}

	return p, nil
}

// ServeHTTP はhttp.Handlerを実装する。
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

// modifyResponse はバックエンドの応答を加工する。
func (p *Proxy) modifyResponse(resp *http.Response) error {
	p.metrics.RecordProxyStatus(resp.StatusCode)

	path := strings.TrimPrefix(resp.Request.URL.Path, p.basePath)
	switch {
	case path == backendLogoutPath:
		// バックエンドの結果によらずローカルのCookieは消す
		for _, c := range p.expiredAccessCookies() {
			resp.Header.Add("Set-Cookie", c.String())
		}
	case isTokenPath(path) && resp.StatusCode >= 200 && resp.StatusCode < 300:
		access, err := p.extractAccess(resp)
		if err != nil {
			return err
		}
		if access != "" {
			resp.Header.Add("Set-Cookie", p.accessCookie(access).String())
		}
	}

	return nil
}

// extractAccess は応答本文からaccessを取り出し、本文を読み直せるように戻す。
func (p *Proxy) extractAccess(resp *http.Response) (string, error) {
	if resp.Header.Get("Content-Encoding") != "" {
		return "", nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBodySize))
	resp.Body.Close()
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))

	var payload struct {
		Access string `json:"access"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		p.logger.Warn("token response is not json",
			slog.String("path", resp.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		return "", nil
	}
	return payload.Access, nil
}

// handleError はバックエンドへの転送失敗時に502を返す。
func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	p.metrics.RecordProxyStatus(http.StatusBadGateway)
	p.logger.Error("backend proxy failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		slog.String("error", err.Error()),
	)

	backend := backendPath(r.URL.Path)
	if backend == backendLogoutPath {
		for _, c := range p.expiredAccessCookies() {
			http.SetCookie(w, c)
		}
	}
	middleware.WriteErrorResponse(w, http.StatusBadGateway,
		model.NewBackendRequestFailedError(backend, http.StatusBadGateway))
}

// accessCookie はアクセストークンを保持するCookieを生成する。
// ダッシュボードのスクリプトが読むためHttpOnlyにはしない。
func (p *Proxy) accessCookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     middleware.AccessCookieName,
		Value:    token,
		Path:     "/",
		Domain:   p.config.CookieDomain,
		MaxAge:   p.config.AccessCookieMaxAge,
		Secure:   p.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// expiredAccessCookies はアクセストークンCookieを消すためのCookieを返す。
// 有効期限、Max-Age、空値の3通りで上書きする。
func (p *Proxy) expiredAccessCookies() []*http.Cookie {
	base := func() *http.Cookie {
		return &http.Cookie{
			Name:     middleware.AccessCookieName,
			Value:    "",
			Path:     "/",
			Domain:   p.config.CookieDomain,
			Secure:   p.config.CookieSecure,
			SameSite: http.SameSiteLaxMode,
		}
	}

	byExpires := base()
	byExpires.Expires = time.Unix(0, 0)

	byMaxAge := base()
	byMaxAge.MaxAge = -1

	return []*http.Cookie{byExpires, byMaxAge, base()}
}

// backendPath は/api接頭辞を取り除いたバックエンド側のパスを返す。
func backendPath(path string) string {
	p := strings.TrimPrefix(path, APIPrefix)
	if p == "" {
		return "/"
	}
	return p
}

// isTokenPath はアクセストークンを返すエンドポイントかを判定する。
func isTokenPath(path string) bool {
	return path == backendLoginPath || path == backendRefreshPath
}
