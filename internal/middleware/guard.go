package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/cryptotrack/internal/auth"
	"github.com/hitoshi/cryptotrack/internal/metrics"
)

// クレデンシャルCookieの名前。
const (
	AccessCookieName  = "access_token"
	RefreshCookieName = "refresh_token"
)

// publicPages は認証不要のページ。
var publicPages = map[string]bool{
	auth.HomePath:       true,
	auth.SignInPath:     true,
	auth.SignUpPath:     true,
	auth.AdminLoginPath: true,
}

// protectedPrefixes はサインインが必要なページのパス接頭辞。
var protectedPrefixes = []string{
	"/portfolio",
	"/markets",
	"/alerts",
	"/profile",
	"/settings",
}

// GuardDecision はルートガードの判定結果。
type GuardDecision struct {
	Allow    bool
	Redirect string // Allowがfalseの場合のリダイレクト先
}

// Decide はパスとクレデンシャルCookieの有無からアクセス可否を判定する。
// Cookieの中身は検証しない。最終的な認可はバックエンドが行う。
func Decide(path string, hasCredential bool) GuardDecision {
	// 1. 公開ページは常に許可
	if publicPages[path] {
		return GuardDecision{Allow: true}
	}

	// 2. 保護対象でなければ許可（静的アセット等）
	if !isProtected(path) {
		return GuardDecision{Allow: true}
	}

	// 3. クレデンシャルCookieがあれば許可し、検証はバックエンドに委ねる
	if hasCredential {
		return GuardDecision{Allow: true}
	}
	return GuardDecision{Redirect: auth.LoginPathFor(path)}
}

// isProtected はパスが保護対象かを判定する。
func isProtected(path string) bool {
	if auth.IsAdminPath(path) {
		return true
	}
	for _, prefix := range protectedPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// HasCredentialCookie はアクセストークンまたはリフレッシュトークンのCookieが存在するかを返す。
func HasCredentialCookie(r *http.Request) bool {
	for _, name := range []string{AccessCookieName, RefreshCookieName} {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return true
		}
	}
	return false
}

// NewRouteGuard はページ表示前にクレデンシャルCookieの有無を確認し、
// 未ログインで保護ページにアクセスした場合にログインページへリダイレクトするミドルウェアを返す。
// これは表示の振り分けであり、セキュリティ境界ではない。
func NewRouteGuard(logger *slog.Logger, m metrics.MetricsCollector) func(next http.Handler) http.Handler {
	if m == nil {
		m = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := Decide(r.URL.Path, HasCredentialCookie(r))
			if d.Allow {
				next.ServeHTTP(w, r)
				return
			}

			m.RecordGuardRedirect(d.Redirect)
			logger.Debug("route guard redirect",
				slog.String("path", r.URL.Path),
				slog.String("redirect", d.Redirect),
			)
			http.Redirect(w, r, d.Redirect, http.StatusFound)
		})
	}
}
