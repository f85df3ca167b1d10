package auth

import (
	"strings"

	"github.com/hitoshi/cryptotrack/internal/model"
)

// ダッシュボードの入口ページ。
const (
	HomePath       = "/"
	SignInPath     = "/signin"
	SignUpPath     = "/signup"
	AdminLoginPath = "/admin/login"
	adminPrefix    = "/admin"
)

// IsAdminPath はパスが管理画面配下かどうかを返す。
func IsAdminPath(path string) bool {
	return path == adminPrefix || strings.HasPrefix(path, adminPrefix+"/")
}

// LoginPathFor はパスに対応するログインページを返す。
// 管理画面配下は管理者ログイン、それ以外は通常のサインイン。
func LoginPathFor(path string) string {
	if IsAdminPath(path) {
		return AdminLoginPath
	}
	return SignInPath
}

// LogoutRedirect はログアウト後の遷移先を返す。
// ログアウトするユーザーがスタッフかスーパーユーザー、または管理画面にいた場合は管理者ログインへ。
func LogoutRedirect(user *model.Profile, currentPath string) string {
	if user.IsAdmin() || IsAdminPath(currentPath) {
		return AdminLoginPath
	}
	return SignInPath
}
