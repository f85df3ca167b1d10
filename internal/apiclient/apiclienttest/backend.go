// Package apiclienttest はテスト用のバックエンドAPIスタブを提供する。
// /auth/* の契約（アクセストークン、リフレッシュCookie、detail付きエラー）を
// メモリ上で再現する。
package apiclienttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/hitoshi/cryptotrack/internal/model"
)

// RefreshCookieName はバックエンドが発行するリフレッシュトークンのCookie名。
const RefreshCookieName = "refresh_token"

type account struct {
	profile  model.Profile
	password string
}

// Backend はhttptest.Server上で動作するバックエンドのスタブ。
type Backend struct {
	Server *httptest.Server

	mu        sync.Mutex
	accounts  map[string]*account // email -> account
	access    map[string]string   // access token -> email
	refresh   map[string]string   // refresh token -> email
	seq       int
	nextID    int64
	calls     map[string]int
	auths     map[string][]string
	overrides map[string]http.HandlerFunc
}

// NewBackend はスタブを起動する。テスト終了時にCloseすること。
func NewBackend() *Backend {
	b := &Backend{
		accounts:  make(map[string]*account),
		access:    make(map[string]string),
		refresh:   make(map[string]string),
		calls:     make(map[string]int),
		auths:     make(map[string][]string),
		overrides: make(map[string]http.HandlerFunc),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login/", b.handleLogin)
	mux.HandleFunc("POST /auth/refresh/", b.handleRefresh)
	mux.HandleFunc("GET /auth/me/", b.handleMe)
	mux.HandleFunc("POST /auth/update-profile/", b.handleUpdateProfile)
	mux.HandleFunc("POST /auth/change-password/", b.handleChangePassword)
	mux.HandleFunc("POST /auth/logout/", b.handleLogout)
	mux.HandleFunc("POST /auth/register/", b.handleRegister)

	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.calls[r.URL.Path]++
		b.auths[r.URL.Path] = append(b.auths[r.URL.Path], r.Header.Get("Authorization"))
		override := b.overrides[r.URL.Path]
		b.mu.Unlock()

		if override != nil {
			override(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	return b
}

// URL はスタブのベースURLを返す。
func (b *Backend) URL() string {
	return b.Server.URL
}

// Close はスタブを停止する。
func (b *Backend) Close() {
	b.Server.Close()
}

// AddAccount はアカウントを登録する。IDが0の場合は採番する。
func (b *Backend) AddAccount(password string, p model.Profile) model.Profile {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.ID == 0 {
		b.nextID++
		p.ID = b.nextID
	}
	b.accounts[p.Email] = &account{profile: p, password: password}
	return p
}

// Handle は指定パスのハンドラーを差し替える。呼び出し回数の記録は継続する。
func (b *Backend) Handle(path string, h http.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.overrides[path] = h
}

// Authenticated はリクエストが有効なアクセストークンを持つかを返す。
// Handleで差し替えた保護エンドポイントから使う。
func (b *Backend) Authenticated(r *http.Request) bool {
	_, ok := b.bearerAccount(r)
	return ok
}

// Calls は指定パスへのリクエスト数を返す。
func (b *Backend) Calls(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[path]
}

// Authorizations は指定パスへのリクエストが持っていたAuthorizationヘッダーを到着順に返す。
func (b *Backend) Authorizations(path string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.auths[path]...)
}

// ExpireAccessTokens は発行済みのアクセストークンをすべて失効させる。
func (b *Backend) ExpireAccessTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.access = make(map[string]string)
}

// RevokeRefreshTokens は発行済みのリフレッシュトークンをすべて失効させる。
func (b *Backend) RevokeRefreshTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh = make(map[string]string)
}

// IssueRefreshToken はemailに対するリフレッシュトークンを発行する。
// ブラウザに既にCookieがある状態を再現するために使う。
func (b *Backend) IssueRefreshToken(email string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	token := fmt.Sprintf("refresh-%d", b.seq)
	b.refresh[token] = email
	return token
}

// ActiveRefreshTokens は有効なリフレッシュトークンの数を返す。
func (b *Backend) ActiveRefreshTokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.refresh)
}

// Profile は登録済みアカウントのプロフィールを返す。
func (b *Backend) Profile(email string) (model.Profile, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accounts[email]
	if !ok {
		return model.Profile{}, false
	}
	return acc.profile, true
}

// WriteDetail はバックエンド形式のエラー応答を書き込む。
func WriteDetail(w http.ResponseWriter, status int, detail string) {
	WriteJSON(w, status, map[string]string{"detail": detail})
}

// WriteJSON はJSON応答を書き込む。
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// issueLocked はアクセストークンを発行する。b.muを保持して呼ぶこと。
func (b *Backend) issueLocked(email string) string {
	b.seq++
	token := fmt.Sprintf("access-%d", b.seq)
	b.access[token] = email
	return token
}

// bearerAccount はBearerトークンに対応するアカウントを返す。
func (b *Backend) bearerAccount(r *http.Request) (*account, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	email, ok := b.access[token]
	if !ok {
		return nil, false
	}
	acc, ok := b.accounts[email]
	return acc, ok
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds model.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Email == "" || creds.Password == "" {
		WriteDetail(w, http.StatusBadRequest, "Missing credentials")
		return
	}

	b.mu.Lock()
	acc, ok := b.accounts[creds.Email]
	if !ok || acc.password != creds.Password {
		b.mu.Unlock()
		WriteDetail(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	access := b.issueLocked(creds.Email)
	b.seq++
	refresh := fmt.Sprintf("refresh-%d", b.seq)
	b.refresh[refresh] = creds.Email
	user := acc.profile
	b.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    refresh,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	WriteJSON(w, http.StatusOK, map[string]any{
		"access": access,
		"user":   user,
	})
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil {
		WriteDetail(w, http.StatusUnauthorized, "Refresh token not found")
		return
	}

	b.mu.Lock()
	email, ok := b.refresh[cookie.Value]
	if !ok {
		b.mu.Unlock()
		WriteDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	access := b.issueLocked(email)
	b.mu.Unlock()

	WriteJSON(w, http.StatusOK, map[string]string{"access": access})
}

func (b *Backend) handleMe(w http.ResponseWriter, r *http.Request) {
	acc, ok := b.bearerAccount(r)
	if !ok {
		WriteDetail(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
		return
	}
	b.mu.Lock()
	p := acc.profile
	b.mu.Unlock()
	WriteJSON(w, http.StatusOK, p)
}

func (b *Backend) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	acc, ok := b.bearerAccount(r)
	if !ok {
		WriteDetail(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
		return
	}

	var update model.ProfileUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		WriteDetail(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	b.mu.Lock()
	if update.FullName != nil {
		acc.profile.Name = *update.FullName
	}
	if update.Phone != nil {
		acc.profile.Phone = *update.Phone
	}
	if update.Country != nil {
		acc.profile.Country = *update.Country
	}
	p := acc.profile
	b.mu.Unlock()

	// 更新APIは権限フラグを返さない。
	WriteJSON(w, http.StatusOK, map[string]any{
		"id":      p.ID,
		"email":   p.Email,
		"name":    p.Name,
		"phone":   p.Phone,
		"country": p.Country,
	})
}

func (b *Backend) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	acc, ok := b.bearerAccount(r)
	if !ok {
		WriteDetail(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
		return
	}

	var change model.PasswordChange
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil || change.NewPassword == "" {
		WriteDetail(w, http.StatusBadRequest, "New password is required")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if acc.password != change.CurrentPassword {
		WriteDetail(w, http.StatusBadRequest, "Current password is incorrect")
		return
	}
	acc.password = change.NewPassword
	WriteJSON(w, http.StatusOK, map[string]string{"detail": "Password updated"})
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(RefreshCookieName); err == nil {
		b.mu.Lock()
		delete(b.refresh, cookie.Value)
		b.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{
		Name:   RefreshCookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	WriteJSON(w, http.StatusOK, map[string]string{"detail": "Logged out"})
}

func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg model.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil || reg.Name == "" || reg.Email == "" || reg.Password == "" {
		WriteDetail(w, http.StatusBadRequest, "Missing fields")
		return
	}

	b.mu.Lock()
	if _, exists := b.accounts[reg.Email]; exists {
		b.mu.Unlock()
		WriteDetail(w, http.StatusBadRequest, "Email already in use")
		return
	}
	b.nextID++
	b.accounts[reg.Email] = &account{
		profile:  model.Profile{ID: b.nextID, Email: reg.Email, Name: reg.Name},
		password: reg.Password,
	}
	b.mu.Unlock()

	WriteJSON(w, http.StatusCreated, map[string]string{"detail": "Registered"})
}
