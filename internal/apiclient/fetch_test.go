package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/cryptotrack/internal/apiclient/apiclienttest"
	"github.com/hitoshi/cryptotrack/internal/model"
	"github.com/hitoshi/cryptotrack/internal/tokenstore"
)

// --- テストヘルパー ---

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// mockMetrics は呼び出し回数を数えるMetricsCollectorのモック。
type mockMetrics struct {
	mu              sync.Mutex
	refreshSuccess  int
	refreshFailure  int
	authFetchRetry  int
	backendRequests int
}

func (m *mockMetrics) RecordRefresh(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.refreshSuccess++
	} else {
		m.refreshFailure++
	}
}

func (m *mockMetrics) RecordAuthFetchRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authFetchRetry++
}

func (m *mockMetrics) RecordGuardRedirect(string) {}
func (m *mockMetrics) RecordProxyStatus(int)      {}

func (m *mockMetrics) RecordBackendLatency(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backendRequests++
}

// newTestClient はスタブに接続したClientを生成する。
func newTestClient(t *testing.T, b *apiclienttest.Backend) (*Client, *mockMetrics) {
	t.Helper()
	var buf bytes.Buffer
	m := &mockMetrics{}
	c, err := NewClient(Config{BaseURL: b.URL()}, tokenstore.New(), newTestLogger(&buf), m)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, m
}

// signIn はログインしてトークンストアにアクセストークンを保存する。
func signIn(t *testing.T, c *Client, email, password string) string {
	t.Helper()
	result, err := c.Login(context.Background(), model.Credentials{Email: email, Password: password})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	c.Tokens().Set(result.Access)
	return result.Access
}

// --- NewClient ---

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{}, tokenstore.New(), nil, nil)
	if err == nil {
		t.Fatal("ベースURLなしでエラーが返されるべき")
	}
}

func TestNewClient_RequiresTokenStore(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "http://localhost:8000/api"}, nil, nil, nil)
	if err == nil {
		t.Fatal("トークンストアなしでエラーが返されるべき")
	}
}

func TestNewClient_SetsCookieJar(t *testing.T) {
	hc := &http.Client{}
	_, err := NewClient(Config{BaseURL: "http://localhost:8000/api/", HTTPClient: hc}, tokenstore.New(), nil, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if hc.Jar == nil {
		t.Error("CookieJarが設定されるべき")
	}
}

// --- Do ---

func TestDo_AttachesCurrentToken(t *testing.T) {
	b := apiclienttest.NewBackend()
	defer b.Close()
	b.AddAccount("pw", model.Profile{Email: "a@b.com"})
	c, _ := newTestClient(t, b)

	token := signIn(t, c, "a@b.com", "pw")

	if _, err := c.Me(context.Background()); err != nil {
		t.Fatalf("Me: %v", err)
	}

	auths := b.Authorizations("/auth/me/")
	if len(auths) != 1 {
		t.Fatalf("/auth/me/ calls = %d, want 1", len(auths))
	}
	if auths[0] != "Bearer "+token {
		t.Errorf("Authorization = %q, want %q", auths[0], "Bearer "+token)
	}
}

func TestDo_NoTokenNoAuthorizationHeader(t *testing.T) {
	b := apiclienttest.NewBackend()
	defer b.Close()
	c, _ := newTestClient(t, b)

	req, err := c.NewRequest(context.Background(), http.MethodGet, "/auth/me/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	auths := b.Authorizations("/auth/me/")
	if len(auths) != 1 || auths[0] != "" {
		t.Errorf("Authorizationヘッダーは付与されないべき: %v", auths)
	}
}

func TestDo_RefreshesAndRetriesOnceWithNewToken(t *testing.T) {
	b := apiclienttest.NewBackend()
	defer b.Close()
	b.AddAccount("pw", model.Profile{Email: "a@b.com"})
	c, m := newTestClient(t, b)

	old := signIn(t, c, "a@b.com", "pw")
	b.ExpireAccessTokens()

	profile, err := c.Me(context.Background())
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if profile.Email != "a@b.com" {
		t.Errorf("Email = %q, want %q", profile.Email, "a@b.com")
	}

	if got := b.Calls("/auth/refresh/"); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}

	auths := b.Authorizations("/auth/me/")
	if len(auths) != 2 {
		t.Fatalf("/auth/me/ calls = %d, want 2", len(auths))
	}
	if auths[0] != "Bearer "+old {
		t.Errorf("初回リクエストは古いトークンを使うべき: %q", auths[0])
	}

	current, ok := c.Tokens().Get()
	if !ok || current == old {
		t.Fatalf("トークンストアは新しいトークンに更新されるべき: %q", current)
	}
	if auths[1] != "Bearer "+current {
		t.Errorf("再送は新しいトークンを使うべき: got %q, want %q", auths[1], "Bearer "+current)
	}
	if m.authFetchRetry != 1 {
		t.Errorf("authFetchRetry = %d, want 1", m.authFetchRetry)
	}
	if m.refreshSuccess != 1 {
		t.Errorf("refreshSuccess = %d, want 1", m.refreshSuccess)
	}
}

func TestDo_RefreshFailureClearsTokenAndReturnsOriginal401(t *testing.T) {
	b := apiclienttest.NewBackend()
	defer b.Close()
	b.AddAccount("pw", model.Profile{Email: "a@b.com"})
	c, m := newTestClient(t, b)

	signIn(t, c, "a@b.com", "pw")
	b.ExpireAccessTokens()
	b.RevokeRefreshTokens()

	req, err := c.NewRequest(context.Background(), http.MethodGet, "/auth/me/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	// 元の401応答のボディがそのまま読めること
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("元の401応答のボディが読めるべき: %v", err)
	}
	if body["detail"] != "Authentication credentials were not provided." {
		t.Errorf("detail = %q", body["detail"])
	}

	if _, ok := c.Tokens().Get(); ok {
		t.Error("リフレッシュ失敗時はトークンストアがクリアされるべき")
	}
	if got := b.Calls("/auth/me/"); got != 1 {
		t.Errorf("/auth/me/ calls = %d, want 1（再送されないべき）", got)
	}
	if m.refreshFailure != 1 {
		t.Errorf("refreshFailure = %d, want 1", m.refreshFailure)
	}
}

func TestDo_RetryIsNotRepeatedWhenStill401(t *testing.T) {
	b := apiclienttest.NewBackend()
	defer b.Close()
	b.AddAccount("pw", model.Profile{Email: "a@b.com"})
	c, _ := newTestClient(t, b)

	signIn(t, c, "a@b.com", "pw")
	b.Handle("/protected/", func(w http.ResponseWriter, r *http.Request) {
		apiclienttest.WriteDetail(w, http.StatusUnauthorized, "always")
	})

	req, err := c.NewRequest(context.Background(), http.MethodGet, "/protected/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if got := b.Calls("/protected/"); got != 2 {
		t.Errorf("/protected/ calls = %d, want 2（初回+再送1回）", got)
	}
	if got := b.Calls("/auth/refresh/"); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
}

func TestDo_ResendsBodyOnRetry(t *testing.T) {
	b := apiclienttest.NewBackend()
	defer b.Close()
	b.AddAccount("pw", model.Profile{Email: "a@b.com"})
	c, _ := newTestClient(t, b)

	old := signIn(t, c, "a@b.com", "pw")

	var mu sync.Mutex
	var bodies []string
	b.Handle("/echo/", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		mu.Unlock()
		if r.Header.Get("Authorization") == "Bearer "+old {
			apiclienttest.WriteDetail(w, http.StatusUnauthorized, "expired")
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	req, err := c.NewRequest(context.Background(), http.MethodPost, "/echo/", map[string]string{"symbol": "BTC"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("bodies = %d, want 2", len(bodies))
	}
	if bodies[0] != `{"symbol":"BTC"}` || bodies[1] != bodies[0] {
		t.Errorf("再送時も同じボディが送られるべき: %q", bodies)
	}
}

func TestDo_PropagatesNetworkError(t *testing.T) {
	b := apiclienttest.NewBackend()
	c, _ := newTestClient(t, b)
	c.Tokens().Set("tok")
	b.Close()

	req, err := c.NewRequest(context.Background(), http.MethodGet, "/auth/me/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := c.Do(req)
	if err == nil {
		resp.Body.Close()
		t.Fatal("ネットワークエラーが返されるべき")
	}
	if token, ok := c.Tokens().Get(); !ok || token != "tok" {
		t.Error("ネットワークエラーではトークンストアを変更しないべき")
	}
}

// --- Refresh ---

func TestRefresh_WithoutCookieFails(t *testing.T) {
	b := apiclienttest.NewBackend()
	defer b.Close()
	c, m := newTestClient(t, b)

	token, ok := c.Refresh(context.Background())
	if ok || token != "" {
		t.Errorf("Refresh() = (%q, %v), want (\"\", false)", token, ok)
	}
	if m.refreshFailure != 1 {
		t.Errorf("refreshFailure = %d, want 1", m.refreshFailure)
	}
}

func TestRefresh_UsesCookieFromLogin(t *testing.T) {
	b := apiclienttest.NewBackend()
	defer b.Close()
	b.AddAccount("pw", model.Profile{Email: "a@b.com"})
	c, _ := newTestClient(t, b)

	first := signIn(t, c, "a@b.com", "pw")

	token, ok := c.Refresh(context.Background())
	if !ok {
		t.Fatal("ログイン後のRefreshは成功するべき")
	}
	if token == "" || token == first {
		t.Errorf("新しいトークンが返されるべき: %q", token)
	}
	// 保存は呼び出し側の責務
	if current, _ := c.Tokens().Get(); current != first {
		t.Errorf("Refreshはトークンストアを更新しないべき: %q", current)
	}
}

func TestRefresh_MalformedBodyFails(t *testing.T) {
	b := apiclienttest.NewBackend()
	defer b.Close()
	b.Handle("/auth/refresh/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access":`))
	})
	c, _ := newTestClient(t, b)

	if _, ok := c.Refresh(context.Background()); ok {
		t.Error("不正なボディではfalseを返すべき")
	}
}

func TestRefresh_EmptyAccessFails(t *testing.T) {
	b := apiclienttest.NewBackend()
	defer b.Close()
	b.Handle("/auth/refresh/", func(w http.ResponseWriter, r *http.Request) {
		apiclienttest.WriteJSON(w, http.StatusOK, map[string]string{})
	})
	c, _ := newTestClient(t, b)

	if _, ok := c.Refresh(context.Background()); ok {
		t.Error("accessのない応答ではfalseを返すべき")
	}
}

func TestRefresh_ConcurrentCallsShareOneRequest(t *testing.T) {
	b := apiclienttest.NewBackend()
	defer b.Close()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var hits atomic.Int32
	b.Handle("/auth/refresh/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		apiclienttest.WriteJSON(w, http.StatusOK, map[string]string{"access": "shared"})
	})
	c, _ := newTestClient(t, b)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, _ := c.Refresh(context.Background())
			results[i] = token
		}(i)
	}

	<-entered
	// 残りの呼び出しが実行中のリフレッシュに合流するのを待つ
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := hits.Load(); got != 1 {
		t.Errorf("refresh requests = %d, want 1", got)
	}
	for i, token := range results {
		if token != "shared" {
			t.Errorf("results[%d] = %q, want %q", i, token, "shared")
		}
	}
}

func TestDo_ConcurrentUnauthorizedTriggerSingleRefresh(t *testing.T) {
	b := apiclienttest.NewBackend()
	defer b.Close()
	b.AddAccount("pw", model.Profile{Email: "a@b.com"})
	c, _ := newTestClient(t, b)

	signIn(t, c, "a@b.com", "pw")
	b.ExpireAccessTokens()

	// 全員が401を受け取ってからリフレッシュ応答を返す
	const callers = 5
	release := make(chan struct{})
	var unauthorized atomic.Int32
	b.Handle("/prices/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			if unauthorized.Add(1) == callers {
				close(release)
			}
			apiclienttest.WriteDetail(w, http.StatusUnauthorized, "expired")
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	b.Handle("/auth/refresh/", func(w http.ResponseWriter, r *http.Request) {
		<-release
		time.Sleep(50 * time.Millisecond)
		apiclienttest.WriteJSON(w, http.StatusOK, map[string]string{"access": "fresh"})
	})

	var wg sync.WaitGroup
	statuses := make([]int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := c.NewRequest(context.Background(), http.MethodGet, "/prices/", nil)
			if err != nil {
				t.Errorf("NewRequest: %v", err)
				return
			}
			resp, err := c.Do(req)
			if err != nil {
				t.Errorf("Do: %v", err)
				return
			}
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	if got := b.Calls("/auth/refresh/"); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	for i, s := range statuses {
		if s != http.StatusOK {
			t.Errorf("statuses[%d] = %d, want 200", i, s)
		}
	}
}

func TestRefresh_CanceledCallerLeavesSharedRefreshRunning(t *testing.T) {
	b := apiclienttest.NewBackend()
	defer b.Close()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	b.Handle("/auth/refresh/", func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		apiclienttest.WriteJSON(w, http.StatusOK, map[string]string{"access": "shared"})
	})
	c, _ := newTestClient(t, b)

	// 1. 最初の呼び出し元がリフレッシュを開始する
	ctx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan bool, 1)
	go func() {
		_, ok := c.Refresh(ctx)
		leaderDone <- ok
	}()
	<-entered

	// 2. 2人目が実行中のリフレッシュに合流する
	followerDone := make(chan string, 1)
	go func() {
		token, _ := c.Refresh(context.Background())
		followerDone <- token
	}()
	time.Sleep(50 * time.Millisecond)

	// 3. 最初の呼び出し元だけが待機をやめる
	cancel()
	select {
	case ok := <-leaderDone:
		if ok {
			t.Error("キャンセルされた呼び出し元はfalseを返すべき")
		}
	case <-time.After(time.Second):
		t.Error("キャンセル後すぐに戻るべき")
	}

	close(release)
	if token := <-followerDone; token != "shared" {
		t.Errorf("follower token = %q, want %q", token, "shared")
	}
	if got := b.Calls("/auth/refresh/"); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
}

func TestDo_CanceledCallerDoesNotFailSharedRefresh(t *testing.T) {
	b := apiclienttest.NewBackend()
	defer b.Close()
	b.AddAccount("pw", model.Profile{Email: "a@b.com"})
	c, _ := newTestClient(t, b)

	signIn(t, c, "a@b.com", "pw")
	b.ExpireAccessTokens()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	b.Handle("/prices/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			apiclienttest.WriteDetail(w, http.StatusUnauthorized, "expired")
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	b.Handle("/auth/refresh/", func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		apiclienttest.WriteJSON(w, http.StatusOK, map[string]string{"access": "fresh"})
	})

	do := func(ctx context.Context) (*http.Response, error) {
		req, err := c.NewRequest(ctx, http.MethodGet, "/prices/", nil)
		if err != nil {
			return nil, err
		}
		return c.Do(req)
	}

	// 1. 最初の呼び出し元が401を受け取りリフレッシュを開始する
	ctx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		resp, err := do(ctx)
		if resp != nil {
			resp.Body.Close()
		}
		leaderErr <- err
	}()
	<-entered

	// 2. 2人目が401を受け取り、実行中のリフレッシュに合流する
	followerStatus := make(chan int, 1)
	go func() {
		resp, err := do(context.Background())
		if err != nil {
			t.Errorf("follower Do: %v", err)
			followerStatus <- 0
			return
		}
		resp.Body.Close()
		followerStatus <- resp.StatusCode
	}()
	for deadline := time.Now().Add(time.Second); b.Calls("/prices/") < 2 && time.Now().Before(deadline); {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	// 3. 最初の呼び出し元をキャンセルする
	cancel()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Errorf("leader err = %v, want context.Canceled", err)
	}
	if _, ok := c.tokens.Get(); !ok {
		t.Error("キャンセルでトークンストアをクリアしないべき")
	}

	// 4. リフレッシュが完了すると2人目は新しいトークンで再送に成功する
	close(release)
	if got := <-followerStatus; got != http.StatusOK {
		t.Errorf("follower status = %d, want 200", got)
	}
	if token, _ := c.tokens.Get(); token != "fresh" {
		t.Errorf("token = %q, want %q", token, "fresh")
	}
	if got := b.Calls("/auth/refresh/"); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
}

// --- GetJSON ---

func TestGetJSON_DecodesSuccess(t *testing.T) {
	b := apiclienttest.NewBackend()
	defer b.Close()
	b.Handle("/thing/", func(w http.ResponseWriter, r *http.Request) {
		apiclienttest.WriteJSON(w, http.StatusOK, map[string]int{"n": 3})
	})
	c, _ := newTestClient(t, b)

	var out struct {
		N int `json:"n"`
	}
	status, err := c.GetJSON(context.Background(), "/thing/", &out)
	if err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if status != http.StatusOK || out.N != 3 {
		t.Errorf("GetJSON = (%d, %d), want (200, 3)", status, out.N)
	}
}

func TestGetJSON_NonSuccessReturnsStatus(t *testing.T) {
	b := apiclienttest.NewBackend()
	defer b.Close()
	b.Handle("/thing/", func(w http.ResponseWriter, r *http.Request) {
		apiclienttest.WriteDetail(w, http.StatusNotFound, "missing")
	})
	c, _ := newTestClient(t, b)

	var out map[string]any
	status, err := c.GetJSON(context.Background(), "/thing/", &out)
	if err == nil {
		t.Fatal("404でエラーが返されるべき")
	}
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}
