package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// refreshResponse は POST /auth/refresh/ の成功応答。
type refreshResponse struct {
	Access string `json:"access"`
}

// Refresh はCookieで運ばれるリフレッシュトークンを新しいアクセストークンに交換する。
// ネットワークエラー、2xx以外のステータス、不正なボディはすべて「有効なセッションなし」として
// 同一に扱い、falseを返す。エラーは返さない。
// 取得したトークンのトークンストアへの保存は呼び出し側が行う。
//
// 同時に呼び出された場合はバックエンドへのリクエストを1回にまとめ、全員が同じ結果を受け取る。
// まとめられた呼び出しは呼び出し元のキャンセルを引き継がず、クライアントのタイムアウトで打ち切られる。
// ctxがキャンセルされた呼び出し元だけが待機をやめてfalseを返し、他の呼び出し元は結果を待ち続ける。
func (c *Client) Refresh(ctx context.Context) (string, bool) {
	ch := c.refreshGroup.DoChan("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout())
		defer cancel()
		return c.refresh(rctx), nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.logger.Debug("joined in-flight token refresh")
		}
		token, _ := res.Val.(string)
		return token, token != ""
	case <-ctx.Done():
		c.logger.Debug("stopped waiting for token refresh",
			slog.String("error", ctx.Err().Error()),
		)
		return "", false
	}
}

// refreshTimeout はまとめられたリフレッシュに許す最大時間。
func (c *Client) refreshTimeout() time.Duration {
	if c.httpClient.Timeout > 0 {
		return c.httpClient.Timeout
	}
	return defaultTimeout
}

// refresh はリフレッシュAPIを1回呼び出す。失敗時は空文字列を返す。
func (c *Client) refresh(ctx context.Context) string {
	resp, err := c.postJSON(ctx, refreshPath, nil)
	if err != nil {
		c.logger.Warn("token refresh request failed",
			slog.String("error", err.Error()),
		)
		c.metrics.RecordRefresh(false)
		return ""
	}
	defer drainAndClose(resp)

	if !isSuccess(resp.StatusCode) {
		c.logger.Info("token refresh rejected",
			slog.Int("http_status", resp.StatusCode),
			slog.String("detail", readDetail(resp.Body)),
		)
		c.metrics.RecordRefresh(false)
		return ""
	}

	var body refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.logger.Warn("failed to parse token refresh response",
			slog.String("error", err.Error()),
		)
		c.metrics.RecordRefresh(false)
		return ""
	}
	if body.Access == "" {
		c.logger.Warn("token refresh response has no access token")
		c.metrics.RecordRefresh(false)
		return ""
	}

	c.metrics.RecordRefresh(true)
	return body.Access
}

// Do はトークンストアの現在のアクセストークンを付与してリクエストを送信する。
//
// 401を受け取った場合はRefreshを1回だけ呼び出す。
//   - 成功: トークンストアを更新し、新しいトークンで元のリクエストを1回だけ再送してその応答を返す。
//   - 失敗: トークンストアをクリアし、元の401応答をそのまま返す。
//
// HTTPのエラーステータスはエラーに変換せず応答として返すため、呼び出し側はステータスを確認すること。
// ネットワークエラーはそのまま返す。リフレッシュ待ちの間にreqのcontextがキャンセルされた場合は
// トークンストアを変更せずにcontextのエラーを返す。セッション状態の変更やリダイレクトは行わない。
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := bufferBody(req); err != nil {
		return nil, err
	}

	first, err := c.withToken(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(first)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	token, ok := c.Refresh(req.Context())
	if !ok {
		if err := req.Context().Err(); err != nil {
			drainAndClose(resp)
			return nil, err
		}
		c.tokens.Clear()
		c.logger.Info("refresh after 401 failed; token cleared",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
		)
		return resp, nil
	}

	c.tokens.Set(token)
	drainAndClose(resp)

	retry, err := c.withToken(req)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordAuthFetchRetry()
	c.logger.Debug("retrying request with refreshed token",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
	)
	return c.send(retry)
}

// withToken はリクエストを複製し、トークンストアのトークンをBearerとして付与する。
// トークンがない場合はAuthorizationヘッダーを付けない。
func (c *Client) withToken(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		clone.Body = body
	}

	clone.Header.Del("Authorization")
	if token, ok := c.tokens.Get(); ok {
		clone.Header.Set("Authorization", "Bearer "+token)
	}
	return clone, nil
}

// bufferBody は再送できるようにリクエストボディをメモリに読み込む。
// GetBodyが既に設定されている場合は何もしない。
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}

	b, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to buffer request body: %w", err)
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
	req.Body, _ = req.GetBody()
	req.ContentLength = int64(len(b))
	return nil
}

// GetJSON はDoでGETを送り、2xxの場合にボディをoutへデコードする。
// 2xx以外はステータスを含むエラーを返す。
func (c *Client) GetJSON(ctx context.Context, path string, out any) (int, error) {
	req, err := c.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer drainAndClose(resp)

	if !isSuccess(resp.StatusCode) {
		return resp.StatusCode, fmt.Errorf("request to %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to parse response from %s: %w", path, err)
	}
	return resp.StatusCode, nil
}
