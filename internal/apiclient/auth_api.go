package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/cryptotrack/internal/model"
)

// LoginResult は POST /auth/login/ の成功応答。
// リフレッシュトークンはCookieとしてJarに保存されるため、ここでは扱わない。
type LoginResult struct {
	Access string         `json:"access"`
	User   *model.Profile `json:"user,omitempty"`
}

// Login はメールアドレスとパスワードでログインし、アクセストークンを取得する。
// 401を受けてもリフレッシュは行わない。
// 失敗時はバックエンドのdetailをメッセージに持つ*model.APIErrorを返す。
// トークンストアへの保存は呼び出し側が行う。
func (c *Client) Login(ctx context.Context, creds model.Credentials) (*LoginResult, error) {
	resp, err := c.postJSON(ctx, loginPath, creds)
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	defer drainAndClose(resp)

	if !isSuccess(resp.StatusCode) {
		detail := readDetail(resp.Body)
		c.logger.Info("login rejected",
			slog.Int("http_status", resp.StatusCode),
			slog.String("detail", detail),
		)
		return nil, model.NewLoginFailedError(resp.StatusCode, detail)
	}

	var result LoginResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse login response: %w", err)
	}
	if result.Access == "" {
		return nil, model.NewNoAccessTokenError()
	}

	return &result, nil
}

// Register は新しいアカウントを登録する。ログインは行わない。
func (c *Client) Register(ctx context.Context, reg model.Registration) error {
	resp, err := c.postJSON(ctx, registerPath, reg)
	if err != nil {
		return fmt.Errorf("register request failed: %w", err)
	}
	defer drainAndClose(resp)

	if !isSuccess(resp.StatusCode) {
		return model.NewRegistrationFailedError(resp.StatusCode, readDetail(resp.Body))
	}
	return nil
}

// Me は認証済みユーザーのプロフィールを取得する。
func (c *Client) Me(ctx context.Context) (*model.Profile, error) {
	req, err := c.NewRequest(ctx, http.MethodGet, mePath, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	defer drainAndClose(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, model.NewProfileUnavailableError(resp.StatusCode)
	}

	var profile model.Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile response: %w", err)
	}
	return &profile, nil
}

// UpdateProfile はプロフィールを部分更新し、更新後のプロフィールを返す。
func (c *Client) UpdateProfile(ctx context.Context, update model.ProfileUpdate) (*model.Profile, error) {
	req, err := c.NewRequest(ctx, http.MethodPost, updateProfilePath, update)
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("update profile request failed: %w", err)
	}
	defer drainAndClose(resp)

	if !isSuccess(resp.StatusCode) {
		return nil, model.NewProfileUpdateFailedError(resp.StatusCode, readDetail(resp.Body))
	}

	var profile model.Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to parse update profile response: %w", err)
	}
	return &profile, nil
}

// ChangePassword はパスワードを変更する。
func (c *Client) ChangePassword(ctx context.Context, change model.PasswordChange) error {
	req, err := c.NewRequest(ctx, http.MethodPost, changePasswordPath, change)
	if err != nil {
		return err
	}

	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("change password request failed: %w", err)
	}
	defer drainAndClose(resp)

	if !isSuccess(resp.StatusCode) {
		return model.NewPasswordChangeFailedError(resp.StatusCode, readDetail(resp.Body))
	}
	return nil
}

// Logout はバックエンドにリフレッシュトークンの無効化を依頼する。
// リフレッシュCookieが自動的に送信される。アクセストークンがあれば付与する。
func (c *Client) Logout(ctx context.Context) error {
	req, err := c.NewRequest(ctx, http.MethodPost, logoutPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token, ok := c.tokens.Get(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.send(req)
	if err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	defer drainAndClose(resp)

	if !isSuccess(resp.StatusCode) {
		return model.NewBackendRequestFailedError(logoutPath, resp.StatusCode)
	}
	return nil
}
