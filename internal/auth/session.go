// Package auth はクライアント側の認証セッションを管理する。
// サイレントリフレッシュによる復元、ログイン、ログアウト、プロフィール更新の唯一の入口となる。
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/cryptotrack/internal/apiclient"
	"github.com/hitoshi/cryptotrack/internal/model"
	"github.com/hitoshi/cryptotrack/internal/tokenstore"
)

// logoutTimeout はバックグラウンドで行うログアウト通知のタイムアウト。
const logoutTimeout = 10 * time.Second

// API はSessionが利用するバックエンドの認証API。
// apiclient.Clientが実装する。
type API interface {
	Refresh(ctx context.Context) (string, bool)
	Login(ctx context.Context, creds model.Credentials) (*apiclient.LoginResult, error)
	Register(ctx context.Context, reg model.Registration) error
	Me(ctx context.Context) (*model.Profile, error)
	UpdateProfile(ctx context.Context, update model.ProfileUpdate) (*model.Profile, error)
	ChangePassword(ctx context.Context, change model.PasswordChange) error
	Logout(ctx context.Context) error
}

// Status はセッションの状態。
type Status int

const (
	// StatusInitializing は起動直後のサイレントリフレッシュ待ち。
	StatusInitializing Status = iota
	// StatusAuthenticated はアクセストークンとプロフィールを取得済み。
	StatusAuthenticated
	// StatusUnauthenticated は未ログイン。
	StatusUnauthenticated
)

// String はログ出力用の状態名を返す。
func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// State はある時点のセッションのスナップショット。
// Userは呼び出し側で変更してもSessionに影響しない複製。
type State struct {
	Status          Status
	IsAuthenticated bool
	IsLoading       bool
	AccessToken     string
	User            *model.Profile
}

func (st State) clone() State {
	if st.User != nil {
		u := *st.User
		st.User = &u
	}
	return st
}

func initializingState() State {
	return State{Status: StatusInitializing, IsLoading: true}
}

func unauthenticatedState() State {
	return State{Status: StatusUnauthenticated}
}

func authenticatedState(token string, user model.Profile) State {
	return State{
		Status:          StatusAuthenticated,
		IsAuthenticated: true,
		AccessToken:     token,
		User:            &user,
	}
}

type observer struct {
	id int
	fn func(State)
}

// Session は認証状態の唯一の保持者。
// 状態の変更はSessionのメソッド経由でのみ行われ、変更のたびに購読者へ通知される。
//
// ログイン・ログアウト・初期化を同じSessionで並行に呼び出すことは想定していない。
// 競合した場合は後に応答を受け取った操作の結果で上書きされる。
type Session struct {
	api    API
	tokens *tokenstore.Store
	logger *slog.Logger

	// notifyMu は状態の更新から通知の完了までを直列化する。
	notifyMu sync.Mutex

	mu        sync.Mutex
	state     State
	observers []observer
	nextObsID int

	// pending はバックグラウンドのログアウト通知を追跡する。
	pending sync.WaitGroup
}

// NewSession はInitializing状態のSessionを生成する。
// tokensにはapiが参照するものと同じトークンストアを渡すこと。
func NewSession(api API, tokens *tokenstore.Store, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		api:    api,
		tokens: tokens,
		logger: logger,
		state:  initializingState(),
	}
}

// Snapshot は現在の状態の複製を返す。
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe は状態遷移ごとに呼び出されるコールバックを登録し、解除関数を返す。
// コールバックは登録順に、状態の更新と同じ順序で呼び出されるため、最後に受け取った状態は常に現在の状態と一致する。
// コールバック内ではSnapshotのみ呼び出せる。状態を変更する操作を呼び出すとデッドロックする。
func (s *Session) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextObsID++
	id := s.nextObsID
	s.observers = append(s.observers, observer{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, o := range s.observers {
			if o.id == id {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

// transition は状態を丸ごと置き換え、購読者に通知する。
func (s *Session) transition(next State) {
	_ = s.apply(func(State) (State, error) { return next, nil })
}

// apply は現在の状態からchangeで次の状態を求めて置き換え、購読者に通知する。
// changeがエラーを返した場合は状態を変更しない。
func (s *Session) apply(change func(cur State) (State, error)) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	prev := s.state.Status
	next, err := change(s.state.clone())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	observers := append([]observer(nil), s.observers...)
	snapshot := next.clone()
	s.mu.Unlock()

	if prev != next.Status {
		s.logger.Debug("session state changed",
			slog.String("from", prev.String()),
			slog.String("to", next.Status.String()),
		)
	}
	for _, o := range observers {
		o.fn(snapshot.clone())
	}
	return nil
}

// reset はトークンストアをクリアし、未ログイン状態へ遷移する。
func (s *Session) reset() {
	s.tokens.Clear()
	s.transition(unauthenticatedState())
}

// beginLoading は現在の状態を保ったままIsLoadingを立てる。
func (s *Session) beginLoading() {
	_ = s.apply(func(cur State) (State, error) {
		cur.IsLoading = true
		return cur, nil
	})
}

// Init はリフレッシュCookieからのセッション復元を試みる。
// 失敗はエラーとして返さず、未ログイン状態で確定する。
func (s *Session) Init(ctx context.Context) State {
	s.transition(initializingState())

	// 1. リフレッシュトークンで新しいアクセストークンを取得
	token, ok := s.api.Refresh(ctx)
	if !ok {
		s.logger.Debug("no session to restore")
		s.reset()
		return s.Snapshot()
	}
	s.tokens.Set(token)

	// 2. プロフィールを取得（取得できなければ認証済みとしない）
	profile, err := s.api.Me(ctx)
	if err != nil {
		s.logger.Info("session restore failed: profile unavailable",
			slog.String("error", err.Error()),
		)
		s.reset()
		return s.Snapshot()
	}

	s.authenticate(*profile)
	s.logger.Info("session restored", slog.Int64("user_id", profile.ID))
	return s.Snapshot()
}

// authenticate はトークンストアの現在値とプロフィールで認証済み状態へ遷移する。
// プロフィール取得中にトークンが更新されている場合があるため、ストアの値を使う。
func (s *Session) authenticate(profile model.Profile) {
	token, ok := s.tokens.Get()
	if !ok {
		s.reset()
		return
	}
	s.transition(authenticatedState(token, profile))
}

// Login はメールアドレスとパスワードでログインする。
// 失敗時は未ログイン状態となり、バックエンドのdetailをメッセージに持つ*model.APIErrorを返す。
func (s *Session) Login(ctx context.Context, email, password string) error {
	_, err := s.login(ctx, email, password)
	return err
}

// AdminLogin はスタッフまたはスーパーユーザーとしてログインする。
// 権限のないアカウントの場合はセッションを破棄してNOT_ADMINエラーを返す。
func (s *Session) AdminLogin(ctx context.Context, email, password string) error {
	profile, err := s.login(ctx, email, password)
	if err != nil {
		return err
	}
	if !profile.IsAdmin() {
		s.logger.Warn("admin login rejected: not an admin account",
			slog.Int64("user_id", profile.ID),
		)
		s.reset()
		s.invalidateRemote()
		return model.NewNotAdminError()
	}
	return nil
}

func (s *Session) login(ctx context.Context, email, password string) (*model.Profile, error) {
	if missing := missingFields(map[string]string{"email": email, "password": password}, "email", "password"); len(missing) > 0 {
		return nil, model.NewMissingFieldsError(missing...)
	}

	s.beginLoading()

	// 1. ログインしてアクセストークンを取得
	result, err := s.api.Login(ctx, model.Credentials{Email: email, Password: password})
	if err != nil {
		s.reset()
		return nil, err
	}
	s.tokens.Set(result.Access)

	// 2. プロフィールを取得
	profile, err := s.api.Me(ctx)
	if err != nil {
		s.logger.Warn("login succeeded but profile fetch failed",
			slog.String("error", err.Error()),
		)
		s.reset()
		if _, ok := model.AsAPIError(err); ok {
			return nil, err
		}
		return nil, model.NewProfileUnavailableError(0)
	}

	// 3. トークンとプロフィールを同時に反映
	s.authenticate(*profile)
	s.logger.Info("user logged in", slog.Int64("user_id", profile.ID))
	return profile, nil
}

// Logout はローカルのセッションとトークンストアを同期的にクリアし、遷移先のパスを返す。
// バックエンドへのリフレッシュトークン無効化はバックグラウンドで1回だけ試み、完了を待たない。
func (s *Session) Logout(currentPath string) string {
	s.mu.Lock()
	outgoing := s.state.User
	s.mu.Unlock()

	target := LogoutRedirect(outgoing, currentPath)

	s.reset()
	s.invalidateRemote()

	if outgoing != nil {
		s.logger.Info("user logged out",
			slog.Int64("user_id", outgoing.ID),
			slog.String("redirect", target),
		)
	}
	return target
}

// Expire はバックエンドから401を受け、リフレッシュにも失敗した場合にビューから呼び出す。
// リフレッシュトークンは既に無効なため、バックエンドへは通知しない。
func (s *Session) Expire(currentPath string) string {
	s.reset()
	return LoginPathFor(currentPath)
}

// invalidateRemote はバックエンドのログアウトAPIをバックグラウンドで呼び出す。
func (s *Session) invalidateRemote() {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
		defer cancel()
		if err := s.api.Logout(ctx); err != nil {
			s.logger.Warn("remote logout failed",
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Close はバックグラウンドのログアウト通知の完了を待つ。
// シャットダウン時とテストでのみ使用する。
func (s *Session) Close() {
	s.pending.Wait()
}

// UpdateProfile はプロフィールを部分更新し、成功時は応答をセッションのユーザーに取り込む。
// 失敗時はセッションを変更せずにエラーを返す。
// ただしリフレッシュにも失敗してトークンが破棄された場合はセッション失効として扱う。
func (s *Session) UpdateProfile(ctx context.Context, update model.ProfileUpdate) (*model.Profile, error) {
	current, err := s.requireUser()
	if err != nil {
		return nil, err
	}
	if update.IsEmpty() {
		return nil, model.NewEmptyProfileUpdateError()
	}

	updated, err := s.api.UpdateProfile(ctx, update)
	if err != nil {
		return nil, s.checkExpired(err)
	}

	merged := current.Merge(*updated)

	// 応答待ちの間にログアウトや別ユーザーでのログインがあった場合は取り込まない
	err = s.apply(func(cur State) (State, error) {
		if cur.Status != StatusAuthenticated || cur.User == nil || cur.User.ID != current.ID {
			return cur, model.NewNotAuthenticatedError()
		}
		if token, ok := s.tokens.Get(); ok {
			cur.AccessToken = token
		}
		cur.User = &merged
		return cur, nil
	})
	if err != nil {
		s.logger.Info("profile update discarded; session changed while waiting",
			slog.Int64("user_id", current.ID),
		)
		return nil, err
	}

	out := merged
	return &out, nil
}

// ChangePassword はパスワードを変更する。セッション状態は変更しない。
func (s *Session) ChangePassword(ctx context.Context, currentPassword, newPassword string) error {
	if _, err := s.requireUser(); err != nil {
		return err
	}
	fields := map[string]string{"current_password": currentPassword, "new_password": newPassword}
	if missing := missingFields(fields, "current_password", "new_password"); len(missing) > 0 {
		return model.NewMissingFieldsError(missing...)
	}

	err := s.api.ChangePassword(ctx, model.PasswordChange{
		CurrentPassword: currentPassword,
		NewPassword:     newPassword,
	})
	if err != nil {
		return s.checkExpired(err)
	}
	return nil
}

// Register は新しいアカウントを登録する。ログインは行わない。
func (s *Session) Register(ctx context.Context, name, email, password string) error {
	fields := map[string]string{"name": name, "email": email, "password": password}
	if missing := missingFields(fields, "name", "email", "password"); len(missing) > 0 {
		return model.NewMissingFieldsError(missing...)
	}
	if err := s.api.Register(ctx, model.Registration{Name: name, Email: email, Password: password}); err != nil {
		return err
	}
	s.logger.Info("account registered")
	return nil
}

// requireUser は認証済みの場合に現在のプロフィールを返す。
func (s *Session) requireUser() (model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status != StatusAuthenticated || s.state.User == nil {
		return model.Profile{}, model.NewNotAuthenticatedError()
	}
	return *s.state.User, nil
}

// checkExpired は認証付きリクエストの失敗を調べる。
// 401後のリフレッシュに失敗してトークンストアが空になっていればセッションを破棄する。
func (s *Session) checkExpired(err error) error {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 401 {
		return err
	}
	if _, ok := s.tokens.Get(); ok {
		return err
	}
	s.logger.Info("session expired")
	s.transition(unauthenticatedState())
	return model.NewSessionExpiredError()
}

// missingFields は空白のみを含む項目も未入力として返す。
func missingFields(values map[string]string, order ...string) []string {
	var missing []string
	for _, name := range order {
		if strings.TrimSpace(values[name]) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

var _ API = (*apiclient.Client)(nil)
