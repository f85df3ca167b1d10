// Package console はターミナルからダッシュボードを操作する対話型フロントエンドを提供する。
// 1つのauth.Sessionを保持し、ページ遷移はルートガードと同じ判定で再現する。
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/hitoshi/cryptotrack/internal/auth"
	"github.com/hitoshi/cryptotrack/internal/market"
	"github.com/hitoshi/cryptotrack/internal/middleware"
	"github.com/hitoshi/cryptotrack/internal/model"
	"github.com/hitoshi/cryptotrack/internal/security"
)

// Market はコンソールが利用する市場データAPI。
type Market interface {
	PriceHistory(ctx context.Context, symbol, rng string) ([]market.PricePoint, error)
	OHLC(ctx context.Context, symbol, interval, rng string) ([]market.Candle, error)
	Heatmap(ctx context.Context, rng string) ([]market.HeatmapEntry, error)
	Indicators(ctx context.Context, symbol string) (*market.Indicators, error)
}

// CookieSource はバックエンドに対して保持しているCookieを返す。
// apiclient.Clientが実装する。
type CookieSource interface {
	Cookies() []*http.Cookie
}

// Options はConsoleの入出力設定。
type Options struct {
	In     io.Reader
	Out    io.Writer
	Prompt bool // 端末からの入力の場合にプロンプトを表示する
	Logger *slog.Logger
}

// Console は対話型フロントエンド。
type Console struct {
	session *auth.Session
	market  Market
	cookies CookieSource

	in     io.Reader
	out    io.Writer
	prompt bool
	logger *slog.Logger
	styles styles
	text   security.TextSanitizer

	// path は現在表示中のページ
	path     string
	commands map[string]command
	order    []string
}

// New はConsoleを生成する。
func New(session *auth.Session, mkt Market, cookies CookieSource, opts Options) *Console {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Console{
		session: session,
		market:  mkt,
		cookies: cookies,
		in:      opts.In,
		out:     opts.Out,
		prompt:  opts.Prompt,
		logger:  logger.With(slog.String("console_id", uuid.NewString())),
		styles:  newStyles(lipgloss.NewRenderer(opts.Out)),
		text:    security.NewTextSanitizer(),
		path:    auth.HomePath,
	}
	c.registerCommands()
	return c
}

// Path は現在表示中のページのパスを返す。
func (c *Console) Path() string {
	return c.path
}

// Run はセッションを復元したのち、入力が終わるかquitが入力されるまでコマンドを処理する。
func (c *Console) Run(ctx context.Context) error {
	unsubscribe := c.session.Subscribe(c.logTransition)
	defer unsubscribe()

	// 1. リフレッシュCookieからセッションを復元
	st := c.session.Init(ctx)
	c.printf("%s\n", c.styles.title.Render("cryptotrack console"))
	c.printState(st)
	c.printf("type %q for commands\n", "help")

	// 2. コマンドループ
	scanner := bufio.NewScanner(c.in)
	for {
		if err := ctx.Err(); err != nil {
			c.logger.Info("console interrupted")
			return nil
		}
		if c.prompt {
			c.printf("%s ", c.styles.prompt.Render(c.path+" >"))
		}
		if !scanner.Scan() {
			break
		}
		if quit := c.Execute(ctx, scanner.Text()); quit {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}

// Execute は1行のコマンドを実行する。quitの場合はtrueを返す。
func (c *Console) Execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	name := strings.ToLower(fields[0])
	if name == "quit" || name == "exit" {
		return true
	}

	cmd, ok := c.commands[name]
	if !ok {
		c.printf("%s unknown command %q (type \"help\")\n", c.styles.err.Render("error:"), name)
		return false
	}

	// 引数にはパスワードが含まれるためコマンド名のみ記録する
	c.logger.Debug("console command", slog.String("command", name))

	if err := cmd.run(ctx, fields[1:]); err != nil {
		c.handleError(err)
	}
	return false
}

// handleError はコマンドのエラーを表示する。
// セッション失効の場合はログインページへ遷移させる。
func (c *Console) handleError(err error) {
	var usage *usageError
	if errors.As(err, &usage) {
		c.printf("%s %s\n", c.styles.err.Render("usage:"), usage.usage)
		return
	}

	apiErr, ok := model.AsAPIError(err)
	if !ok {
		c.logger.Warn("console command failed", slog.String("error", err.Error()))
		c.printf("%s %s\n", c.styles.err.Render("error:"), err.Error())
		return
	}

	c.printf("%s %s\n", c.styles.err.Render("error:"), c.text.Sanitize(apiErr.Message))
	if apiErr.Action != "" {
		c.printf("  %s\n", c.styles.muted.Render(apiErr.Action))
	}
	if apiErr.Code == model.ErrCodeSessionExpired {
		c.navigate(auth.LoginPathFor(c.path))
	}
}

// handleMarketError は市場データ取得の失敗を処理する。
// リフレッシュにも失敗した401はセッション失効としてログインページへ遷移させる。
func (c *Console) handleMarketError(err error) error {
	apiErr, ok := model.AsAPIError(err)
	if !ok || apiErr.Status != http.StatusUnauthorized {
		return err
	}

	target := c.session.Expire(c.path)
	c.printf("%s your session has expired\n", c.styles.err.Render("error:"))
	c.navigate(target)
	return nil
}

// visit はルートガードと同じ判定でページ遷移を行う。
func (c *Console) visit(path string) {
	d := middleware.Decide(path, c.hasCredential())
	if d.Allow {
		c.path = path
		c.printf("%s %s\n", c.styles.ok.Render("200"), path)
		return
	}
	c.printf("%s %s\n", c.styles.warn.Render("302"), path)
	c.navigate(d.Redirect)
}

// navigate はリダイレクト先へ移動する。
func (c *Console) navigate(path string) {
	c.path = path
	c.printf("  -> %s\n", path)
}

// hasCredential はブラウザが送るCookieの組を再現し、クレデンシャルCookieの有無を返す。
// アクセストークンCookieはゲートウェイがログイン時に書き込むものに相当する。
func (c *Console) hasCredential() bool {
	r := &http.Request{Header: http.Header{}}
	if c.cookies != nil {
		for _, ck := range c.cookies.Cookies() {
			r.AddCookie(ck)
		}
	}
	if token := c.session.Snapshot().AccessToken; token != "" {
		r.AddCookie(&http.Cookie{Name: middleware.AccessCookieName, Value: token})
	}
	return middleware.HasCredentialCookie(r)
}

// logTransition はセッションの状態遷移を記録する。
func (c *Console) logTransition(st auth.State) {
	c.logger.Debug("session state changed",
		slog.String("status", st.Status.String()),
		slog.Bool("loading", st.IsLoading),
	)
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}
