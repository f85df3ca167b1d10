package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/cryptotrack/internal/apiclient"
	"github.com/hitoshi/cryptotrack/internal/auth"
	"github.com/hitoshi/cryptotrack/internal/config"
	"github.com/hitoshi/cryptotrack/internal/console"
	"github.com/hitoshi/cryptotrack/internal/handler"
	"github.com/hitoshi/cryptotrack/internal/logger"
	"github.com/hitoshi/cryptotrack/internal/market"
	"github.com/hitoshi/cryptotrack/internal/metrics"
	"github.com/hitoshi/cryptotrack/internal/middleware"
	"github.com/hitoshi/cryptotrack/internal/tokenstore"
)

const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。wはログの出力先。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("api_base_url", cfg.APIBaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandConsole:
		return runConsole(ctx, cfg, os.Stdin, os.Stdout)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はゲートウェイサーバーモードで起動する。
// ctxがキャンセルされる（SIGINTまたはSIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	ln, err := net.Listen("tcp", ":"+cfg.ServerPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", cfg.ServerPort, err)
	}
	return serve(ctx, cfg, ln)
}

// serve はlnでゲートウェイを起動し、ctxのキャンセルまでリクエストを処理する。
func serve(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	router, cleanup, err := newGateway(cfg, slog.Default())
	if err != nil {
		ln.Close()
		return err
	}
	defer cleanup()

	server := &http.Server{
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("gateway server starting",
			slog.String("addr", ln.Addr().String()),
			slog.String("static_dir", cfg.StaticDir),
		)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down gateway server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("gateway server stopped gracefully")
	return nil
}

// newGateway は全依存関係をワイヤリングしてゲートウェイのルーターを構築する。
// 返り値のcleanupでレートリミッターのクリーンアップgoroutineを停止する。
func newGateway(cfg *config.Config, logger *slog.Logger) (http.Handler, func(), error) {
	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 2. バックエンドへのリバースプロキシ
	proxy, err := handler.NewProxy(handler.ProxyConfig{
		BackendURL:         cfg.APIBaseURL,
		AccessCookieMaxAge: cfg.AccessCookieMaxAge,
		CookieSecure:       cfg.CookieSecure,
		CookieDomain:       cfg.CookieDomain,
	}, logger, collector)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create proxy: %w", err)
	}

	// 3. ログイン・登録のレート制限（RATE_LIMIT_AUTHはreq/min/IP）
	rateLimiter := middleware.NewRateLimiter(middleware.AuthRateLimiterConfig(cfg.RateLimitAuth), logger)

	// 4. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            logger,
		Metrics:           collector,
		Gatherer:          reg,
		Proxy:             proxy,
		RateLimiter:       rateLimiter,
		Pages:             handler.NewPageHandler(cfg.StaticDir),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		Secure:            cfg.CookieSecure,
	})

	return router, rateLimiter.Stop, nil
}

// runConsole は対話型コンソールを起動する。
// 入力が終わるか、ctxがキャンセルされると終了する。
func runConsole(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	logger := slog.Default()

	// 1. トークンストアとバックエンドクライアント
	tokens := tokenstore.New()
	api, err := apiclient.NewClient(apiclient.Config{
		BaseURL: cfg.APIBaseURL,
		Timeout: cfg.RequestTimeout,
	}, tokens, logger, metrics.Nop{})
	if err != nil {
		return fmt.Errorf("failed to create api client: %w", err)
	}

	// 2. セッションと市場データクライアント
	session := auth.NewSession(api, tokens, logger)
	defer session.Close()

	c := console.New(session, market.NewClient(api), api, console.Options{
		In:     in,
		Out:    out,
		Prompt: isTerminal(in),
		Logger: logger,
	})

	// 3. コマンドループ（ブロッキング）
	if err := c.Run(ctx); err != nil {
		return fmt.Errorf("console failed: %w", err)
	}
	return nil
}

// isTerminal は入力が端末の場合にtrueを返す。
func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
