package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/matchauth/internal/auth"
	"github.com/hitoshi/matchauth/internal/config"
	"github.com/hitoshi/matchauth/internal/database"
	"github.com/hitoshi/matchauth/internal/handler"
	"github.com/hitoshi/matchauth/internal/lockout"
	"github.com/hitoshi/matchauth/internal/logger"
	"github.com/hitoshi/matchauth/internal/metrics"
	"github.com/hitoshi/matchauth/internal/middleware"
	"github.com/hitoshi/matchauth/internal/ratelimit"
	"github.com/hitoshi/matchauth/internal/repository"
	"github.com/hitoshi/matchauth/internal/session"
	"github.com/hitoshi/matchauth/internal/token"
	"github.com/hitoshi/matchauth/internal/user"
	"github.com/hitoshi/matchauth/internal/worker/cleanup"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// alertInterval は同一キーのブルートフォース警告を出す最小間隔。
const alertInterval = time.Minute

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	if !cmd.RequiresConfig() {
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
		slog.String("mode", cmd.Description()),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sqlx.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DependencyTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newRateLimitStore はREDIS_URLが設定されていればRedis、なければプロセス内メモリのストアを返す。
// 返却するclose関数はシャットダウン時に呼ぶ。
func newRateLimitStore(cfg *config.Config) (ratelimit.Store, func(), error) {
	if cfg.RedisURL == "" {
		slog.Warn("REDIS_URL is not set; rate limit counters are per-process")
		store := ratelimit.NewMemoryStore(time.Minute)
		return store, store.Stop, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DependencyTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		// 起動は継続する。Redis障害時のリミッターは素通しになる
		slog.Warn("redis is not reachable at startup", slog.String("error", err.Error()))
	} else {
		slog.Info("redis connection established")
	}

	return ratelimit.NewRedisStore(client), func() { client.Close() }, nil
}

// newMailer はSMTP_HOSTが設定されていればSMTP、なければログ出力のMailerを返す。
func newMailer(cfg *config.Config, log *slog.Logger) (auth.Mailer, error) {
	if cfg.SMTPHost == "" {
		log.Warn("SMTP_HOST is not set; verification and reset links are written to the log")
		return auth.NewLogMailer(log), nil
	}
	mailer, err := auth.NewSMTPMailer(auth.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
		Timeout:  cfg.DependencyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp mailer: %w", err)
	}
	return mailer, nil
}

// newMetrics はPrometheusレジストリとアプリケーションのコレクターを生成する。
func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// JWKSのバックグラウンド更新はサーバー停止時に止める
	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. レート制限ストア
	store, closeStore, err := newRateLimitStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. メトリクス
	reg, collector := newMetrics()

	// 4. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	credRepo := repository.NewPostgresCredentialRepo(db)
	refreshRepo := repository.NewPostgresRefreshTokenRepo(db)

	// 5. トークン・セッション
	codec, err := token.NewAccessCodec([]byte(cfg.JWTSecret), cfg.AccessTokenTTL, cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("failed to create access token codec: %w", err)
	}
	issuer := session.NewIssuer(codec, refreshRepo, cfg.RefreshTokenTTL, log)

	// 6. 外部IdPとメール送信
	google, err := auth.NewGoogleVerifier(rootCtx, cfg.GoogleClientID, cfg.DependencyTimeout, log)
	if err != nil {
		return fmt.Errorf("failed to create google verifier: %w", err)
	}
	apple, err := auth.NewAppleVerifier(rootCtx, cfg.AppleClientID, cfg.DependencyTimeout, log)
	if err != nil {
		return fmt.Errorf("failed to create apple verifier: %w", err)
	}
	mailer, err := newMailer(cfg, log)
	if err != nil {
		return err
	}

	// 7. ドメインサービスの初期化
	guard := lockout.NewGuard(credRepo, lockout.Policy{
		Threshold: cfg.LockoutThreshold,
		Duration:  cfg.LockoutDuration,
	}, log)

	authService := auth.NewService(auth.Deps{
		Users:       userRepo,
		Credentials: credRepo,
		Guard:       guard,
		Sessions:    issuer,
		Hasher:      auth.NewBcryptHasher(cfg.BcryptCost),
		Google:      google,
		Apple:       apple,
		Mailer:      mailer,
		Metrics:     collector,
		Logger:      log,
	}, auth.ServiceConfig{
		BaseURL:           cfg.BaseURL,
		VerificationTTL:   cfg.VerificationTokenTTL,
		ResetTTL:          cfg.ResetTokenTTL,
		DependencyTimeout: cfg.DependencyTimeout,
		PasswordPolicy: auth.PasswordPolicy{
			MinLength:      cfg.PasswordMinLength,
			RequireUpper:   cfg.PasswordRequireUpper,
			RequireLower:   cfg.PasswordRequireLower,
			RequireDigit:   cfg.PasswordRequireDigit,
			RequireSpecial: cfg.PasswordRequireSpecial,
		},
	})
	userService := user.NewService(userRepo, issuer, cfg.DependencyTimeout, log)

	// 8. レート制限
	limiters := ratelimit.NewSet(store, ratelimit.Rules{
		Auth:          ratelimit.Rule{Max: cfg.RateLimitAuthMax, Window: cfg.RateLimitAuthWindow},
		General:       ratelimit.Rule{Max: cfg.RateLimitGeneralMax, Window: cfg.RateLimitGeneralWindow},
		Sensitive:     ratelimit.Rule{Max: cfg.RateLimitSensitiveMax, Window: cfg.RateLimitSensitiveWindow},
		PasswordReset: ratelimit.Rule{Max: cfg.RateLimitPasswordResetMax, Window: cfg.RateLimitPasswordResetWindow},
		User:          ratelimit.Rule{Max: cfg.RateLimitUserMax, Window: cfg.RateLimitUserWindow},
	}, ratelimit.NewAlertSink(log, alertInterval), log)

	// 9. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(reg),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		AccessVerifier:    codec,
		CSRF: middleware.CSRFConfig{
			CookieName:   cfg.CSRFCookieName,
			CookieTTL:    cfg.CSRFCookieTTL,
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
			SkipPaths:    cfg.CSRFSkipPaths,
		},
		Signature: middleware.SignatureConfig{
			Secret:  []byte(cfg.RequestSigningSecret),
			MaxSkew: cfg.SignatureMaxSkew,
			Routes:  cfg.SignedRoutes,
		},
		InternalSignature: middleware.SignatureConfig{
			Secret:  []byte(cfg.InternalSigningSecret),
			MaxSkew: cfg.SignatureMaxSkew,
		},
		Limiters:          limiters,
		AuthService:       authService,
		UserService:       userService,
		HealthChecker:     database.NewHealthChecker(db, cfg.DependencyTimeout),
		SessionRevoker:    issuer,
		DependencyTimeout: cfg.DependencyTimeout,
	})

	// 10. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、クリーンアップジョブをCLEANUP_INTERVAL毎に実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(
		repository.NewPostgresRefreshTokenRepo(db),
		repository.NewPostgresCredentialRepo(db),
		slog.Default(),
	)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はローカルで起動中のサーバーの /health を呼び、
// 200以外ならエラーを返す。コンテナのヘルスチェックから実行する。
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
