package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/jackc/pgx/v5/stdlib"

	"authgate/internal/audit"
	"authgate/internal/auth"
	"authgate/internal/blocklist"
	"authgate/internal/db"
	"authgate/internal/kv"
	"authgate/internal/maintenance"
	"authgate/internal/mfa"
	"authgate/internal/observability"
	"authgate/internal/password"
	"authgate/internal/ratelimit"
	"authgate/internal/session"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}
	encryptionKey, err := mustEnv("ENCRYPTION_KEY")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	store, closeStore, err := buildStore(logger)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	auditRepo := audit.NewRepository(database)
	auditor := audit.NewLogger(auditRepo, store, logger)
	detector := audit.NewDetector(auditRepo, audit.DetectorConfig{
		BruteForceThreshold: envIntOrDefault("ANOMALY_BRUTE_FORCE_THRESHOLD", 5),
		SuspiciousThreshold: envIntOrDefault("ANOMALY_SUSPICIOUS_THRESHOLD", 3),
	})

	limiter := ratelimit.NewLimiter(store, logger, EnvBoolOrDefault("RATE_LIMIT_FAIL_OPEN", true))
	ipBlocklist := blocklist.NewBlocklist(store)
	lockouts := password.NewLockouts(store)
	tracker := blocklist.NewTracker(store, ipBlocklist, lockouts, logger, blocklist.TrackerConfig{
		Window:           envMinutesOrDefault("FAILURE_WINDOW_MINUTES", 15),
		IPThreshold:      envIntOrDefault("IP_BLOCK_THRESHOLD", 10),
		AccountThreshold: envIntOrDefault("LOCKOUT_THRESHOLD", 5),
		BlockDuration:    envMinutesOrDefault("IP_BLOCK_MINUTES", 60),
		LockDuration:     envMinutesOrDefault("LOCKOUT_MINUTES", 15),
		MaxLockDuration:  envHoursOrDefault("LOCKOUT_MAX_HOURS", 24),
	})
	lockouts.AttachTracker(tracker)

	policy := password.NewPolicy()
	policy.MinLength = envIntOrDefault("PASSWORD_MIN_LENGTH", 12)

	authRepo, err := auth.NewRepository(database, encryptionKey)
	if err != nil {
		closeStore()
		_ = database.Close()
		return nil, fmt.Errorf("init auth repository: %w", err)
	}

	challengeTTL := envSecondsOrDefault("MFA_CHALLENGE_TTL_SECONDS", 300)
	issuer := envOrDefault("MFA_ISSUER", "authgate")
	notifier := buildNotifier(logger)

	codeConfig := mfa.CodeProviderConfig{
		MaxAttempts: envIntOrDefault("MFA_MAX_ATTEMPTS", mfa.DefaultMaxAttempts),
		SendLimit:   envIntOrDefault("MFA_SEND_LIMIT", mfa.DefaultSendLimit),
		TTL:         challengeTTL,
	}

	providers := mfa.NewRegistry(store, challengeTTL)
	providers.Register(mfa.NewTOTPProvider(store, authRepo, authRepo, issuer, challengeTTL))
	providers.Register(mfa.NewSMSProvider(store, notifier, codeConfig))
	providers.Register(mfa.NewEmailProvider(store, notifier, codeConfig))

	sessions := session.NewManager(store, logger, session.ManagerConfig{
		MaxConcurrent: envIntOrDefault("MAX_CONCURRENT_SESSIONS", 5),
		SessionTTL:    envHoursOrDefault("SESSION_TTL_HOURS", 24),
		IdleTimeout:   envMinutesOrDefault("SESSION_IDLE_MINUTES", 30),
		RiskThreshold: envFloatOrDefault("RISK_THRESHOLD", session.DefaultRiskThreshold),
	})

	authService := auth.NewService(
		authRepo,
		limiter,
		ipBlocklist,
		lockouts,
		policy,
		providers,
		sessions,
		auditor,
		logger,
		auth.ServiceConfig{
			JWTSecret: jwtSecret,
			AccessTTL: envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		},
	)
	authHandler := auth.NewHandler(authService)

	maintenanceHandler := maintenance.NewHandler(
		auditRepo,
		detector,
		logger,
		os.Getenv("CRON_SECRET"),
		envDaysOrDefault("AUDIT_RETENTION_DAYS", 90),
		envIntOrDefault("AUDIT_PURGE_BATCH_SIZE", 500),
		envMinutesOrDefault("ANOMALY_WINDOW_MINUTES", 60),
	)

	protect := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(jwtSecret, authService, h)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/register",
		auth.BlocklistGuard(authService,
			auth.RateLimitGuard(authService, ratelimit.ScopeAPI, http.HandlerFunc(authHandler.Register))))
	mux.Handle("POST /auth/login",
		auth.BlocklistGuard(authService, http.HandlerFunc(authHandler.Login)))
	mux.Handle("POST /auth/mfa/verify",
		auth.BlocklistGuard(authService,
			auth.RateLimitGuard(authService, ratelimit.ScopeAPI, http.HandlerFunc(authHandler.VerifyMFA))))
	mux.Handle("POST /auth/mfa/resend",
		auth.BlocklistGuard(authService,
			auth.RateLimitGuard(authService, ratelimit.ScopeAPI, http.HandlerFunc(authHandler.ResendMFA))))
	mux.Handle("POST /auth/password/validate",
		auth.RateLimitGuard(authService, ratelimit.ScopeAPI, http.HandlerFunc(authHandler.ValidatePassword)))
	mux.Handle("POST /auth/mfa/totp/setup", protect(authHandler.SetupTOTP))
	mux.Handle("GET /auth/security/status", protect(authHandler.SecurityStatus))
	mux.Handle("POST /auth/sessions/revoke", protect(authHandler.RevokeSession))
	mux.Handle("POST /auth/logout", protect(authHandler.Logout))
	mux.HandleFunc("GET /internal/maintenance/cleanup", maintenanceHandler.Cleanup)
	mux.HandleFunc("POST /internal/maintenance/cleanup", maintenanceHandler.Cleanup)
	mux.HandleFunc("GET /internal/maintenance/anomalies", maintenanceHandler.Anomalies)
	mux.HandleFunc("GET /health", healthHandler(database, store))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			closeStore()
			return database.Close()
		},
	}, nil
}

// buildStore selects the ephemeral backend. Without REDIS_URL the in-process
// store is used, which is fine for a single instance but shares nothing.
func buildStore(logger *observability.Logger) (kv.Store, func(), error) {
	redisURL := strings.TrimSpace(os.Getenv("REDIS_URL"))
	if redisURL == "" {
		logger.Warn("kv_store_in_memory", map[string]any{
			"hint": "set REDIS_URL to share counters across instances",
		})
		return kv.NewMemory(), func() {}, nil
	}

	store, err := kv.NewRedisFromURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("init redis: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

func buildNotifier(logger *observability.Logger) mfa.Notifier {
	host := strings.TrimSpace(os.Getenv("SMTP_HOST"))
	if host == "" {
		return mfa.NewLogNotifier(logger)
	}

	return mfa.NewSMTPNotifier(mfa.SMTPConfig{
		Host:     host,
		Port:     envIntOrDefault("SMTP_PORT", 587),
		Username: os.Getenv("SMTP_USERNAME"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     envOrDefault("SMTP_FROM", "no-reply@localhost"),
	})
}

func healthHandler(database *sql.DB, store kv.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = "down"
		}
		if _, _, err := store.Get(ctx, "health:probe"); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["store"] = "down"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envFloatOrDefault(name string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
