// Command server starts the recharge API HTTP service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/xZoluGames/RechargeSystem/internal/api"
	"github.com/xZoluGames/RechargeSystem/internal/carrier"
	"github.com/xZoluGames/RechargeSystem/internal/models"
	"github.com/xZoluGames/RechargeSystem/internal/observability/logging"
	"github.com/xZoluGames/RechargeSystem/internal/observability/metrics"
	"github.com/xZoluGames/RechargeSystem/internal/otp"
	"github.com/xZoluGames/RechargeSystem/internal/recharge"
	"github.com/xZoluGames/RechargeSystem/internal/server"
	"github.com/xZoluGames/RechargeSystem/internal/session"
	"github.com/xZoluGames/RechargeSystem/internal/storage"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresConnectTimeout := flag.Duration("postgres-connect-timeout", 0, "timeout when opening the Postgres pool")
	postgresOpTimeout := flag.Duration("postgres-op-timeout", 0, "per-operation timeout for Postgres queries")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	accountsSource := flag.String("accounts", "", "carrier accounts as a JSON array or a path to a JSON file")
	adminKey := flag.String("admin-key", "", "key required in X-Admin-Key for the admin surface")
	adminPasswordHash := flag.String("admin-password-hash", "", "hash of the admin password (see bootstrap-admin)")
	webhookToken := flag.String("webhook-token", "", "token required in X-Webhook-Token on SMS webhook calls")
	otpTTL := flag.Duration("otp-ttl", 0, "how long an undelivered verification code stays eligible for pickup")
	otpWait := flag.Duration("otp-wait", 0, "how long a login blocks waiting for the verification SMS")
	retryDelay := flag.Duration("auth-retry-delay", 0, "delay before retrying authentication when every account is down")
	refreshInterval := flag.Duration("auth-refresh-interval", 0, "interval between background token refresh sweeps")
	cooldownDriver := flag.String("cooldown-store", "", "order cooldown store (memory or redis)")
	cooldownWindow := flag.Duration("cooldown-window", 0, "minimum gap between orders to one destination")
	cooldownRedisAddr := flag.String("cooldown-redis-addr", "", "Redis address for the shared cooldown store")
	cooldownRedisPassword := flag.String("cooldown-redis-password", "", "Redis password for the shared cooldown store")
	carrierAuthURL := flag.String("carrier-auth-url", "", "override the carrier auth base URL")
	carrierIdentityURL := flag.String("carrier-identity-url", "", "override the carrier identity base URL")
	carrierWalletURL := flag.String("carrier-wallet-url", "", "override the carrier wallet base URL")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	rechargeLimit := flag.Int("rate-recharge-limit", 0, "maximum recharge requests per window for a single API key")
	rechargeWindow := flag.Duration("rate-recharge-window", 0, "window for counting recharge requests")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed recharge throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed recharge throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate limit operations")
	adminOrigins := flag.String("cors-admin-origins", "", "comma separated origins allowed on the admin surface")
	clientOrigins := flag.String("cors-client-origins", "", "comma separated origins allowed on the client surface")
	flag.Parse()

	logger := logging.New(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("RECHARGE_LOG_LEVEL"))})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("RECHARGE_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("RECHARGE_ADDR"))

	adminKeyValue := firstNonEmpty(*adminKey, os.Getenv("RECHARGE_ADMIN_KEY"))
	adminHashValue := firstNonEmpty(*adminPasswordHash, os.Getenv("RECHARGE_ADMIN_PASSWORD_HASH"))

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("RECHARGE_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" {
		if err := validateProduction(driver, postgresDefaultDSN, adminKeyValue, adminHashValue); err != nil {
			logger.Error("production validation failed", "error", err)
			os.Exit(1)
		}
	}

	var store storage.Repository
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("RECHARGE_DATA"))
		store, err = storage.NewStore(dataFile)
	case "postgres":
		if postgresDefaultDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		store, err = storage.NewPostgresRepository(ctx, storage.PostgresConfig{
			DSN:             postgresDefaultDSN,
			MaxConnections:  int32(resolveInt(*postgresMaxConns, "RECHARGE_POSTGRES_MAX_CONNS")),
			MinConnections:  int32(resolveInt(*postgresMinConns, "RECHARGE_POSTGRES_MIN_CONNS")),
			MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "RECHARGE_POSTGRES_MAX_CONN_LIFETIME", 0),
			MaxConnIdleTime: resolveDuration(*postgresMaxConnIdle, "RECHARGE_POSTGRES_MAX_CONN_IDLE", 0),
			ConnectTimeout:  resolveDuration(*postgresConnectTimeout, "RECHARGE_POSTGRES_CONNECT_TIMEOUT", 0),
			OpTimeout:       resolveDuration(*postgresOpTimeout, "RECHARGE_POSTGRES_OP_TIMEOUT", 0),
			ApplicationName: firstNonEmpty(*postgresAppName, os.Getenv("RECHARGE_POSTGRES_APP_NAME")),
		})
		cancel()
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	accounts, err := loadAccounts(firstNonEmpty(*accountsSource, os.Getenv("RECHARGE_ACCOUNTS")))
	if err != nil {
		logger.Error("failed to load carrier accounts", "error", err)
		os.Exit(1)
	}
	if len(accounts) == 0 {
		logger.Warn("no carrier accounts configured, recharge endpoints will report unavailable")
	}

	mailbox := newMailbox(resolveDuration(*otpTTL, "RECHARGE_OTP_TTL", 0))

	endpoints := carrier.Endpoints{
		AuthBaseURL:       firstNonEmpty(*carrierAuthURL, os.Getenv("RECHARGE_CARRIER_AUTH_URL")),
		IdentityBaseURL:   firstNonEmpty(*carrierIdentityURL, os.Getenv("RECHARGE_CARRIER_IDENTITY_URL")),
		WalletBaseURL:     firstNonEmpty(*carrierWalletURL, os.Getenv("RECHARGE_CARRIER_WALLET_URL")),
		GatewayCustomerID: strings.TrimSpace(os.Getenv("RECHARGE_GATEWAY_CUSTOMER_ID")),
	}

	carrierOpts := []carrier.Option{carrier.WithLogger(logging.WithComponent(logger, "carrier"))}
	if wait := resolveDuration(*otpWait, "RECHARGE_OTP_WAIT", 0); wait > 0 {
		carrierOpts = append(carrierOpts, carrier.WithOTPWait(wait))
	}
	authClient := carrier.NewAuthClient(endpoints, mailbox, carrierOpts...)
	legacyClient := carrier.NewLegacyAuthClient(endpoints, mailbox, carrierOpts...)

	cooldowns, cooldownRedis, err := configureCooldownStore(
		firstNonEmpty(*cooldownDriver, os.Getenv("RECHARGE_COOLDOWN_STORE")),
		resolveDuration(*cooldownWindow, "RECHARGE_COOLDOWN_WINDOW", 0),
		firstNonEmpty(*cooldownRedisAddr, os.Getenv("RECHARGE_COOLDOWN_REDIS_ADDR")),
		firstNonEmpty(*cooldownRedisPassword, os.Getenv("RECHARGE_COOLDOWN_REDIS_PASSWORD")),
	)
	if err != nil {
		logger.Error("failed to configure cooldown store", "error", err)
		os.Exit(1)
	}
	rechargeClient := carrier.NewRechargeClient(endpoints, cooldowns, carrierOpts...)

	managers := make([]*session.Manager, 0, len(accounts))
	for _, account := range accounts {
		managers = append(managers, session.NewManager(
			account,
			authClient,
			legacyClient,
			store,
			session.WithManagerLogger(logging.WithComponent(logger, "session")),
		))
	}
	coordinatorOpts := []session.CoordinatorOption{
		session.WithCoordinatorLogger(logging.WithComponent(logger, "coordinator")),
	}
	if delay := resolveDuration(*retryDelay, "RECHARGE_AUTH_RETRY_DELAY", 0); delay > 0 {
		coordinatorOpts = append(coordinatorOpts, session.WithRetryDelay(delay))
	}
	coordinator := session.NewCoordinator(managers, coordinatorOpts...)

	orchestrator := recharge.New(coordinator, rechargeClient, store,
		recharge.WithLogger(logging.WithComponent(logger, "recharge")))

	handler := api.NewHandler(store, coordinator)
	handler.Mailbox = mailbox
	handler.Recharges = orchestrator
	handler.Metrics = recorder
	handler.Logger = logger
	handler.AdminKey = adminKeyValue
	handler.AdminPasswordHash = adminHashValue

	rateCfg := server.RateLimitConfig{
		GlobalRPS:      resolveFloat(*globalRPS, "RECHARGE_RATE_GLOBAL_RPS"),
		GlobalBurst:    resolveInt(*globalBurst, "RECHARGE_RATE_GLOBAL_BURST"),
		RechargeLimit:  resolveInt(*rechargeLimit, "RECHARGE_RATE_RECHARGE_LIMIT"),
		RechargeWindow: resolveDuration(*rechargeWindow, "RECHARGE_RATE_RECHARGE_WINDOW", time.Minute),
		RedisAddr:      firstNonEmpty(*rateRedisAddr, os.Getenv("RECHARGE_RATE_REDIS_ADDR")),
		RedisPassword:  firstNonEmpty(*rateRedisPassword, os.Getenv("RECHARGE_RATE_REDIS_PASSWORD")),
		RedisTimeout:   resolveDuration(*rateRedisTimeout, "RECHARGE_RATE_REDIS_TIMEOUT", 2*time.Second),
	}

	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("RECHARGE_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("RECHARGE_TLS_KEY")),
	}

	srv, err := server.New(handler, server.Config{
		Addr:      listenAddr,
		TLS:       tlsCfg,
		RateLimit: rateCfg,
		CORS: server.CORSConfig{
			AdminOrigins:  splitAndTrim(firstNonEmpty(*adminOrigins, os.Getenv("RECHARGE_CORS_ADMIN_ORIGINS"))),
			ClientOrigins: splitAndTrim(firstNonEmpty(*clientOrigins, os.Getenv("RECHARGE_CORS_CLIENT_ORIGINS"))),
		},
		Logger:       logger,
		AuditLogger:  auditLogger,
		Metrics:      recorder,
		WebhookToken: firstNonEmpty(*webhookToken, os.Getenv("RECHARGE_WEBHOOK_TOKEN")),
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if len(managers) > 0 {
		// Logins block on the verification SMS, so boot authentication runs
		// in the background and the health endpoint reports progress.
		go func() {
			state := coordinator.InitializeAll(workerCtx)
			logger.Info("account initialization finished", "system", state)
		}()
	}
	refreshStop := startTokenRefreshWorker(workerCtx, logging.WithComponent(logger, "token-refresher"),
		coordinator, resolveDuration(*refreshInterval, "RECHARGE_AUTH_REFRESH_INTERVAL", time.Minute))
	defer refreshStop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("recharge API listening", "addr", listenAddr, "mode", serverMode, "accounts", len(accounts))
		if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
			logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
		}
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	refreshStop()
	coordinator.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	if closer, ok := store.(interface{ Close() }); ok {
		closer.Close()
	}
	if cooldownRedis != nil {
		if err := cooldownRedis.Close(); err != nil {
			logger.Warn("failed to close cooldown redis client", "error", err)
		}
	}

	logger.Info("server stopped")
}

func newMailbox(ttl time.Duration) *otp.Mailbox {
	if ttl > 0 {
		return otp.NewMailbox(otp.WithEventTTL(ttl))
	}
	return otp.NewMailbox()
}

func configureCooldownStore(driver string, window time.Duration, redisAddr, redisPassword string) (carrier.CooldownStore, *redis.Client, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		if redisAddr == "" {
			return nil, nil, fmt.Errorf("redis addr is required for the redis cooldown store")
		}
		client := redis.NewClient(&redis.Options{Addr: redisAddr, Password: redisPassword})
		return carrier.NewRedisCooldownStore(client, window, ""), client, nil
	case "", "memory":
		return carrier.NewMemoryCooldownStore(window), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported cooldown store driver %q", driver)
	}
}

// loadAccounts accepts either an inline JSON array or a path to a JSON file
// holding one. Each entry needs at least an id, phone, and password; the SIM
// slot defaults to SIM1.
func loadAccounts(source string) ([]models.Account, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, nil
	}
	raw := []byte(source)
	if !strings.HasPrefix(source, "[") {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("read accounts file: %w", err)
		}
		raw = data
	}
	var accounts []models.Account
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}
	seen := make(map[string]struct{}, len(accounts))
	for i := range accounts {
		account := &accounts[i]
		account.ID = strings.TrimSpace(account.ID)
		account.Phone = strings.TrimSpace(account.Phone)
		if account.ID == "" {
			account.ID = account.Phone
		}
		if account.ID == "" || account.Phone == "" || account.Password == "" {
			return nil, fmt.Errorf("account %d: id, phone, and password are required", i)
		}
		if _, dup := seen[account.ID]; dup {
			return nil, fmt.Errorf("duplicate account id %q", account.ID)
		}
		seen[account.ID] = struct{}{}
		account.SIMSlot = otp.NormalizeSlot(account.SIMSlot, "")
	}
	return accounts, nil
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func validateProduction(driver, postgresDSN, adminKey, adminPasswordHash string) error {
	if driver != "postgres" {
		return fmt.Errorf("production mode requires the postgres datastore driver, got %q", driver)
	}
	if strings.TrimSpace(postgresDSN) == "" {
		return fmt.Errorf("postgres storage selected without DSN")
	}
	if adminKey == "" || adminPasswordHash == "" {
		return fmt.Errorf("production mode requires RECHARGE_ADMIN_KEY and RECHARGE_ADMIN_PASSWORD_HASH")
	}
	return nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("RECHARGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}
