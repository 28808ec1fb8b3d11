package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/xZoluGames/RechargeSystem/internal/api"
	"github.com/xZoluGames/RechargeSystem/internal/observability/logging"
	"github.com/xZoluGames/RechargeSystem/internal/observability/metrics"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr        string
	TLS         TLSConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Security    SecurityConfig
	Logger      *slog.Logger
	AuditLogger *slog.Logger
	Metrics     *metrics.Recorder

	// WebhookToken, when set, is required in the X-Webhook-Token header of
	// inbound SMS webhook calls.
	WebhookToken string
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	auditLogger *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/webhook/sms", handler.SMSWebhook)
	mux.HandleFunc("/api/paquetes/", handler.PackagesByDestination)
	mux.HandleFunc("/api/recharge", handler.Recharge)
	mux.HandleFunc("/api/balance", handler.Balance)
	mux.HandleFunc("/api/historial", handler.History)
	mux.HandleFunc("/api/orden/", handler.OrderByID)
	mux.HandleFunc("/admin/status", handler.AdminStatus)
	mux.HandleFunc("/admin/auth/", handler.AdminAuth)
	mux.HandleFunc("/admin/accounts", handler.AdminAccounts)
	mux.HandleFunc("/admin/accounts/", handler.AdminAccountByID)
	mux.HandleFunc("/admin/keys", handler.AdminKeys)
	mux.HandleFunc("/admin/keys/", handler.AdminKeyByID)
	mux.HandleFunc("/admin/historial", handler.AdminHistory)
	mux.HandleFunc("/admin/otp", handler.AdminOTP)
	mux.HandleFunc("/admin/otp/", handler.AdminOTP)

	corsPolicy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors: %w", err)
	}

	rl := newRateLimiter(cfg.RateLimit)
	handlerChain := http.Handler(mux)
	handlerChain = authMiddleware(handler, cfg.WebhookToken, handlerChain)
	handlerChain = rateLimitMiddleware(rl, cfg.Logger, handlerChain)
	handlerChain = corsMiddleware(corsPolicy, cfg.Logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metricsMiddleware(recorder, handlerChain)
	handlerChain = auditMiddleware(cfg.AuditLogger, handlerChain)
	handlerChain = loggingMiddleware(cfg.Logger, handlerChain)
	handlerChain = requestIDMiddleware(cfg.Logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Login waits on a verification SMS for up to three minutes, so
		// responses must be allowed to outlive that window.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		auditLogger: cfg.AuditLogger,
		metrics:     recorder,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Handler exposes the middleware chain for httptest servers.
func (s *Server) Handler() http.Handler {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}

	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:            logger,
		DisableRemoteAddr: true,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", extractClientIP(r)}
		},
	})(next)
}

func metricsMiddleware(recorder *metrics.Recorder, next http.Handler) http.Handler {
	return metrics.HTTPMiddleware(recorder, next)
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/api/recharge" {
			subject := api.ExtractAPIKey(r)
			if subject == "" {
				subject = extractClientIP(r)
			}
			allowed, retryAfter, err := rl.AllowRecharge(subject)
			if err != nil {
				if logger != nil {
					logger.Error("rate limiter failure", "error", err)
				}
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many recharge attempts")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func auditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := newStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(sr, r)
		if !shouldAudit(r) {
			return
		}
		duration := time.Since(start)
		fields := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.status,
			"duration_ms", duration.Milliseconds(),
			"remote_ip", extractClientIP(r),
		}
		if key, ok := api.APIKeyFromContext(r.Context()); ok {
			fields = append(fields, "api_key", key.Truncated())
		}
		logger.Info("audit", fields...)
	})
}

// shouldAudit keeps the audit log focused on mutations of the key-gated and
// admin surfaces.
func shouldAudit(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return false
	}
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/"):
		return true
	case strings.HasPrefix(r.URL.Path, "/admin/"):
		return true
	default:
		return false
	}
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// authMiddleware gates /api/ behind a spending key and /admin/ behind the
// admin credentials. Health, metrics, and the SMS webhook stay open, the
// webhook optionally guarded by a shared token.
func authMiddleware(handler *api.Handler, webhookToken string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case strings.HasPrefix(path, "/webhook/"):
			if webhookToken != "" && r.Header.Get("X-Webhook-Token") != webhookToken {
				writeMiddlewareError(w, http.StatusUnauthorized, "webhook token rejected")
				return
			}
			next.ServeHTTP(w, r)
		case strings.HasPrefix(path, "/api/"):
			key, err := handler.AuthenticateKey(r)
			if err != nil {
				if errors.Is(err, api.ErrKeyMissing) {
					api.WriteError(w, http.StatusUnauthorized, err)
					return
				}
				api.WriteError(w, http.StatusForbidden, err)
				return
			}
			ctx := api.ContextWithAPIKey(r.Context(), key)
			next.ServeHTTP(w, r.WithContext(ctx))
		case strings.HasPrefix(path, "/admin/"):
			if err := handler.AuthenticateAdmin(r); err != nil {
				api.WriteError(w, http.StatusUnauthorized, err)
				return
			}
			next.ServeHTTP(w, r)
		default:
			next.ServeHTTP(w, r)
		}
	})
}
