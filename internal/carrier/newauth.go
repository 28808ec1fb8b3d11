package carrier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/xZoluGames/RechargeSystem/internal/models"
	"github.com/xZoluGames/RechargeSystem/internal/otp"
)

// OTPSource delivers verification codes that arrive out of band. The mailbox
// in internal/otp satisfies this.
type OTPSource interface {
	AwaitMatching(ctx context.Context, accountID string, match otp.Predicate, timeout time.Duration) (models.OtpEvent, error)
}

const (
	// DefaultOTPWait bounds how long a login blocks waiting for the SMS.
	DefaultOTPWait = 180 * time.Second
	// DefaultExpiryMargin is subtracted from the carrier's expires_in so
	// tokens are renewed before the carrier hard-rejects them.
	DefaultExpiryMargin = 300 * time.Second

	defaultExpiresInSeconds = 6000
)

type clientOptions struct {
	httpClient   *http.Client
	logger       *slog.Logger
	otpWait      time.Duration
	expiryMargin time.Duration
	now          func() time.Time
}

// Option customises auth client construction.
type Option func(*clientOptions)

// WithHTTPClient overrides the HTTP client used for carrier requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *clientOptions) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOTPWait overrides the SMS wait window.
func WithOTPWait(wait time.Duration) Option {
	return func(o *clientOptions) {
		if wait > 0 {
			o.otpWait = wait
		}
	}
}

// WithExpiryMargin overrides the safety margin applied to token lifetimes.
func WithExpiryMargin(margin time.Duration) Option {
	return func(o *clientOptions) {
		if margin >= 0 {
			o.expiryMargin = margin
		}
	}
}

// WithNow overrides the time source, used by tests.
func WithNow(now func() time.Time) Option {
	return func(o *clientOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func resolveOptions(opts []Option) clientOptions {
	resolved := clientOptions{
		logger:       slog.Default(),
		otpWait:      DefaultOTPWait,
		expiryMargin: DefaultExpiryMargin,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&resolved)
	}
	return resolved
}

// AuthResult is the outcome of a completed login conversation.
type AuthResult struct {
	Tokens models.TokenSet
	// Fingerprint is the device fingerprint the carrier now associates with
	// the account. Persist it so future logins skip the OTP round.
	Fingerprint string
	// FingerprintValidated reports whether this login ran the OTP round.
	FingerprintValidated bool
	AccountName          string
}

// AuthClient drives the fingerprint-based login conversation: announce the
// device, validate it with an SMS code when the carrier asks for one, then
// exchange the session for tokens.
type AuthClient struct {
	http   httpClient
	source OTPSource
	opts   clientOptions
	logger *slog.Logger
}

// NewAuthClient constructs a client for the fingerprint login conversation.
func NewAuthClient(endpoints Endpoints, source OTPSource, opts ...Option) *AuthClient {
	resolved := resolveOptions(opts)
	return &AuthClient{
		http:   newHTTPClient(resolved.httpClient, endpoints),
		source: source,
		opts:   resolved,
		logger: resolved.logger.With("protocol", "fingerprint"),
	}
}

type accessTaskRequest struct {
	Username    string `json:"username"`
	Fingerprint string `json:"fingerprint"`
	Model       string `json:"model"`
}

type accessTaskResponse struct {
	UUID string `json:"uuid"`
	// OTP is a pointer because the carrier omits the field when validation
	// is required; absence means the OTP round must run.
	OTP *bool `json:"otp"`
}

type otpGenerateRequest struct {
	UUID string `json:"uuid"`
	Code string `json:"code"`
}

type otpValidateRequest struct {
	UUID string `json:"uuid"`
	OTP  string `json:"otp"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type validateResponse struct {
	Next        string       `json:"next"`
	AccountInfo *accountInfo `json:"account_info"`
}

type accountInfo struct {
	Name struct {
		FullName string `json:"fullName"`
	} `json:"name"`
}

type loginRequest struct {
	UUID     string `json:"uuid"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenAWS     string       `json:"token_aws"`
	ExpiresIn    int64        `json:"expires_in"`
	AccountInfo  *accountInfo `json:"account_info"`
}

// Login runs the full conversation for one account. A non-empty fingerprint
// is reused; an empty one is generated and must be validated over SMS. On
// ErrFingerprintRejected the caller should discard the stored fingerprint and
// retry with an empty one.
func (c *AuthClient) Login(ctx context.Context, account models.Account, fingerprint string) (AuthResult, error) {
	logger := c.logger.With("account", account.ID)
	fresh := fingerprint == ""
	if fresh {
		fingerprint = NewFingerprint()
		logger.Info("generated device fingerprint")
	}

	sessionID, needsOTP, err := c.announceDevice(ctx, account, fingerprint)
	if err != nil {
		return AuthResult{}, err
	}
	logger.Info("device announced", "needs_otp", needsOTP)

	validated := false
	if needsOTP {
		if err := c.requestCode(ctx, sessionID); err != nil {
			return AuthResult{}, err
		}
		logger.Info("verification code requested, waiting for sms")
		event, err := c.source.AwaitMatching(ctx, account.ID, otp.BySlot(account.SIMSlot), c.opts.otpWait)
		if err != nil {
			if errors.Is(err, otp.ErrTimeout) {
				return AuthResult{}, fmt.Errorf("%w: no sms after %s", ErrOTPTimeout, c.opts.otpWait)
			}
			return AuthResult{}, fmt.Errorf("await verification code: %w", err)
		}
		logger.Info("verification code received")
		if err := c.validateCode(ctx, sessionID, event.Code); err != nil {
			return AuthResult{}, err
		}
		validated = true
	}

	name, err := c.validateSession(ctx, sessionID)
	if err != nil {
		return AuthResult{}, err
	}

	result, err := c.exchange(ctx, sessionID, account.Password)
	if err != nil {
		return AuthResult{}, err
	}
	result.Fingerprint = fingerprint
	result.FingerprintValidated = validated || !fresh
	if result.AccountName == "" {
		result.AccountName = name
	}
	logger.Info("login complete", "expires_at", result.Tokens.ExpiresAt)
	return result, nil
}

func (c *AuthClient) announceDevice(ctx context.Context, account models.Account, fingerprint string) (string, bool, error) {
	payload := accessTaskRequest{Username: account.Phone, Fingerprint: fingerprint, Model: account.Model}
	var response accessTaskResponse
	err := c.http.doJSON(ctx, "access task", http.MethodPost,
		c.http.endpoints.AuthBaseURL+"/access/task",
		c.http.appHeaders(c.http.endpoints.AuthAPIKey), payload, &response)
	if err != nil {
		return "", false, err
	}
	if response.UUID == "" {
		return "", false, fmt.Errorf("access task: response carried no session id")
	}
	needsOTP := true
	if response.OTP != nil {
		needsOTP = *response.OTP
	}
	return response.UUID, needsOTP, nil
}

func (c *AuthClient) requestCode(ctx context.Context, sessionID string) error {
	payload := otpGenerateRequest{UUID: sessionID, Code: c.http.endpoints.DeviceCode}
	var response messageResponse
	err := c.http.doJSON(ctx, "request otp", http.MethodPost,
		c.http.endpoints.AuthBaseURL+"/otp",
		c.http.appHeaders(c.http.endpoints.AuthAPIKey), payload, &response)
	if err != nil {
		return err
	}
	if response.Message != "OTP Generated" {
		c.logger.Warn("unexpected otp request response", "message", response.Message)
	}
	return nil
}

func (c *AuthClient) validateCode(ctx context.Context, sessionID, code string) error {
	payload := otpValidateRequest{UUID: sessionID, OTP: code}
	var response messageResponse
	err := c.http.doJSON(ctx, "validate otp", http.MethodPut,
		c.http.endpoints.AuthBaseURL+"/otp",
		c.http.appHeaders(c.http.endpoints.AuthAPIKey), payload, &response)
	if err != nil {
		var status *StatusError
		if errors.As(err, &status) && status.StatusCode >= 400 && status.StatusCode < 500 {
			return fmt.Errorf("%w: status %d", ErrInvalidOTP, status.StatusCode)
		}
		return err
	}
	if response.Message != "OTP Validated" {
		return fmt.Errorf("%w: %s", ErrInvalidOTP, response.Message)
	}
	return nil
}

func (c *AuthClient) validateSession(ctx context.Context, sessionID string) (string, error) {
	var response validateResponse
	err := c.http.doJSON(ctx, "validate session", http.MethodGet,
		c.http.endpoints.AuthBaseURL+"/auth/validate/"+sessionID,
		c.http.appHeaders(c.http.endpoints.AuthAPIKey), nil, &response)
	if err != nil {
		var status *StatusError
		if errors.As(err, &status) && status.StatusCode == http.StatusNotAcceptable {
			return "", ErrFingerprintRejected
		}
		return "", err
	}
	if response.Next != "LOGIN" {
		return "", fmt.Errorf("validate session: unexpected next step %q", response.Next)
	}
	if response.AccountInfo != nil {
		return response.AccountInfo.Name.FullName, nil
	}
	return "", nil
}

func (c *AuthClient) exchange(ctx context.Context, sessionID, password string) (AuthResult, error) {
	payload := loginRequest{UUID: sessionID, Password: password}
	var response loginResponse
	err := c.http.doJSON(ctx, "login", http.MethodPost,
		c.http.endpoints.AuthBaseURL+"/auth/login",
		c.http.appHeaders(c.http.endpoints.AuthAPIKey), payload, &response)
	if err != nil {
		return AuthResult{}, err
	}
	// Wallet calls authenticate with token_aws only. A login that yields just
	// the short-lived access token is unusable, so reject it here.
	if response.TokenAWS == "" {
		return AuthResult{}, fmt.Errorf("login: response carried no wallet token")
	}
	expiresIn := response.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresInSeconds
	}
	now := c.opts.now()
	result := AuthResult{
		Tokens: models.TokenSet{
			AccessToken:  response.AccessToken,
			RefreshToken: response.RefreshToken,
			LongToken:    response.TokenAWS,
			ObtainedAt:   now,
			ExpiresAt:    now.Add(time.Duration(expiresIn)*time.Second - c.opts.expiryMargin),
		},
	}
	if response.AccountInfo != nil {
		result.AccountName = response.AccountInfo.Name.FullName
	}
	return result, nil
}
