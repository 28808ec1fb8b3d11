package carrier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/xZoluGames/RechargeSystem/internal/models"
	"github.com/xZoluGames/RechargeSystem/internal/otp"
)

// LegacyAuthClient drives the device-login fallback conversation against the
// identity and wallet hosts. It is used when the fingerprint conversation
// keeps failing for an account.
type LegacyAuthClient struct {
	http   httpClient
	source OTPSource
	opts   clientOptions
	logger *slog.Logger
}

// NewLegacyAuthClient constructs a client for the fallback conversation.
func NewLegacyAuthClient(endpoints Endpoints, source OTPSource, opts ...Option) *LegacyAuthClient {
	resolved := resolveOptions(opts)
	return &LegacyAuthClient{
		http:   newHTTPClient(resolved.httpClient, endpoints),
		source: source,
		opts:   resolved,
		logger: resolved.logger.With("protocol", "legacy"),
	}
}

type legacyValidationResponse struct {
	UUID string `json:"uuid"`
}

type legacyOTPRequest struct {
	Phone      string `json:"phone"`
	UserName   string `json:"userName"`
	Chanel     string `json:"chanel"`
	DeviceCode string `json:"deviceCode"`
	OTPType    string `json:"otpType"`
	OTPLength  string `json:"otp_length"`
}

type legacyOTPValidation struct {
	ValidCode bool `json:"validCode"`
}

type legacyLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	UUID     string `json:"uuid"`
	IMEI     string `json:"imei"`
	Model    string `json:"model"`
}

type legacyLoginResponse struct {
	TokenAWS    string `json:"token_aws"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Login runs the fallback conversation: validate the account, request a code
// over SMS, confirm it, then log in with a device identity. Every run needs
// an OTP round; there is no fingerprint shortcut.
func (c *LegacyAuthClient) Login(ctx context.Context, account models.Account) (AuthResult, error) {
	logger := c.logger.With("account", account.ID)

	sessionID, err := c.validateAccount(ctx, account)
	if err != nil {
		return AuthResult{}, err
	}
	logger.Info("account validated")

	if err := c.requestCode(ctx, account); err != nil {
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

	if err := c.confirmCode(ctx, account, event.Code); err != nil {
		return AuthResult{}, err
	}

	result, err := c.deviceLogin(ctx, account, sessionID)
	if err != nil {
		return AuthResult{}, err
	}
	logger.Info("login complete", "expires_at", result.Tokens.ExpiresAt)
	return result, nil
}

func (c *LegacyAuthClient) validateAccount(ctx context.Context, account models.Account) (string, error) {
	var response legacyValidationResponse
	err := c.http.doJSON(ctx, "validate account", http.MethodGet,
		c.http.endpoints.IdentityBaseURL+"/auth/validation/"+account.Phone,
		c.http.appHeaders(c.http.endpoints.IdentityAPIKey), nil, &response)
	if err != nil {
		return "", err
	}
	if response.UUID == "" {
		return "", fmt.Errorf("validate account: response carried no session id")
	}
	return response.UUID, nil
}

func (c *LegacyAuthClient) requestCode(ctx context.Context, account models.Account) error {
	payload := legacyOTPRequest{
		Phone:      "+" + account.Phone,
		UserName:   "Test2",
		Chanel:     "phone",
		DeviceCode: c.http.endpoints.DeviceCode,
		OTPType:    "registro",
		OTPLength:  "6",
	}
	return c.http.doJSON(ctx, "request otp", http.MethodPost,
		c.http.endpoints.WalletBaseURL+"/utilities/v1-0-0-0/utils/otp",
		c.http.appHeaders(c.http.endpoints.WalletAPIKey), payload, nil)
}

func (c *LegacyAuthClient) confirmCode(ctx context.Context, account models.Account, code string) error {
	query := url.Values{}
	query.Set("otp", code)
	query.Set("phone", account.Phone)
	query.Set("channel", "phone")
	var response legacyOTPValidation
	err := c.http.doJSON(ctx, "confirm otp", http.MethodGet,
		c.http.endpoints.WalletBaseURL+"/utilities/v1-0-0-0/utils/otp?"+query.Encode(),
		c.http.appHeaders(c.http.endpoints.WalletAPIKey), nil, &response)
	if err != nil {
		var status *StatusError
		if errors.As(err, &status) && status.StatusCode >= 400 && status.StatusCode < 500 {
			return fmt.Errorf("%w: status %d", ErrInvalidOTP, status.StatusCode)
		}
		return err
	}
	if !response.ValidCode {
		return ErrInvalidOTP
	}
	return nil
}

func (c *LegacyAuthClient) deviceLogin(ctx context.Context, account models.Account, sessionID string) (AuthResult, error) {
	model := account.Model
	if model == "" {
		model = "Iphone"
	}
	payload := legacyLoginRequest{
		Username: account.Phone,
		Password: account.Password,
		UUID:     sessionID,
		IMEI:     uuid.NewString(),
		Model:    model,
	}
	var response legacyLoginResponse
	err := c.http.doJSON(ctx, "device login", http.MethodPost,
		c.http.endpoints.IdentityBaseURL+"/auth/loginWithDevice",
		c.http.appHeaders(c.http.endpoints.IdentityAPIKey), payload, &response)
	if err != nil {
		return AuthResult{}, err
	}
	token := response.TokenAWS
	if token == "" {
		token = response.AccessToken
	}
	if token == "" {
		return AuthResult{}, fmt.Errorf("device login: response carried no token")
	}
	expiresIn := response.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresInSeconds
	}
	now := c.opts.now()
	return AuthResult{
		Tokens: models.TokenSet{
			AccessToken: response.AccessToken,
			LongToken:   token,
			ObtainedAt:  now,
			ExpiresAt:   now.Add(time.Duration(expiresIn)*time.Second - c.opts.expiryMargin),
		},
		FingerprintValidated: true,
	}, nil
}
