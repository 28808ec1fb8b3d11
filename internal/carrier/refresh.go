package carrier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/xZoluGames/RechargeSystem/internal/models"
)

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a new token set without running the
// OTP round. A 4xx answer means the grant is dead and a full login is needed.
func (c *AuthClient) Refresh(ctx context.Context, refreshToken string) (models.TokenSet, error) {
	if refreshToken == "" {
		return models.TokenSet{}, fmt.Errorf("refresh: %w", ErrUnauthorized)
	}
	payload := refreshRequest{RefreshToken: refreshToken}
	var response loginResponse
	err := c.http.doJSON(ctx, "refresh", http.MethodPost,
		c.http.endpoints.AuthBaseURL+"/auth/refresh",
		c.http.appHeaders(c.http.endpoints.AuthAPIKey), payload, &response)
	if err != nil {
		var status *StatusError
		if errors.As(err, &status) && status.StatusCode >= 400 && status.StatusCode < 500 {
			return models.TokenSet{}, fmt.Errorf("refresh: %w", ErrUnauthorized)
		}
		return models.TokenSet{}, err
	}
	if response.TokenAWS == "" {
		return models.TokenSet{}, fmt.Errorf("refresh: response carried no wallet token")
	}
	expiresIn := response.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresInSeconds
	}
	now := c.opts.now()
	tokens := models.TokenSet{
		AccessToken:  response.AccessToken,
		RefreshToken: response.RefreshToken,
		LongToken:    response.TokenAWS,
		ObtainedAt:   now,
		ExpiresAt:    now.Add(time.Duration(expiresIn)*time.Second - c.opts.expiryMargin),
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}
