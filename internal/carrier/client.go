package carrier

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBodyBytes = 512

// httpClient is the shared request plumbing for all carrier conversations.
// Every request carries the mobile app headers the carrier expects, plus the
// per-host API key supplied by the caller.
type httpClient struct {
	client    *http.Client
	endpoints Endpoints
}

func newHTTPClient(client *http.Client, endpoints Endpoints) httpClient {
	if client == nil {
		client = defaultHTTPClient()
	}
	return httpClient{client: client, endpoints: endpoints.withDefaults()}
}

func (c httpClient) appHeaders(apiKey string) http.Header {
	headers := http.Header{}
	headers.Set("User-Agent", c.endpoints.UserAgent)
	headers.Set("Accept", "*/*")
	headers.Set("Content-Type", "application/json")
	headers.Set("x-namespace-app", c.endpoints.AppNamespace)
	headers.Set("x-build-app", c.endpoints.AppBuild)
	headers.Set("x-version-app", c.endpoints.AppVersion)
	if apiKey != "" {
		headers.Set("x-api-key", apiKey)
	}
	return headers
}

// doJSON executes one request and decodes a 2xx JSON response into dest when
// dest is non-nil. Non-2xx responses become *StatusError with a truncated
// body so the caller can map carrier status codes to the error taxonomy.
func (c httpClient) doJSON(ctx context.Context, op, method, url string, headers http.Header, payload, dest interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Set(key, value)
		}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if dest == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// NewFingerprint returns a fresh 16 character hex device fingerprint.
func NewFingerprint() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("carrier: read random fingerprint: %v", err))
	}
	return hex.EncodeToString(buf)
}
