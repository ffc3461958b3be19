package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/util"
)

// Gateway is the outbound OTP provider surface the session manager
// depends on. The provider generates and checks the codes; this service
// never sees them.
type Gateway interface {
	RequestCode(ctx context.Context, canonicalPhone string) (*SendResult, error)
	VerifyCode(ctx context.Context, providerOTPID, code string) (*VerifyResult, error)
	ResendCode(ctx context.Context, providerOTPID string) (*SendResult, error)
}

// SendResult identifies a provider-side OTP delivery.
type SendResult struct {
	OTPID   string `json:"otp_id"`
	RefCode string `json:"ref_code"`
}

// VerifyResult reports the provider's verdict on a submitted code.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// ProviderError is returned for any provider-side failure. Transport
// and 5xx failures are retryable; a definitive rejection is not.
type ProviderError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("otp provider error (status %d): %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether err is a provider failure worth retrying.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable
}

// Client talks to the OTP provider's HTTP API. Authentication uses a
// short-lived access token obtained from the key pair; the token is
// cached until its declared expiry and refreshed under a mutex so only
// one login is in flight at a time.
type Client struct {
	cfg        config.GatewayConfig
	httpClient *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewClient(cfg config.GatewayConfig) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// CanonicalizePhone normalizes a dialable phone number to provider
// format: digits only, with the default country code replacing a
// leading zero. "0812345678" with country "66" becomes "66812345678";
// an already international "+66812345678" is unchanged apart from the
// plus sign.
func CanonicalizePhone(phone, defaultCountry string) (string, error) {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}

	s := digits.String()
	if len(s) < 8 {
		return "", fmt.Errorf("phone number too short: %q", phone)
	}

	if strings.HasPrefix(s, "0") {
		s = defaultCountry + s[1:]
	}
	if len(s) > 15 {
		return "", fmt.Errorf("phone number too long: %q", phone)
	}
	return s, nil
}

type loginRequest struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// token returns a valid access token, logging in only when the cached
// one is missing or expired. A 30-second skew keeps us from sending a
// token that dies in flight.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Add(30*time.Second).Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	body, _ := json.Marshal(loginRequest{APIKey: c.cfg.APIKey, SecretKey: c.cfg.SecretKey})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ProviderError{Message: "login transport failure: " + err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", providerHTTPError(resp)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", &ProviderError{StatusCode: resp.StatusCode, Message: "malformed login response", Retryable: true}
	}
	if lr.AccessToken == "" {
		return "", &ProviderError{StatusCode: resp.StatusCode, Message: "login response missing token"}
	}

	c.accessToken = lr.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(lr.ExpiresIn) * time.Second)

	util.Debug("Provider access token refreshed",
		zap.Time("expires_at", c.tokenExpiry))

	return c.accessToken, nil
}

// invalidateToken drops the cached token after a 401 so the next call
// logs in again.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}

func (c *Client) RequestCode(ctx context.Context, canonicalPhone string) (*SendResult, error) {
	var out SendResult
	err := c.post(ctx, "/otp/send", map[string]string{"phone": canonicalPhone}, &out)
	if err != nil {
		return nil, err
	}
	if out.OTPID == "" {
		return nil, &ProviderError{Message: "send response missing otp_id", Retryable: true}
	}
	return &out, nil
}

func (c *Client) VerifyCode(ctx context.Context, providerOTPID, code string) (*VerifyResult, error) {
	var out VerifyResult
	err := c.post(ctx, "/otp/verify", map[string]string{"otp_id": providerOTPID, "code": code}, &out)
	if err != nil {
		var pe *ProviderError
		// The provider answers a wrong code with 400; that is a verdict,
		// not a failure.
		if errors.As(err, &pe) && pe.StatusCode == http.StatusBadRequest {
			return &VerifyResult{Valid: false, Reason: pe.Message}, nil
		}
		return nil, err
	}
	return &out, nil
}

func (c *Client) ResendCode(ctx context.Context, providerOTPID string) (*SendResult, error) {
	var out SendResult
	err := c.post(ctx, "/otp/resend", map[string]string{"otp_id": providerOTPID}, &out)
	if err != nil {
		return nil, err
	}
	if out.OTPID == "" {
		return nil, &ProviderError{Message: "resend response missing otp_id", Retryable: true}
	}
	return &out, nil
}

// post issues one authenticated call, retrying exactly once on a 401
// after discarding the cached token.
func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.token(ctx)
		if err != nil {
			return err
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &ProviderError{Message: "transport failure: " + err.Error(), Retryable: true}
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.invalidateToken()
			continue
		}

		if resp.StatusCode != http.StatusOK {
			err := providerHTTPError(resp)
			resp.Body.Close()
			return err
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return &ProviderError{StatusCode: http.StatusOK, Message: "malformed response body", Retryable: true}
		}
		return nil
	}

	return &ProviderError{StatusCode: http.StatusUnauthorized, Message: "authentication rejected after token refresh"}
}

func providerHTTPError(resp *http.Response) error {
	msg := struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}{}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &msg)

	text := msg.Message
	if text == "" {
		text = msg.Error
	}
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}

	return &ProviderError{
		StatusCode: resp.StatusCode,
		Message:    text,
		Retryable:  resp.StatusCode >= 500,
	}
}
