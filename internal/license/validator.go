// Package license validates module license keys. Three modes are supported:
// format (syntactic check only), offline (HMAC-signed token verified against
// an embedded signing anchor) and online (validation call to the platform
// license server). Online validation fails closed: if the server cannot be
// reached after retries, the license is treated as not validated.
package license

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Validation modes.
const (
	ModeFormat  = "format"
	ModeOffline = "offline"
	ModeOnline  = "online"
)

var (
	// ErrInvalid is returned for malformed keys, bad signatures, or keys
	// rejected by the license server.
	ErrInvalid = errors.New("license key invalid")
	// ErrExpired is returned when the license's validity window has passed.
	ErrExpired = errors.New("license key expired")
	// ErrServerUnreachable is returned when online validation exhausted its
	// retries without reaching the license server.
	ErrServerUnreachable = errors.New("license server unreachable")
)

// keyPattern matches the platform license key shape: PLF- followed by four
// groups of five base32 characters.
var keyPattern = regexp.MustCompile(`^PLF-[A-Z2-7]{5}-[A-Z2-7]{5}-[A-Z2-7]{5}-[A-Z2-7]{5}$`)

// offlinePayload is the signed body of an offline license token.
type offlinePayload struct {
	LicenseKey string    `json:"license_key"`
	ModuleName string    `json:"module_name"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Config configures a Validator.
type Config struct {
	Mode       string
	ServerURL  string
	Timeout    time.Duration
	MaxRetries int
	// SigningAnchor is the shared HMAC key for offline tokens.
	SigningAnchor string
}

// Validator checks license keys according to its configured mode.
type Validator struct {
	cfg    Config
	client *http.Client
}

// NewValidator creates a validator. The HTTP client timeout bounds each
// individual online validation attempt.
func NewValidator(cfg Config) *Validator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Validator{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// CheckFormat verifies the syntactic shape of a license key without
// consulting any external authority. In offline mode keys are signed tokens
// rather than bare platform keys, so the check inspects the embedded payload.
func (v *Validator) CheckFormat(key string) error {
	if v.cfg.Mode == ModeOffline {
		payload, _, err := splitToken(key)
		if err != nil {
			return err
		}
		if !keyPattern.MatchString(payload.LicenseKey) {
			return fmt.Errorf("%w: malformed embedded key", ErrInvalid)
		}
		return nil
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: key does not match expected format", ErrInvalid)
	}
	return nil
}

// Validate checks a license key for the given module according to the
// configured mode.
func (v *Validator) Validate(ctx context.Context, moduleName, key string) error {
	switch v.cfg.Mode {
	case ModeFormat:
		return v.CheckFormat(key)
	case ModeOffline:
		return v.validateOffline(moduleName, key)
	case ModeOnline:
		if err := v.CheckFormat(key); err != nil {
			return err
		}
		return v.validateOnline(ctx, moduleName, key)
	default:
		return fmt.Errorf("unknown license validation mode: %s", v.cfg.Mode)
	}
}

func (v *Validator) validateOffline(moduleName, key string) error {
	payload, sig, err := splitToken(key)
	if err != nil {
		return err
	}

	mac := hmac.New(sha256.New, []byte(v.cfg.SigningAnchor))
	body := key[:strings.LastIndexByte(key, '.')]
	mac.Write([]byte(body))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalid)
	}

	if payload.ModuleName != moduleName {
		return fmt.Errorf("%w: license issued for module %q", ErrInvalid, payload.ModuleName)
	}
	if time.Now().After(payload.ExpiresAt) {
		return fmt.Errorf("%w: expired at %s", ErrExpired, payload.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func splitToken(token string) (*offlinePayload, []byte, error) {
	idx := strings.LastIndexByte(token, '.')
	if idx <= 0 || idx == len(token)-1 {
		return nil, nil, fmt.Errorf("%w: not a signed token", ErrInvalid)
	}

	payloadRaw, err := base64.RawURLEncoding.DecodeString(token[:idx])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: undecodable payload", ErrInvalid)
	}
	sig, err := base64.RawURLEncoding.DecodeString(token[idx+1:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: undecodable signature", ErrInvalid)
	}

	var payload offlinePayload
	if err := json.Unmarshal(payloadRaw, &payload); err != nil {
		return nil, nil, fmt.Errorf("%w: malformed payload", ErrInvalid)
	}
	return &payload, sig, nil
}

type validateRequest struct {
	ModuleName string `json:"module_name"`
	LicenseKey string `json:"license_key"`
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func (v *Validator) validateOnline(ctx context.Context, moduleName, key string) error {
	reqBody, err := json.Marshal(validateRequest{ModuleName: moduleName, LicenseKey: key})
	if err != nil {
		return fmt.Errorf("failed to encode validation request: %w", err)
	}

	var verdict validateResponse
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			v.cfg.ServerURL, bytes.NewReader(reqBody))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := v.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		// 5xx responses are retried like network failures; anything else is a
		// definitive answer from the server.
		if resp.StatusCode >= 500 {
			return fmt.Errorf("license server returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("%w: license server returned %d", ErrInvalid, resp.StatusCode))
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &verdict); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: undecodable license server response", ErrInvalid))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(v.cfg.MaxRetries)), ctx)

	if err := backoff.Retry(attempt, policy); err != nil {
		if errors.Is(err, ErrInvalid) || errors.Is(err, ErrExpired) {
			return err
		}
		slog.Warn("license server unreachable after retries", "module", moduleName, "error", err)
		return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}

	if !verdict.Valid {
		if strings.Contains(strings.ToLower(verdict.Reason), "expire") {
			return fmt.Errorf("%w: %s", ErrExpired, verdict.Reason)
		}
		return fmt.Errorf("%w: %s", ErrInvalid, verdict.Reason)
	}
	return nil
}
