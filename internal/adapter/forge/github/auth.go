package github

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"log/slog"

	"github.com/fairyhunter13/gitfix/internal/domain"
)

// TokenSource yields the bearer token for API calls. The same token
// authenticates clone and push URLs.
type TokenSource interface {
	Token(ctx domain.Context) (string, error)
}

// StaticTokenSource returns a fixed personal access token.
type StaticTokenSource string

// Token implements TokenSource.
func (s StaticTokenSource) Token(domain.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: no forge credentials configured", domain.ErrAuth)
	}
	return string(s), nil
}

// Installation tokens live one hour; re-mint this long before expiry so a
// token handed to a long push never dies mid-flight.
const tokenRefreshSkew = 5 * time.Minute

// AppTokenSource mints installation tokens from GitHub App credentials and
// caches them until shortly before expiry. Safe for concurrent use.
type AppTokenSource struct {
	appID          int64
	installationID int64
	key            *rsa.PrivateKey
	base           string
	hc             *http.Client
	now            func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewAppTokenSource loads the app's RSA private key from privateKeyPath.
func NewAppTokenSource(appID, installationID int64, privateKeyPath, baseURL string) (*AppTokenSource, error) {
	pemBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("op=forge.app_key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("op=forge.app_key: %w", err)
	}
	return newAppTokenSource(appID, installationID, key, baseURL, &http.Client{Timeout: 15 * time.Second}), nil
}

func newAppTokenSource(appID, installationID int64, key *rsa.PrivateKey, baseURL string, hc *http.Client) *AppTokenSource {
	return &AppTokenSource{
		appID:          appID,
		installationID: installationID,
		key:            key,
		base:           trimBase(baseURL),
		hc:             hc,
		now:            time.Now,
	}
}

// Token returns a cached installation token, minting a fresh one when the
// cached token is absent or within the refresh skew of expiry.
func (a *AppTokenSource) Token(ctx domain.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && a.now().Before(a.expires.Add(-tokenRefreshSkew)) {
		return a.token, nil
	}
	tok, exp, err := a.mint(ctx)
	if err != nil {
		return "", err
	}
	a.token, a.expires = tok, exp
	slog.Debug("minted installation token",
		slog.Int64("installation_id", a.installationID),
		slog.Time("expires_at", exp))
	return a.token, nil
}

func (a *AppTokenSource) mint(ctx domain.Context) (string, time.Time, error) {
	signed, err := a.appJWT()
	if err != nil {
		return "", time.Time{}, err
	}
	u := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.base, a.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("op=forge.app_token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	resp, err := a.hc.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("op=forge.app_token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("op=forge.app_token: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return "", time.Time{}, fmt.Errorf("op=forge.app_token status %d: %w", resp.StatusCode, domain.ErrAuth)
	}
	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", time.Time{}, fmt.Errorf("op=forge.app_token: decode: %w", err)
	}
	if out.Token == "" {
		return "", time.Time{}, fmt.Errorf("op=forge.app_token: empty token: %w", domain.ErrAuth)
	}
	return out.Token, out.ExpiresAt, nil
}

// appJWT signs the short-lived RS256 JWT that identifies the app itself.
// GitHub rejects tokens issued in the future, so iat is backdated a minute
// to absorb clock drift; exp stays under GitHub's ten minute ceiling.
func (a *AppTokenSource) appJWT() (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(a.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("op=forge.app_jwt: %w", err)
	}
	return signed, nil
}
