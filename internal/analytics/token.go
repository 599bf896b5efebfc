package analytics

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"magstats/internal/cache"
	"magstats/internal/provider"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

const (
	Scope           = "https://www.googleapis.com/auth/analytics.readonly"
	DefaultTokenURI = "https://oauth2.googleapis.com/token"

	grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionLifetime  = time.Hour
	tokenCacheKey      = "analytics:access_token"

	// tokens are refreshed once 90% of their declared lifetime has passed
	tokenRefreshFraction = 0.9
)

// ServiceAccount is the subset of a Google service-account key file the
// assertion flow needs.
type ServiceAccount struct {
	ClientEmail  string `json:"client_email"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	TokenURI     string `json:"token_uri"`
}

// LoadServiceAccount reads a key file. Every failure is a config error.
func LoadServiceAccount(path string) (ServiceAccount, error) {
	if path == "" {
		return ServiceAccount{}, provider.NewConfigError(ProviderName, errors.New("service account file path is empty"))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ServiceAccount{}, provider.NewConfigError(ProviderName, fmt.Errorf("read service account: %w", err))
	}

	var sa ServiceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return ServiceAccount{}, provider.NewConfigError(ProviderName, fmt.Errorf("parse service account: %w", err))
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return ServiceAccount{}, provider.NewConfigError(ProviderName, errors.New("service account is missing client_email or private_key"))
	}
	if sa.TokenURI == "" {
		sa.TokenURI = DefaultTokenURI
	}
	return sa, nil
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	TokenType        string `json:"token_type"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// TokenSource exchanges a signed JWT assertion for an access token and keeps
// it in the cache until shortly before it expires.
type TokenSource struct {
	account ServiceAccount
	key     *rsa.PrivateKey
	http    provider.Doer
	cache   cache.Store
	now     func() time.Time
}

func NewTokenSource(account ServiceAccount, httpClient provider.Doer, store cache.Store) (*TokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(account.PrivateKey))
	if err != nil {
		return nil, provider.NewConfigError(ProviderName, fmt.Errorf("parse private key: %w", err))
	}
	if httpClient == nil {
		httpClient = provider.NewLimitedClient(nil, 0, 0)
	}
	if store == nil {
		store = cache.NewMemory()
	}
	return &TokenSource{account: account, key: key, http: httpClient, cache: store, now: time.Now}, nil
}

func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok, err := s.cache.Get(ctx, tokenCacheKey); err == nil && ok {
		return tok, nil
	}

	assertion, err := s.assertion()
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", grantTypeJWTBearer)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.account.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		se := provider.NewStatusError(resp)
		// 400 invalid_grant / 401 invalid_client: the key or account is wrong
		if se.Code == http.StatusBadRequest || provider.IsAuthStatus(se.Code) {
			return "", provider.NewConfigError(ProviderName, fmt.Errorf("token exchange refused: %w", se))
		}
		return "", fmt.Errorf("token exchange: %w", se)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response without access_token: %s %s", tr.Error, tr.ErrorDescription)
	}

	ttl := time.Duration(float64(tr.ExpiresIn) * tokenRefreshFraction * float64(time.Second))
	if ttl > 0 {
		_ = s.cache.Set(ctx, tokenCacheKey, tr.AccessToken, ttl)
	}
	return tr.AccessToken, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (s *TokenSource) Invalidate(ctx context.Context) {
	_ = s.cache.Delete(ctx, tokenCacheKey)
}

func (s *TokenSource) assertion() (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss":   s.account.ClientEmail,
		"scope": Scope,
		"aud":   s.account.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.account.PrivateKeyID != "" {
		token.Header["kid"] = s.account.PrivateKeyID
	}

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", provider.NewConfigError(ProviderName, fmt.Errorf("sign assertion: %w", err))
	}
	return signed, nil
}
