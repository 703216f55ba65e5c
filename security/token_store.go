package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"google.golang.org/api/calendar/v3"

	"statuslanes/status"
)

// ErrTokenNotFound is returned when an account has no stored token for a provider.
var ErrTokenNotFound = errors.New("oauth token not found")

// refreshSkew is how close to expiry a token may get before it is refreshed.
const refreshSkew = 5 * time.Minute

var (
	// GoogleScopes is read-only calendar access.
	GoogleScopes = []string{
		calendar.CalendarReadonlyScope,
	}

	// OutlookScopes is read-only Graph calendar access plus a refresh token.
	OutlookScopes = []string{
		"https://graph.microsoft.com/Calendars.Read",
		"offline_access",
	}
)

// TokenInfo represents stored OAuth token information
type TokenInfo struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	TokenType    string          `json:"token_type"`
	Expiry       time.Time       `json:"expiry"`
	Provider     status.Provider `json:"provider"`
	AccountID    string          `json:"account_id"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ClientCredentials are the OAuth client settings for one provider.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

func (c ClientCredentials) complete() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.ClientSecret) != ""
}

// TokenStore keeps provider tokens in Redis under oauth_token:{account}:{provider}.
type TokenStore struct {
	redisClient  *redis.Client
	oauthConfigs map[status.Provider]*oauth2.Config
	now          func() time.Time
}

// NewTokenStore creates a new token store
func NewTokenStore(redisClient *redis.Client) *TokenStore {
	return &TokenStore{
		redisClient:  redisClient,
		oauthConfigs: make(map[status.Provider]*oauth2.Config),
		now:          time.Now,
	}
}

// ConfigureGoogle registers the Google OAuth client. Incomplete
// credentials leave Google unconfigured.
func (ts *TokenStore) ConfigureGoogle(creds ClientCredentials) {
	if !creds.complete() {
		log.Printf("Credentials: Google OAuth client missing; Google calendars disabled")
		return
	}
	ts.ConfigureProvider(status.ProviderGoogle, &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  creds.RedirectURL,
		Scopes:       GoogleScopes,
		Endpoint:     google.Endpoint,
	})
}

// ConfigureOutlook registers the Microsoft identity platform client for a
// tenant. An empty tenant means "common".
func (ts *TokenStore) ConfigureOutlook(creds ClientCredentials, tenant string) {
	if !creds.complete() {
		log.Printf("Credentials: Outlook OAuth client missing; Outlook calendars disabled")
		return
	}
	if strings.TrimSpace(tenant) == "" {
		tenant = "common"
	}
	ts.ConfigureProvider(status.ProviderOutlook, &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  creds.RedirectURL,
		Scopes:       OutlookScopes,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
	})
}

// ConfigureProvider installs an OAuth config for provider as is.
func (ts *TokenStore) ConfigureProvider(provider status.Provider, config *oauth2.Config) {
	ts.oauthConfigs[provider] = config
	log.Printf("Credentials: configured provider=%s scopes=%d", provider, len(config.Scopes))
}

// Configured reports whether provider has an OAuth client.
func (ts *TokenStore) Configured(provider status.Provider) bool {
	_, ok := ts.oauthConfigs[provider]
	return ok
}

func (ts *TokenStore) config(provider status.Provider) (*oauth2.Config, error) {
	config, exists := ts.oauthConfigs[provider]
	if !exists {
		return nil, fmt.Errorf("OAuth config not found for provider: %s", provider)
	}
	return config, nil
}

func tokenKey(accountID string, provider status.Provider) string {
	return fmt.Sprintf("oauth_token:%s:%s", accountID, provider)
}

// StoreToken stores OAuth token information
func (ts *TokenStore) StoreToken(ctx context.Context, provider status.Provider, accountID string, token *oauth2.Token) error {
	if token == nil {
		return fmt.Errorf("token cannot be nil")
	}

	now := ts.now()
	createdAt := now
	refreshToken := token.RefreshToken
	if existing, err := ts.loadInfo(ctx, provider, accountID); err == nil {
		if !existing.CreatedAt.IsZero() {
			createdAt = existing.CreatedAt
		}
		// Refresh responses may omit the refresh token.
		if refreshToken == "" {
			refreshToken = existing.RefreshToken
		}
	}

	tokenData, err := json.Marshal(&TokenInfo{
		AccessToken:  token.AccessToken,
		RefreshToken: refreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
		Provider:     provider,
		AccountID:    accountID,
		CreatedAt:    createdAt,
		UpdatedAt:    now,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal token info: %w", err)
	}

	// 30 day expiry, extended on every refresh.
	if err := ts.redisClient.Set(ctx, tokenKey(accountID, provider), tokenData, 30*24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to store token in Redis: %w", err)
	}
	log.Printf("Credentials: stored token account=%s provider=%s", accountID, provider)
	return nil
}

func (ts *TokenStore) loadInfo(ctx context.Context, provider status.Provider, accountID string) (*TokenInfo, error) {
	tokenData, err := ts.redisClient.Get(ctx, tokenKey(accountID, provider)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: account %s, provider %s", ErrTokenNotFound, accountID, provider)
	} else if err != nil {
		return nil, fmt.Errorf("failed to retrieve token: %w", err)
	}

	var info TokenInfo
	if err := json.Unmarshal([]byte(tokenData), &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token info: %w", err)
	}
	return &info, nil
}

// GetToken retrieves the stored token for an account and provider.
func (ts *TokenStore) GetToken(ctx context.Context, provider status.Provider, accountID string) (*oauth2.Token, error) {
	info, err := ts.loadInfo(ctx, provider, accountID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  info.AccessToken,
		RefreshToken: info.RefreshToken,
		TokenType:    info.TokenType,
		Expiry:       info.Expiry,
	}, nil
}

// RefreshToken exchanges the stored refresh token for a new access token.
func (ts *TokenStore) RefreshToken(ctx context.Context, provider status.Provider, accountID string) (*oauth2.Token, error) {
	config, err := ts.config(provider)
	if err != nil {
		return nil, err
	}

	currentToken, err := ts.GetToken(ctx, provider, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get current token: %w", err)
	}
	if currentToken.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token available for account %s, provider %s", accountID, provider)
	}

	// Force the TokenSource to actually refresh.
	currentToken.Expiry = ts.now().Add(-time.Minute)

	newToken, err := config.TokenSource(ctx, currentToken).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	if err := ts.StoreToken(ctx, provider, accountID, newToken); err != nil {
		return nil, fmt.Errorf("failed to store refreshed token: %w", err)
	}

	log.Printf("Credentials: refreshed token account=%s provider=%s", accountID, provider)
	return newToken, nil
}

// GetValidToken returns a valid token, refreshing if necessary
func (ts *TokenStore) GetValidToken(ctx context.Context, provider status.Provider, accountID string) (*oauth2.Token, error) {
	token, err := ts.GetToken(ctx, provider, accountID)
	if err != nil {
		return nil, err
	}
	if token.Expiry.IsZero() || token.Expiry.After(ts.now().Add(refreshSkew)) {
		return token, nil
	}
	log.Printf("Credentials: token expiring account=%s provider=%s, refreshing", accountID, provider)
	return ts.RefreshToken(ctx, provider, accountID)
}

// DeleteToken removes the stored token for an account and provider.
func (ts *TokenStore) DeleteToken(ctx context.Context, provider status.Provider, accountID string) error {
	if err := ts.redisClient.Del(ctx, tokenKey(accountID, provider)).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	log.Printf("Credentials: deleted token account=%s provider=%s", accountID, provider)
	return nil
}

// ListAccountProviders returns the providers an account holds tokens for.
func (ts *TokenStore) ListAccountProviders(ctx context.Context, accountID string) ([]status.Provider, error) {
	prefix := fmt.Sprintf("oauth_token:%s:", accountID)
	var providers []status.Provider
	iter := ts.redisClient.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		providers = append(providers, status.Provider(strings.TrimPrefix(iter.Val(), prefix)))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list account tokens: %w", err)
	}
	return providers, nil
}
