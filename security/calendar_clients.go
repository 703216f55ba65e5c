package security

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"statuslanes/status"
)

// CalendarClients hands out authenticated calendar clients backed by a
// TokenStore.
type CalendarClients struct {
	tokenStore *TokenStore
}

// NewCalendarClients creates a new calendar client factory.
func NewCalendarClients(tokenStore *TokenStore) *CalendarClients {
	return &CalendarClients{tokenStore: tokenStore}
}

func (c *CalendarClients) httpClient(ctx context.Context, provider status.Provider, accountID string) (*http.Client, error) {
	config, err := c.tokenStore.config(provider)
	if err != nil {
		return nil, err
	}
	token, err := c.tokenStore.GetValidToken(ctx, provider, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get valid %s token for account %s: %w", provider, accountID, err)
	}
	return oauth2.NewClient(ctx, config.TokenSource(ctx, token)), nil
}

// GetCalendarService returns an authenticated Calendar service for an account
func (c *CalendarClients) GetCalendarService(ctx context.Context, accountID string) (*calendar.Service, error) {
	client, err := c.httpClient(ctx, status.ProviderGoogle, accountID)
	if err != nil {
		return nil, err
	}
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	return service, nil
}

// OutlookHTTPClient returns an HTTP client that authorizes Graph requests for an account.
func (c *CalendarClients) OutlookHTTPClient(ctx context.Context, accountID string) (*http.Client, error) {
	return c.httpClient(ctx, status.ProviderOutlook, accountID)
}

// ProviderStatus reports "valid", "expired" or an error string per provider
// the account holds a token for.
func (c *CalendarClients) ProviderStatus(ctx context.Context, accountID string) map[status.Provider]string {
	out := make(map[status.Provider]string)
	providers, err := c.tokenStore.ListAccountProviders(ctx, accountID)
	if err != nil {
		log.Printf("Credentials: list providers account=%s: %v", accountID, err)
		return out
	}
	for _, provider := range providers {
		token, err := c.tokenStore.GetValidToken(ctx, provider, accountID)
		if err != nil {
			out[provider] = "error: " + err.Error()
			continue
		}
		if !token.Expiry.IsZero() && token.Expiry.Before(c.tokenStore.now().Add(refreshSkew)) {
			out[provider] = "expired"
		} else {
			out[provider] = "valid"
		}
	}
	return out
}
