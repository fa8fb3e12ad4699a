package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	googleOAuth "golang.org/x/oauth2/google"

	"github.com/sumire/signin/internal/domain"
)

// CodeExchangeConfig holds the web client's OAuth settings.
type CodeExchangeConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Endpoint defaults to Google's.
	Endpoint oauth2.Endpoint
}

// CodeExchanger runs the authorization-code leg for web clients and hands back
// the raw ID token. The token is not trusted until IdentityVerifier checks it.
type CodeExchanger struct {
	oauth *oauth2.Config
}

// NewCodeExchanger creates a new CodeExchanger.
func NewCodeExchanger(cfg CodeExchangeConfig) (*CodeExchanger, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RedirectURL == "" {
		return nil, fmt.Errorf("%w: code exchange needs client id, secret and redirect url", domain.ErrConfiguration)
	}
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = googleOAuth.Endpoint
	}

	return &CodeExchanger{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{"openid", "profile", "email"},
			RedirectURL:  cfg.RedirectURL,
		},
	}, nil
}

// AuthCodeURL returns the provider's consent page URL.
func (e *CodeExchanger) AuthCodeURL(state string) string {
	return e.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades an authorization code for the raw ID token.
// A rejected code is reported as domain.ErrUnauthorized; transport failures are not.
func (e *CodeExchanger) Exchange(ctx context.Context, code string) (string, error) {
	token, err := e.oauth.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return "", fmt.Errorf("%w: code exchange rejected: %v", domain.ErrUnauthorized, err)
		}
		return "", fmt.Errorf("code exchange: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return "", fmt.Errorf("%w: token response has no id_token", domain.ErrUnauthorized)
	}
	return rawIDToken, nil
}
