package services

import (
	"context"
	"errors"
	"time"

	"github.com/ytakahashi/firebase-todo-web/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const tokenExchangeTimeout = 30 * time.Second

// FederatedProvider is an OAuth identity provider whose ID tokens the
// identity service accepts.
type FederatedProvider interface {
	// ProviderID is the identity service's name for the provider, e.g. "google.com".
	ProviderID() string

	// RedirectURL is where the provider sends the browser back to.
	RedirectURL() string

	// AuthCodeURL returns the consent page URL for state, bound to the PKCE verifier.
	AuthCodeURL(state, verifier string) string

	// Exchange trades an authorization code for the provider's ID token.
	Exchange(ctx context.Context, code, verifier string) (string, error)
}

// GoogleProvider runs the Google OAuth 2.0 authorization code flow with PKCE.
type GoogleProvider struct {
	config *oauth2.Config
}

func NewGoogleProvider(clientID, clientSecret, redirectURL string) *GoogleProvider {
	return &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
	}
}

func (g *GoogleProvider) ProviderID() string  { return "google.com" }
func (g *GoogleProvider) RedirectURL() string { return g.config.RedirectURL }

func (g *GoogleProvider) AuthCodeURL(state, verifier string) string {
	return g.config.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", "select_account"),
	)
}

func (g *GoogleProvider) Exchange(ctx context.Context, code, verifier string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, tokenExchangeTimeout)
	defer cancel()

	token, err := g.config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return "", wrapAuthError("federated sign in", err)
	}

	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return "", &models.AuthError{Op: "federated sign in", Code: "MISSING_ID_TOKEN", Err: errors.New("provider returned no id_token")}
	}
	return idToken, nil
}
