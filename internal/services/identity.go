package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ytakahashi/firebase-todo-web/internal/models"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	identitytoolkit "google.golang.org/api/identitytoolkit/v3"
	"google.golang.org/api/option"
)

const (
	// IdentityTimeout bounds every call to the identity service.
	IdentityTimeout = 10 * time.Second

	secureTokenURL = "https://securetoken.googleapis.com/v1/token"
)

// IdentityService is the remote identity provider. It issues identities and
// session tokens; the application never stores credentials itself.
type IdentityService interface {
	SignIn(ctx context.Context, email, password string) (models.Identity, models.Token, error)
	SignUp(ctx context.Context, email, password string) (models.Identity, models.Token, error)

	// SignInWithIDP trades a federated provider's ID token for a session.
	SignInWithIDP(ctx context.Context, providerID, idToken, requestURI string) (models.Identity, models.Token, error)

	// Lookup returns the profile behind a valid ID token.
	Lookup(ctx context.Context, idToken string) (models.Identity, error)

	// Refresh exchanges a refresh token for a new session token.
	Refresh(ctx context.Context, refreshToken string) (models.Token, error)
}

// IdentityToolkit implements IdentityService with the Firebase Auth REST API.
type IdentityToolkit struct {
	svc   *identitytoolkit.Service
	token *oauth2.Config
	now   func() time.Time
}

// NewIdentityToolkit creates a client for the project owning apiKey. When
// emulatorHost is set (host:port), both the identity and the token endpoints
// point at the Firebase Auth emulator.
func NewIdentityToolkit(ctx context.Context, apiKey, emulatorHost string, opts ...option.ClientOption) (*IdentityToolkit, error) {
	tokenURL := secureTokenURL
	if emulatorHost != "" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("http://%s/www.googleapis.com/identitytoolkit/v3/relyingparty/", emulatorHost)))
		tokenURL = fmt.Sprintf("http://%s/securetoken.googleapis.com/v1/token", emulatorHost)
	}
	return newIdentityToolkit(ctx, apiKey, tokenURL, opts...)
}

func newIdentityToolkit(ctx context.Context, apiKey, tokenURL string, opts ...option.ClientOption) (*IdentityToolkit, error) {
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := identitytoolkit.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity toolkit service: %w", err)
	}

	return &IdentityToolkit{
		svc: svc,
		token: &oauth2.Config{
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL + "?key=" + url.QueryEscape(apiKey),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		now: time.Now,
	}, nil
}

func (t *IdentityToolkit) SignIn(ctx context.Context, email, password string) (models.Identity, models.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, IdentityTimeout)
	defer cancel()

	resp, err := t.svc.Relyingparty.VerifyPassword(&identitytoolkit.IdentitytoolkitRelyingpartyVerifyPasswordRequest{
		Email:             email,
		Password:          password,
		ReturnSecureToken: true,
	}).Context(ctx).Do()
	if err != nil {
		return models.Identity{}, models.Token{}, wrapAuthError("sign in", err)
	}

	identity := models.Identity{ID: resp.LocalId, DisplayName: resp.DisplayName, Email: resp.Email}
	return identity, t.newToken(resp.IdToken, resp.RefreshToken, resp.ExpiresIn), nil
}

func (t *IdentityToolkit) SignUp(ctx context.Context, email, password string) (models.Identity, models.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, IdentityTimeout)
	defer cancel()

	resp, err := t.svc.Relyingparty.SignupNewUser(&identitytoolkit.IdentitytoolkitRelyingpartySignupNewUserRequest{
		Email:    email,
		Password: password,
	}).Context(ctx).Do()
	if err != nil {
		return models.Identity{}, models.Token{}, wrapAuthError("sign up", err)
	}

	identity := models.Identity{ID: resp.LocalId, DisplayName: resp.DisplayName, Email: resp.Email}
	return identity, t.newToken(resp.IdToken, resp.RefreshToken, resp.ExpiresIn), nil
}

func (t *IdentityToolkit) SignInWithIDP(ctx context.Context, providerID, idToken, requestURI string) (models.Identity, models.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, IdentityTimeout)
	defer cancel()

	postBody := url.Values{}
	postBody.Set("id_token", idToken)
	postBody.Set("providerId", providerID)

	resp, err := t.svc.Relyingparty.VerifyAssertion(&identitytoolkit.IdentitytoolkitRelyingpartyVerifyAssertionRequest{
		PostBody:          postBody.Encode(),
		RequestUri:        requestURI,
		ReturnSecureToken: true,
	}).Context(ctx).Do()
	if err != nil {
		return models.Identity{}, models.Token{}, wrapAuthError("federated sign in", err)
	}
	if resp.ErrorMessage != "" {
		return models.Identity{}, models.Token{}, &models.AuthError{
			Op:   "federated sign in",
			Code: resp.ErrorMessage,
			Err:  errors.New("identity provider rejected the assertion"),
		}
	}

	name := resp.DisplayName
	if name == "" {
		name = resp.FullName
	}
	identity := models.Identity{ID: resp.LocalId, DisplayName: name, Email: resp.Email}
	return identity, t.newToken(resp.IdToken, resp.RefreshToken, resp.ExpiresIn), nil
}

func (t *IdentityToolkit) Lookup(ctx context.Context, idToken string) (models.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, IdentityTimeout)
	defer cancel()

	resp, err := t.svc.Relyingparty.GetAccountInfo(&identitytoolkit.IdentitytoolkitRelyingpartyGetAccountInfoRequest{
		IdToken: idToken,
	}).Context(ctx).Do()
	if err != nil {
		return models.Identity{}, wrapAuthError("lookup", err)
	}
	if len(resp.Users) == 0 {
		return models.Identity{}, &models.AuthError{Op: "lookup", Code: "USER_NOT_FOUND", Err: errors.New("no account for token")}
	}

	u := resp.Users[0]
	return models.Identity{ID: u.LocalId, DisplayName: u.DisplayName, Email: u.Email}, nil
}

func (t *IdentityToolkit) Refresh(ctx context.Context, refreshToken string) (models.Token, error) {
	if refreshToken == "" {
		return models.Token{}, &models.AuthError{Op: "refresh", Code: "MISSING_REFRESH_TOKEN", Err: errors.New("no refresh token")}
	}

	ctx, cancel := context.WithTimeout(ctx, IdentityTimeout)
	defer cancel()

	tok, err := t.token.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return models.Token{}, wrapAuthError("refresh", err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		idToken = tok.AccessToken
	}
	next := tok.RefreshToken
	if next == "" {
		next = refreshToken
	}

	var expiresIn int64
	if !tok.Expiry.IsZero() {
		expiresIn = int64(tok.Expiry.Sub(t.now()).Seconds())
	}
	return t.newToken(idToken, next, expiresIn), nil
}

func (t *IdentityToolkit) newToken(idToken, refreshToken string, expiresIn int64) models.Token {
	return models.Token{
		IDToken:      idToken,
		RefreshToken: refreshToken,
		ExpiresAt:    TokenExpiry(idToken, expiresIn, t.now()),
	}
}

// TokenExpiry reads the exp claim of an ID token. The signature is not
// checked: the token came straight from the identity service. expiresIn (in
// seconds) is the fallback, then one hour.
func TokenExpiry(idToken string, expiresIn int64, now time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if expiresIn > 0 {
		return now.Add(time.Duration(expiresIn) * time.Second)
	}
	return now.Add(time.Hour)
}

// wrapAuthError turns API errors into AuthError, keeping the Firebase reason
// code (EMAIL_EXISTS, INVALID_PASSWORD, ...) when there is one.
func wrapAuthError(op string, err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		code := gerr.Message
		if i := strings.Index(code, " : "); i >= 0 {
			code = code[:i]
		}
		return &models.AuthError{Op: op, Code: strings.TrimSpace(code), Err: err}
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		code := rerr.ErrorCode
		if code == "" {
			code = "TOKEN_REFRESH_FAILED"
		}
		return &models.AuthError{Op: op, Code: strings.ToUpper(code), Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &models.AuthError{Op: op, Code: "TIMEOUT", Err: err}
	}
	return &models.AuthError{Op: op, Code: "NETWORK_ERROR", Err: err}
}
