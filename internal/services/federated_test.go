package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/ytakahashi/firebase-todo-web/internal/models"
	"golang.org/x/oauth2"
)

func TestGoogleProvider_AuthCodeURL(t *testing.T) {
	g := NewGoogleProvider("client-id", "client-secret", "http://localhost:8080/auth/google/callback")
	verifier := oauth2.GenerateVerifier()

	u, err := url.Parse(g.AuthCodeURL("state-1", verifier))
	if err != nil {
		t.Fatalf("invalid URL: %v", err)
	}
	q := u.Query()

	checks := map[string]string{
		"state":                 "state-1",
		"client_id":             "client-id",
		"redirect_uri":          "http://localhost:8080/auth/google/callback",
		"code_challenge_method": "S256",
		"code_challenge":        oauth2.S256ChallengeFromVerifier(verifier),
		"prompt":                "select_account",
		"scope":                 "openid email profile",
	}
	for key, want := range checks {
		if got := q.Get(key); got != want {
			t.Errorf("%s: expected %q, got %q", key, want, got)
		}
	}
	if g.ProviderID() != "google.com" {
		t.Errorf("expected provider id google.com, got %q", g.ProviderID())
	}
}

func TestGoogleProvider_Exchange(t *testing.T) {
	verifier := oauth2.GenerateVerifier()
	var withoutIDToken atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("code_verifier") != verifier || r.Form.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		body := map[string]interface{}{
			"access_token": "access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		if !withoutIDToken.Load() {
			body["id_token"] = "google-id-token"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}))
	defer srv.Close()

	g := NewGoogleProvider("client-id", "client-secret", "http://localhost/cb")
	g.config.Endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}

	idToken, err := g.Exchange(context.Background(), "good-code", verifier)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if idToken != "google-id-token" {
		t.Errorf("expected google-id-token, got %q", idToken)
	}

	var aerr *models.AuthError
	_, err = g.Exchange(context.Background(), "bad-code", verifier)
	if !errors.As(err, &aerr) || aerr.Code != "INVALID_GRANT" {
		t.Errorf("expected INVALID_GRANT, got %v", err)
	}

	withoutIDToken.Store(true)
	_, err = g.Exchange(context.Background(), "good-code", verifier)
	if !errors.As(err, &aerr) || aerr.Code != "MISSING_ID_TOKEN" {
		t.Errorf("expected MISSING_ID_TOKEN, got %v", err)
	}
}
