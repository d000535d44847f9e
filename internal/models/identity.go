package models

import "time"

// Identity is the authenticated user as reported by the identity service.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// Validate reports ErrInvalidIdentity when the identity cannot be used to
// scope task queries.
func (i *Identity) Validate() error {
	if i == nil || i.ID == "" {
		return &ValidationError{Field: "id", Err: ErrInvalidIdentity}
	}
	return nil
}

// Token is the session credential issued on sign-in.
type Token struct {
	IDToken      string    `json:"idToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Expired reports whether the ID token expires within the next 30 seconds.
func (t Token) Expired(now time.Time) bool {
	return t.IDToken == "" || !now.Add(30*time.Second).Before(t.ExpiresAt)
}
