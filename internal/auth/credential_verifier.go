package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	bearerPrefix     = "Bearer "
	accessTokenQuery = "access_token"
)

var (
	ErrMissingSigningKey   = errors.New("credential verifier: signing key required")
	ErrMissingIssuer       = errors.New("credential verifier: issuer required")
	ErrMissingCookieName   = errors.New("credential verifier: cookie name required")
	ErrMissingCredential   = errors.New("credential verifier: credential required")
	ErrInvalidCredential   = errors.New("credential verifier: invalid credential")
	ErrExpiredCredential   = errors.New("credential verifier: credential expired")
	ErrMissingSubject      = errors.New("credential verifier: subject required")
	errUnexpectedAlgorithm = errors.New("unexpected signing algorithm")
)

// Claims mirrors the JWT payload issued by the identity provider in front of the relay.
type Claims struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email"`
	UserDisplayName string `json:"user_display_name"`
	jwt.RegisteredClaims
}

// Identity is the authenticated principal attached to a relay session.
type Identity struct {
	UserID      string
	DisplayName string
	ExpiresAt   time.Time
}

// VerifierConfig describes how to validate HS256 credentials.
type VerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// CredentialVerifier validates HS256 JWTs presented by relay clients.
type CredentialVerifier struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clock         func() time.Time
}

// NewCredentialVerifier constructs a verifier with the provided configuration.
func NewCredentialVerifier(cfg VerifierConfig) (*CredentialVerifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingCookieName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CredentialVerifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		clock:         clock,
	}, nil
}

// Verify validates the supplied JWT string and returns the identity it names.
func (v *CredentialVerifier) Verify(tokenString string) (Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Identity{}, ErrMissingCredential
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: %w %s", ErrInvalidCredential, errUnexpectedAlgorithm, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredCredential
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidCredential
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return Identity{}, ErrMissingSubject
	}

	displayName := strings.TrimSpace(claims.UserDisplayName)
	if displayName == "" {
		displayName = strings.TrimSpace(claims.UserEmail)
	}

	identity := Identity{UserID: userID, DisplayName: displayName}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return identity, nil
}

// VerifyRequest extracts the credential from the request and validates it.
// The Authorization header wins over the access_token query parameter, which
// wins over the session cookie.
func (v *CredentialVerifier) VerifyRequest(r *http.Request) (Identity, error) {
	return v.Verify(v.credentialFromRequest(r))
}

func (v *CredentialVerifier) credentialFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}
	if token := strings.TrimSpace(r.URL.Query().Get(accessTokenQuery)); token != "" {
		return token
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil || cookie == nil {
		return ""
	}
	return cookie.Value
}
