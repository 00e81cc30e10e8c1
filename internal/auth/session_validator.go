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
	defaultSessionIssuer = "dropaline"
	bearerPrefix         = "bearer "
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionOwner      = errors.New("session validator: owner required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
	ErrForeignSession           = errors.New("session validator: session belongs to another user")
)

// SessionClaims is the payload of a control API session token.
type SessionClaims struct {
	UserID string `json:"user_id"`
	Handle string `json:"handle,omitempty"`
	jwt.RegisteredClaims
}

// SessionValidatorConfig binds a validator to the one account the client serves.
type SessionValidatorConfig struct {
	Owner         string
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator admits HS256 session tokens minted for its owner and nobody else.
type SessionValidator struct {
	owner         string
	cookieName    string
	signingSecret []byte
	parser        *jwt.Parser
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	owner := strings.TrimSpace(cfg.Owner)
	if owner == "" {
		return nil, ErrMissingSessionOwner
	}
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &SessionValidator{
		owner:         owner,
		cookieName:    cookieName,
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(clock),
		),
	}, nil
}

// ValidateRequest reads the session cookie, or an Authorization bearer token for clients
// that cannot hold cookies, and validates it.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	token, found := v.requestToken(r)
	if !found {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(token)
}

// ValidateToken parses the token and checks that it names the owner.
func (v *SessionValidator) ValidateToken(rawToken string) (SessionClaims, error) {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	if _, err := v.parser.ParseWithClaims(token, &claims, v.signingKey); err != nil {
		return SessionClaims{}, classifyParseError(err)
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" || strings.TrimSpace(claims.UserID) == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	if subject != claims.UserID {
		return SessionClaims{}, fmt.Errorf("%w: subject %q does not match user %q", ErrInvalidSessionToken, subject, claims.UserID)
	}
	if claims.UserID != v.owner {
		return SessionClaims{}, fmt.Errorf("%w: %q", ErrForeignSession, claims.UserID)
	}
	return claims, nil
}

func (v *SessionValidator) signingKey(*jwt.Token) (interface{}, error) {
	return v.signingSecret, nil
}

func (v *SessionValidator) requestToken(r *http.Request) (string, bool) {
	if r == nil {
		return "", false
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value, true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return header[len(bearerPrefix):], true
	}
	return "", false
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredSessionToken
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
}
