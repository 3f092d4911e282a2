package relay

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const devSessionPrefix = "sess-"

// Claims is the payload of a relay session token. SessionID must equal the
// connection's declared session id.
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Authenticator verifies session credentials.
type Authenticator struct {
	secret   []byte
	allowDev bool
}

// NewAuthenticator creates an Authenticator. At least one of secret and
// allowDev must be set.
func NewAuthenticator(secret string, allowDev bool) (*Authenticator, error) {
	if secret == "" && !allowDev {
		return nil, errors.New("relay: no authentication method configured")
	}
	return &Authenticator{secret: []byte(secret), allowDev: allowDev}, nil
}

// Verify checks token against sessionID and returns the identity the
// connection is rate limited under: the token subject when present, the
// session id otherwise.
//
// An empty token is accepted only for development sessions.
func (a *Authenticator) Verify(sessionID, token string) (string, error) {
	if sessionID == "" {
		return "", &AuthenticationError{Reason: ReasonMissingParameter, Err: errors.New("sessionId is required")}
	}
	if token == "" {
		if a.allowDev && IsDevSession(sessionID) {
			return sessionID, nil
		}
		return "", &AuthenticationError{Reason: ReasonBadToken, Err: errors.New("token is required")}
	}
	if len(a.secret) == 0 {
		return "", &AuthenticationError{Reason: ReasonBadToken, Err: errors.New("token auth disabled")}
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", &AuthenticationError{Reason: ReasonBadToken, Err: err}
	}
	if claims.SessionID != sessionID {
		return "", &AuthenticationError{
			Reason: ReasonSessionMismatch,
			Err:    fmt.Errorf("token is for session %q", claims.SessionID),
		}
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return sessionID, nil
}

// IssueToken signs a token for sessionID. A zero ttl issues a token without
// expiry; a negative one an already expired token.
func (a *Authenticator) IssueToken(sessionID, subject string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("relay: issue token: no secret configured")
	}
	now := time.Now()
	claims := Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("relay: issue token: %w", err)
	}
	return signed, nil
}

// IsDevSession reports whether id has the development form "sess-<uuid>".
func IsDevSession(id string) bool {
	rest, ok := strings.CutPrefix(id, devSessionPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil && len(rest) == 36
}

// NewDevSessionID returns a fresh id of the development form.
func NewDevSessionID() string {
	return devSessionPrefix + uuid.NewString()
}

// checkOrigin returns an *OriginRejectedError when origin is not admitted by
// patterns.
func checkOrigin(origin string, patterns []string) error {
	if origin == "" || len(patterns) == 0 {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return &OriginRejectedError{Origin: origin}
	}
	host := strings.ToLower(u.Host)
	for _, p := range patterns {
		p = strings.ToLower(p)
		if p == "*" || p == host || p == strings.ToLower(origin) {
			return nil
		}
		if ok, _ := path.Match(p, host); ok {
			return nil
		}
	}
	return &OriginRejectedError{Origin: origin}
}
