package backend

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenAudience = "talkiplay"

	ScopeRead  = "notifications:read"
	ScopeWrite = "notifications:write"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// Claims is the JWT payload accepted by the REST and websocket endpoints.
// The subject is the recipient the caller acts as.
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c Claims) hasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// MintToken signs an HS256 access token for subject.
func MintToken(secret, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{TokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func authorizeToken(raw, secret, requiredScope string, now time.Time) (Claims, *authError) {
	if raw == "" {
		return Claims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(TokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		message := "invalid token"
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			message = "token expired"
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			message = "jwt signature mismatch"
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			message = "invalid aud claim"
		case errors.Is(err, jwt.ErrTokenMalformed):
			message = "invalid jwt format"
		}
		return Claims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
	}
	if len(claims.Scopes) == 0 {
		return Claims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return Claims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "missing required scope: " + requiredScope}
	}
	return claims, nil
}

// SignInternal returns the hex HMAC-SHA256 over "timestamp\nbody".
func SignInternal(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing internal auth headers"}
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid internal timestamp"}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "internal request outside replay window"}
	}
	expected := SignInternal(secret, timestamp, body)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "internal signature mismatch"}
	}
	return nil
}
