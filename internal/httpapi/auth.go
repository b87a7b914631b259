package httpapi

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: 401, code: "unauthorized", message: message}
}

type tokenClaims struct {
	Subject string
	Scopes  map[string]struct{}
}

// authorizeBearer validates an HS256 bearer token and checks the
// required scope. An empty secret disables auth entirely, which is the
// mode used for local development daemons.
func authorizeBearer(authHeader, secret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	if secret == "" {
		return tokenClaims{Subject: "anonymous", Scopes: map[string]struct{}{}}, nil
	}
	claims, err := parseBearer(authHeader, secret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, &authError{
				status:  403,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

func parseBearer(authHeader, secret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	token, err := jwt.Parse(raw,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !token.Valid {
		return tokenClaims{}, unauthorized("invalid bearer token")
	}
	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return tokenClaims{}, unauthorized("invalid token claims")
	}
	subject, err := mapClaims.GetSubject()
	if err != nil || subject == "" {
		return tokenClaims{}, unauthorized("missing sub claim")
	}
	scopes := parseScopes(mapClaims["scopes"])
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	return tokenClaims{Subject: subject, Scopes: scopes}, nil
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}
