package fieldsync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource is the authenticated identity collaborator: it names the
// actor issuing mutations and supplies the bearer token for the remote
// endpoint. Authentication flows themselves live outside this module.
type TokenSource interface {
	ActorID() string
	Token(ctx context.Context) (string, error)
}

type StaticTokenSource struct {
	actorID string
	token   string
}

func NewStaticTokenSource(actorID, token string) *StaticTokenSource {
	return &StaticTokenSource{actorID: strings.TrimSpace(actorID), token: strings.TrimSpace(token)}
}

func (s *StaticTokenSource) ActorID() string {
	return s.actorID
}

func (s *StaticTokenSource) Token(ctx context.Context) (string, error) {
	return s.token, nil
}

// JWTTokenSource serves a session JWT and refuses to hand it out once
// its exp claim has passed, so an expired session classifies as
// authentication_expired without a wasted round trip. The token is not
// signature-checked here; the backend does that.
type JWTTokenSource struct {
	actorID string
	raw     string
	leeway  time.Duration
	now     func() time.Time
}

func NewJWTTokenSource(raw string) (*JWTTokenSource, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidInput)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrInvalidInput)
	}
	return &JWTTokenSource{actorID: subject, raw: raw, now: time.Now}, nil
}

func (s *JWTTokenSource) ActorID() string {
	return s.actorID
}

func (s *JWTTokenSource) Token(ctx context.Context) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.raw, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if exp != nil && s.now().After(exp.Time.Add(s.leeway)) {
		return "", fmt.Errorf("%w: token expired at %s", ErrAuthExpired, exp.Time.Format(time.RFC3339))
	}
	return s.raw, nil
}
