package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/roach88/stepsync/internal/model"
)

// ErrUnauthenticated is returned when a credential is missing or invalid.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator turns a credential into an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (model.Identity, error)
}

// JWTAuthenticator verifies HS256 tokens. The user ID is taken from the
// "sub" claim, or from "userID" for older tokens.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	leeway time.Duration
}

var _ Authenticator = (*JWTAuthenticator)(nil)

// JWTOption configures a JWTAuthenticator.
type JWTOption func(*JWTAuthenticator)

// WithIssuer requires the "iss" claim to equal issuer.
func WithIssuer(issuer string) JWTOption {
	return func(a *JWTAuthenticator) { a.issuer = issuer }
}

// WithLeeway tolerates clock skew when checking exp and nbf.
func WithLeeway(d time.Duration) JWTOption {
	return func(a *JWTAuthenticator) { a.leeway = d }
}

// NewJWTAuthenticator creates an authenticator for tokens signed with secret.
func NewJWTAuthenticator(secret []byte, opts ...JWTOption) *JWTAuthenticator {
	a := &JWTAuthenticator{secret: secret}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, credential string) (model.Identity, error) {
	if credential == "" {
		return model.Identity{}, fmt.Errorf("%w: no credential", ErrUnauthenticated)
	}
	if len(a.secret) == 0 {
		return model.Identity{}, fmt.Errorf("%w: no signing secret configured", ErrUnauthenticated)
	}

	parserOpts := []gojwt.ParserOption{
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithLeeway(a.leeway),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, gojwt.WithIssuer(a.issuer))
	}

	claims := gojwt.MapClaims{}
	_, err := gojwt.ParseWithClaims(credential, claims, func(*gojwt.Token) (any, error) {
		return a.secret, nil
	}, parserOpts...)
	if err != nil {
		return model.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	userID, err := claims.GetSubject()
	if err != nil {
		return model.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if userID == "" {
		if v, ok := claims["userID"].(string); ok {
			userID = v
		}
	}
	if userID == "" {
		return model.Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return model.Identity{UserID: userID, Claims: claims}, nil
}

// IssueToken signs a token for userID valid for ttl. A zero ttl issues a
// token without expiry.
func IssueToken(secret []byte, userID, issuer string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("issue token: empty secret")
	}
	if userID == "" {
		return "", errors.New("issue token: empty user id")
	}
	now := time.Now()
	claims := gojwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}
