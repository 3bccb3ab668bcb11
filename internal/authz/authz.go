package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("authz: invalid token")
	ErrExpiredToken = errors.New("authz: token expired")
)

// Claims is the verified view of an access token.
type Claims struct {
	UserID    uuid.UUID
	DeviceID  uuid.UUID // uuid.Nil when the token is not device-bound
	SessionID string
	ExpiresAt time.Time
}

// Verifier validates a raw bearer token.
type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
	Name() string
}

// AccessClaims mirrors the tokens minted by the auth collaborator.
type AccessClaims struct {
	SID   string  `json:"sid"`
	DID   *string `json:"did,omitempty"`
	Scope string  `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// HMACVerifier checks HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	secret   []byte
	issuer   string
	audience string
	parser   *jwt.Parser
}

func NewHMACVerifier(secret, issuer, audience string) *HMACVerifier {
	return &HMACVerifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(5*time.Second)),
	}
}

func (h *HMACVerifier) Name() string { return "hmac" }

func (h *HMACVerifier) Verify(_ context.Context, tokenStr string) (Claims, error) {
	var claims AccessClaims
	_, err := h.parser.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (interface{}, error) {
		return h.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if h.issuer != "" && claims.Issuer != h.issuer {
		return Claims{}, fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	}
	if h.audience != "" && !containsAudience(claims.Audience, h.audience) {
		return Claims{}, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	var did string
	if claims.DID != nil {
		did = *claims.DID
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return buildClaims(claims.Subject, did, claims.SID, exp)
}

func buildClaims(sub, did, sid string, exp time.Time) (Claims, error) {
	userID, err := uuid.Parse(strings.TrimSpace(sub))
	if err != nil || userID == uuid.Nil {
		return Claims{}, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	out := Claims{UserID: userID, SessionID: sid, ExpiresAt: exp}
	if did = strings.TrimSpace(did); did != "" {
		deviceID, err := uuid.Parse(did)
		if err != nil {
			return Claims{}, fmt.Errorf("%w: bad device claim", ErrInvalidToken)
		}
		out.DeviceID = deviceID
	}
	return out, nil
}

func containsAudience(aud []string, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

type claimsKey struct{}

func ContextWithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

func ClaimsFrom(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(Claims)
	return c, ok
}
