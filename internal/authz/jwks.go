package authz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc"
	jwtv4 "github.com/golang-jwt/jwt/v4"
)

// JWKSVerifier checks asymmetric tokens against a remote JWKS document.
type JWKSVerifier struct {
	jwks     *keyfunc.JWKS
	issuer   string
	audience string
}

func NewJWKSVerifier(ctx context.Context, jwksURL, issuer, audience string) (*JWKSVerifier, error) {
	options := keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   time.Minute * 15,
		RefreshTimeout:    time.Second * 10,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			slog.Warn("authz: jwks refresh failed", "error", err, "url", jwksURL)
		},
	}
	jwks, err := keyfunc.Get(jwksURL, options)
	if err != nil {
		return nil, fmt.Errorf("authz: load jwks: %w", err)
	}
	return &JWKSVerifier{jwks: jwks, issuer: issuer, audience: audience}, nil
}

// NewStaticJWKSVerifier verifies against a fixed JWKS document, such as the
// one published by an in-process jwtsigner.
func NewStaticJWKSVerifier(document []byte, issuer, audience string) (*JWKSVerifier, error) {
	jwks, err := keyfunc.NewJSON(document)
	if err != nil {
		return nil, fmt.Errorf("authz: parse jwks: %w", err)
	}
	return &JWKSVerifier{jwks: jwks, issuer: issuer, audience: audience}, nil
}

func (j *JWKSVerifier) Name() string { return "jwks" }

func (j *JWKSVerifier) Close() { j.jwks.EndBackground() }

func (j *JWKSVerifier) Verify(_ context.Context, tokenStr string) (Claims, error) {
	token, err := jwtv4.Parse(tokenStr, j.jwks.Keyfunc)
	if err != nil || !token.Valid {
		if ve, ok := err.(*jwtv4.ValidationError); ok && ve.Errors&jwtv4.ValidationErrorExpired != 0 {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwtv4.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("%w: claims", ErrInvalidToken)
	}
	if iss, _ := claims["iss"].(string); j.issuer != "" && iss != j.issuer {
		return Claims{}, fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	}
	if j.audience != "" && !claims.VerifyAudience(j.audience, true) {
		return Claims{}, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	sub, _ := claims["sub"].(string)
	did, _ := claims["did"].(string)
	sid, _ := claims["sid"].(string)
	var exp time.Time
	if v, ok := claims["exp"].(float64); ok {
		exp = time.Unix(int64(v), 0)
	}
	return buildClaims(sub, did, sid, exp)
}
