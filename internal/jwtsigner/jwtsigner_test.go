package jwtsigner

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func TestIssueAccessTokenClaims(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	s, err := NewFromBase64(base64.StdEncoding.EncodeToString(priv), "kid-1", "iss", "aud")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	userID, deviceID := uuid.New(), uuid.New()
	tok, err := s.IssueAccessToken(userID, deviceID, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	parsed, err := jwt.Parse(tok, func(*jwt.Token) (interface{}, error) { return s.PublicKey(), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Header["kid"] != "kid-1" {
		t.Fatalf("missing kid header: %v", parsed.Header)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["sub"] != userID.String() || claims["did"] != deviceID.String() || claims["iss"] != "iss" {
		t.Fatalf("unexpected claims: %v", claims)
	}

	if _, err := s.IssueAccessToken(uuid.Nil, deviceID, time.Minute); err == nil {
		t.Fatalf("expected error for nil user")
	}
}

func TestNewFromBase64RejectsBadKey(t *testing.T) {
	if _, err := NewFromBase64(base64.StdEncoding.EncodeToString([]byte("short")), "k", "i", ""); err == nil {
		t.Fatalf("expected size error")
	}
	if _, err := NewFromBase64("%%%", "k", "i", ""); err == nil {
		t.Fatalf("expected decode error")
	}
}
