package jwtsigner

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"secumsg/internal/httpx"
)

// Signer holds an Ed25519 keypair for issuing access tokens.
type Signer struct {
	private  ed25519.PrivateKey
	public   ed25519.PublicKey
	KeyID    string
	Issuer   string
	Audience string
	now      func() time.Time
}

// NewFromBase64 creates a signer from base64-encoded ed25519 private key bytes.
// If privB64 is empty, it generates an ephemeral key (good for local dev).
func NewFromBase64(privB64, kid, iss, aud string) (*Signer, error) {
	var priv ed25519.PrivateKey
	if privB64 == "" {
		var err error
		_, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
	} else {
		raw, err := base64.StdEncoding.DecodeString(privB64)
		if err != nil {
			return nil, err
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, errors.New("jwtsigner: invalid ed25519 private key size")
		}
		priv = ed25519.PrivateKey(raw)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{private: priv, public: pub, KeyID: kid, Issuer: iss, Audience: aud, now: time.Now}, nil
}

// IssueAccessToken signs a short-lived token for userID bound to deviceID.
// A nil deviceID produces a user-scoped token without a "did" claim.
func (s *Signer) IssueAccessToken(userID, deviceID uuid.UUID, ttl time.Duration) (string, error) {
	if userID == uuid.Nil {
		return "", errors.New("jwtsigner: user id required")
	}
	now := s.now()
	claims := jwt.MapClaims{
		"iss":   s.Issuer,
		"sub":   userID.String(),
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
		"jti":   uuid.NewString(),
		"sid":   uuid.NewString(),
		"scope": "user",
	}
	if s.Audience != "" {
		claims["aud"] = []string{s.Audience}
	}
	if deviceID != uuid.Nil {
		claims["did"] = deviceID.String()
	}

	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	t.Header["kid"] = s.KeyID
	return t.SignedString(s.private)
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), s.public...)
}

// PublicJWK renders the public part as JWK for the JWKS endpoint.
func (s *Signer) PublicJWK() map[string]any {
	return map[string]any{
		"kty": "OKP",
		"crv": "Ed25519",
		"alg": "EdDSA",
		"use": "sig",
		"kid": s.KeyID,
		"x":   base64.RawURLEncoding.EncodeToString(s.public),
	}
}

// JWKS renders the {"keys":[...]} document.
func (s *Signer) JWKS() ([]byte, error) {
	return json.Marshal(map[string]any{"keys": []any{s.PublicJWK()}})
}

// JWKSHandler serves the JWKS document for verifiers using keyfunc.
func (s *Signer) JWKSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"keys": []any{s.PublicJWK()}})
	}
}
