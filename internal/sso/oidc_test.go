package sso

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

func issueTestToken(t *testing.T, key *rsa.PrivateKey, kid string, claims idTokenClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestVerifyIDTokenAcceptsValidToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p, err := NewOIDCProvider(OIDCConfig{
		Name: "okta", IssuerURL: "https://idp.example.com", JWKSURL: "https://idp.example.com/jwks",
		ClientID: "warpgate",
	})
	require.NoError(t, err)
	p.keys = map[string]*rsa.PublicKey{"kid-1": &key.PublicKey}

	claims := idTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://idp.example.com",
			Audience:  jwt.ClaimStrings{"warpgate"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email:         "alice@example.com",
		EmailVerified: true,
		Name:          "Alice",
		Groups:        []string{"eng"},
	}
	raw := issueTestToken(t, key, "kid-1", claims)

	resp, err := p.VerifyIDToken(raw)
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", resp.Email)
	require.True(t, resp.EmailVerified)
	require.Equal(t, []string{"eng"}, resp.Groups)
}

func TestVerifyIDTokenRejectsWrongAudience(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p, err := NewOIDCProvider(OIDCConfig{
		Name: "okta", IssuerURL: "https://idp.example.com", JWKSURL: "https://idp.example.com/jwks",
		ClientID: "warpgate",
	})
	require.NoError(t, err)
	p.keys = map[string]*rsa.PublicKey{"kid-1": &key.PublicKey}

	claims := idTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://idp.example.com",
			Audience:  jwt.ClaimStrings{"someone-else"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email: "alice@example.com",
	}
	raw := issueTestToken(t, key, "kid-1", claims)

	_, err = p.VerifyIDToken(raw)
	require.Error(t, err)
}

func TestRSAPublicKeyFromJWKRoundTrips(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	j := jwk{
		Kty: "RSA",
		Kid: "kid-1",
		N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}
	pub, err := rsaPublicKeyFromJWK(j)
	require.NoError(t, err)
	require.Equal(t, key.PublicKey.N, pub.N)
	require.Equal(t, key.PublicKey.E, pub.E)
}
