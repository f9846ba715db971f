package sso

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gravitational/trace"
)

// OIDCConfig describes one configured OIDC identity provider (spec §6's
// per-provider SSO configuration, OIDC variant).
type OIDCConfig struct {
	// Name identifies this provider in Credential.SsoProvider.
	Name string
	// IssuerURL must match the id_token's "iss" claim exactly.
	IssuerURL string
	// JWKSURL is the provider's JSON Web Key Set endpoint, used to verify
	// id_token signatures.
	JWKSURL string
	// ClientID must appear in the id_token's "aud" claim.
	ClientID string
	// HTTPClient fetches the JWKS document; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *OIDCConfig) CheckAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	if c.IssuerURL == "" || c.JWKSURL == "" || c.ClientID == "" {
		return trace.BadParameter("missing OIDC configuration for provider %q", c.Name)
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	return nil
}

// jwk is the subset of RFC 7517's JSON Web Key fields this verifier needs
// (RSA signing keys only, the universal case for OIDC id_tokens).
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

// OIDCProvider verifies id_tokens against a provider's published JWKS and
// maps the resulting claims onto a LoginResponse, grounded on
// original_source/warpgate-sso/src/response.rs's SsoLoginResponse (which
// wraps openidconnect::core::CoreIdToken's claims in the same shape).
type OIDCProvider struct {
	cfg  OIDCConfig
	keys map[string]*rsa.PublicKey
}

// NewOIDCProvider constructs an OIDCProvider. Call Refresh before first use
// to populate the JWKS key cache.
func NewOIDCProvider(cfg OIDCConfig) (*OIDCProvider, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &OIDCProvider{cfg: cfg, keys: map[string]*rsa.PublicKey{}}, nil
}

// Refresh re-fetches the provider's JWKS document.
func (p *OIDCProvider) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.JWKSURL, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return trace.Wrap(err, "fetching JWKS for provider %q", p.cfg.Name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return trace.ConnectionProblem(nil, "JWKS endpoint for provider %q returned %d", p.cfg.Name, resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return trace.Wrap(err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	p.keys = keys
	return nil
}

func rsaPublicKeyFromJWK(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

// idTokenClaims mirrors the subset of standard OIDC claims this bastion
// consumes to build a LoginResponse.
type idTokenClaims struct {
	jwt.RegisteredClaims
	Email             string   `json:"email"`
	EmailVerified     bool     `json:"email_verified"`
	Name              string   `json:"name"`
	PreferredUsername string   `json:"preferred_username"`
	Groups            []string `json:"groups"`
}

// VerifyIDToken validates rawToken's signature against the cached JWKS and
// checks iss/aud/exp, returning the mapped LoginResponse on success.
func (p *OIDCProvider) VerifyIDToken(rawToken string) (LoginResponse, error) {
	var claims idTokenClaims
	token, err := jwt.ParseWithClaims(rawToken, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, trace.BadParameter("unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		key, ok := p.keys[kid]
		if !ok {
			return nil, trace.NotFound("unknown signing key %q for provider %q", kid, p.cfg.Name)
		}
		return key, nil
	})
	if err != nil {
		return LoginResponse{}, trace.Wrap(err, "verifying id_token for provider %q", p.cfg.Name)
	}
	if !token.Valid {
		return LoginResponse{}, trace.AccessDenied("invalid id_token for provider %q", p.cfg.Name)
	}
	if claims.Issuer != p.cfg.IssuerURL {
		return LoginResponse{}, trace.AccessDenied("id_token issuer %q does not match provider %q", claims.Issuer, p.cfg.Name)
	}
	if !audienceContains(claims.Audience, p.cfg.ClientID) {
		return LoginResponse{}, trace.AccessDenied("id_token audience does not include client %q", p.cfg.ClientID)
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return LoginResponse{}, trace.AccessDenied("id_token for provider %q has expired", p.cfg.Name)
	}

	return LoginResponse{
		Name:              claims.Name,
		Email:             claims.Email,
		EmailVerified:     claims.EmailVerified,
		Groups:            claims.Groups,
		PreferredUsername: claims.PreferredUsername,
	}, nil
}

func audienceContains(aud jwt.ClaimStrings, clientID string) bool {
	for _, a := range aud {
		if a == clientID {
			return true
		}
	}
	return false
}
