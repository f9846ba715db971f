package sso

import (
	"crypto/x509"
	"encoding/pem"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/gravitational/trace"
)

// SAMLConfig describes one configured SAML identity provider connection
// (spec §6's per-provider SSO configuration).
type SAMLConfig struct {
	// Name identifies this provider in Credential.SsoProvider.
	Name string
	// IdPSSOURL is the identity provider's SSO redirect/POST endpoint.
	IdPSSOURL string
	// IdPIssuer is the identity provider's entity ID.
	IdPIssuer string
	// IdPCertPEM is the identity provider's signing certificate, used to
	// validate assertion signatures.
	IdPCertPEM string
	// SPEntityID and SPACSURL describe this bastion as the service
	// provider.
	SPEntityID string
	SPACSURL   string
}

// CheckAndSetDefaults validates the config.
func (c *SAMLConfig) CheckAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	if c.IdPSSOURL == "" || c.IdPIssuer == "" || c.IdPCertPEM == "" {
		return trace.BadParameter("missing IdP configuration for provider %q", c.Name)
	}
	if c.SPEntityID == "" || c.SPACSURL == "" {
		return trace.BadParameter("missing service-provider configuration for provider %q", c.Name)
	}
	return nil
}

// SAMLProvider wraps a configured saml2.SAMLServiceProvider, grounded on the
// teacher's getSAMLProvider/calculateSAMLUser idiom in
// zmb3-teleport/lib/auth/saml.go (signature verification delegated to
// gosaml2, only the resulting AssertionInfo -> LoginResponse mapping is
// this bastion's own).
type SAMLProvider struct {
	cfg SAMLConfig
	sp  *saml2.SAMLServiceProvider
}

// NewSAMLProvider parses cfg.IdPCertPEM and builds the underlying
// saml2.SAMLServiceProvider.
func NewSAMLProvider(cfg SAMLConfig) (*SAMLProvider, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	block, _ := pem.Decode([]byte(cfg.IdPCertPEM))
	if block == nil {
		return nil, trace.BadParameter("provider %q: IdPCertPEM is not PEM-encoded", cfg.Name)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err, "provider %q: parsing IdP certificate", cfg.Name)
	}

	certStore := dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{cert}}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      cfg.IdPSSOURL,
		IdentityProviderIssuer:      cfg.IdPIssuer,
		ServiceProviderIssuer:       cfg.SPEntityID,
		AssertionConsumerServiceURL: cfg.SPACSURL,
		SignAuthnRequests:           false,
		AudienceURI:                 cfg.SPEntityID,
		IDPCertificateStore:         &certStore,
	}

	return &SAMLProvider{cfg: cfg, sp: sp}, nil
}

// BuildAuthURL returns the redirect URL starting a login at the identity
// provider, carrying relayState back to the caller on completion.
func (p *SAMLProvider) BuildAuthURL(relayState string) (string, error) {
	u, err := p.sp.BuildAuthURL(relayState)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return u, nil
}

// HandleAssertion validates a base64-encoded SAMLResponse POSTed back to the
// ACS endpoint and maps it onto a LoginResponse, per
// original_source/warpgate-sso/src/response.rs's attribute extraction.
func (p *SAMLProvider) HandleAssertion(samlResponse string) (LoginResponse, error) {
	info, err := p.sp.RetrieveAssertionInfo(samlResponse)
	if err != nil {
		return LoginResponse{}, trace.Wrap(err)
	}
	if info.WarningInfo != nil && info.WarningInfo.InvalidTime {
		return LoginResponse{}, trace.AccessDenied("SAML assertion is expired or not yet valid")
	}
	if info.WarningInfo != nil && info.WarningInfo.NotInAudience {
		return LoginResponse{}, trace.AccessDenied("SAML assertion is not addressed to this service provider")
	}

	resp := LoginResponse{Email: info.NameID, PreferredUsername: info.NameID}
	for name, attr := range info.Values {
		switch name {
		case "email", "Email", "urn:oid:0.9.2342.19200300.100.1.3":
			if v := firstAttributeValue(attr); v != "" {
				resp.Email = v
			}
		case "name", "displayName":
			resp.Name = firstAttributeValue(attr)
		case "groups", "memberOf":
			resp.Groups = attributeValues(attr)
		}
	}
	return resp, nil
}

func firstAttributeValue(attr saml2.Attribute) string {
	if len(attr.Values) == 0 {
		return ""
	}
	return attr.Values[0].Value
}

func attributeValues(attr saml2.Attribute) []string {
	out := make([]string, 0, len(attr.Values))
	for _, v := range attr.Values {
		out = append(out, v.Value)
	}
	return out
}
