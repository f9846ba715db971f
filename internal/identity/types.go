// Package identity implements the config/identity provider (users, targets,
// roles, credentials, tickets) that the auth state machine and session
// orchestrator consult to resolve who is connecting and what they may reach.
package identity

import "time"

// CredentialKind discriminates the tagged Credential variant.
type CredentialKind string

const (
	KindPassword    CredentialKind = "password"
	KindPublicKey   CredentialKind = "public_key"
	KindTotp        CredentialKind = "totp"
	KindSso         CredentialKind = "sso"
	KindCertificate CredentialKind = "certificate"
	KindApiToken    CredentialKind = "api_token"
	// KindWebUserApproval is a pseudo-kind: never stored against a user,
	// only ever named by a CredentialPolicy to request out-of-band approval.
	KindWebUserApproval CredentialKind = "web_user_approval"
)

// Credential is the tagged variant described in spec §3. Exactly one of the
// kind-specific fields is populated, selected by Kind.
type Credential struct {
	ID   string
	Kind CredentialKind

	// Password. PasswordHash holds the stored one-way hash; when Credential
	// is used to carry a presented (not-yet-verified) attempt,
	// PasswordPlaintext holds what the client sent.
	PasswordHash      string
	PasswordPlaintext string

	// PublicKey
	OpenSSHKey   string
	PubKeyLastUsed *time.Time

	// Totp. TotpSecret is the stored shared secret; TotpCode is a
	// presented attempt's 6-digit code.
	TotpSecret string
	TotpCode   string

	// Sso
	SsoProvider string // empty string acts as wildcard, matching any provider
	SsoEmail    string

	// Certificate
	CertPEM         string
	CertLabel       string
	CertLastUsed    *time.Time

	// ApiToken
	TokenSecret string
	TokenExpiry *time.Time
}

// User is a stable identity with an ordered set of credentials.
type User struct {
	ID             string
	Username       string
	Credentials    []Credential
	Policy         *Policy // nil means the default AnySingleCredentialPolicy
	RateLimitBytes int64   // 0 means unlimited
	RoleIDs        []string
}

// Role is a many-to-many join point between User and Target.
type Role struct {
	ID   string
	Name string
}

// TargetProtocol discriminates TargetOptions.
type TargetProtocol string

const (
	ProtocolSSH        TargetProtocol = "ssh"
	ProtocolPostgres   TargetProtocol = "postgres"
	ProtocolKubernetes TargetProtocol = "kubernetes"
	ProtocolHTTP       TargetProtocol = "http"
)

// SSHAuth describes how the bastion authenticates to an SSH target.
type SSHAuth struct {
	Password   string
	PrivateKey string // PEM-encoded
}

// KubeAuthKind discriminates how the bastion authenticates to a cluster.
type KubeAuthKind string

const (
	KubeAuthToken       KubeAuthKind = "token"
	KubeAuthCertificate KubeAuthKind = "certificate"
)

// TargetOptions is the tagged variant carrying per-protocol dial parameters.
type TargetOptions struct {
	Protocol TargetProtocol

	// Ssh
	SSHHost     string
	SSHPort     int
	SSHUsername string
	SSHAuth     SSHAuth

	// Postgres
	PgHost        string
	PgPort        int
	PgUsername    string
	PgPassword    string
	PgIdleTimeout time.Duration
	PgTLS         bool

	// Kubernetes
	K8sClusterURL string
	K8sAuthKind   KubeAuthKind
	K8sToken      string
	K8sCertPEM    string
	K8sKeyPEM     string
	K8sTLS        bool

	// Http
	HTTPURL     string
	HTTPTLSMode HTTPTLSMode
	HTTPHeaders map[string]string
}

// HTTPTLSMode is the tri-state TLS policy described in spec §4.9.
type HTTPTLSMode string

const (
	TLSDisabled  HTTPTLSMode = "disabled"
	TLSPreferred HTTPTLSMode = "preferred"
	TLSRequired  HTTPTLSMode = "required"
)

// Target is a named upstream resource.
type Target struct {
	ID          string
	Name        string
	Description string
	Options     TargetOptions
	RoleIDs     []string
}

// Ticket is a one-shot (or N-shot) authorization token.
type Ticket struct {
	ID         string
	Secret     string
	TargetName string
	Expiry     *time.Time
	Remaining  *int // nil means unlimited uses
}

// Expired reports whether the ticket is past its expiry at the given time.
func (t *Ticket) Expired(now time.Time) bool {
	return t.Expiry != nil && now.After(*t.Expiry)
}

// Exhausted reports whether the ticket has no uses left.
func (t *Ticket) Exhausted() bool {
	return t.Remaining != nil && *t.Remaining <= 0
}
