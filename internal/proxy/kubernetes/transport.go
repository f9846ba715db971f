package kubernetes

import (
	"net/http"

	"github.com/gravitational/trace"
	k8stransport "k8s.io/client-go/transport"

	"github.com/warp-tech/warpgate/internal/identity"
)

// targetTransport builds the http.RoundTripper used to reach one
// Kubernetes target, delegating TLS and bearer/client-cert wiring to
// client-go's transport package rather than hand-assembling a tls.Config,
// the same library the teacher's own target dial paths are built around.
func targetTransport(target *identity.Target) (http.RoundTripper, error) {
	opts := target.Options
	cfg := &k8stransport.Config{
		TLS: k8stransport.TLSConfig{
			Insecure: !opts.K8sTLS,
		},
	}

	switch opts.K8sAuthKind {
	case identity.KubeAuthToken:
		cfg.BearerToken = opts.K8sToken
	case identity.KubeAuthCertificate:
		cfg.TLS.CertData = []byte(opts.K8sCertPEM)
		cfg.TLS.KeyData = []byte(opts.K8sKeyPEM)
	default:
		return nil, trace.BadParameter("target %q has no configured kubernetes auth", target.Name)
	}

	rt, err := k8stransport.New(cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return rt, nil
}
