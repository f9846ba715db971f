package kubernetes

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gravitational/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/warp-tech/warpgate/internal/identity"
	"github.com/warp-tech/warpgate/internal/metrics"
)

// hopByHopRequestHeaders are stripped from the forwarded request, per spec
// §4.8.
var hopByHopRequestHeaders = []string{
	"Authorization", "Host", "Content-Length", "Connection", "Transfer-Encoding",
}

func certToPEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

func normalizePEM(s string) string {
	return strings.TrimSpace(s)
}

// execAttachPattern extracts recording metadata from exec/attach URLs per
// spec §4.8: "/api/v1/namespaces/<ns>/pods/<pod>/(exec|attach)".
var execAttachPattern = regexp.MustCompile(`^/api/v1/namespaces/([^/]+)/pods/([^/]+)/(exec|attach)$`)

type execMetadata struct {
	Namespace string
	Pod       string
	Container string
	Command   string
	matched   bool
}

func parseExecMetadata(restPath string, query url.Values) execMetadata {
	m := execAttachPattern.FindStringSubmatch(restPath)
	if m == nil {
		return execMetadata{}
	}
	return execMetadata{
		Namespace: m[1],
		Pod:       m[2],
		Container: query.Get("container"),
		Command:   strings.Join(query["command"], " "),
		matched:   true,
	}
}

// serveHTTP proxies a plain (non-WebSocket) request to the target cluster,
// streaming the response body without buffering (spec §4.8: chunked/watch
// endpoints must pass through as a bidirectional byte stream).
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	upstreamURL, err := targetURL(rc.target, rc.restPath, r.URL.RawQuery)
	if err != nil {
		writeStatus(w, http.StatusBadGateway, metav1.StatusReasonInternalError, "bad target configuration")
		return
	}

	outReq := r.Clone(r.Context())
	outReq.URL = upstreamURL
	outReq.Host = upstreamURL.Host
	outReq.RequestURI = ""
	for _, h := range hopByHopRequestHeaders {
		outReq.Header.Del(h)
	}
	if err := injectTargetAuth(outReq, rc.target); err != nil {
		writeStatus(w, http.StatusBadGateway, metav1.StatusReasonInternalError, "bad target configuration")
		return
	}

	transport, err := targetTransport(rc.target)
	if err != nil {
		writeStatus(w, http.StatusBadGateway, metav1.StatusReasonInternalError, "bad target configuration")
		return
	}

	if meta := parseExecMetadata(rc.restPath, r.URL.Query()); meta.matched {
		rc.handle.Logger().WithFields(map[string]interface{}{
			"namespace": meta.Namespace, "pod": meta.Pod,
			"container": meta.Container, "command": meta.Command,
		}).Info("kubernetes exec/attach request")
	}

	resp, err := transport.RoundTrip(outReq)
	if err != nil {
		writeStatus(w, http.StatusBadGateway, metav1.StatusReasonInternalError, fmt.Sprintf("upstream error: %v", err))
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			metrics.TrafficBytes.WithLabelValues("kubernetes", "target_to_client").Add(float64(n))
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		if rerr != nil {
			return
		}
	}
}

func targetURL(target *identity.Target, restPath, rawQuery string) (*url.URL, error) {
	base := target.Options.K8sClusterURL
	u, err := url.Parse(strings.TrimRight(base, "/") + restPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	u.RawQuery = rawQuery
	return u, nil
}

// injectTargetAuth adds the credential the cluster expects, per
// TargetKubernetesOptions (spec §4.8).
func injectTargetAuth(r *http.Request, target *identity.Target) error {
	switch target.Options.K8sAuthKind {
	case identity.KubeAuthToken:
		r.Header.Set("Authorization", "Bearer "+target.Options.K8sToken)
		return nil
	case identity.KubeAuthCertificate:
		// Client certificate auth is carried at the transport layer by
		// targetTransport, not as a header.
		return nil
	default:
		return trace.BadParameter("target %q has no configured kubernetes auth", target.Name)
	}
}
