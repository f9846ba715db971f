package httpgw

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/warp-tech/warpgate/internal/identity"
	"github.com/warp-tech/warpgate/internal/metrics"
)

// proxyHTTP implements the non-WebSocket path of spec §4.9: construct the
// upstream URL, strip/inject headers, follow the single "Preferred mode
// http->https" redirect transparently (stopping at every other redirect so
// the client sees it), rewrite Location/Set-Cookie on the way back, and
// inject the client library into 200 text/html bodies.
func (s *Server) proxyHTTP(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	upstreamURL, authHeader, err := buildUpstreamURL(rc.target, r.URL.Path, r.URL.RawQuery, false)
	if err != nil {
		http.Error(w, "bad target configuration", http.StatusBadGateway)
		return
	}

	mode := rc.target.Options.HTTPTLSMode
	client := &http.Client{
		Timeout: s.cfg.RequestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: upstreamTLSConfig(mode),
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > 1 {
				return http.ErrUseLastResponse
			}
			prev := via[0].URL
			if mode == identity.TLSPreferred && prev.Scheme == "http" && req.URL.Scheme == "https" &&
				sameAuthority(prev, req.URL) {
				return nil
			}
			return http.ErrUseLastResponse
		},
	}

	reqBodyCap := &capBuffer{max: maxRecordedBodyBytes}
	var reqBody io.Reader = r.Body
	if r.Body != nil {
		reqBody = io.TeeReader(r.Body, io.MultiWriter(reqBodyCap, trafficCounter{"client_to_target"}))
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL.String(), reqBody)
	if err != nil {
		http.Error(w, "bad upstream request", http.StatusBadGateway)
		return
	}
	copyHeaders(outReq.Header, r.Header)
	stripHopHeaders(outReq.Header)
	applyForwardingHeaders(outReq, r, rc)
	for k, v := range rc.target.Options.HTTPHeaders {
		outReq.Header.Set(k, v)
	}
	if authHeader != "" {
		outReq.Header.Set("Authorization", authHeader)
	}

	apiRec, _ := s.cfg.Recorder.StartAPI(r.Context(), rc.handle.ID())

	resp, err := client.Do(outReq)
	if err != nil {
		http.Error(w, "upstream error: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer drain(resp.Body)

	rewriteLocation(resp, upstreamURL)
	rewriteSetCookie(resp)

	respBodyCap := &capBuffer{max: maxRecordedBodyBytes}
	if apiRec != nil {
		resp.Body = io.NopCloser(io.TeeReader(resp.Body, respBodyCap))
		defer apiRec.Close() //nolint:errcheck
		defer func() {
			apiRec.WriteRequest(time.Now(), r.Method, upstreamURL.String(), resp.StatusCode,
				flattenHeaders(outReq.Header), reqBodyCap.buf.Bytes(), respBodyCap.buf.Bytes())
		}()
	}

	if resp.StatusCode == http.StatusOK && isHTMLResponse(resp) {
		s.writeInjectedHTML(w, resp)
		return
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	metrics.TrafficBytes.WithLabelValues("http", "target_to_client").Add(float64(n))
}

func sameAuthority(a, b *url.URL) bool {
	return a.Host == b.Host
}

func isHTMLResponse(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	return strings.HasPrefix(strings.ToLower(ct), "text/html")
}

// writeInjectedHTML reads the full body (required to splice before </head>)
// and strips the length/encoding headers the rewrite invalidates, per spec
// §4.9.
func (s *Server) writeInjectedHTML(w http.ResponseWriter, resp *http.Response) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		http.Error(w, "upstream read error", http.StatusBadGateway)
		return
	}
	body = injectClientLibrary(body, s.cfg.ClientScriptTag, s.cfg.ClientStylesheetTag)

	copyHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Length")
	w.Header().Del("Content-Encoding")
	w.Header().Del("Transfer-Encoding")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(resp.StatusCode)
	w.Write(body) //nolint:errcheck
	metrics.TrafficBytes.WithLabelValues("http", "target_to_client").Add(float64(len(body)))
}

// applyForwardingHeaders injects X-Forwarded-*/X-Warpgate-* per spec §4.9.
func applyForwardingHeaders(outReq, clientReq *http.Request, rc *requestContext) {
	if host := clientReq.Header.Get("Host"); host != "" {
		outReq.Header.Set("X-Forwarded-Host", strings.Split(host, ":")[0])
	} else {
		outReq.Header.Set("X-Forwarded-Host", strings.Split(clientReq.Host, ":")[0])
	}
	proto := "http"
	if clientReq.TLS != nil {
		proto = "https"
	}
	outReq.Header.Set("X-Forwarded-Proto", proto)
	if ip := clientIP(clientReq); ip != "" {
		outReq.Header.Set("X-Forwarded-For", ip)
	}
	outReq.Header.Set("X-Warpgate-Username", rc.username)
	outReq.Header.Set("X-Warpgate-Authentication-Type", rc.authType)
}
