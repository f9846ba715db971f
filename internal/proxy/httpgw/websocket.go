package httpgw

import (
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/warp-tech/warpgate/internal/recorder"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// proxyWebSocket implements spec §4.9's WebSocket rule: perform the
// upstream handshake (gorilla/websocket.Dialer generates a fresh
// Sec-WebSocket-Key itself), then bidirectionally pump frames preserving
// message type and close codes.
func (s *Server) proxyWebSocket(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	upstreamURL, authHeader, err := buildUpstreamURL(rc.target, r.URL.Path, r.URL.RawQuery, true)
	if err != nil {
		http.Error(w, "bad target configuration", http.StatusBadGateway)
		return
	}

	header := http.Header{}
	copyHeaders(header, r.Header)
	stripHopHeaders(header)
	applyForwardingHeaders(&http.Request{Header: header, Host: r.Host, TLS: r.TLS, RemoteAddr: r.RemoteAddr}, r, rc)
	for k, v := range rc.target.Options.HTTPHeaders {
		header.Set(k, v)
	}
	if authHeader != "" {
		header.Set("Authorization", authHeader)
	}

	dialer := websocket.Dialer{TLSClientConfig: upstreamTLSConfig(rc.target.Options.HTTPTLSMode)}
	upstreamConn, resp, err := dialer.Dial(upstreamURL.String(), header)
	if err != nil {
		if resp != nil {
			drain(resp.Body)
		}
		http.Error(w, "failed to reach target", http.StatusBadGateway)
		return
	}
	defer upstreamConn.Close()

	clientConn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer clientConn.Close()

	traffic, _ := s.cfg.Recorder.StartTraffic(r.Context(), rc.handle.ID(), upstreamURL.Hostname(), upstreamPort(upstreamURL))
	defer func() {
		if traffic != nil {
			traffic.Close()
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pumpWebSocket(clientConn, upstreamConn, traffic, recorder.DirectionClientToTarget)
	}()
	go func() {
		defer wg.Done()
		pumpWebSocket(upstreamConn, clientConn, traffic, recorder.DirectionTargetToClient)
	}()
	wg.Wait()
}

func upstreamPort(u *url.URL) int {
	port := u.Port()
	if port == "" {
		if u.Scheme == "wss" {
			return 443
		}
		return 80
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}

// pumpWebSocket relays frames from src to dst verbatim, including Ping/Pong
// and the close code carried in a Close frame, per spec §4.9, while
// recording every frame's payload as traffic (spec §4.5's TrafficRecorder).
func pumpWebSocket(src, dst *websocket.Conn, traffic *recorder.TrafficRecorder, dir recorder.Direction) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				dst.WriteMessage(websocket.CloseMessage, //nolint:errcheck
					websocket.FormatCloseMessage(ce.Code, ce.Text))
			}
			return
		}
		if traffic != nil {
			traffic.Write(dir, data)
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}
