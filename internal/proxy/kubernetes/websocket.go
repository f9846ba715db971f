package kubernetes

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/warp-tech/warpgate/internal/identity"
	"github.com/warp-tech/warpgate/internal/metrics"
	"github.com/warp-tech/warpgate/internal/recorder"
)

// k8sChannelSubprotocols lists the exec/attach subprotocols this proxy
// understands, most-preferred first (spec §4.8).
var k8sChannelSubprotocols = []string{
	"v5.channel.k8s.io", "v4.channel.k8s.io", "v3.channel.k8s.io",
	"v2.channel.k8s.io", "channel.k8s.io",
}

const (
	streamStdin  = 0
	streamStdout = 1
	streamStderr = 2
	streamError  = 3
	streamResize = 4
)

type resizeMessage struct {
	Width  int
	Height int
}

func negotiateSubprotocol(requested []string) string {
	offered := map[string]bool{}
	for _, p := range requested {
		offered[strings.TrimSpace(p)] = true
	}
	for _, p := range k8sChannelSubprotocols {
		if offered[p] {
			return p
		}
	}
	return ""
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// serveWebSocket implements spec §4.8's WebSocket exec/attach path:
// negotiate a k8s channel subprotocol, dial the target as a WebSocket
// client, then splice frames bidirectionally, demultiplexing by the
// leading stream-id byte for the recording pipeline.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	proto := negotiateSubprotocol(websocket.Subprotocols(r))
	if proto == "" {
		writeStatus(w, http.StatusBadRequest, metav1.StatusReasonBadRequest, "no supported subprotocol")
		return
	}

	upstreamURL, err := targetURL(rc.target, rc.restPath, r.URL.RawQuery)
	if err != nil {
		writeStatus(w, http.StatusBadGateway, metav1.StatusReasonInternalError, "bad target configuration")
		return
	}
	upstreamURL.Scheme = "wss"
	if !rc.target.Options.K8sTLS {
		upstreamURL.Scheme = "ws"
	}

	dialer := websocket.Dialer{Subprotocols: []string{proto}}
	header := http.Header{}
	if rc.target.Options.K8sAuthKind == identity.KubeAuthToken {
		header.Set("Authorization", "Bearer "+rc.target.Options.K8sToken)
	} else {
		cert, cerr := tls.X509KeyPair([]byte(rc.target.Options.K8sCertPEM), []byte(rc.target.Options.K8sKeyPEM))
		if cerr == nil {
			dialer.TLSClientConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		}
	}

	dialStart := time.Now()
	upstreamConn, resp, err := dialer.Dial(upstreamURL.String(), header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		writeStatus(w, http.StatusBadGateway, metav1.StatusReasonInternalError, "failed to reach target cluster")
		return
	}
	metrics.HandshakeLatency.WithLabelValues("kubernetes").Observe(time.Since(dialStart).Seconds())
	defer upstreamConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, http.Header{"Sec-Websocket-Protocol": []string{proto}})
	if err != nil {
		return
	}
	defer clientConn.Close()

	meta := parseExecMetadata(rc.restPath, r.URL.Query())
	termRec, _ := s.cfg.Recorder.StartTerminal(r.Context(), rc.handle.ID(), 80, 24)
	defer func() {
		if termRec != nil {
			termRec.Close()
		}
	}()
	if meta.matched {
		rc.handle.Logger().WithFields(map[string]interface{}{
			"namespace": meta.Namespace, "pod": meta.Pod,
			"container": meta.Container, "command": meta.Command,
		}).Info("kubernetes websocket exec/attach started")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pumpK8sStream(clientConn, upstreamConn, termRec, true)
	}()
	go func() {
		defer wg.Done()
		pumpK8sStream(upstreamConn, clientConn, termRec, false)
	}()
	wg.Wait()
}

// pumpK8sStream relays frames from src to dst, demultiplexing the leading
// stream-id byte into the recording pipeline. fromClient distinguishes the
// client->target direction, which carries stdin (0) and resize (4) frames,
// from the target->client direction, which carries stdout (1) and stderr (2).
func pumpK8sStream(src, dst *websocket.Conn, termRec *recorder.TerminalRecorder, fromClient bool) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage || len(data) == 0 {
			if werr := dst.WriteMessage(msgType, data); werr != nil {
				return
			}
			continue
		}

		streamID := data[0]
		payload := data[1:]

		if fromClient {
			metrics.TrafficBytes.WithLabelValues("kubernetes", "client_to_target").Add(float64(len(payload)))
		} else {
			metrics.TrafficBytes.WithLabelValues("kubernetes", "target_to_client").Add(float64(len(payload)))
		}

		if termRec != nil {
			switch {
			case fromClient && streamID == streamStdin:
				termRec.Write(recorder.StreamInput, payload)
			case !fromClient && streamID == streamStdout:
				termRec.Write(recorder.StreamOutput, payload)
			case !fromClient && streamID == streamStderr:
				termRec.Write(recorder.StreamError, payload)
			case fromClient && streamID == streamResize:
				var rm resizeMessage
				if json.Unmarshal(payload, &rm) == nil {
					termRec.WritePTYResize(rm.Width, rm.Height)
				}
			}
		}

		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}
