package ssh

import (
	"context"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/warp-tech/warpgate/internal/metrics"
	"github.com/warp-tech/warpgate/internal/recorder"
	"github.com/warp-tech/warpgate/internal/session"
)

// proxySession owns the upstream (target) connection for one accepted
// client connection and bridges every channel the client opens onto a
// matching channel on the target, per spec §4.6's channel state machine.
type proxySession struct {
	srv      *Server
	handle   *session.Handle
	upstream *ssh.Client
	log      *log.Entry
}

func newProxySession(srv *Server, h *session.Handle, upstream *ssh.Client) *proxySession {
	return &proxySession{srv: srv, handle: h, upstream: upstream, log: h.Logger()}
}

type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type subsystemRequestMsg struct {
	Subsystem string
}

type directTCPIPMsg struct {
	Host           string
	Port           uint32
	OriginatorHost string
	OriginatorPort uint32
}

// handleChannel dispatches a channel opened by the client: "session" to the
// session path, "direct-tcpip" and "x11" to the forwarding path, anything
// else is rejected. Channels opened by the target (forwarded-tcpip, x11)
// are not bridged to the client.
func (ps *proxySession) handleChannel(ctx context.Context, nc ssh.NewChannel) {
	switch nc.ChannelType() {
	case "session":
		ps.handleSessionChannel(ctx, nc)
	case "direct-tcpip", "x11":
		ps.handleForwardChannel(ctx, nc)
	default:
		_ = nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
	}
}

func (ps *proxySession) handleSessionChannel(ctx context.Context, nc ssh.NewChannel) {
	clientCh, clientReqs, err := nc.Accept()
	if err != nil {
		ps.log.WithError(err).Debug("failed to accept client channel")
		return
	}
	defer clientCh.Close()

	upstreamCh, upstreamReqs, err := ps.upstream.OpenChannel("session", nc.ExtraData())
	if err != nil {
		ps.log.WithError(err).Warn("target rejected session channel")
		return
	}
	defer upstreamCh.Close()

	var (
		mu       sync.Mutex
		termRec  *recorder.TerminalRecorder
		sftpTr   *sftpTracker
		isPTY    bool
		isSFTP   bool
	)
	defer func() {
		if termRec != nil {
			termRec.Close()
		}
	}()

	var wg sync.WaitGroup
	wg.Add(4)

	// Client -> upstream requests.
	go func() {
		defer wg.Done()
		for req := range clientReqs {
			switch req.Type {
			case "pty-req":
				var m ptyRequestMsg
				if err := ssh.Unmarshal(req.Payload, &m); err == nil {
					mu.Lock()
					isPTY = true
					mu.Unlock()
					if r, err := ps.srv.cfg.Recorder.StartTerminal(ctx, ps.handle.ID(), int(m.Columns), int(m.Rows)); err == nil {
						mu.Lock()
						termRec = r
						mu.Unlock()
					}
				}
			case "window-change":
				var m windowChangeMsg
				if err := ssh.Unmarshal(req.Payload, &m); err == nil {
					mu.Lock()
					if termRec != nil {
						termRec.WritePTYResize(int(m.Columns), int(m.Rows))
					}
					mu.Unlock()
				}
			case "subsystem":
				var m subsystemRequestMsg
				if err := ssh.Unmarshal(req.Payload, &m); err == nil && m.Subsystem == "sftp" {
					mu.Lock()
					isSFTP = true
					sftpTr = newSFTPTracker(ps.log)
					mu.Unlock()
				}
			}
			ok, err := upstreamCh.SendRequest(req.Type, req.WantReply, req.Payload)
			if req.WantReply {
				if err != nil {
					_ = req.Reply(false, nil)
				} else {
					_ = req.Reply(ok, nil)
				}
			}
		}
	}()

	// Upstream -> client requests (exit-status, exit-signal, ...).
	go func() {
		defer wg.Done()
		for req := range upstreamReqs {
			ok, err := clientCh.SendRequest(req.Type, req.WantReply, req.Payload)
			if req.WantReply {
				if err != nil {
					_ = req.Reply(false, nil)
				} else {
					_ = req.Reply(ok, nil)
				}
			}
		}
	}()

	// Client -> upstream data.
	go func() {
		defer wg.Done()
		defer upstreamCh.CloseWrite()
		buf := make([]byte, 32*1024)
		for {
			n, err := clientCh.Read(buf)
			if n > 0 {
				mu.Lock()
				if isPTY && termRec != nil {
					termRec.Write(recorder.StreamInput, buf[:n])
				}
				if isSFTP && sftpTr != nil {
					sftpTr.observeRequest(buf[:n])
				}
				mu.Unlock()
				metrics.TrafficBytes.WithLabelValues("ssh", "client_to_target").Add(float64(n))
				if _, werr := upstreamCh.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Upstream -> client data.
	go func() {
		defer wg.Done()
		defer clientCh.CloseWrite()
		buf := make([]byte, 32*1024)
		for {
			n, err := upstreamCh.Read(buf)
			if n > 0 {
				mu.Lock()
				if isPTY && termRec != nil {
					termRec.Write(recorder.StreamOutput, buf[:n])
				}
				if isSFTP && sftpTr != nil {
					sftpTr.observeResponse(buf[:n])
				}
				mu.Unlock()
				metrics.TrafficBytes.WithLabelValues("ssh", "target_to_client").Add(float64(n))
				if _, werr := clientCh.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	wg.Wait()
}

// handleForwardChannel bridges direct-tcpip and X11 channels verbatim
// between client and target, recording raw traffic for direct-tcpip
// into a traffic recorder file of its own for each channel.
func (ps *proxySession) handleForwardChannel(ctx context.Context, nc ssh.NewChannel) {
	clientCh, clientReqs, err := nc.Accept()
	if err != nil {
		ps.log.WithError(err).Debug("failed to accept forward channel")
		return
	}
	defer clientCh.Close()
	go ssh.DiscardRequests(clientReqs)

	upstreamCh, upstreamReqs, err := ps.upstream.OpenChannel(nc.ChannelType(), nc.ExtraData())
	if err != nil {
		ps.log.WithError(err).Warn("target rejected forward channel")
		return
	}
	defer upstreamCh.Close()
	go ssh.DiscardRequests(upstreamReqs)

	var trafficRec *recorder.TrafficRecorder
	if nc.ChannelType() == "direct-tcpip" {
		var m directTCPIPMsg
		if err := ssh.Unmarshal(nc.ExtraData(), &m); err == nil {
			if r, err := ps.srv.cfg.Recorder.StartTraffic(ctx, ps.handle.ID(), m.Host, int(m.Port)); err == nil {
				trafficRec = r
			}
		}
	}
	defer func() {
		if trafficRec != nil {
			trafficRec.Close()
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer upstreamCh.CloseWrite()
		relay(clientCh, upstreamCh, trafficRec, recorder.DirectionClientToTarget)
	}()
	go func() {
		defer wg.Done()
		defer clientCh.CloseWrite()
		relay(upstreamCh, clientCh, trafficRec, recorder.DirectionTargetToClient)
	}()
	wg.Wait()
}

func relay(src io.Reader, dst io.Writer, rec *recorder.TrafficRecorder, dir recorder.Direction) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if rec != nil {
				rec.Write(dir, buf[:n])
			}
			metrics.TrafficBytes.WithLabelValues("ssh", directionLabel(dir)).Add(float64(n))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func directionLabel(dir recorder.Direction) string {
	if dir == recorder.DirectionClientToTarget {
		return "client_to_target"
	}
	return "target_to_client"
}
