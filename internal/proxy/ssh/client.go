package ssh

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/warp-tech/warpgate/internal/identity"
)

// dialTarget mirrors the server-side handshake against the target, using
// the Target's configured credentials (spec §4.6, "Client side mirrors the
// above against the target"). Host key checking is intentionally
// permissive: warpgate trusts its own configuration, not a known_hosts
// file, for the target leg.
func (s *Server) dialTarget(ctx context.Context, target *identity.Target) (*ssh.Client, error) {
	opts := target.Options
	if opts.Protocol != identity.ProtocolSSH {
		return nil, trace.BadParameter("target %q is not an ssh target", target.Name)
	}

	conf := &ssh.ClientConfig{
		User:            opts.SSHUsername,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // bastion trusts its own target config, not a known_hosts file
		Timeout:         10 * time.Second,
	}

	if opts.SSHAuth.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(opts.SSHAuth.PrivateKey))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		conf.Auth = append(conf.Auth, ssh.PublicKeys(signer))
	}
	if opts.SSHAuth.Password != "" {
		conf.Auth = append(conf.Auth, ssh.Password(opts.SSHAuth.Password))
	}
	if len(conf.Auth) == 0 {
		return nil, trace.BadParameter("target %q has no configured ssh credentials", target.Name)
	}

	addr := fmt.Sprintf("%s:%d", opts.SSHHost, opts.SSHPort)
	dialer := net.Dialer{Timeout: conf.Timeout}
	nconn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to connect to target %q", target.Name)
	}

	cconn, chans, reqs, err := ssh.NewClientConn(nconn, addr, conf)
	if err != nil {
		nconn.Close()
		return nil, trace.ConnectionProblem(err, "ssh handshake with target %q failed", target.Name)
	}
	return ssh.NewClient(cconn, chans, reqs), nil
}
