package authn

import (
	"context"
	"strings"

	"github.com/gravitational/trace"

	"github.com/warp-tech/warpgate/internal/identity"
)

// Selector is the result of parsing a protocol username into either a
// plain (username, target) pair or a ticket secret, per spec §4.3's
// "ticket selector" and §4.7's "<user>:<target>" PostgreSQL convention.
type Selector struct {
	IsTicket   bool
	Username   string
	TargetName string
	Secret     string
}

// ParseSelector splits raw on the first colon: "user:target" is a plain
// selector, "user" with no colon is treated as a ticket secret.
func ParseSelector(raw string) Selector {
	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		return Selector{Username: raw[:idx], TargetName: raw[idx+1:]}
	}
	return Selector{IsTicket: true, Secret: raw}
}

// ResolveTicketSelector atomically consumes the ticket and returns the
// target it authorizes, as if the user had selected it directly.
func ResolveTicketSelector(ctx context.Context, provider identity.Provider, secret string) (*identity.Ticket, *identity.Target, error) {
	ticket, err := provider.ConsumeTicket(ctx, secret)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	target, err := provider.GetTarget(ctx, ticket.TargetName)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return ticket, target, nil
}
