package authn

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/warp-tech/warpgate/internal/identity"
)

// Verdict is the AuthState's terminal or intermediate result.
type Verdict int

const (
	VerdictPending Verdict = iota
	VerdictAccepted
	VerdictRejected
	VerdictNeedMore
)

// State drives credential collection to a terminal verdict, independent of
// protocol (spec §4.3). One State is created per authentication attempt.
type State struct {
	ID           string
	Username     string
	Protocol     identity.TargetProtocol
	Identification string // stable 4-byte fingerprint for OOB verification

	provider identity.Provider
	clockNow func() time.Time

	validKinds []identity.CredentialKind
	verdict    Verdict
	needKinds  []identity.CredentialKind
	userInfo   *identity.User

	approvalCh chan bool
}

// NewState starts a fresh Collecting state for username on protocol.
func NewState(provider identity.Provider, username string, proto identity.TargetProtocol, now func() time.Time) (*State, error) {
	id, err := randomID()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ident, err := randomIdentification()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &State{
		ID:             id,
		Username:       username,
		Protocol:       proto,
		Identification: ident,
		provider:       provider,
		clockNow:       now,
		verdict:        VerdictPending,
		approvalCh:     make(chan bool, 1),
	}, nil
}

func randomID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", b), nil
}

// randomIdentification produces the short human-verifiable fingerprint used
// to defeat phishing during out-of-band approval (spec GLOSSARY).
func randomIdentification() (string, error) {
	b := make([]byte, 2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	n := (int(b[0])<<8 | int(b[1])) % 10000
	return fmt.Sprintf("%04d", n), nil
}

// AddCredential appends a presented-valid credential kind and re-verifies.
// The caller is responsible for having already confirmed the credential
// matches via identity.Provider.ValidateCredential; State only tracks which
// kinds have been satisfied so far.
func (s *State) AddCredential(ctx context.Context, kind identity.CredentialKind) (Verdict, error) {
	s.validKinds = append(s.validKinds, kind)
	return s.verify(ctx)
}

func (s *State) verify(ctx context.Context) (Verdict, error) {
	user, err := s.provider.GetUser(ctx, s.Username)
	if err != nil {
		s.verdict = VerdictRejected
		return s.verdict, nil //nolint:nilerr // unknown user is a verdict, not a system error
	}
	s.userInfo = user

	policy, err := s.provider.GetCredentialPolicy(ctx, s.Username)
	if err != nil {
		return VerdictPending, trace.Wrap(err)
	}

	available := make([]identity.CredentialKind, 0, len(user.Credentials))
	for _, c := range user.Credentials {
		available = append(available, c.Kind)
	}
	sets := policy.RequiredSets(s.Protocol, available)

	have := map[identity.CredentialKind]bool{}
	for _, k := range s.validKinds {
		have[k] = true
	}

	missingUnion := map[identity.CredentialKind]bool{}
	anySatisfiable := false
	for _, set := range sets {
		satisfied := true
		for _, k := range set {
			if !have[k] {
				satisfied = false
				missingUnion[k] = true
			}
		}
		if satisfied {
			s.verdict = VerdictAccepted
			return s.verdict, nil
		}
		// A set is still satisfiable if every kind it needs is one the
		// user actually possesses (or is the OOB pseudo-kind).
		if setSatisfiableByUser(set, available) {
			anySatisfiable = true
		}
	}

	if !anySatisfiable {
		s.verdict = VerdictRejected
		return s.verdict, nil
	}

	needed := make([]identity.CredentialKind, 0, len(missingUnion))
	for k := range missingUnion {
		needed = append(needed, k)
	}
	s.needKinds = needed
	s.verdict = VerdictNeedMore
	return s.verdict, nil
}

func setSatisfiableByUser(set []identity.CredentialKind, available []identity.CredentialKind) bool {
	has := map[identity.CredentialKind]bool{identity.KindWebUserApproval: true}
	for _, k := range available {
		has[k] = true
	}
	for _, k := range set {
		if !has[k] {
			return false
		}
	}
	return true
}

// Verdict returns the current verdict.
func (s *State) Verdict() Verdict { return s.verdict }

// NeedKinds returns the union of kinds still missing, valid when Verdict()
// is VerdictNeedMore.
func (s *State) NeedKinds() []identity.CredentialKind { return s.needKinds }

// UserInfo returns the resolved user once known (after the first verify call).
func (s *State) UserInfo() *identity.User { return s.userInfo }

// AwaitApproval blocks until an approval event is published for this state's
// ID, the context is cancelled, or the supplied cancel channel fires
// (spec §4.3's "cancel" abort path).
func (s *State) AwaitApproval(ctx context.Context, cancel <-chan struct{}) (bool, error) {
	select {
	case approved := <-s.approvalCh:
		if approved {
			if _, err := s.AddCredential(ctx, identity.KindWebUserApproval); err != nil {
				return false, trace.Wrap(err)
			}
		}
		return approved, nil
	case <-cancel:
		return false, trace.BadParameter("approval aborted by user")
	case <-ctx.Done():
		return false, trace.Wrap(ctx.Err())
	}
}

// PublishApproval resolves a pending AwaitApproval call (the pub/sub topic
// keyed by auth-state id named in spec §4.3 is a single buffered channel
// here since each State is only ever awaited once).
func (s *State) PublishApproval(approved bool) {
	select {
	case s.approvalCh <- approved:
	default:
	}
}

// logger returns a scoped entry for this auth attempt.
func (s *State) logger() *log.Entry {
	return log.WithFields(log.Fields{
		trace.Component: "authn",
		"auth_state":    s.ID,
		"username":      s.Username,
	})
}
