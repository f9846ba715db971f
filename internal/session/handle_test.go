package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp-tech/warpgate/internal/identity"
)

func TestSetTargetRequiresUserFirst(t *testing.T) {
	h, err := New(ProtoSSH, "1.2.3.4", time.Now)
	require.NoError(t, err)

	err = h.SetTarget(&identity.Target{ID: "t1", Name: "t1"})
	require.Error(t, err)
}

func TestSetUserInfoIsOneWayLatch(t *testing.T) {
	h, err := New(ProtoSSH, "1.2.3.4", time.Now)
	require.NoError(t, err)

	require.NoError(t, h.SetUserInfo(&identity.User{ID: "u1", Username: "alice"}))
	err = h.SetUserInfo(&identity.User{ID: "u2", Username: "bob"})
	require.Error(t, err)
	require.Equal(t, "alice", h.Username())
}

func TestSetTargetIsOneWayLatch(t *testing.T) {
	h, err := New(ProtoSSH, "1.2.3.4", time.Now)
	require.NoError(t, err)
	require.NoError(t, h.SetUserInfo(&identity.User{ID: "u1", Username: "alice"}))
	require.NoError(t, h.SetTarget(&identity.Target{ID: "t1", Name: "t1"}))
	require.Error(t, h.SetTarget(&identity.Target{ID: "t2", Name: "t2"}))
}

func TestCancelClosesDone(t *testing.T) {
	h, err := New(ProtoSSH, "1.2.3.4", time.Now)
	require.NoError(t, err)
	h.Cancel()
	h.Cancel() // must not panic on double-cancel
	select {
	case <-h.Done():
	default:
		t.Fatal("Done() should be closed after Cancel")
	}
}
