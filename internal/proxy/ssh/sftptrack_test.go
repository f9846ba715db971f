package ssh

import (
	"encoding/binary"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/warp-tech/warpgate/internal/authn"
	"github.com/warp-tech/warpgate/internal/sftp"
)

func packet(packetType byte, payload []byte) []byte {
	length := uint32(len(payload) + 1)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, length)
	out := append([]byte{}, lenBuf...)
	out = append(out, packetType)
	return append(out, payload...)
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func str(s string) []byte {
	return append(u32(uint32(len(s))), s...)
}

func TestNextFrameSplitsConcatenatedPackets(t *testing.T) {
	p1 := packet(sftp.TypeClose, append(u32(1), str("h1")...))
	p2 := packet(sftp.TypeRmdir, append(u32(2), str("/tmp/dir")...))
	buf := append(append([]byte{}, p1...), p2...)

	f1, rest, ok := nextFrame(buf)
	require.True(t, ok)
	require.Equal(t, p1, f1)

	f2, rest2, ok := nextFrame(rest)
	require.True(t, ok)
	require.Equal(t, p2, f2)
	require.Empty(t, rest2)
}

func TestNextFrameWaitsForMoreData(t *testing.T) {
	_, rest, ok := nextFrame([]byte{0, 0, 0, 10, 1, 2})
	require.False(t, ok)
	require.Equal(t, []byte{0, 0, 0, 10, 1, 2}, rest)
}

func TestSFTPTrackerCorrelatesHandleToPath(t *testing.T) {
	tr := newSFTPTracker(log.NewEntry(log.New()))

	openPayload := append(u32(7), str("/tmp/test.txt")...)
	openPayload = append(openPayload, u32(0x01)...) // read flag
	openPayload = append(openPayload, u32(0)...)
	tr.observeRequest(packet(sftp.TypeOpen, openPayload))
	require.Equal(t, "/tmp/test.txt", tr.pendingOpen[7])

	handlePayload := append(u32(7), str("h-1")...)
	tr.observeResponse(packet(sftp.TypeHandle, handlePayload))
	require.Empty(t, tr.pendingOpen)
	require.Equal(t, "/tmp/test.txt", tr.handles["h-1"])

	closePayload := append(u32(8), str("h-1")...)
	tr.observeRequest(packet(sftp.TypeClose, closePayload))
	require.NotContains(t, tr.handles, "h-1")
}

func TestVerdictToPermissionsAccepted(t *testing.T) {
	perms, err := verdictToPermissions(authn.VerdictAccepted)
	require.NoError(t, err)
	require.NotNil(t, perms)
}

func TestVerdictToPermissionsNeedMoreIsDenied(t *testing.T) {
	_, err := verdictToPermissions(authn.VerdictNeedMore)
	require.Error(t, err)
}

func TestVerdictToPermissionsRejected(t *testing.T) {
	_, err := verdictToPermissions(authn.VerdictRejected)
	require.Error(t, err)
}
