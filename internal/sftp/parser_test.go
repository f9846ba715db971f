package sftp

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildPacket(packetType byte, payload []byte) []byte {
	length := uint32(len(payload) + 1)
	out := make([]byte, 0, 5+len(payload))
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, length)
	out = append(out, lenBuf...)
	out = append(out, packetType)
	out = append(out, payload...)
	return out
}

func buildString(s string) []byte {
	out := make([]byte, 4, 4+len(s))
	binary.BigEndian.PutUint32(out, uint32(len(s)))
	return append(out, s...)
}

func buildU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func buildU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func TestParseOpenRead(t *testing.T) {
	var payload []byte
	payload = append(payload, buildU32(1)...)
	payload = append(payload, buildString("/tmp/test.txt")...)
	payload = append(payload, buildU32(0x01)...)
	payload = append(payload, buildU32(0)...)

	op, ok := ParsePacket(buildPacket(TypeOpen, payload))
	require.True(t, ok)
	require.Equal(t, KindOpen, op.Kind)
	require.EqualValues(t, 1, op.RequestID)
	require.Equal(t, "/tmp/test.txt", op.Path)
	require.False(t, op.IsUpload)
	require.True(t, op.IsDownload)
}

func TestParseOpenWrite(t *testing.T) {
	var payload []byte
	payload = append(payload, buildU32(2)...)
	payload = append(payload, buildString("/tmp/output.txt")...)
	payload = append(payload, buildU32(0x0A)...)
	payload = append(payload, buildU32(0)...)

	op, ok := ParsePacket(buildPacket(TypeOpen, payload))
	require.True(t, ok)
	require.EqualValues(t, 2, op.RequestID)
	require.True(t, op.IsUpload)
	require.False(t, op.IsDownload)
}

func TestParseShortPacketReturnsFalse(t *testing.T) {
	_, ok := ParsePacket([]byte{0, 0, 0, 1})
	require.False(t, ok)
}

func TestParseClose(t *testing.T) {
	var payload []byte
	payload = append(payload, buildU32(3)...)
	payload = append(payload, buildString("handle123")...)

	op, ok := ParsePacket(buildPacket(TypeClose, payload))
	require.True(t, ok)
	require.Equal(t, KindClose, op.Kind)
	require.EqualValues(t, 3, op.RequestID)
	require.Equal(t, []byte("handle123"), op.Handle)
}

func TestParseHandleResponse(t *testing.T) {
	var payload []byte
	payload = append(payload, buildU32(42)...)
	payload = append(payload, buildString("file_handle_xyz")...)

	resp, ok := ParseResponse(buildPacket(TypeHandle, payload))
	require.True(t, ok)
	require.Equal(t, RespHandle, resp.Kind)
	require.EqualValues(t, 42, resp.RequestID)
	require.Equal(t, []byte("file_handle_xyz"), resp.Handle)
}

func TestParseDataResponse(t *testing.T) {
	data := []byte("Hello, World! This is file content.")
	var payload []byte
	payload = append(payload, buildU32(99)...)
	payload = append(payload, buildU32(uint32(len(data)))...)
	payload = append(payload, data...)

	resp, ok := ParseResponse(buildPacket(TypeData, payload))
	require.True(t, ok)
	require.EqualValues(t, 99, resp.RequestID)
	require.Equal(t, data, resp.Data)
}

func TestParseStatusResponse(t *testing.T) {
	var payload []byte
	payload = append(payload, buildU32(123)...)
	payload = append(payload, buildU32(0)...)

	resp, ok := ParseResponse(buildPacket(TypeStatus, payload))
	require.True(t, ok)
	require.EqualValues(t, 123, resp.RequestID)
	require.EqualValues(t, 0, resp.Code)
}

func TestParseRename(t *testing.T) {
	var payload []byte
	payload = append(payload, buildU32(7)...)
	payload = append(payload, buildString("/a")...)
	payload = append(payload, buildString("/b")...)

	op, ok := ParsePacket(buildPacket(TypeRename, payload))
	require.True(t, ok)
	require.Equal(t, "/a", op.OldPath)
	require.Equal(t, "/b", op.NewPath)
}

func TestParseTruncatedReadIsRejected(t *testing.T) {
	var payload []byte
	payload = append(payload, buildU32(1)...)
	payload = append(payload, buildString("h")...)
	payload = append(payload, buildU64(0)...)
	// Missing the trailing length field entirely.
	_, ok := ParsePacket(buildPacket(TypeRead, payload))
	require.False(t, ok)
}
