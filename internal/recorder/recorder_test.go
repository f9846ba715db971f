package recorder

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogEntry() *log.Entry {
	return log.NewEntry(log.New())
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(Config{DataDir: dir, Enabled: true, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	return m
}

func TestTerminalRecorderOrdering(t *testing.T) {
	m := newTestManager(t)
	rec, err := m.StartTerminal(context.Background(), "sess1", 80, 24)
	require.NoError(t, err)
	require.NotNil(t, rec)

	rec.Write(StreamOutput, []byte("hello "))
	rec.Write(StreamOutput, []byte("world"))
	require.NoError(t, rec.Close())

	path := filepath.Join(m.sessionDir("sess1"), "1-terminal.cast")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan()) // header
	require.True(t, scanner.Scan())
	var frame1 []json.RawMessage
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &frame1))
	var text1 string
	require.NoError(t, json.Unmarshal(frame1[2], &text1))
	require.Equal(t, "hello ", text1)

	require.True(t, scanner.Scan())
	var frame2 []json.RawMessage
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &frame2))
	var text2 string
	require.NoError(t, json.Unmarshal(frame2[2], &text2))
	require.Equal(t, "world", text2)
}

func TestTrafficRecorderFraming(t *testing.T) {
	m := newTestManager(t)
	rec, err := m.StartTraffic(context.Background(), "sess2", "10.0.0.1", 5432)
	require.NoError(t, err)
	require.NotNil(t, rec)

	rec.Write(DirectionClientToTarget, []byte("abc"))
	require.NoError(t, rec.Close())

	path := filepath.Join(m.sessionDir("sess2"), "1-traffic.bin")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// First frame is the connection header (direction=2).
	require.Equal(t, uint8(2), data[0])
	hdrLen := binary.BigEndian.Uint32(data[1:5])
	offset := 5 + int(hdrLen)

	require.Equal(t, uint8(DirectionClientToTarget), data[offset])
	dataLen := binary.BigEndian.Uint32(data[offset+1 : offset+5])
	require.EqualValues(t, 3, dataLen)
	require.Equal(t, "abc", string(data[offset+5:offset+5+int(dataLen)]))
}

func TestAsyncWriterOverflowDisablesRecorder(t *testing.T) {
	w := newAsyncWriter(testLogEntry())
	block := make(chan struct{})
	require.True(t, w.enqueue(func() error { <-block; return nil }))

	var accepted int
	for i := 0; i < bufferedFrames+8; i++ {
		if w.enqueue(func() error { return nil }) {
			accepted++
		}
	}
	require.Less(t, accepted, bufferedFrames+8, "overflow must eventually refuse enqueues")

	close(block)
	w.close()
	require.True(t, w.isFailed())
	require.False(t, w.enqueue(func() error { return nil }))
}

func TestDisabledRecordingIsNoop(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{DataDir: dir, Enabled: false})
	require.NoError(t, err)
	rec, err := m.StartTerminal(context.Background(), "sess3", 80, 24)
	require.NoError(t, err)
	require.Nil(t, rec)
}
