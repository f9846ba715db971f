package recorder

import (
	"encoding/binary"
	"os"
	"strconv"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Direction discriminates which side originated a chunk of traffic.
type Direction uint8

const (
	DirectionClientToTarget Direction = 0
	DirectionTargetToClient Direction = 1
)

// TrafficRecorder writes raw bytes binary-framed as
// direction(u8) | length(u32) | bytes, one file per recorder, opening with
// a direction-2 frame that holds "host:port". A file is not shared between
// recorders, even for the same (host, port) pair. Writes flow through an
// asyncWriter so they never block the proxied connection.
type TrafficRecorder struct {
	f  *os.File
	aw *asyncWriter
}

func newTrafficRecorder(path, host string, port int, logger *log.Entry) (*TrafficRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	hdr := host + ":" + strconv.Itoa(port)
	if err := writeTrafficFrame(f, 2, []byte(hdr)); err != nil {
		f.Close()
		return nil, trace.Wrap(err)
	}
	return &TrafficRecorder{f: f, aw: newAsyncWriter(logger.WithField("recorder", "traffic"))}, nil
}

// Write appends a direction-tagged chunk. Like TerminalRecorder, a failed
// or overflowed write self-disables rather than propagating to the data
// path.
func (r *TrafficRecorder) Write(dir Direction, data []byte) {
	r.aw.enqueue(func() error { return writeTrafficFrame(r.f, uint8(dir), data) })
}

func writeTrafficFrame(f *os.File, direction uint8, data []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = direction
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(data)))
	if _, err := f.Write(hdr); err != nil {
		return err
	}
	_, err := f.Write(data)
	return err
}

func (r *TrafficRecorder) Close() error {
	r.aw.close()
	return trace.Wrap(r.f.Close())
}
