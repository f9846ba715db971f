package recorder

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

type castHeader struct {
	Version   int     `json:"version"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Timestamp float64 `json:"timestamp"`
}

// TerminalRecorder writes an asciicast-v2 style transcript: a header line
// followed by one JSON array per frame, [elapsed_seconds, stream, text].
// All writes flow through an asyncWriter so a slow disk never stalls the
// terminal relay itself.
type TerminalRecorder struct {
	f     *os.File
	enc   *json.Encoder
	clock clockwork.Clock
	start float64
	aw    *asyncWriter
}

func newTerminalRecorder(path string, width, height int, clock clockwork.Clock, logger *log.Entry) (*TerminalRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := clock.Now()
	header := castHeader{Version: 2, Width: width, Height: height, Timestamp: float64(now.Unix())}
	enc := json.NewEncoder(f)
	if err := enc.Encode(header); err != nil {
		f.Close()
		return nil, trace.Wrap(err)
	}
	r := &TerminalRecorder{
		f: f, enc: enc, clock: clock, start: nowSeconds(clock),
		aw: newAsyncWriter(logger.WithField("recorder", "terminal")),
	}
	return r, nil
}

func nowSeconds(c clockwork.Clock) float64 {
	return float64(c.Now().UnixNano()) / 1e9
}

// Write appends a data frame. A failed or overflowed write self-disables
// the recorder (spec §4.5: "a failed write removes the recorder from its
// owner's table — recording failures must never terminate a live session")
// and is otherwise silent to the data path.
func (r *TerminalRecorder) Write(stream Stream, data []byte) {
	elapsed := nowSeconds(r.clock) - r.start
	frame := [3]interface{}{elapsed, string(stream), string(data)}
	r.aw.enqueue(func() error { return r.enc.Encode(frame) })
}

// WritePTYResize records a terminal resize event.
func (r *TerminalRecorder) WritePTYResize(width, height int) {
	elapsed := nowSeconds(r.clock) - r.start
	frame := [3]interface{}{elapsed, "r", resizeSize(width, height)}
	r.aw.enqueue(func() error { return r.enc.Encode(frame) })
}

func resizeSize(w, h int) string {
	return strconv.Itoa(w) + "x" + strconv.Itoa(h)
}

// Close drains any pending frames and finalizes the recorder. Recordings
// are append-only and immutable once the session ends (data-model
// invariant 6); Close only releases the file handle, it never rewrites
// prior content.
func (r *TerminalRecorder) Close() error {
	r.aw.close()
	return trace.Wrap(r.f.Close())
}
