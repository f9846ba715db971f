// Package recorder implements the session recording pipeline (C5): terminal
// (asciicast-v2), raw-traffic, and structured API recorders, all writing
// under recordings/<session-id>/<ordinal>-<name>.<ext> (spec §4.5).
//
// Grounded on the file-naming/handle idiom of
// zmb3-teleport/lib/events/filesessions/fileuploader.go and the recorder
// interface shape of zmb3-teleport/lib/events/api.go.
package recorder

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// Stream discriminates a terminal recorder's write direction.
type Stream string

const (
	StreamOutput Stream = "o"
	StreamInput  Stream = "i"
	StreamError  Stream = "e"
)

// bufferedFrames bounds each recorder's internal write queue (spec §5:
// "the recorder buffer is bounded (>=1000 frames) and overflows drop the
// recorder").
const bufferedFrames = 1000

// asyncWriter decouples a recorder's disk writes from the data path: enqueue
// submits a write job and returns immediately, while a single goroutine
// drains the queue in order, so concurrent recorder writes never need their
// own mutex around the underlying file. A full queue means disk writes have
// fallen behind live traffic; per spec §5 that disables the recorder rather
// than blocking the caller or reordering frames. The jobs channel is never
// closed (closing a channel concurrently with a send on it panics); close
// instead signals the run goroutine over a separate stop channel and lets
// it drain whatever was already buffered.
type asyncWriter struct {
	jobs chan func() error
	stop chan struct{}
	done chan struct{}

	mu     sync.Mutex
	failed bool
	closed bool
	log    *log.Entry
}

func newAsyncWriter(logger *log.Entry) *asyncWriter {
	w := &asyncWriter{
		jobs: make(chan func() error, bufferedFrames),
		stop: make(chan struct{}),
		done: make(chan struct{}),
		log:  logger,
	}
	go w.run()
	return w
}

func (w *asyncWriter) run() {
	defer close(w.done)
	for {
		select {
		case job := <-w.jobs:
			w.runJob(job)
		case <-w.stop:
			w.drain()
			return
		}
	}
}

// drain runs whatever jobs were already buffered when stop fired, without
// blocking for more to arrive.
func (w *asyncWriter) drain() {
	for {
		select {
		case job := <-w.jobs:
			w.runJob(job)
		default:
			return
		}
	}
}

func (w *asyncWriter) runJob(job func() error) {
	if w.isFailed() {
		return
	}
	if err := job(); err != nil {
		w.fail(err)
	}
}

func (w *asyncWriter) isFailed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

func (w *asyncWriter) fail(err error) {
	w.mu.Lock()
	w.failed = true
	w.mu.Unlock()
	w.log.WithError(err).Warn("recorder write failed, disabling")
}

// enqueue submits job for asynchronous execution, returning false if the
// recorder is already disabled, closed, or its queue is full.
func (w *asyncWriter) enqueue(job func() error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed || w.closed {
		return false
	}
	select {
	case w.jobs <- job:
		return true
	default:
		w.failed = true
		w.log.Warnf("recorder write queue overflowed past %d buffered frames, disabling", bufferedFrames)
		return false
	}
}

// close signals the run goroutine to drain and exit, and waits for it.
// Safe to call more than once.
func (w *asyncWriter) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	close(w.stop)
	<-w.done
}

// Config configures the Manager that owns all recorders for one process.
type Config struct {
	// DataDir is the root "recordings/" directory.
	DataDir string
	// Enabled toggles recording globally (spec §4.5).
	Enabled bool
	Clock   clockwork.Clock
	Log     *log.Entry
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		return trace.BadParameter("missing parameter DataDir")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "recorder")
	}
	return nil
}

// Manager opens recorders for sessions and numbers their files per session.
// It keeps no table of open recorders; each recorder disables itself on a
// failed write through its asyncWriter.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	ordinal map[string]*int64 // session id -> next ordinal counter
}

// NewManager constructs a Manager. cfg.DataDir is created if missing.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{cfg: cfg, ordinal: make(map[string]*int64)}, nil
}

func (m *Manager) nextOrdinal(sessionID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	counter, ok := m.ordinal[sessionID]
	if !ok {
		var zero int64
		counter = &zero
		m.ordinal[sessionID] = counter
	}
	return atomic.AddInt64(counter, 1)
}

func (m *Manager) sessionDir(sessionID string) string {
	return filepath.Join(m.cfg.DataDir, sessionID)
}

func (m *Manager) filePath(sessionID string, ordinal int64, name, ext string) string {
	return filepath.Join(m.sessionDir(sessionID), recorderFileName(ordinal, name, ext))
}

func recorderFileName(ordinal int64, name, ext string) string {
	return strconv.FormatInt(ordinal, 10) + "-" + name + "." + ext
}

// StartTerminal opens a new TerminalRecorder for sessionID, or a no-op
// recorder if recording is globally disabled.
func (m *Manager) StartTerminal(ctx context.Context, sessionID string, width, height int) (*TerminalRecorder, error) {
	if !m.cfg.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(m.sessionDir(sessionID), 0o750); err != nil {
		return nil, trace.Wrap(err)
	}
	ordinal := m.nextOrdinal(sessionID)
	path := m.filePath(sessionID, ordinal, "terminal", "cast")
	return newTerminalRecorder(path, width, height, m.cfg.Clock, m.cfg.Log)
}

// StartTraffic opens a new TrafficRecorder, in a file of its own, for the
// given host:port pair. Each call creates a new file; calls for the same
// host:port pair do not share one.
func (m *Manager) StartTraffic(ctx context.Context, sessionID, host string, port int) (*TrafficRecorder, error) {
	if !m.cfg.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(m.sessionDir(sessionID), 0o750); err != nil {
		return nil, trace.Wrap(err)
	}
	ordinal := m.nextOrdinal(sessionID)
	path := m.filePath(sessionID, ordinal, "traffic", "bin")
	return newTrafficRecorder(path, host, port, m.cfg.Log)
}

// StartAPI opens an APIRecorder for sessionID. The HTTP proxy records its
// requests through it; the Kubernetes proxy does not call it.
func (m *Manager) StartAPI(ctx context.Context, sessionID string) (*APIRecorder, error) {
	if !m.cfg.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(m.sessionDir(sessionID), 0o750); err != nil {
		return nil, trace.Wrap(err)
	}
	ordinal := m.nextOrdinal(sessionID)
	path := m.filePath(sessionID, ordinal, "api", "jsonl")
	return newAPIRecorder(path, m.cfg.Log)
}
