package recorder

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// apiEntry is one JSONL line of an API recording.
type apiEntry struct {
	Timestamp       int64             `json:"ts"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Status          int               `json:"status"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	RequestBodyB64  string            `json:"request_body_b64,omitempty"`
	ResponseBodyB64 string            `json:"response_body_b64,omitempty"`
}

// APIRecorder writes one JSONL file per session capturing HTTP
// request/response pairs. The HTTP proxy (internal/proxy/httpgw) writes
// through it; Kubernetes API requests are not recorded here.
type APIRecorder struct {
	f  *os.File
	aw *asyncWriter
}

func newAPIRecorder(path string, logger *log.Entry) (*APIRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &APIRecorder{f: f, aw: newAsyncWriter(logger.WithField("recorder", "api"))}, nil
}

// WriteRequest appends one logged request/response pair.
func (r *APIRecorder) WriteRequest(at time.Time, method, url string, status int, reqHeaders map[string]string, reqBody, respBody []byte) {
	entry := apiEntry{
		Timestamp:      at.Unix(),
		Method:         method,
		URL:            url,
		Status:         status,
		RequestHeaders: reqHeaders,
	}
	if len(reqBody) > 0 {
		entry.RequestBodyB64 = base64.StdEncoding.EncodeToString(reqBody)
	}
	if len(respBody) > 0 {
		entry.ResponseBodyB64 = base64.StdEncoding.EncodeToString(respBody)
	}
	r.aw.enqueue(func() error {
		line, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		line = append(line, '\n')
		_, err = r.f.Write(line)
		return err
	})
}

func (r *APIRecorder) Close() error {
	r.aw.close()
	return trace.Wrap(r.f.Close())
}
