package ssh

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/warp-tech/warpgate/internal/sftp"
)

// sftpTracker reassembles the length-prefixed SFTP frames flowing over one
// "sftp" subsystem channel and feeds them to the stateless parser,
// maintaining the handle-to-path correlation the parser itself does not
// keep (spec §4.6: "the parser is stateless; path/handle correlation is
// performed in a companion tracker").
type sftpTracker struct {
	log *log.Entry

	reqBuf  []byte
	respBuf []byte

	pendingOpen map[uint32]string // request id -> path, awaiting a HANDLE response
	handles     map[string]string // handle bytes (as string) -> path
}

func newSFTPTracker(logger *log.Entry) *sftpTracker {
	return &sftpTracker{
		log:         logger.WithField("subsystem", "sftp"),
		pendingOpen: map[uint32]string{},
		handles:     map[string]string{},
	}
}

// observeRequest logs each complete client->server SFTP request found in
// data, without altering the bytes that are forwarded to the target.
func (t *sftpTracker) observeRequest(data []byte) {
	t.reqBuf = append(t.reqBuf, data...)
	for {
		frame, rest, ok := nextFrame(t.reqBuf)
		if !ok {
			break
		}
		t.reqBuf = rest
		op, ok := sftp.ParsePacket(frame)
		if !ok {
			continue
		}
		t.logOperation(op)
	}
}

// observeResponse logs each complete server->client SFTP response,
// resolving newly issued handles to the path that was opened.
func (t *sftpTracker) observeResponse(data []byte) {
	t.respBuf = append(t.respBuf, data...)
	for {
		frame, rest, ok := nextFrame(t.respBuf)
		if !ok {
			break
		}
		t.respBuf = rest
		resp, ok := sftp.ParseResponse(frame)
		if !ok {
			continue
		}
		if resp.Kind == sftp.RespHandle {
			if path, ok := t.pendingOpen[resp.RequestID]; ok {
				t.handles[string(resp.Handle)] = path
				delete(t.pendingOpen, resp.RequestID)
			}
		}
	}
}

func (t *sftpTracker) logOperation(op *sftp.Operation) {
	entry := t.log.WithField("request_id", op.RequestID)
	switch op.Kind {
	case sftp.KindOpen:
		t.pendingOpen[op.RequestID] = op.Path
		entry.WithField("path", op.Path).Info("sftp open")
	case sftp.KindClose:
		path, ok := t.handles[string(op.Handle)]
		if ok {
			delete(t.handles, string(op.Handle))
		}
		entry.WithField("path", path).Info("sftp close")
	case sftp.KindRead:
		entry.WithField("path", t.handles[string(op.Handle)]).WithField("offset", op.Offset).Debug("sftp read")
	case sftp.KindWrite:
		entry.WithField("path", t.handles[string(op.Handle)]).WithField("offset", op.Offset).WithField("bytes", op.DataLen).Info("sftp write")
	case sftp.KindRemove:
		entry.WithField("path", op.Path).Info("sftp remove")
	case sftp.KindRename:
		entry.WithField("from", op.OldPath).WithField("to", op.NewPath).Info("sftp rename")
	case sftp.KindMkdir:
		entry.WithField("path", op.Path).Info("sftp mkdir")
	case sftp.KindRmdir:
		entry.WithField("path", op.Path).Info("sftp rmdir")
	case sftp.KindSetstat:
		entry.WithField("path", op.Path).Debug("sftp setstat")
	case sftp.KindSymlink:
		entry.WithField("target", op.NewPath).WithField("link", op.Path).Info("sftp symlink")
	}
}

// nextFrame extracts one length(u32 BE)|payload frame from buf, reporting
// whether a complete frame was available.
func nextFrame(buf []byte) (frame, rest []byte, ok bool) {
	if len(buf) < 4 {
		return nil, buf, false
	}
	length := binary.BigEndian.Uint32(buf)
	total := 4 + int(length)
	if total < 4 || len(buf) < total {
		return nil, buf, false
	}
	return buf[:total], buf[total:], true
}
