// Package sftp implements the stateless SFTP packet parser (C1) used to
// intercept file operations flowing through an SSH "sftp" subsystem channel
// for logging (no request is blocked on them), without implementing an SFTP engine
// itself (the bastion never originates file transfers of its own).
//
// Grounded on
// original_source/warpgate-protocol-ssh/src/sftp/parser.rs.
package sftp

import "encoding/binary"

// Request packet types (SSH_FXP_*).
const (
	TypeOpen    = 3
	TypeClose   = 4
	TypeRead    = 5
	TypeWrite   = 6
	TypeSetstat = 9
	TypeRemove  = 13
	TypeMkdir   = 14
	TypeRmdir   = 15
	TypeRename  = 18
	TypeSymlink = 20
)

// Response packet types.
const (
	TypeStatus = 101
	TypeHandle = 102
	TypeData   = 103
)

// OpenFlags bits, SSH_FXF_*.
const (
	FlagRead  = 0x01
	FlagWrite = 0x02
)

// Kind tags the variant of a parsed SFTP request. Only the Operation fields
// that belong to its Kind are meaningful.
type Kind int

const (
	KindOpen Kind = iota
	KindClose
	KindRead
	KindWrite
	KindRemove
	KindRename
	KindMkdir
	KindRmdir
	KindSetstat
	KindSymlink
)

// Operation is a parsed SFTP request.
type Operation struct {
	Kind      Kind
	RequestID uint32

	Path       string
	OldPath    string
	NewPath    string // Rename.new_path / Symlink.target_path
	Handle     []byte
	Flags      uint32
	IsUpload   bool
	IsDownload bool
	Offset     uint64
	Length     uint32 // Read.length
	DataLen    int    // Write.data_len
}

// ResponseKind discriminates a parsed SFTP response.
type ResponseKind int

const (
	RespStatus ResponseKind = iota
	RespHandle
	RespData
)

// Response is a parsed SFTP server->client response.
type Response struct {
	Kind      ResponseKind
	RequestID uint32
	Code      uint32 // Status
	Handle    []byte // Handle
	Data      []byte // Data
}

type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) remaining() int { return len(c.buf) - c.pos }

func (c *cursor) getU32() (uint32, bool) {
	if c.remaining() < 4 {
		return 0, false
	}
	v := binary.BigEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, true
}

func (c *cursor) getU64() (uint64, bool) {
	if c.remaining() < 8 {
		return 0, false
	}
	v := binary.BigEndian.Uint64(c.buf[c.pos:])
	c.pos += 8
	return v, true
}

func (c *cursor) readBytes() ([]byte, bool) {
	n, ok := c.getU32()
	if !ok {
		return nil, false
	}
	length := int(n)
	if length < 0 || c.remaining() < length {
		return nil, false
	}
	b := c.buf[c.pos : c.pos+length]
	c.pos += length
	return b, true
}

func (c *cursor) readString() (string, bool) {
	b, ok := c.readBytes()
	if !ok {
		return "", false
	}
	return string(b), true
}

// ParsePacket parses an SFTP request packet. Malformed packets return
// (nil, false) rather than panicking.
func ParsePacket(data []byte) (*Operation, bool) {
	if len(data) < 5 {
		return nil, false
	}
	c := &cursor{buf: data}
	length, _ := c.getU32()
	if c.remaining() < int(length) || length < 1 {
		return nil, false
	}
	packetType := c.buf[c.pos]
	c.pos++

	switch packetType {
	case TypeOpen:
		return parseOpen(c)
	case TypeClose:
		return parseClose(c)
	case TypeRead:
		return parseRead(c)
	case TypeWrite:
		return parseWrite(c)
	case TypeRemove:
		return parseRemove(c)
	case TypeRename:
		return parseRename(c)
	case TypeMkdir:
		return parseMkdir(c)
	case TypeRmdir:
		return parseRmdir(c)
	case TypeSetstat:
		return parseSetstat(c)
	case TypeSymlink:
		return parseSymlink(c)
	default:
		return nil, false
	}
}

func parseOpen(c *cursor) (*Operation, bool) {
	reqID, ok := c.getU32()
	if !ok {
		return nil, false
	}
	path, ok := c.readString()
	if !ok {
		return nil, false
	}
	flags, ok := c.getU32()
	if !ok {
		return nil, false
	}
	return &Operation{
		Kind: KindOpen, RequestID: reqID, Path: path, Flags: flags,
		IsDownload: flags&FlagRead != 0,
		IsUpload:   flags&FlagWrite != 0,
	}, true
}

func parseClose(c *cursor) (*Operation, bool) {
	reqID, ok := c.getU32()
	if !ok {
		return nil, false
	}
	handle, ok := c.readBytes()
	if !ok {
		return nil, false
	}
	return &Operation{Kind: KindClose, RequestID: reqID, Handle: handle}, true
}

func parseRead(c *cursor) (*Operation, bool) {
	reqID, ok := c.getU32()
	if !ok {
		return nil, false
	}
	handle, ok := c.readBytes()
	if !ok {
		return nil, false
	}
	offset, ok := c.getU64()
	if !ok {
		return nil, false
	}
	length, ok := c.getU32()
	if !ok {
		return nil, false
	}
	return &Operation{Kind: KindRead, RequestID: reqID, Handle: handle, Offset: offset, Length: length}, true
}

func parseWrite(c *cursor) (*Operation, bool) {
	reqID, ok := c.getU32()
	if !ok {
		return nil, false
	}
	handle, ok := c.readBytes()
	if !ok {
		return nil, false
	}
	offset, ok := c.getU64()
	if !ok {
		return nil, false
	}
	dataLen, ok := c.getU32()
	if !ok {
		return nil, false
	}
	return &Operation{Kind: KindWrite, RequestID: reqID, Handle: handle, Offset: offset, DataLen: int(dataLen)}, true
}

func parseRemove(c *cursor) (*Operation, bool) {
	reqID, ok := c.getU32()
	if !ok {
		return nil, false
	}
	path, ok := c.readString()
	if !ok {
		return nil, false
	}
	return &Operation{Kind: KindRemove, RequestID: reqID, Path: path}, true
}

func parseRename(c *cursor) (*Operation, bool) {
	reqID, ok := c.getU32()
	if !ok {
		return nil, false
	}
	oldPath, ok := c.readString()
	if !ok {
		return nil, false
	}
	newPath, ok := c.readString()
	if !ok {
		return nil, false
	}
	return &Operation{Kind: KindRename, RequestID: reqID, OldPath: oldPath, NewPath: newPath}, true
}

func parseMkdir(c *cursor) (*Operation, bool) {
	reqID, ok := c.getU32()
	if !ok {
		return nil, false
	}
	path, ok := c.readString()
	if !ok {
		return nil, false
	}
	// attrs follow but are not needed for access control.
	return &Operation{Kind: KindMkdir, RequestID: reqID, Path: path}, true
}

func parseRmdir(c *cursor) (*Operation, bool) {
	reqID, ok := c.getU32()
	if !ok {
		return nil, false
	}
	path, ok := c.readString()
	if !ok {
		return nil, false
	}
	return &Operation{Kind: KindRmdir, RequestID: reqID, Path: path}, true
}

func parseSetstat(c *cursor) (*Operation, bool) {
	reqID, ok := c.getU32()
	if !ok {
		return nil, false
	}
	path, ok := c.readString()
	if !ok {
		return nil, false
	}
	return &Operation{Kind: KindSetstat, RequestID: reqID, Path: path}, true
}

func parseSymlink(c *cursor) (*Operation, bool) {
	reqID, ok := c.getU32()
	if !ok {
		return nil, false
	}
	linkPath, ok := c.readString()
	if !ok {
		return nil, false
	}
	targetPath, ok := c.readString()
	if !ok {
		return nil, false
	}
	return &Operation{Kind: KindSymlink, RequestID: reqID, Path: linkPath, NewPath: targetPath}, true
}

// ParseResponse parses an SFTP server->client response packet.
func ParseResponse(data []byte) (*Response, bool) {
	if len(data) < 5 {
		return nil, false
	}
	c := &cursor{buf: data}
	length, _ := c.getU32()
	if c.remaining() < int(length) || length < 1 {
		return nil, false
	}
	packetType := c.buf[c.pos]
	c.pos++

	switch packetType {
	case TypeStatus:
		return parseStatusResponse(c)
	case TypeHandle:
		return parseHandleResponse(c)
	case TypeData:
		return parseDataResponse(c, int(length)-1)
	default:
		return nil, false
	}
}

func parseHandleResponse(c *cursor) (*Response, bool) {
	reqID, ok := c.getU32()
	if !ok {
		return nil, false
	}
	handle, ok := c.readBytes()
	if !ok {
		return nil, false
	}
	return &Response{Kind: RespHandle, RequestID: reqID, Handle: handle}, true
}

func parseDataResponse(c *cursor, remainingLength int) (*Response, bool) {
	reqID, ok := c.getU32()
	if !ok {
		return nil, false
	}
	dataLen, ok := c.getU32()
	if !ok {
		return nil, false
	}
	maxAllowed := remainingLength - 8
	if maxAllowed < 0 {
		maxAllowed = 0
	}
	if int(dataLen) > maxAllowed {
		return nil, false
	}
	if c.remaining() < int(dataLen) {
		return nil, false
	}
	data := c.buf[c.pos : c.pos+int(dataLen)]
	c.pos += int(dataLen)
	return &Response{Kind: RespData, RequestID: reqID, Data: data}, true
}

func parseStatusResponse(c *cursor) (*Response, bool) {
	if c.remaining() < 8 {
		return nil, false
	}
	reqID, _ := c.getU32()
	code, _ := c.getU32()
	return &Response{Kind: RespStatus, RequestID: reqID, Code: code}, true
}
