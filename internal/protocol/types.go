// Package protocol implements the binary frame format spoken between the
// browser client and the gateway.
//
// Every message is one frame: a fixed 10-byte prefix (magic, version, message
// type, header length), a UTF-8 JSON header carrying routing metadata
// (session id, operation id, status), and an optional opaque binary payload.
// All integers on the wire are big-endian. The codec is a pure transform with
// no I/O; callers own the transport.
package protocol

// MessageType identifies the kind of a frame. The set is closed and
// versioned; unknown values are rejected by the dispatch layer, not the
// codec, so that forward-compatible logging of the raw type remains possible.
type MessageType byte

// Control messages (0x00-0x0F).
const (
	MsgHandshake  MessageType = 0x01
	MsgPing       MessageType = 0x02
	MsgPong       MessageType = 0x03
	MsgConnect    MessageType = 0x04
	MsgDisconnect MessageType = 0x05
	MsgError      MessageType = 0x06
	MsgAbort      MessageType = 0x07
	MsgLatency    MessageType = 0x08
)

// Shell data messages (0x10-0x1F).
const (
	MsgShellData   MessageType = 0x10
	MsgShellResize MessageType = 0x11
	MsgShellAck    MessageType = 0x12
)

// File operation messages (0x20-0x3F).
const (
	MsgFileInit     MessageType = 0x20
	MsgFileList     MessageType = 0x21
	MsgFileUpload   MessageType = 0x22
	MsgFileDownload MessageType = 0x23
	MsgFileMkdir    MessageType = 0x24
	MsgFileDelete   MessageType = 0x25
	MsgFileRename   MessageType = 0x26
	MsgFileChmod    MessageType = 0x27
	MsgFileCancel   MessageType = 0x28
	MsgFileChunk    MessageType = 0x29
)

// Response messages (0x80-0xFF).
const (
	RespSuccess    MessageType = 0x80
	RespError      MessageType = 0x81
	RespProgress   MessageType = 0x82
	RespFileData   MessageType = 0x83
	RespFolderData MessageType = 0x84
)

// String returns the wire name of the message type for logs and diagnostics.
func (t MessageType) String() string {
	switch t {
	case MsgHandshake:
		return "handshake"
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgConnect:
		return "connect"
	case MsgDisconnect:
		return "disconnect"
	case MsgError:
		return "error"
	case MsgAbort:
		return "abort"
	case MsgLatency:
		return "latency"
	case MsgShellData:
		return "shell_data"
	case MsgShellResize:
		return "shell_resize"
	case MsgShellAck:
		return "shell_ack"
	case MsgFileInit:
		return "file_init"
	case MsgFileList:
		return "file_list"
	case MsgFileUpload:
		return "file_upload"
	case MsgFileDownload:
		return "file_download"
	case MsgFileMkdir:
		return "file_mkdir"
	case MsgFileDelete:
		return "file_delete"
	case MsgFileRename:
		return "file_rename"
	case MsgFileChmod:
		return "file_chmod"
	case MsgFileCancel:
		return "file_cancel"
	case MsgFileChunk:
		return "file_chunk"
	case RespSuccess:
		return "resp_success"
	case RespError:
		return "resp_error"
	case RespProgress:
		return "resp_progress"
	case RespFileData:
		return "resp_file_data"
	case RespFolderData:
		return "resp_folder_data"
	default:
		return "unknown"
	}
}

// IsControl reports whether t falls in the control range (0x00-0x0F).
func (t MessageType) IsControl() bool { return t <= 0x0F }

// IsShell reports whether t falls in the shell-data range (0x10-0x1F).
func (t MessageType) IsShell() bool { return t >= 0x10 && t <= 0x1F }

// IsFileOp reports whether t falls in the file-operation range (0x20-0x3F).
func (t MessageType) IsFileOp() bool { return t >= 0x20 && t <= 0x3F }

// IsResponse reports whether t falls in the response range (0x80-0xFF).
func (t MessageType) IsResponse() bool { return t >= 0x80 }

// Known reports whether t is a member of the closed message set.
func (t MessageType) Known() bool { return t.String() != "unknown" }

// Header is the structured metadata carried by every frame. Fields are
// optional per message type; unused fields are omitted from the encoded JSON.
// SessionID and OpID are caller-supplied opaque tokens; the gateway checks
// non-emptiness where required and nothing else.
type Header struct {
	SessionID string `json:"sessionId,omitempty"`
	OpID      string `json:"opId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Status    int    `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// Connect parameters.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	User string `json:"user,omitempty"`

	// Shell geometry (resize) and initial terminal size on connect.
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`

	// File operation parameters.
	Path   string `json:"path,omitempty"`
	Target string `json:"target,omitempty"`
	Mode   string `json:"mode,omitempty"`

	// Chunked transfer bookkeeping.
	ChunkIndex int    `json:"chunkIndex,omitempty"`
	ChunkTotal int    `json:"chunkTotal,omitempty"`
	Checksum   string `json:"checksum,omitempty"`

	// Progress reporting (responses only).
	BytesDone  int64 `json:"bytesDone,omitempty"`
	BytesTotal int64 `json:"bytesTotal,omitempty"`
}
