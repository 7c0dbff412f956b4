package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/shellgate/shellgate/internal/logutil"
	"github.com/shellgate/shellgate/internal/protocol"
	"github.com/shellgate/shellgate/internal/session"
	"github.com/shellgate/shellgate/internal/transfer"
)

// downloadChunkSize is the payload cap for one outbound file-data frame.
// Larger files are split into numbered chunks that the client reassembles.
const downloadChunkSize = 1 * 1024 * 1024

// handleFileOp serves the file-operation message range. Every operation runs
// over the session's existing SSH connection through a lazily opened SFTP
// channel; failures are reported per operation id and never take the session
// down.
func (c *wsConn) handleFileOp(ctx context.Context, f *protocol.Frame) {
	h := f.Header
	s, ok := c.g.sessions.Get(h.SessionID)
	if !ok {
		c.respondErr(ctx, h.SessionID, h.OpID, http.StatusNotFound, "unknown session")
		return
	}

	// FileCancel needs no remote channel; the transfer may have never
	// produced one.
	if f.Type == protocol.MsgFileCancel {
		c.g.cancelUpload(h.OpID)
		c.send(ctx, protocol.RespSuccess, protocol.Header{SessionID: s.ID, OpID: h.OpID, Reason: "cancelled"}, nil)
		return
	}

	fc, err := c.g.filesFor(s)
	if err != nil {
		c.log.Warn().Err(err).Str("session", s.ID).Msg("sftp channel open failed")
		c.respondErr(ctx, s.ID, h.OpID, http.StatusBadGateway, "file channel unavailable")
		return
	}

	switch f.Type {
	case protocol.MsgFileInit:
		// Init opens the channel and, when a path is named, confirms it
		// exists by returning its entry.
		var payload []byte
		if h.Path != "" {
			entry, err := fc.Stat(h.Path)
			if err != nil {
				c.respondFileErr(ctx, s.ID, h.OpID, err)
				return
			}
			if payload, err = json.Marshal(entry); err != nil {
				c.respondErr(ctx, s.ID, h.OpID, http.StatusInternalServerError, "entry encode failed")
				return
			}
		}
		c.send(ctx, protocol.RespSuccess, protocol.Header{SessionID: s.ID, OpID: h.OpID, Path: h.Path}, payload)

	case protocol.MsgFileList:
		entries, err := fc.List(h.Path)
		if err != nil {
			c.respondFileErr(ctx, s.ID, h.OpID, err)
			return
		}
		payload, err := json.Marshal(entries)
		if err != nil {
			c.respondErr(ctx, s.ID, h.OpID, http.StatusInternalServerError, "listing encode failed")
			return
		}
		c.send(ctx, protocol.RespFolderData, protocol.Header{SessionID: s.ID, OpID: h.OpID, Path: h.Path}, payload)

	case protocol.MsgFileUpload:
		c.handleUpload(ctx, s, fc, f)

	case protocol.MsgFileChunk:
		c.handleChunk(ctx, s, fc, f)

	case protocol.MsgFileDownload:
		c.handleDownload(ctx, s, fc, f)

	case protocol.MsgFileMkdir:
		c.respondFileResult(ctx, s.ID, h.OpID, fc.Mkdir(h.Path))

	case protocol.MsgFileDelete:
		c.respondFileResult(ctx, s.ID, h.OpID, fc.Delete(h.Path))

	case protocol.MsgFileRename:
		c.respondFileResult(ctx, s.ID, h.OpID, fc.Rename(h.Path, h.Target))

	case protocol.MsgFileChmod:
		c.respondFileResult(ctx, s.ID, h.OpID, fc.Chmod(h.Path, h.Mode))

	default:
		c.respondErr(ctx, s.ID, h.OpID, http.StatusBadRequest, "unsupported file operation")
	}
}

// handleUpload serves MsgFileUpload. A single-frame upload carries the whole
// file in the payload; a chunked one only announces the operation, and the
// bytes follow as MsgFileChunk frames keyed by the operation id.
func (c *wsConn) handleUpload(ctx context.Context, s *session.Session, fc FileOps, f *protocol.Frame) {
	h := f.Header
	if h.ChunkTotal > 1 {
		opID := h.OpID
		if opID == "" {
			c.respondErr(ctx, s.ID, "", http.StatusBadRequest, "chunked upload requires an operation id")
			return
		}
		c.g.mu.Lock()
		c.g.uploads[opID] = &uploadOp{sessionID: s.ID, path: h.Path, checksum: h.Checksum}
		c.g.mu.Unlock()
		c.send(ctx, protocol.RespProgress, protocol.Header{
			SessionID: s.ID, OpID: opID, ChunkTotal: h.ChunkTotal,
		}, nil)
		return
	}

	if h.Checksum != "" && !transfer.VerifyChecksum(f.Payload, h.Checksum) {
		c.respondErr(ctx, s.ID, h.OpID, http.StatusBadRequest, "checksum mismatch")
		return
	}
	if err := fc.Upload(h.Path, f.Payload); err != nil {
		c.respondFileErr(ctx, s.ID, h.OpID, err)
		return
	}
	c.send(ctx, protocol.RespSuccess, protocol.Header{
		SessionID: s.ID, OpID: h.OpID, Path: h.Path, BytesDone: int64(len(f.Payload)),
	}, nil)
}

// handleChunk feeds one chunk into the reassembler and finishes the upload
// when the set completes. A chunk for an operation no one announced means the
// announce frame was lost or the transfer was cancelled or evicted; the
// client must restart it.
func (c *wsConn) handleChunk(ctx context.Context, s *session.Session, fc FileOps, f *protocol.Frame) {
	h := f.Header
	assembled, err := c.g.reassembler.AddChunk(h.OpID, h.ChunkIndex, h.ChunkTotal, f.Payload)
	if err != nil {
		c.respondErr(ctx, s.ID, h.OpID, http.StatusBadRequest, err.Error())
		return
	}
	if assembled == nil {
		c.send(ctx, protocol.RespProgress, protocol.Header{
			SessionID: s.ID, OpID: h.OpID,
			ChunkIndex: h.ChunkIndex, ChunkTotal: h.ChunkTotal,
		}, nil)
		return
	}

	c.g.mu.Lock()
	op, ok := c.g.uploads[h.OpID]
	delete(c.g.uploads, h.OpID)
	c.g.mu.Unlock()
	if !ok {
		c.respondErr(ctx, s.ID, h.OpID, http.StatusGone, "transfer is no longer pending")
		return
	}
	if op.checksum != "" && !transfer.VerifyChecksum(assembled, op.checksum) {
		c.respondErr(ctx, s.ID, h.OpID, http.StatusBadRequest, "checksum mismatch after reassembly")
		return
	}
	if err := fc.Upload(op.path, assembled); err != nil {
		c.respondFileErr(ctx, s.ID, h.OpID, err)
		return
	}
	c.log.Info().Str("session", s.ID).Str("op", logutil.SanitizeForLog(h.OpID)).
		Str("path", logutil.SanitizeForLog(op.path)).Int("bytes", len(assembled)).
		Msg("chunked upload complete")
	c.send(ctx, protocol.RespSuccess, protocol.Header{
		SessionID: s.ID, OpID: h.OpID, Path: op.path, BytesDone: int64(len(assembled)),
	}, nil)
}

// handleDownload reads the remote file and ships it back, splitting into
// numbered chunks when it exceeds the per-frame cap. Every data frame carries
// the whole file's checksum so the client can verify after reassembly.
func (c *wsConn) handleDownload(ctx context.Context, s *session.Session, fc FileOps, f *protocol.Frame) {
	h := f.Header
	data, err := fc.Download(h.Path)
	if err != nil {
		c.respondFileErr(ctx, s.ID, h.OpID, err)
		return
	}

	opID := h.OpID
	if opID == "" {
		opID = uuid.NewString()
	}
	checksum := transfer.ChecksumHex(data)

	if len(data) <= downloadChunkSize {
		c.send(ctx, protocol.RespFileData, protocol.Header{
			SessionID: s.ID, OpID: opID, Path: h.Path,
			ChunkIndex: 0, ChunkTotal: 1,
			Checksum: checksum, BytesTotal: int64(len(data)),
		}, data)
		return
	}

	total := (len(data) + downloadChunkSize - 1) / downloadChunkSize
	for i := 0; i < total; i++ {
		start := i * downloadChunkSize
		end := start + downloadChunkSize
		if end > len(data) {
			end = len(data)
		}
		c.send(ctx, protocol.RespFileData, protocol.Header{
			SessionID: s.ID, OpID: opID, Path: h.Path,
			ChunkIndex: i, ChunkTotal: total,
			Checksum: checksum, BytesTotal: int64(len(data)),
		}, data[start:end])
	}
	c.log.Debug().Str("session", s.ID).Str("path", logutil.SanitizeForLog(h.Path)).
		Int("bytes", len(data)).Int("chunks", total).Msg("chunked download sent")
}

func (c *wsConn) respondFileResult(ctx context.Context, sessionID, opID string, err error) {
	if err != nil {
		c.respondFileErr(ctx, sessionID, opID, err)
		return
	}
	c.send(ctx, protocol.RespSuccess, protocol.Header{SessionID: sessionID, OpID: opID}, nil)
}

// respondFileErr reports a remote file failure for one operation. The full
// error goes to the client; paths the client sent are fair to echo back.
func (c *wsConn) respondFileErr(ctx context.Context, sessionID, opID string, err error) {
	c.log.Debug().Err(err).Str("session", sessionID).Str("op", logutil.SanitizeForLog(opID)).
		Msg("file operation failed")
	c.respondErr(ctx, sessionID, opID, http.StatusUnprocessableEntity, err.Error())
}

// filesFor returns the session's SFTP channel, opening it on first use. The
// channel is torn down by the session's abort handler, so file state never
// outlives the session.
func (g *Gateway) filesFor(s *session.Session) (FileOps, error) {
	g.mu.Lock()
	if fc, ok := g.files[s.ID]; ok {
		g.mu.Unlock()
		return fc, nil
	}
	g.mu.Unlock()

	client := s.SSHClient()
	if client == nil {
		return nil, fmt.Errorf("session %s has no ssh connection", s.ID)
	}
	fc, err := g.openFiles(client)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	if existing, ok := g.files[s.ID]; ok {
		// Raced with another frame for the same session; keep the first.
		g.mu.Unlock()
		_ = fc.Close()
		return existing, nil
	}
	g.files[s.ID] = fc
	g.mu.Unlock()

	if err := g.sessions.AddAbortHandler(s.ID, func(string) { g.closeFiles(s.ID) }, true); err != nil {
		g.closeFiles(s.ID)
		return nil, err
	}
	return fc, nil
}

func (g *Gateway) closeFiles(sessionID string) {
	g.mu.Lock()
	fc, ok := g.files[sessionID]
	delete(g.files, sessionID)
	g.mu.Unlock()
	if ok {
		_ = fc.Close()
	}
}

// cancelUpload drops a pending chunked upload and its reassembly state.
func (g *Gateway) cancelUpload(opID string) {
	if opID == "" {
		return
	}
	g.reassembler.Discard(opID)
	g.mu.Lock()
	delete(g.uploads, opID)
	g.mu.Unlock()
}
