package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	"github.com/shellgate/shellgate/internal/protocol"
	"github.com/shellgate/shellgate/internal/session"
	"github.com/shellgate/shellgate/internal/sshfiles"
	"github.com/shellgate/shellgate/internal/transfer"
)

// fakeFiles is an in-memory FileOps backend.
type fakeFiles struct {
	mu      sync.Mutex
	stored  map[string][]byte
	entries []sshfiles.Entry
	mkdirs  []string
	deletes []string
	renames [][2]string
	chmods  [][2]string
	closed  bool
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{stored: make(map[string][]byte)}
}

func (f *fakeFiles) List(dir string) ([]sshfiles.Entry, error) {
	return f.entries, nil
}

func (f *fakeFiles) Upload(path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.stored[path] = buf
	return nil
}

func (f *fakeFiles) Download(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.stored[path]
	if !ok {
		return nil, sshfiles.ErrInvalidPath
	}
	return data, nil
}

func (f *fakeFiles) Stat(path string) (sshfiles.Entry, error) {
	return sshfiles.Entry{Name: path}, nil
}

func (f *fakeFiles) Mkdir(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirs = append(f.mkdirs, path)
	return nil
}

func (f *fakeFiles) Delete(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, path)
	return nil
}

func (f *fakeFiles) Rename(from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renames = append(f.renames, [2]string{from, to})
	return nil
}

func (f *fakeFiles) Chmod(path, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chmods = append(f.chmods, [2]string{path, mode})
	return nil
}

func (f *fakeFiles) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFiles) get(path string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored[path]
}

// newFileEnv prepares a session with a seeded file channel, bypassing the SSH
// leg entirely.
func newFileEnv(t *testing.T) (*testEnv, *wsConn, *memLink, *fakeFiles) {
	t.Helper()
	env := newTestEnv(t, nil)
	s, err := env.m.Register("fs", session.ConnDesc{Host: "h", User: "u"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.SetShell(nil, env.shell)

	ff := newFakeFiles()
	env.g.mu.Lock()
	env.g.files["fs"] = ff
	env.g.mu.Unlock()

	l := newMemLink()
	c := newConn(env.g, l)
	s.AttachLink(l)
	return env, c, l, ff
}

func TestFileInitStatsNamedPath(t *testing.T) {
	_, c, l, _ := newFileEnv(t)

	c.handleFrame(context.Background(), mustFrame(t, protocol.MsgFileInit,
		protocol.Header{SessionID: "fs", OpID: "init1", Path: "/home/u"}, nil))

	f := l.next(t, protocol.RespSuccess)
	if f.Header.Path != "/home/u" {
		t.Fatalf("path = %q", f.Header.Path)
	}
	var entry sshfiles.Entry
	if err := json.Unmarshal(f.Payload, &entry); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if entry.Name != "/home/u" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestFileListReturnsEntries(t *testing.T) {
	_, c, l, ff := newFileEnv(t)
	ff.entries = []sshfiles.Entry{
		{Name: "a.txt", Size: 3},
		{Name: "sub", IsDir: true},
	}

	c.handleFrame(context.Background(), mustFrame(t, protocol.MsgFileList,
		protocol.Header{SessionID: "fs", OpID: "op1", Path: "/home/u"}, nil))

	f := l.next(t, protocol.RespFolderData)
	if f.Header.OpID != "op1" || f.Header.Path != "/home/u" {
		t.Fatalf("header = %+v", f.Header)
	}
	var got []sshfiles.Entry
	if err := json.Unmarshal(f.Payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(got) != 2 || got[0].Name != "a.txt" || !got[1].IsDir {
		t.Errorf("entries = %+v", got)
	}
}

func TestSingleFrameUpload(t *testing.T) {
	_, c, l, ff := newFileEnv(t)
	data := []byte("hello file")

	c.handleFrame(context.Background(), mustFrame(t, protocol.MsgFileUpload, protocol.Header{
		SessionID: "fs", OpID: "up1", Path: "/tmp/x",
		Checksum: transfer.ChecksumHex(data),
	}, data))

	f := l.next(t, protocol.RespSuccess)
	if f.Header.BytesDone != int64(len(data)) {
		t.Errorf("bytesDone = %d, want %d", f.Header.BytesDone, len(data))
	}
	if !bytes.Equal(ff.get("/tmp/x"), data) {
		t.Errorf("stored = %q", ff.get("/tmp/x"))
	}
}

func TestSingleFrameUploadChecksumMismatch(t *testing.T) {
	_, c, l, ff := newFileEnv(t)

	c.handleFrame(context.Background(), mustFrame(t, protocol.MsgFileUpload, protocol.Header{
		SessionID: "fs", OpID: "up1", Path: "/tmp/x",
		Checksum: transfer.ChecksumHex([]byte("other bytes")),
	}, []byte("hello file")))

	f := l.next(t, protocol.RespError)
	if f.Header.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", f.Header.Status)
	}
	if ff.get("/tmp/x") != nil {
		t.Error("mismatched upload was stored")
	}
}

func TestChunkedUploadOutOfOrder(t *testing.T) {
	_, c, l, ff := newFileEnv(t)
	ctx := context.Background()
	full := []byte("AAAABBBBCC")
	chunks := [][]byte{full[0:4], full[4:8], full[8:10]}

	c.handleFrame(ctx, mustFrame(t, protocol.MsgFileUpload, protocol.Header{
		SessionID: "fs", OpID: "up2", Path: "/tmp/big",
		ChunkTotal: 3, Checksum: transfer.ChecksumHex(full),
	}, nil))
	l.next(t, protocol.RespProgress)

	for _, i := range []int{2, 0, 1} {
		c.handleFrame(ctx, mustFrame(t, protocol.MsgFileChunk, protocol.Header{
			SessionID: "fs", OpID: "up2", ChunkIndex: i, ChunkTotal: 3,
		}, chunks[i]))
	}

	f := l.next(t, protocol.RespSuccess)
	if f.Header.Path != "/tmp/big" || f.Header.BytesDone != int64(len(full)) {
		t.Errorf("header = %+v", f.Header)
	}
	if !bytes.Equal(ff.get("/tmp/big"), full) {
		t.Errorf("assembled = %q, want %q", ff.get("/tmp/big"), full)
	}
}

func TestChunkedUploadChecksumMismatch(t *testing.T) {
	_, c, l, ff := newFileEnv(t)
	ctx := context.Background()

	c.handleFrame(ctx, mustFrame(t, protocol.MsgFileUpload, protocol.Header{
		SessionID: "fs", OpID: "up3", Path: "/tmp/bad",
		ChunkTotal: 2, Checksum: transfer.ChecksumHex([]byte("expected")),
	}, nil))
	l.next(t, protocol.RespProgress)

	c.handleFrame(ctx, mustFrame(t, protocol.MsgFileChunk, protocol.Header{
		SessionID: "fs", OpID: "up3", ChunkIndex: 0, ChunkTotal: 2,
	}, []byte("act")))
	l.next(t, protocol.RespProgress)
	c.handleFrame(ctx, mustFrame(t, protocol.MsgFileChunk, protocol.Header{
		SessionID: "fs", OpID: "up3", ChunkIndex: 1, ChunkTotal: 2,
	}, []byte("ual")))

	f := l.next(t, protocol.RespError)
	if f.Header.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", f.Header.Status)
	}
	if ff.get("/tmp/bad") != nil {
		t.Error("corrupt upload was stored")
	}
}

func TestChunkWithoutAnnounce(t *testing.T) {
	_, c, l, _ := newFileEnv(t)

	c.handleFrame(context.Background(), mustFrame(t, protocol.MsgFileChunk, protocol.Header{
		SessionID: "fs", OpID: "orphan", ChunkIndex: 0, ChunkTotal: 1,
	}, []byte("data")))

	f := l.next(t, protocol.RespError)
	if f.Header.Status != http.StatusGone {
		t.Errorf("status = %d, want 410", f.Header.Status)
	}
}

func TestFileCancelDiscardsTransfer(t *testing.T) {
	env, c, l, ff := newFileEnv(t)
	ctx := context.Background()

	c.handleFrame(ctx, mustFrame(t, protocol.MsgFileUpload, protocol.Header{
		SessionID: "fs", OpID: "up4", Path: "/tmp/cancelled", ChunkTotal: 2,
	}, nil))
	l.next(t, protocol.RespProgress)
	c.handleFrame(ctx, mustFrame(t, protocol.MsgFileChunk, protocol.Header{
		SessionID: "fs", OpID: "up4", ChunkIndex: 0, ChunkTotal: 2,
	}, []byte("ha")))
	l.next(t, protocol.RespProgress)

	c.handleFrame(ctx, mustFrame(t, protocol.MsgFileCancel,
		protocol.Header{SessionID: "fs", OpID: "up4"}, nil))
	f := l.next(t, protocol.RespSuccess)
	if f.Header.Reason != "cancelled" {
		t.Fatalf("reason = %q", f.Header.Reason)
	}
	if env.g.reassembler.Pending() != 0 {
		t.Error("reassembly state survived cancel")
	}

	// Late chunks restart bookkeeping but the upload itself is gone.
	c.handleFrame(ctx, mustFrame(t, protocol.MsgFileChunk, protocol.Header{
		SessionID: "fs", OpID: "up4", ChunkIndex: 0, ChunkTotal: 2,
	}, []byte("ha")))
	l.next(t, protocol.RespProgress)
	c.handleFrame(ctx, mustFrame(t, protocol.MsgFileChunk, protocol.Header{
		SessionID: "fs", OpID: "up4", ChunkIndex: 1, ChunkTotal: 2,
	}, []byte("lf")))
	f = l.next(t, protocol.RespError)
	if f.Header.Status != http.StatusGone {
		t.Errorf("status = %d, want 410", f.Header.Status)
	}
	if ff.get("/tmp/cancelled") != nil {
		t.Error("cancelled upload was stored")
	}
}

func TestDownloadSmallFileSingleFrame(t *testing.T) {
	_, c, l, ff := newFileEnv(t)
	data := []byte("small payload")
	ff.Upload("/tmp/small", data)

	c.handleFrame(context.Background(), mustFrame(t, protocol.MsgFileDownload,
		protocol.Header{SessionID: "fs", OpID: "dl1", Path: "/tmp/small"}, nil))

	f := l.next(t, protocol.RespFileData)
	if f.Header.ChunkTotal != 1 || f.Header.ChunkIndex != 0 {
		t.Errorf("chunking = %d/%d, want 0/1", f.Header.ChunkIndex, f.Header.ChunkTotal)
	}
	if !bytes.Equal(f.Payload, data) {
		t.Errorf("payload = %q", f.Payload)
	}
	if !transfer.VerifyChecksum(data, f.Header.Checksum) {
		t.Error("checksum does not cover the file")
	}
}

func TestDownloadLargeFileChunked(t *testing.T) {
	_, c, l, ff := newFileEnv(t)
	data := bytes.Repeat([]byte("x"), downloadChunkSize*2+512)
	ff.Upload("/tmp/large", data)

	c.handleFrame(context.Background(), mustFrame(t, protocol.MsgFileDownload,
		protocol.Header{SessionID: "fs", Path: "/tmp/large"}, nil))

	var assembled []byte
	var opID string
	for i := 0; i < 3; i++ {
		f := l.next(t, protocol.RespFileData)
		if f.Header.ChunkTotal != 3 || f.Header.ChunkIndex != i {
			t.Fatalf("chunk %d header = %+v", i, f.Header)
		}
		if f.Header.BytesTotal != int64(len(data)) {
			t.Errorf("bytesTotal = %d, want %d", f.Header.BytesTotal, len(data))
		}
		if i == 0 {
			opID = f.Header.OpID
			if opID == "" {
				t.Fatal("no operation id assigned")
			}
		} else if f.Header.OpID != opID {
			t.Fatalf("op id changed mid-download: %q vs %q", f.Header.OpID, opID)
		}
		assembled = append(assembled, f.Payload...)
	}
	if !bytes.Equal(assembled, data) {
		t.Fatalf("reassembled %d bytes, want %d", len(assembled), len(data))
	}
	if !transfer.VerifyChecksum(assembled, transfer.ChecksumHex(data)) {
		t.Error("checksum mismatch after reassembly")
	}
}

func TestFileHousekeepingOps(t *testing.T) {
	_, c, l, ff := newFileEnv(t)
	ctx := context.Background()

	c.handleFrame(ctx, mustFrame(t, protocol.MsgFileMkdir,
		protocol.Header{SessionID: "fs", OpID: "m1", Path: "/tmp/dir"}, nil))
	l.next(t, protocol.RespSuccess)

	c.handleFrame(ctx, mustFrame(t, protocol.MsgFileRename,
		protocol.Header{SessionID: "fs", OpID: "r1", Path: "/tmp/a", Target: "/tmp/b"}, nil))
	l.next(t, protocol.RespSuccess)

	c.handleFrame(ctx, mustFrame(t, protocol.MsgFileChmod,
		protocol.Header{SessionID: "fs", OpID: "c1", Path: "/tmp/b", Mode: "0644"}, nil))
	l.next(t, protocol.RespSuccess)

	c.handleFrame(ctx, mustFrame(t, protocol.MsgFileDelete,
		protocol.Header{SessionID: "fs", OpID: "d1", Path: "/tmp/b"}, nil))
	l.next(t, protocol.RespSuccess)

	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.mkdirs) != 1 || ff.mkdirs[0] != "/tmp/dir" {
		t.Errorf("mkdirs = %v", ff.mkdirs)
	}
	if len(ff.renames) != 1 || ff.renames[0] != [2]string{"/tmp/a", "/tmp/b"} {
		t.Errorf("renames = %v", ff.renames)
	}
	if len(ff.chmods) != 1 || ff.chmods[0] != [2]string{"/tmp/b", "0644"} {
		t.Errorf("chmods = %v", ff.chmods)
	}
	if len(ff.deletes) != 1 || ff.deletes[0] != "/tmp/b" {
		t.Errorf("deletes = %v", ff.deletes)
	}
}

func TestFileOpWithoutConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.m.Register("noconn", session.ConnDesc{Host: "h"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	l := newMemLink()
	c := newConn(env.g, l)
	c.handleFrame(context.Background(), mustFrame(t, protocol.MsgFileList,
		protocol.Header{SessionID: "noconn", OpID: "op", Path: "/"}, nil))

	f := l.next(t, protocol.RespError)
	if f.Header.Status != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", f.Header.Status)
	}
}

func TestFileOpUnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)
	l := newMemLink()
	c := newConn(env.g, l)

	c.handleFrame(context.Background(), mustFrame(t, protocol.MsgFileList,
		protocol.Header{SessionID: "ghost", OpID: "op", Path: "/"}, nil))
	f := l.next(t, protocol.RespError)
	if f.Header.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", f.Header.Status)
	}
}

func TestAbortClosesFileChannel(t *testing.T) {
	env, _, _, ff := newFileEnv(t)

	// Registering the abort handler normally happens in filesFor; seed it the
	// same way so teardown mirrors production wiring.
	if err := env.g.sessions.AddAbortHandler("fs", func(string) { env.g.closeFiles("fs") }, true); err != nil {
		t.Fatalf("AddAbortHandler: %v", err)
	}

	env.m.Abort("fs", "test", nil)
	waitFor(t, func() bool {
		ff.mu.Lock()
		defer ff.mu.Unlock()
		return ff.closed
	})
	env.g.mu.Lock()
	_, stillCached := env.g.files["fs"]
	env.g.mu.Unlock()
	if stillCached {
		t.Error("file channel cache survived abort")
	}
}
