package sshconn

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// Shell is a PTY-backed interactive session on an SSH connection. Reads
// return shell output, writes feed shell input; it satisfies the session
// package's ShellChannel contract.
type Shell struct {
	stdin   io.WriteCloser
	stdout  io.Reader
	session *ssh.Session
}

// OpenShell starts an interactive shell with a PTY on client. Cancellation is
// observed before the channel opens; afterwards the shell belongs to its
// session and is torn down through session abort, not ctx.
func OpenShell(ctx context.Context, client *ssh.Client, cols, rows uint16) (*Shell, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnectError{Kind: KindCancelled, Err: err}
	}
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open shell channel: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &Shell{stdin: stdin, stdout: stdout, session: sess}, nil
}

// Read returns shell output bytes in emission order.
func (s *Shell) Read(p []byte) (int, error) { return s.stdout.Read(p) }

// Write feeds bytes to the shell's stdin in submission order.
func (s *Shell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// Resize updates the PTY geometry.
func (s *Shell) Resize(cols, rows uint16) error {
	return s.session.WindowChange(int(rows), int(cols))
}

// Close tears the shell channel down. Fire-and-forget semantics; callers log
// and move on.
func (s *Shell) Close() error {
	return s.session.Close()
}
