// Package sshfiles performs remote file operations for a session's host.
//
// Operations run over SFTP on the session's existing SSH connection, so the
// file layer never re-authenticates. Each call is one self-contained
// operation; streaming and chunking happen a layer up, in the gateway.
package sshfiles

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ErrInvalidPath rejects empty or non-absolute remote paths before they reach
// the wire.
var ErrInvalidPath = errors.New("sshfiles: invalid remote path")

// Entry describes one remote directory entry.
type Entry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"modTime"`
	IsDir   bool      `json:"isDir"`
}

// Client wraps an SFTP session on an existing SSH connection.
type Client struct {
	sftp *sftp.Client
}

// NewClient opens an SFTP subsystem channel on client.
func NewClient(client *ssh.Client) (*Client, error) {
	c, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("open sftp subsystem: %w", err)
	}
	return &Client{sftp: c}, nil
}

// Close releases the SFTP channel. The underlying SSH connection stays open;
// it belongs to the session.
func (c *Client) Close() error {
	return c.sftp.Close()
}

// ValidatePath enforces the remote-path rules shared by all operations:
// non-empty, absolute, no NUL bytes.
func ValidatePath(p string) error {
	if p == "" || !path.IsAbs(p) || strings.ContainsRune(p, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return nil
}

// List returns the entries of a remote directory sorted by the server.
func (c *Client) List(dir string) ([]Entry, error) {
	if err := ValidatePath(dir); err != nil {
		return nil, err
	}
	infos, err := c.sftp.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, Entry{
			Name:    fi.Name(),
			Size:    fi.Size(),
			Mode:    fi.Mode().String(),
			ModTime: fi.ModTime(),
			IsDir:   fi.IsDir(),
		})
	}
	return entries, nil
}

// Upload writes data to a remote file, truncating any previous content.
func (c *Client) Upload(p string, data []byte) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	f, err := c.sftp.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open %s for write: %w", p, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

// Download reads a remote file fully into memory.
func (c *Client) Download(p string) ([]byte, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	f, err := c.sftp.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}

// Stat returns the entry for a single remote path.
func (c *Client) Stat(p string) (Entry, error) {
	if err := ValidatePath(p); err != nil {
		return Entry{}, err
	}
	fi, err := c.sftp.Stat(p)
	if err != nil {
		return Entry{}, fmt.Errorf("stat %s: %w", p, err)
	}
	return Entry{
		Name:    fi.Name(),
		Size:    fi.Size(),
		Mode:    fi.Mode().String(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}, nil
}

// Mkdir creates a remote directory, including missing parents.
func (c *Client) Mkdir(p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	if err := c.sftp.MkdirAll(p); err != nil {
		return fmt.Errorf("mkdir %s: %w", p, err)
	}
	return nil
}

// Delete removes a remote file or directory tree.
func (c *Client) Delete(p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	fi, err := c.sftp.Stat(p)
	if err != nil {
		return fmt.Errorf("stat %s: %w", p, err)
	}
	if fi.IsDir() {
		if err := c.sftp.RemoveAll(p); err != nil {
			return fmt.Errorf("remove dir %s: %w", p, err)
		}
		return nil
	}
	if err := c.sftp.Remove(p); err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

// Rename moves a remote file or directory.
func (c *Client) Rename(from, to string) error {
	if err := ValidatePath(from); err != nil {
		return err
	}
	if err := ValidatePath(to); err != nil {
		return err
	}
	if err := c.sftp.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s to %s: %w", from, to, err)
	}
	return nil
}

// Chmod sets the permission bits of a remote path. mode is an octal string
// like "644" or "0755".
func (c *Client) Chmod(p, mode string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	bits, err := ParseMode(mode)
	if err != nil {
		return err
	}
	if err := c.sftp.Chmod(p, bits); err != nil {
		return fmt.Errorf("chmod %s: %w", p, err)
	}
	return nil
}

// ParseMode converts an octal permission string to file mode bits.
func ParseMode(mode string) (os.FileMode, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(mode, "0o"), 8, 32)
	if err != nil || n > 0o7777 {
		return 0, fmt.Errorf("sshfiles: bad mode %q", mode)
	}
	return os.FileMode(n), nil
}
