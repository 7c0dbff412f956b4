package sshconn

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// testSSHServer starts an in-process SSH server accepting password auth for
// user "x" with password "secret". It handles no channels; connection-level
// success is all these tests need.
func testSSHServer(t *testing.T) (addr string, cleanup func()) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == "x" && string(password) == "secret" {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong credentials")
		},
	}
	cfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				sshConn, chans, reqs, err := ssh.NewServerConn(netConn, cfg)
				if err != nil {
					netConn.Close()
					return
				}
				go ssh.DiscardRequests(reqs)
				for ch := range chans {
					ch.Reject(ssh.UnknownChannelType, "test server")
				}
				sshConn.Close()
			}()
		}
	}()

	return listener.Addr().String(), func() {
		listener.Close()
		<-done
	}
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func TestConnectSuccess(t *testing.T) {
	addr, cleanup := testSSHServer(t)
	defer cleanup()
	host, port := splitAddr(t, addr)

	c := NewConnector(zerolog.Nop())
	client, err := c.Connect(context.Background(), Config{
		Host: host, Port: port, User: "x", Password: "secret",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client.Close()
}

func TestConnectAuthFailed(t *testing.T) {
	addr, cleanup := testSSHServer(t)
	defer cleanup()
	host, port := splitAddr(t, addr)

	c := NewConnector(zerolog.Nop())
	_, err := c.Connect(context.Background(), Config{
		Host: host, Port: port, User: "x", Password: "wrong",
	})
	if err == nil {
		t.Fatal("Connect succeeded with bad password")
	}
	if KindOf(err) != KindAuthFailed {
		t.Errorf("kind = %v, want auth_failed (err: %v)", KindOf(err), err)
	}
}

func TestConnectRefused(t *testing.T) {
	// Grab a port and release it so nothing is listening.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, port := splitAddr(t, l.Addr().String())
	l.Close()

	c := NewConnector(zerolog.Nop())
	_, err = c.Connect(context.Background(), Config{
		Host: host, Port: port, User: "x", Password: "secret",
	})
	if err == nil {
		t.Fatal("Connect succeeded against a closed port")
	}
	if KindOf(err) != KindConnectionRefused {
		t.Errorf("kind = %v, want connection_refused (err: %v)", KindOf(err), err)
	}
}

func TestConnectCancelledBeforeDial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewConnector(zerolog.Nop())
	_, err := c.Connect(ctx, Config{Host: "10.0.0.5", Port: 22, User: "x", Password: "p"})
	if !IsCancelled(err) {
		t.Errorf("kind = %v, want cancelled", KindOf(err))
	}
}

func TestConnectCancelledMidHandshake(t *testing.T) {
	// A listener that accepts and never speaks SSH stalls the handshake.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()
	host, port := splitAddr(t, listener.Addr().String())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	c := NewConnector(zerolog.Nop())
	start := time.Now()
	_, err = c.Connect(ctx, Config{Host: host, Port: port, User: "x", Password: "p"})
	if !IsCancelled(err) {
		t.Errorf("kind = %v, want cancelled (err: %v)", KindOf(err), err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %v, want prompt unwind", elapsed)
	}
}

func TestConnectNoCredentials(t *testing.T) {
	c := NewConnector(zerolog.Nop())
	_, err := c.Connect(context.Background(), Config{Host: "h", Port: 22, User: "x"})
	if KindOf(err) != KindAuthFailed {
		t.Errorf("kind = %v, want auth_failed", KindOf(err))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"context cancelled", context.Canceled, KindCancelled},
		{"deadline", context.DeadlineExceeded, KindNetworkTimeout},
		{"refused text", errors.New("dial tcp 10.0.0.5:22: connect: connection refused"), KindConnectionRefused},
		{"io timeout text", errors.New("dial tcp: i/o timeout"), KindNetworkTimeout},
		{"ssh auth", errors.New("ssh: unable to authenticate, attempted methods [none password]"), KindAuthFailed},
		{"no methods", errors.New("ssh: handshake failed: ssh: no supported methods remain"), KindAuthFailed},
		{"host key", errors.New("ssh: handshake failed: host key mismatch"), KindHostKeyFailed},
		{"knownhosts", errors.New("knownhosts: key is unknown"), KindHostKeyFailed},
		{"anything else", errors.New("ssh: overflow reading packet length"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestKindOfForeignError(t *testing.T) {
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("foreign error should map to unknown")
	}
	wrapped := fmt.Errorf("outer: %w", &ConnectError{Kind: KindAuthFailed, Err: errors.New("x")})
	if KindOf(wrapped) != KindAuthFailed {
		t.Error("KindOf should see through wrapping")
	}
}
