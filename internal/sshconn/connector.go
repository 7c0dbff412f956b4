// Package sshconn opens and watches remote shell connections over SSH.
//
// It wraps golang.org/x/crypto/ssh with a fixed cipher/kex policy, bounded
// connect timeouts, and classification of transport failures into the stable
// categories clients depend on. Cancellation is observed before dialing,
// after the handshake, and before the shell channel opens.
package sshconn

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultReadyTimeout bounds the transport's own dial+handshake.
	DefaultReadyTimeout = 20 * time.Second
	// DefaultOuterTimeout is the fallback deadline, slightly longer than the
	// ready timeout so it only fires if the transport's timeout hangs.
	DefaultOuterTimeout = 25 * time.Second
)

// Policy pins the negotiable algorithm sets. Orderings are preference order.
var (
	kexAlgorithms = []string{
		"curve25519-sha256", "curve25519-sha256@libssh.org",
		"ecdh-sha2-nistp256", "diffie-hellman-group14-sha256",
	}
	cipherAlgorithms = []string{
		"chacha20-poly1305@openssh.com",
		"aes128-gcm@openssh.com", "aes256-gcm@openssh.com",
		"aes128-ctr", "aes256-ctr",
	}
)

// Config describes one connection attempt. Credentials come from the
// external credential collaborator; this package never stores them.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	// PrivateKey is an optional PEM-encoded key; used before Password when set.
	PrivateKey []byte

	// HostKeyCallback overrides host key verification. Nil accepts any host
	// key, which matches the trust model of a gateway fronting ephemeral
	// hosts; deployments with known_hosts plug in their own callback.
	HostKeyCallback ssh.HostKeyCallback

	ReadyTimeout time.Duration
	OuterTimeout time.Duration
}

// Connector dials remote shells.
type Connector struct {
	log zerolog.Logger
}

// NewConnector returns a Connector logging through log.
func NewConnector(log zerolog.Logger) *Connector {
	return &Connector{log: log.With().Str("component", "sshconn").Logger()}
}

// Connect opens and authenticates an SSH connection. Every failure is
// returned as a *ConnectError with a classified kind; ctx cancellation
// surfaces as KindCancelled.
func (c *Connector) Connect(ctx context.Context, cfg Config) (*ssh.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnectError{Kind: KindCancelled, Err: err}
	}

	ready := cfg.ReadyTimeout
	if ready <= 0 {
		ready = DefaultReadyTimeout
	}
	outer := cfg.OuterTimeout
	if outer <= ready {
		outer = ready + 5*time.Second
	}

	auth, err := authMethods(cfg)
	if err != nil {
		return nil, &ConnectError{Kind: KindAuthFailed, Err: err}
	}

	hostKeys := cfg.HostKeyCallback
	if hostKeys == nil {
		hostKeys = ssh.InsecureIgnoreHostKey()
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         ready,
		Config: ssh.Config{
			KeyExchanges: kexAlgorithms,
			Ciphers:      cipherAlgorithms,
		},
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	// The outer deadline is a fallback: the dial and handshake run in a
	// goroutine and we give up if neither the transport timeout nor the
	// session token resolves them in time.
	outerCtx, cancel := context.WithTimeout(ctx, outer)
	defer cancel()

	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)

	go func() {
		dialer := net.Dialer{Timeout: ready}
		netConn, err := dialer.DialContext(outerCtx, "tcp", addr)
		if err != nil {
			done <- result{err: err}
			return
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
		if err != nil {
			netConn.Close()
			done <- result{err: err}
			return
		}
		done <- result{client: ssh.NewClient(sshConn, chans, reqs)}
	}()

	select {
	case <-outerCtx.Done():
		// Cancelled or outer timeout. The dial goroutine will close its
		// connection when it resolves; teardown is fire-and-forget.
		go func() {
			if r := <-done; r.client != nil {
				r.client.Close()
			}
		}()
		kind := KindNetworkTimeout
		if ctx.Err() == context.Canceled {
			kind = KindCancelled
		}
		return nil, &ConnectError{Kind: kind, Err: outerCtx.Err()}
	case r := <-done:
		if r.err != nil {
			kind := classify(r.err)
			if ctx.Err() == context.Canceled {
				kind = KindCancelled
			}
			c.log.Debug().Err(r.err).Str("addr", addr).Str("kind", kind.String()).
				Msg("ssh connect failed")
			return nil, &ConnectError{Kind: kind, Err: r.err}
		}
		// Cancellation observed after connect success: give the handle back
		// to no one, unwind before the shell opens.
		if err := ctx.Err(); err != nil {
			r.client.Close()
			return nil, &ConnectError{Kind: KindCancelled, Err: err}
		}
		c.log.Info().Str("addr", addr).Str("user", cfg.User).Msg("ssh connected")
		return r.client, nil
	}
}

// authMethods builds the auth chain from the config: key first when present,
// then password.
func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(cfg.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no credentials supplied")
	}
	return methods, nil
}

// WatchClose invokes onClose once the SSH connection ends for any reason.
// Callers route this into session abort so the surviving side hears about it
// exactly once.
func WatchClose(client *ssh.Client, onClose func(err error)) {
	go func() {
		err := client.Wait()
		onClose(err)
	}()
}
