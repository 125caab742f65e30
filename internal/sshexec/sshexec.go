// Package sshexec is the concrete adapter behind the abstract
// SSHConnection the coordinator consumes. It dials, performs the SSH
// handshake, and runs one discrete remote command per Exec call;
// deliberately not a persistent interactive shell.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

const keepaliveInterval = 30 * time.Second

// SSHConnection is the abstract interface the Session Coordinator depends
// on. Every session holds exactly one, obtained from Dial.
type SSHConnection interface {
	// Exec runs a single command to completion, streaming stdout/stderr as
	// they arrive. It blocks until the remote command exits, the context is
	// canceled, or a transport error occurs. The returned exit code is -1 if
	// the command never produced one (transport failure, cancellation).
	Exec(ctx context.Context, command string, stdout, stderr io.Writer) (exitCode int, err error)

	// Close tears down the underlying transport. Safe to call more than once.
	Close() error
}

// Client wraps an *ssh.Client as an SSHConnection, one remote exec per call.
type Client struct {
	conn         *ssh.Client
	keepaliveCtl context.CancelFunc
}

// DialOptions configures how Dial authenticates and connects.
type DialOptions struct {
	Host      string
	Port      int
	Username  string
	Password  string        // used if non-empty and no signer is given
	Signer    ssh.Signer    // used if non-nil, takes priority over Password
	Timeout   time.Duration // connect timeout; defaults to 10s
	HostKeyCB ssh.HostKeyCallback
}

// Dial establishes a new SSH connection per the given options. It starts a
// background keepalive goroutine for the lifetime of the connection.
func Dial(ctx context.Context, opts DialOptions) (*Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HostKeyCB == nil {
		opts.HostKeyCB = ssh.InsecureIgnoreHostKey()
	}

	var auth []ssh.AuthMethod
	if opts.Signer != nil {
		auth = append(auth, ssh.PublicKeys(opts.Signer))
	} else if opts.Password != "" {
		auth = append(auth, ssh.Password(opts.Password))
	} else {
		return nil, fmt.Errorf("dial: no authentication method provided")
	}

	cfg := &ssh.ClientConfig{
		User:            opts.Username,
		Auth:            auth,
		HostKeyCallback: opts.HostKeyCB,
		Timeout:         opts.Timeout,
	}

	addr := net.JoinHostPort(opts.Host, fmt.Sprintf("%d", opts.Port))

	dialer := net.Dialer{Timeout: opts.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	keepCtx, keepCancel := context.WithCancel(context.Background())
	c := &Client{conn: client, keepaliveCtl: keepCancel}
	go c.keepalive(keepCtx)

	log.Printf("[sshexec] connected to %s as %s", addr, opts.Username)
	return c, nil
}

func (c *Client) keepalive(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := c.conn.SendRequest("keepalive@coterm", true, nil); err != nil {
				log.Printf("[sshexec] keepalive failed: %v", err)
				return
			}
		}
	}
}

// Exec runs cmd in a new SSH session, opened and torn down per call, and
// returns once the command exits, the context is canceled, or a transport
// error occurs. When ctx is canceled while the command is running, the
// session is closed, which best-effort signals the remote process.
func (c *Client) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return -1, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan error, 1)
	if err := session.Start(cmd); err != nil {
		return -1, fmt.Errorf("start command: %w", err)
	}
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		session.Close()
		<-done
		return -1, ctx.Err()
	case runErr := <-done:
		if runErr != nil {
			if exitErr, ok := runErr.(*ssh.ExitError); ok {
				return exitErr.ExitStatus(), nil
			}
			return -1, runErr
		}
		return 0, nil
	}
}

// Close terminates the SSH connection and stops the keepalive goroutine.
func (c *Client) Close() error {
	c.keepaliveCtl()
	return c.conn.Close()
}

// BufferedExec is a convenience used by callers (and tests) that want the
// full stdout/stderr accumulated rather than streamed incrementally.
func BufferedExec(ctx context.Context, conn SSHConnection, cmd string) (stdout, stderr string, exitCode int, err error) {
	var outBuf, errBuf bytes.Buffer
	exitCode, err = conn.Exec(ctx, cmd, &outBuf, &errBuf)
	return outBuf.String(), errBuf.String(), exitCode, err
}
