package sshexec

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// testServer is an in-process SSH server accepting public key auth and
// echoing a canned response to any exec request.
type testServer struct {
	addr    string
	cleanup func()
}

func newTestKeyPair(t *testing.T) ssh.Signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer from key: %v", err)
	}
	_ = pub
	return signer
}

func startTestServer(t *testing.T, authorizedKey ssh.PublicKey, exitCode uint32) *testServer {
	t.Helper()

	hostSigner := newTestKeyPair(t)

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(authorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
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
			go handleConn(netConn, cfg, exitCode)
		}
	}()

	return &testServer{
		addr: listener.Addr().String(),
		cleanup: func() {
			listener.Close()
			<-done
		},
	}
}

func handleConn(netConn net.Conn, cfg *ssh.ServerConfig, exitCode uint32) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, cfg)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type == "exec" {
					ch.Write([]byte("ok\n"))
					status := make([]byte, 4)
					status[3] = byte(exitCode)
					ch.SendRequest("exit-status", false, status)
					if req.WantReply {
						req.Reply(true, nil)
					}
					return
				}
				if req.WantReply {
					req.Reply(true, nil)
				}
			}
		}()
	}
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func TestDialAndExec(t *testing.T) {
	signer := newTestKeyPair(t)
	srv := startTestServer(t, signer.PublicKey(), 0)
	defer srv.cleanup()

	host, port := splitHostPort(t, srv.addr)
	client, err := Dial(context.Background(), DialOptions{
		Host:     host,
		Port:     port,
		Username: "root",
		Signer:   signer,
		Timeout:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer client.Close()

	var out, errBuf bytes.Buffer
	code, err := client.Exec(context.Background(), "echo hi", &out, &errBuf)
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if out.String() != "ok\n" {
		t.Errorf("stdout = %q, want %q", out.String(), "ok\n")
	}
}

func TestDialAndExec_NonZeroExit(t *testing.T) {
	signer := newTestKeyPair(t)
	srv := startTestServer(t, signer.PublicKey(), 7)
	defer srv.cleanup()

	host, port := splitHostPort(t, srv.addr)
	client, err := Dial(context.Background(), DialOptions{
		Host: host, Port: port, Username: "root", Signer: signer, Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer client.Close()

	code, err := BufferedExecDiscard(client, "false")
	if err != nil {
		t.Fatalf("exec error: %v", err)
	}
	if code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
}

func TestDial_RejectsUnknownKey(t *testing.T) {
	serverSigner := newTestKeyPair(t)
	clientSigner := newTestKeyPair(t)
	srv := startTestServer(t, serverSigner.PublicKey(), 0)
	defer srv.cleanup()

	host, port := splitHostPort(t, srv.addr)
	_, err := Dial(context.Background(), DialOptions{
		Host: host, Port: port, Username: "root", Signer: clientSigner, Timeout: 2 * time.Second,
	})
	if err == nil {
		t.Fatal("expected auth failure for unrecognized client key")
	}
}

func BufferedExecDiscard(c *Client, cmd string) (int, error) {
	return c.Exec(context.Background(), cmd, new(bytes.Buffer), new(bytes.Buffer))
}
