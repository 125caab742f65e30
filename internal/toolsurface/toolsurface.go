// Package toolsurface implements the decoded request/response layer for
// the assistant channel. Each operation takes decoded arguments, runs against the Session
// Registry, and returns a decoded structured result; the HTTP adapter in
// http.go is a thin JSON transport over these methods.
package toolsurface

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sshcoterm/coterm/internal/coordinator"
	"github.com/sshcoterm/coterm/internal/logutil"
	"github.com/sshcoterm/coterm/internal/model"
	"github.com/sshcoterm/coterm/internal/registry"
	"github.com/sshcoterm/coterm/internal/sshexec"
	"github.com/sshcoterm/coterm/internal/sshkeys"
)

// DialFunc establishes an SSH connection. Tests substitute a fake; the
// default dials a real connection via sshexec.
type DialFunc func(ctx context.Context, opts sshexec.DialOptions) (sshexec.SSHConnection, error)

func defaultDial(ctx context.Context, opts sshexec.DialOptions) (sshexec.SSHConnection, error) {
	return sshexec.Dial(ctx, opts)
}

// Service exposes the tool-call operations. MonitorPort is the externally
// supplied listening port used to compose monitoring URLs.
type Service struct {
	Registry       *registry.Registry
	ConnectTimeout time.Duration
	MonitorPort    int
	Dial           DialFunc
}

// New builds a Service with the real SSH dialer.
func New(reg *registry.Registry, connectTimeout time.Duration, monitorPort int) *Service {
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}
	return &Service{
		Registry:       reg,
		ConnectTimeout: connectTimeout,
		MonitorPort:    monitorPort,
		Dial:           defaultDial,
	}
}

// ConnectArgs are the decoded inputs of the `connect` operation. At least one
// of Password, PrivateKeyContent, or KeyFilePath must be supplied; when more
// than one is given, Connect uses PrivateKeyContent first, then KeyFilePath,
// then Password, and ignores the rest.
type ConnectArgs struct {
	Name              string `json:"name"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Username          string `json:"username"`
	Password          string `json:"password,omitempty"`
	PrivateKeyContent string `json:"privateKeyContent,omitempty"`
	KeyFilePath       string `json:"keyFilePath,omitempty"`
	Passphrase        string `json:"passphrase,omitempty"`
}

// Connect opens a new SSH session and registers it under args.Name.
func (s *Service) Connect(ctx context.Context, args ConnectArgs) (SessionInfo, error) {
	if !registry.ValidateName(args.Name) {
		return SessionInfo{}, coordinator.New(coordinator.InvalidName, "session name must be non-empty and contain no whitespace or '@'")
	}
	if args.Host == "" || args.Username == "" {
		return SessionInfo{}, coordinator.New(coordinator.MissingField, "host and username are required")
	}

	opts := sshexec.DialOptions{
		Host:     args.Host,
		Port:     args.Port,
		Username: args.Username,
		Timeout:  s.ConnectTimeout,
	}
	if opts.Port == 0 {
		opts.Port = 22
	}

	switch {
	case args.PrivateKeyContent != "":
		pem := []byte(args.PrivateKeyContent)
		if sshkeys.IsEncrypted(args.PrivateKeyContent) {
			decrypted, err := sshkeys.DecryptInlineKey(args.PrivateKeyContent)
			if err != nil {
				return SessionInfo{}, coordinator.Wrap(coordinator.AuthError, "inline key decryption failed", err)
			}
			pem = decrypted
		}
		signer, err := sshkeys.ParsePrivateKey(pem, args.Passphrase)
		if err != nil {
			return SessionInfo{}, coordinator.New(coordinator.AuthError, "private key could not be parsed")
		}
		opts.Signer = signer
	case args.KeyFilePath != "":
		signer, err := sshkeys.LoadSignerFromFile(args.KeyFilePath, args.Passphrase)
		if err != nil {
			return SessionInfo{}, keyFileError(err)
		}
		opts.Signer = signer
	case args.Password != "":
		opts.Password = args.Password
	default:
		return SessionInfo{}, coordinator.New(coordinator.MissingField, "one of password, privateKeyContent, or keyFilePath is required")
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.ConnectTimeout)
	defer cancel()

	conn, err := s.Dial(dialCtx, opts)
	if err != nil {
		return SessionInfo{}, dialError(err)
	}

	sess, err := s.Registry.Connect(args.Name, args.Host, args.Username, conn)
	if err != nil {
		conn.Close()
		return SessionInfo{}, err
	}
	return infoFrom(sess.Metadata()), nil
}

// keyFileError maps the sanitized sshkeys errors onto the error taxonomy.
// The canonical messages pass through unchanged; nothing else leaks.
func keyFileError(err error) error {
	switch {
	case errors.Is(err, sshkeys.ErrInvalidPath):
		return coordinator.New(coordinator.InvalidPath, sshkeys.ErrInvalidPath.Error())
	case errors.Is(err, sshkeys.ErrPermissionDenied):
		return coordinator.New(coordinator.InvalidPath, sshkeys.ErrPermissionDenied.Error())
	case errors.Is(err, sshkeys.ErrKeyFileNotAccessible):
		return coordinator.New(coordinator.InvalidPath, sshkeys.ErrKeyFileNotAccessible.Error())
	default:
		return coordinator.New(coordinator.AuthError, "private key could not be loaded")
	}
}

// dialError classifies a connection failure: deadline expiry is
// ConnectTimeout, an SSH-level rejection is AuthError, anything else is a
// transport fault.
func dialError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return coordinator.New(coordinator.ConnectTimeout, "connection attempt timed out")
	case strings.Contains(err.Error(), "unable to authenticate"),
		strings.Contains(err.Error(), "ssh: handshake failed"):
		return coordinator.Wrap(coordinator.AuthError, "authentication failed", err)
	default:
		return coordinator.Wrap(coordinator.IOError, "connection failed", err)
	}
}

// ExecArgs are the decoded inputs of the `exec` operation. TimeoutMs of zero
// uses the per-session default.
type ExecArgs struct {
	SessionName string `json:"sessionName"`
	Command     string `json:"command"`
	TimeoutMs   int    `json:"timeout,omitempty"`
}

// Exec runs a command as the assistant. The coordinator registers it as an
// assistant ledger entry under a fresh correlation id before execution and
// updates the entry's result on any outcome; a gating refusal surfaces as
// *model.GatingError for the envelope layer to encode.
func (s *Service) Exec(ctx context.Context, args ExecArgs) (ExecResult, error) {
	if args.SessionName == "" || args.Command == "" {
		return ExecResult{}, coordinator.New(coordinator.MissingField, "sessionName and command are required")
	}
	sess, err := s.Registry.Get(args.SessionName)
	if err != nil {
		return ExecResult{}, err
	}
	if s.Registry.CommandDenied(args.Command) {
		return ExecResult{}, coordinator.New(coordinator.CommandDenied, "command refused by operator policy")
	}

	timeout := time.Duration(args.TimeoutMs) * time.Millisecond
	req := model.NewCommandRequest(args.Command, model.SourceAssistant, timeout, uuid.NewString())
	if err := sess.Submit(req); err != nil {
		return ExecResult{}, err
	}

	select {
	case res := <-req.Done():
		if res.Err != nil {
			return ExecResult{}, res.Err
		}
		return ExecResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
	case <-ctx.Done():
		return ExecResult{}, coordinator.Wrap(coordinator.IOError, "caller went away while the command was running", ctx.Err())
	}
}

// ListSessions returns connection metadata for every registered session.
func (s *Service) ListSessions() []SessionInfo {
	metas := s.Registry.ListSessions()
	out := make([]SessionInfo, len(metas))
	for i, m := range metas {
		out[i] = infoFrom(m)
	}
	return out
}

// Disconnect closes the transport, rejects queued commands, and removes the
// session from the registry.
func (s *Service) Disconnect(sessionName string) error {
	return s.Registry.Disconnect(sessionName)
}

// Cancel interrupts the in-flight assistant command, if any, and removes
// assistant entries from the browser ledger.
func (s *Service) Cancel(sessionName string) error {
	sess, err := s.Registry.Get(sessionName)
	if err != nil {
		return err
	}
	return sess.CancelAssistant()
}

// MonitoringURL composes the browser terminal URL for a session from the
// externally supplied listening port.
func (s *Service) MonitoringURL(sessionName string) (string, error) {
	if _, err := s.Registry.Get(sessionName); err != nil {
		return "", err
	}
	return fmt.Sprintf("http://localhost:%d/session/%s", s.MonitorPort, url.PathEscape(sessionName)), nil
}

// Reset triggers the session's recovery reset on explicit
// assistant-channel request.
func (s *Service) Reset(sessionName, reason string) error {
	sess, err := s.Registry.Get(sessionName)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "explicit assistant request"
	}
	sess.RecoveryReset(logutil.SanitizeForLog(reason))
	return nil
}

// infoFrom converts coordinator metadata to the wire shape.
func infoFrom(m coordinator.Metadata) SessionInfo {
	return SessionInfo{
		Name:         m.Name,
		Host:         m.Host,
		Username:     m.Username,
		Status:       string(m.Status),
		LastActivity: m.LastActivity,
	}
}
