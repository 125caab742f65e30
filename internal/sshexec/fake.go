package sshexec

import (
	"context"
	"io"
	"sync"
)

// FakeConn is an in-memory SSHConnection used by coordinator/registry tests
// so they can exercise the full command lifecycle without a real sshd.
// Responses are looked up by exact command text; CommandFunc, if set,
// overrides the lookup for dynamic behavior (e.g. sleeps, cancellation).
type FakeConn struct {
	mu       sync.Mutex
	Closed   bool
	Commands []string // every command passed to Exec, in order

	// Responses maps a command to a canned result. Missing commands exit 0
	// with no output unless CommandFunc is set.
	Responses map[string]FakeResult

	// CommandFunc, if non-nil, is called instead of the Responses table.
	CommandFunc func(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error)
}

// FakeResult is a canned response for one command.
type FakeResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// NewFakeConn returns an empty FakeConn ready for use.
func NewFakeConn() *FakeConn {
	return &FakeConn{Responses: make(map[string]FakeResult)}
}

// Exec implements SSHConnection.
func (f *FakeConn) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	f.mu.Lock()
	f.Commands = append(f.Commands, cmd)
	f.mu.Unlock()

	if f.CommandFunc != nil {
		return f.CommandFunc(ctx, cmd, stdout, stderr)
	}

	res, ok := f.Responses[cmd]
	if !ok {
		return 0, nil
	}
	if res.Stdout != "" {
		io.WriteString(stdout, res.Stdout)
	}
	if res.Stderr != "" {
		io.WriteString(stderr, res.Stderr)
	}
	if res.Err != nil {
		return -1, res.Err
	}
	return res.ExitCode, nil
}

// Close implements SSHConnection.
func (f *FakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
