// Package coordinator implements the per-session state machine that owns
// the command queue, browser command buffer, and transcript buffer,
// serializes execution to a single in-flight command, and enforces the
// gating protocol between human and assistant command sources.
package coordinator

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sshcoterm/coterm/internal/browserbuf"
	"github.com/sshcoterm/coterm/internal/cmdqueue"
	"github.com/sshcoterm/coterm/internal/model"
	"github.com/sshcoterm/coterm/internal/promptsynth"
	"github.com/sshcoterm/coterm/internal/sshexec"
	"github.com/sshcoterm/coterm/internal/transcript"
)

// Status is the connection status reported in session metadata.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// state is the coordinator's two-state machine.
type state int

const (
	waitingForCommand state = iota
	executingCommand
)

// activeCommand is the single in-flight execution slot.
type activeCommand struct {
	req       *model.CommandRequest
	startedAt time.Time
	cancel    context.CancelFunc
}

// Config bundles the per-session tunables a Session needs at construction.
// Zero values are replaced with the standard defaults by NewSession.
type Config struct {
	QueueCapacity         int
	QueueStaleness        time.Duration
	BrowserBufferCapacity int
	TranscriptCapacity    int
	DefaultCommandTimeout time.Duration
	// RecoveryResetTimeout bounds total command residency; zero means the
	// recovery reset is manual-only.
	RecoveryResetTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity == 0 {
		c.QueueCapacity = 100
	}
	if c.QueueStaleness == 0 {
		c.QueueStaleness = 15 * time.Second
	}
	if c.BrowserBufferCapacity == 0 {
		c.BrowserBufferCapacity = 500
	}
	if c.TranscriptCapacity == 0 {
		c.TranscriptCapacity = 1000
	}
	if c.DefaultCommandTimeout == 0 {
		c.DefaultCommandTimeout = 15 * time.Second
	}
	return c
}

// Metadata is the externally visible connection snapshot.
type Metadata struct {
	Name         string
	Host         string
	Username     string
	Status       Status
	LastActivity time.Time
}

// Session is the single owner of the per-session buffers, the SSH
// connection, and the coordinator's state machine. Surfaces hold only the
// session name and look the Session up through the registry.
type Session struct {
	mu sync.Mutex

	name     string
	host     string
	username string
	conn     sshexec.SSHConnection
	status   Status

	lastActivity time.Time
	cachedDir    string
	dirValid     bool

	state  state
	active *activeCommand

	closed bool
	cancel context.CancelFunc

	resetTimeout time.Duration

	Queue      *cmdqueue.Queue
	BrowserBuf *browserbuf.Buffer
	Transcript *transcript.Buffer

	defaultTimeout time.Duration
}

// NewSession constructs a Session and starts its drain loop. conn is
// assumed already connected; Session takes ownership and will Close it on
// Disconnect.
func NewSession(name, host, username string, conn sshexec.SSHConnection, cfg Config) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		name:           name,
		host:           host,
		username:       username,
		conn:           conn,
		status:         StatusConnected,
		lastActivity:   time.Now(),
		dirValid:       false,
		Queue:          cmdqueue.New(cfg.QueueCapacity, cfg.QueueStaleness),
		BrowserBuf:     browserbuf.New(cfg.BrowserBufferCapacity),
		Transcript:     transcript.New(cfg.TranscriptCapacity),
		defaultTimeout: cfg.DefaultCommandTimeout,
		resetTimeout:   cfg.RecoveryResetTimeout,
		cancel:         cancel,
	}

	go s.runDrainLoop(ctx)
	return s
}

// Name returns the session's unique name.
func (s *Session) Name() string { return s.name }

// Metadata returns a snapshot of the session's connection metadata.
func (s *Session) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Metadata{
		Name:         s.name,
		Host:         s.host,
		Username:     s.username,
		Status:       s.status,
		LastActivity: s.lastActivity,
	}
}

// Submit validates the source, applies the gating check, forbids
// shell-terminating commands, records the browser ledger entry, and
// enqueues. It never blocks on SSH I/O.
func (s *Session) Submit(req *model.CommandRequest) error {
	if !req.Source.Valid() {
		return New(InvalidSource, "source must be human, assistant, or system")
	}

	if req.Source == model.SourceAssistant {
		humanEntries := s.BrowserBuf.HumanEntries()
		if len(humanEntries) > 0 {
			gating := &model.GatingError{BrowserCommands: humanEntries}
			s.BrowserBuf.Clear()
			return gating
		}
	}

	trimmed := strings.TrimSpace(req.Command)
	if trimmed == "exit" || strings.HasPrefix(trimmed, "exit ") {
		return New(ShellTerminating, "exit would terminate the underlying SSH connection")
	}

	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	if req.Source != model.SourceSystem {
		s.BrowserBuf.Append(model.BrowserCommandEntry{
			Command:   req.Command,
			CommandID: req.CorrelationID,
			Timestamp: req.EnqueuedAt,
			Source:    req.Source,
			Result:    model.PendingResult,
		})
	}

	if err := s.Queue.Enqueue(req); err != nil {
		return New(QueueFull, "command queue is full")
	}
	return nil
}

// runDrainLoop is the single goroutine that ever calls the SSH executor
// for this session. Because exactly one goroutine drains, at most one
// command is ever in flight: execute blocks until the command resolves
// before the loop considers the next entry.
func (s *Session) runDrainLoop(ctx context.Context) {
	for {
		notify := s.Queue.NotifyChan()

		req := s.Queue.DrainOne()
		if req == nil {
			select {
			case <-notify:
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			req.Resolve(model.Result{ExitCode: -1, Err: New(Cancelled, "session closed")})
			return
		default:
		}

		s.execute(ctx, req)
	}
}

func (s *Session) execute(parentCtx context.Context, req *model.CommandRequest) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	// The execution deadline is an inactivity bound: the watchdog cancels
	// with a DeadlineExceeded cause, and each stdout chunk pushes it out.
	ctx, cancelCause := context.WithCancelCause(parentCtx)
	defer cancelCause(nil)

	watchdog := time.AfterFunc(timeout, func() {
		cancelCause(context.DeadlineExceeded)
	})
	defer watchdog.Stop()

	s.mu.Lock()
	s.state = executingCommand
	s.active = &activeCommand{
		req:       req,
		startedAt: time.Now(),
		cancel:    func() { cancelCause(context.Canceled) },
	}
	resetTimeout := s.resetTimeout
	s.mu.Unlock()

	var resetTimer *time.Timer
	if resetTimeout > 0 {
		resetTimer = time.AfterFunc(resetTimeout, func() {
			s.RecoveryReset("command exceeded the configured reset timeout")
		})
	}

	var stdout, stderr bytes.Buffer
	stdoutW := &activityWriter{w: &stdout, poke: func() { watchdog.Reset(timeout) }}
	exitCode, err := s.conn.Exec(ctx, req.Command, stdoutW, &stderr)

	if resetTimer != nil {
		resetTimer.Stop()
	}

	result := interpretExecResult(stdout.String(), stderr.String(), exitCode, err, context.Cause(ctx))
	s.finishCommand(req, result)
}

// activityWriter forwards writes and pokes the inactivity watchdog on each
// stdout chunk.
type activityWriter struct {
	w    *bytes.Buffer
	poke func()
}

func (a *activityWriter) Write(p []byte) (int, error) {
	a.poke()
	return a.w.Write(p)
}

// interpretExecResult maps a raw Exec outcome onto a result and error kind:
// a watchdog expiry (DeadlineExceeded cause) becomes Timeout, a canceled
// context (manual cancel, SIGINT, or recovery reset) becomes Cancelled with
// exit 130 and stderr "^C", any other error is IOError.
func interpretExecResult(stdout, stderr string, exitCode int, err, cause error) model.Result {
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled) && errors.Is(cause, context.DeadlineExceeded):
		return model.Result{Stdout: stdout, Stderr: stderr, ExitCode: -1, Err: New(Timeout, "command timed out")}
	case errors.Is(err, context.Canceled):
		return model.Result{Stdout: stdout, Stderr: "^C", ExitCode: 130, Err: New(Cancelled, "command canceled")}
	case err != nil:
		return model.Result{Stdout: stdout, Stderr: stderr, ExitCode: -1, Err: Wrap(IOError, "command execution failed", err)}
	default:
		return model.Result{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}
	}
}

// finishCommand updates the browser ledger, invalidates the directory
// cache, synthesizes and appends the transcript fragment, clears the
// executing slot, and resolves the request, in that order. The transcript
// append must land before the request resolves so viewers see the
// completed turn before the next command starts.
func (s *Session) finishCommand(req *model.CommandRequest, result model.Result) {
	cr := model.CommandResult{Stdout: result.Stdout, Stderr: result.Stderr, ExitCode: result.ExitCode}
	s.BrowserBuf.UpdateResult(req.CorrelationID, cr)

	if promptsynth.InvalidatesDir(req.Command) {
		s.mu.Lock()
		s.dirValid = false
		s.mu.Unlock()
	}

	switch req.Source {
	case model.SourceHuman, model.SourceAssistant:
		prompt := s.currentPrompt(context.Background())
		echo := promptsynth.Echo(prompt, req.Command, combinedOutput(result))
		s.Transcript.AppendRaw(echo, req.Source)
	case model.SourceSystem:
		s.Transcript.AppendCooked(combinedOutput(result), model.SourceSystem)
	}

	s.mu.Lock()
	s.state = waitingForCommand
	s.active = nil
	s.lastActivity = time.Now()
	s.mu.Unlock()

	req.Resolve(result)
}

// combinedOutput assembles the single text blob a terminal viewer would
// have seen. The abstract SSHConnection gives stdout and stderr as
// separate streams with no true interleaving order, so stdout is shown
// first, followed by stderr when non-empty.
func combinedOutput(r model.Result) string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + r.Stderr
	}
}

// currentPrompt returns the synthesized prompt for the session's current
// state, refreshing the cached directory via a silent `pwd` when it has
// been invalidated.
func (s *Session) currentPrompt(ctx context.Context) string {
	s.mu.Lock()
	valid := s.dirValid
	dir := s.cachedDir
	username := s.username
	host := s.host
	conn := s.conn
	s.mu.Unlock()

	if !valid {
		dir = promptsynth.RefreshDir(ctx, conn)
		s.mu.Lock()
		s.cachedDir = dir
		s.dirValid = true
		s.mu.Unlock()
	}

	return promptsynth.Prompt(username, host, promptsynth.DisplayDir(username, dir))
}

// CancelAssistant backs the tool-call `cancel` operation: it interrupts
// the in-flight command only if it was assistant-initiated, and removes
// only assistant entries from the browser command buffer.
func (s *Session) CancelAssistant() error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active == nil || active.req.Source != model.SourceAssistant {
		return New(NoActiveAssistantCommand, "no active assistant command to cancel")
	}
	active.cancel()
	s.BrowserBuf.RemoveSource(model.SourceAssistant)
	return nil
}

// CancelAll backs the browser-side SIGINT: it interrupts whatever is
// currently running and rejects every queued request, regardless of
// source. It never touches the browser command buffer; only the recovery
// reset does that.
func (s *Session) CancelAll() {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active != nil {
		active.cancel()
	}
	s.Queue.RejectAll(New(Cancelled, "canceled by SIGINT"))
}

// RecoveryReset is the escape hatch for a wedged session: it cancels any
// in-flight command, rejects all queued requests, clears the gating
// ledger, and resets the cached directory. It is idempotent.
func (s *Session) RecoveryReset(reason string) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active != nil {
		active.cancel()
	}
	s.Queue.RejectAll(New(Cancelled, "recovery reset: "+reason))
	s.BrowserBuf.Clear()

	s.mu.Lock()
	s.dirValid = false
	s.cachedDir = ""
	s.mu.Unlock()

	log.Printf("[coordinator] session %s recovery reset: %s", s.name, reason)
}

// Disconnect tears the session down: rejects all queued commands, closes
// the SSH transport, stops the drain loop, and marks the session
// disconnected. Removing the session from the registry is the registry's
// responsibility.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.status = StatusDisconnected
	active := s.active
	s.mu.Unlock()

	if active != nil {
		active.cancel()
	}
	s.Queue.RejectAll(New(Cancelled, "session disconnected"))
	s.Transcript.AppendCooked("session disconnected", model.SourceSystem)
	s.cancel()

	return s.conn.Close()
}
