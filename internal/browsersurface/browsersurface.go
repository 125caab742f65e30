// Package browsersurface implements the browser channel: the WebSocket
// endpoints a browser terminal attaches to. A session attach replays the transcript snapshot frame-by-frame, then
// forwards live entries; incoming viewer frames are decoded into coordinator
// operations. Malformed input is answered, never disconnected.
package browsersurface

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/sshcoterm/coterm/internal/cmdqueue"
	"github.com/sshcoterm/coterm/internal/coordinator"
	"github.com/sshcoterm/coterm/internal/logutil"
	"github.com/sshcoterm/coterm/internal/model"
	"github.com/sshcoterm/coterm/internal/promptsynth"
	"github.com/sshcoterm/coterm/internal/registry"
)

// Outgoing frame types. Every outgoing message is one JSON object tagged
// by Type; unknown incoming types are answered with
// malformed_message_handled.
const (
	frameConnected       = "connected"
	frameTerminalOutput  = "terminal_output"
	frameTerminalReady   = "terminal_ready"
	frameProcessingState = "processing_state"
	frameVisualState     = "visual_state_indicator"
	frameCommandError    = "command_error"
	frameSignalSent      = "terminal_signal_sent"
	frameMalformed       = "malformed_message_handled"
	frameRecovery        = "graceful_recovery"
)

// Incoming frame types.
const (
	msgTerminalInput    = "terminal_input"
	msgTerminalInputRaw = "terminal_input_raw"
	msgTerminalSignal   = "terminal_signal"
	msgStateRecovery    = "request_state_recovery"
)

// frame is the single outgoing message shape; fields are populated per Type.
type frame struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	Data        string `json:"data,omitempty"`
	Source      string `json:"source,omitempty"`
	State       string `json:"state,omitempty"`
	CommandID   string `json:"commandId,omitempty"`
	Signal      string `json:"signal,omitempty"`
	Error       string `json:"error,omitempty"`
	Message     string `json:"message,omitempty"`
}

// clientMsg is the decoded incoming viewer frame.
type clientMsg struct {
	Type      string `json:"type"`
	Command   string `json:"command"`
	CommandID string `json:"commandId"`
	Signal    string `json:"signal"`
}

// Server serves the two WebSocket endpoints against the Session Registry.
type Server struct {
	Registry *registry.Registry
}

// New builds a Server.
func New(reg *registry.Registry) *Server {
	return &Server{Registry: reg}
}

// Routes registers /monitoring and /session/{name}.
func (s *Server) Routes(r chi.Router) {
	r.Get("/monitoring", s.handleMonitoring)
	r.Get("/session/{name}", s.handleSession)
}

// handleMonitoring is the passive endpoint: a single "connected" frame on
// attach, then the connection is held open until the client goes away.
func (s *Server) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Printf("[browsersurface] monitoring accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	data, _ := json.Marshal(frame{Type: frameConnected})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return
	}

	// Drain (and ignore) client frames until the connection closes.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// wsSink delivers live transcript entries to the viewer's outgoing frame
// channel. It starts paused so the replay prefix can be enqueued first;
// entries arriving during replay are held back and flushed in order by
// resume, so a viewer always sees the replay as a strict prefix of the
// live stream.
type wsSink struct {
	mu      sync.Mutex
	paused  bool
	pending []model.TranscriptEntry

	session string
	out     chan<- frame
}

func (k *wsSink) Deliver(e model.TranscriptEntry) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.paused {
		k.pending = append(k.pending, e)
		return nil
	}
	return k.push(e)
}

// push enqueues an entry as a terminal_output frame without blocking. A full
// channel means the viewer cannot keep up; the resulting error removes this
// sink from the transcript's subscriber list.
func (k *wsSink) push(e model.TranscriptEntry) error {
	select {
	case k.out <- outputFrame(k.session, e):
		return nil
	default:
		return coordinator.New(coordinator.IOError, "viewer is not keeping up")
	}
}

// resume flushes held-back entries and switches to direct delivery.
func (k *wsSink) resume() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, e := range k.pending {
		if err := k.push(e); err != nil {
			break
		}
	}
	k.pending = nil
	k.paused = false
}

// outputFrame builds a terminal_output frame. Data is CRLF-normalized so
// every payload the viewer receives uses CRLF line endings;
// synthesized prompt+echo fragments are already CRLF and pass unchanged.
func outputFrame(session string, e model.TranscriptEntry) frame {
	return frame{
		Type:        frameTerminalOutput,
		SessionName: session,
		Timestamp:   e.Timestamp.UnixMilli(),
		Data:        promptsynth.NormalizeCRLF(e.Text),
		Source:      string(e.Source),
	}
}

// handleSession is the session-bound endpoint: replay then live stream out,
// decoded command/signal frames in.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Printf("[browsersurface] session accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	sess, err := s.Registry.Get(name)
	if err != nil {
		conn.Close(4404, "Session not found")
		return
	}

	conn.SetReadLimit(1024 * 1024)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan frame, 256)

	// Single writer: every outgoing frame funnels through out.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-out:
				data, err := json.Marshal(f)
				if err != nil {
					continue
				}
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	sink := &wsSink{paused: true, session: name, out: out}
	replay, unsubscribe := sess.Transcript.SubscribeWithReplay(sink)
	defer unsubscribe()

	for _, e := range replay {
		select {
		case out <- outputFrame(name, e):
		case <-ctx.Done():
			return
		}
	}
	sink.resume()

	send(ctx, out, frame{Type: frameTerminalReady, SessionName: name})

	s.readLoop(ctx, conn, sess, name, out)
}

// send enqueues an outgoing frame, giving up when the connection's context
// is gone so no goroutine is ever left blocked on a dead viewer.
func send(ctx context.Context, out chan<- frame, f frame) {
	select {
	case out <- f:
	case <-ctx.Done():
	}
}

// readLoop decodes incoming viewer frames until the connection closes.
// Malformed input is answered with malformed_message_handled — the viewer is
// never disconnected over it.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *coordinator.Session, name string, out chan<- frame) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg clientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			send(ctx, out, frame{Type: frameMalformed, Message: "frame is not valid JSON"})
			continue
		}

		switch msg.Type {
		case msgTerminalInput, msgTerminalInputRaw:
			s.handleInput(ctx, sess, name, msg, out)
		case msgTerminalSignal:
			s.handleSignal(ctx, sess, name, msg, out)
		case msgStateRecovery:
			s.handleRecovery(ctx, sess, name, out)
		default:
			send(ctx, out, frame{Type: frameMalformed, Message: "unknown frame type"})
		}
	}
}

// handleInput validates and submits a human command. terminal_input and
// terminal_input_raw behave identically in the exec-only execution model:
// both run as one discrete remote command.
func (s *Server) handleInput(ctx context.Context, sess *coordinator.Session, name string, msg clientMsg, out chan<- frame) {
	if msg.Command == "" {
		send(ctx, out, frame{Type: frameCommandError, SessionName: name, Error: string(coordinator.MissingField), Message: "command is required"})
		send(ctx, out, frame{Type: frameTerminalReady, SessionName: name})
		return
	}
	if !model.ValidCommandID(msg.CommandID) {
		send(ctx, out, frame{Type: frameCommandError, SessionName: name, Error: string(coordinator.InvalidCommandID), Message: "commandId must be 1-128 chars of [A-Za-z0-9_.-]"})
		send(ctx, out, frame{Type: frameTerminalReady, SessionName: name})
		return
	}
	if s.Registry.CommandDenied(msg.Command) {
		send(ctx, out, frame{Type: frameCommandError, SessionName: name, CommandID: msg.CommandID, Error: string(coordinator.CommandDenied), Message: "command refused by operator policy"})
		send(ctx, out, frame{Type: frameTerminalReady, SessionName: name})
		return
	}

	req := model.NewCommandRequest(msg.Command, model.SourceHuman, 0, msg.CommandID)
	if err := sess.Submit(req); err != nil {
		fail := toolFailure(err)
		send(ctx, out, frame{Type: frameCommandError, SessionName: name, CommandID: msg.CommandID, Error: fail.code, Message: fail.message})
		send(ctx, out, frame{Type: frameTerminalReady, SessionName: name})
		return
	}

	send(ctx, out, frame{Type: frameProcessingState, SessionName: name, State: "executing", CommandID: msg.CommandID})
	send(ctx, out, frame{Type: frameVisualState, SessionName: name, Source: string(model.SourceHuman), State: "active"})

	go func() {
		res := <-req.Done()
		if res.Err != nil {
			fail := toolFailure(res.Err)
			send(ctx, out, frame{Type: frameProcessingState, SessionName: name, State: "error", CommandID: msg.CommandID})
			send(ctx, out, frame{Type: frameCommandError, SessionName: name, CommandID: msg.CommandID, Error: fail.code, Message: fail.message})
		} else {
			send(ctx, out, frame{Type: frameProcessingState, SessionName: name, State: "completed", CommandID: msg.CommandID})
		}
		send(ctx, out, frame{Type: frameTerminalReady, SessionName: name})
	}()
}

// handleSignal applies SIGINT (interrupt in-flight plus reject queued);
// every other signal is acknowledged and logged but has no effect in the
// exec-only model.
func (s *Server) handleSignal(ctx context.Context, sess *coordinator.Session, name string, msg clientMsg, out chan<- frame) {
	if msg.Signal == "SIGINT" {
		sess.CancelAll()
	} else {
		log.Printf("[browsersurface] session %s: signal %s acknowledged, no effect", name, logutil.SanitizeForLog(msg.Signal))
	}
	send(ctx, out, frame{Type: frameSignalSent, SessionName: name, Signal: msg.Signal})
}

// handleRecovery re-sends the viewer the current transcript snapshot so it
// can rebuild its display, framed by a graceful_recovery acknowledgement.
// It does not trigger the coordinator's recovery reset, which is reserved
// for the assistant channel and the operator deadline.
func (s *Server) handleRecovery(ctx context.Context, sess *coordinator.Session, name string, out chan<- frame) {
	send(ctx, out, frame{Type: frameRecovery, SessionName: name})
	for _, e := range sess.Transcript.Snapshot() {
		send(ctx, out, outputFrame(name, e))
	}
	send(ctx, out, frame{Type: frameTerminalReady, SessionName: name})
}

// failInfo is the code/message pair surfaced in command_error frames.
type failInfo struct {
	code    string
	message string
}

func toolFailure(err error) failInfo {
	var gating *model.GatingError
	if errors.As(err, &gating) {
		return failInfo{code: model.GatingErrorCode, message: model.GatingErrorMessage}
	}
	var ce *coordinator.Error
	if errors.As(err, &ce) {
		return failInfo{code: string(ce.Kind), message: ce.Message}
	}
	if errors.Is(err, cmdqueue.ErrExpired) {
		return failInfo{code: string(coordinator.Expired), message: "command expired before it could run"}
	}
	return failInfo{code: string(coordinator.IOError), message: err.Error()}
}
