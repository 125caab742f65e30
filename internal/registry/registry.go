// Package registry implements the process-wide map from session name to
// Session, guarding name uniqueness and driving teardown. It also runs a
// periodic diagnostic sweep over all sessions via a cron schedule.
package registry

import (
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/robfig/cron/v3"

	"github.com/sshcoterm/coterm/internal/coordinator"
	"github.com/sshcoterm/coterm/internal/policy"
	"github.com/sshcoterm/coterm/internal/sshexec"
)

// validName matches acceptable session names: non-empty, no whitespace,
// no "@".
var validName = regexp.MustCompile(`^[^\s@]+$`)

// ValidateName reports whether name is an acceptable session name.
func ValidateName(name string) bool {
	return name != "" && validName.MatchString(name)
}

// Registry is the process-wide, name-uniqueness-enforcing map of sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*coordinator.Session

	sessionConfig coordinator.Config
	policy        *policy.Policy

	cron *cron.Cron
}

// New creates an empty Registry. Its cron scheduler is built with
// cron.WithSeconds(), so sweep specs use the 6-field form with a leading
// seconds field (descriptors such as "@every 5s" also parse); the sweep
// does not run until StartSweep is called. sessionConfig is applied to
// every session created via Connect.
func New(sessionConfig coordinator.Config) *Registry {
	r := &Registry{
		sessions:      make(map[string]*coordinator.Session),
		sessionConfig: sessionConfig,
		cron:          cron.New(cron.WithSeconds()),
	}
	return r
}

// SetPolicy installs the operator policy applied to future Connect calls
// and command-denylist checks. A nil policy denies nothing.
func (r *Registry) SetPolicy(p *policy.Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

// CommandDenied reports whether the operator policy refuses command.
func (r *Registry) CommandDenied(command string) bool {
	r.mu.Lock()
	p := r.policy
	r.mu.Unlock()
	return p.Denied(command)
}

// StartSweep schedules the periodic idle-session sweep at the given cron
// spec and starts the cron scheduler.
func (r *Registry) StartSweep(spec string) error {
	_, err := r.cron.AddFunc(spec, r.sweep)
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// StopSweep stops the cron scheduler, waiting for any in-flight sweep.
func (r *Registry) StopSweep() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// sweep runs one pass over all sessions, logging idle sessions and their
// transcript occupancy. The command queue already self-expires stale
// entries at drain time and the coordinator arms its own recovery-reset
// deadline per command; this sweep is the diagnostic backstop for
// sessions that have gone quiet.
func (r *Registry) sweep() {
	r.mu.Lock()
	sessions := make([]*coordinator.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		meta := s.Metadata()
		idleFor := time.Since(meta.LastActivity)
		if idleFor > 30*time.Minute {
			log.Printf("[registry] session %s idle for %s, transcript holds %s",
				meta.Name, idleFor.Round(time.Second),
				units.HumanSize(float64(s.Transcript.SizeBytes())))
		}
	}
}

// Connect creates and registers a new session. It fails with
// coordinator.NameTaken if name is already registered, and with
// coordinator.InvalidName if name fails validation.
func (r *Registry) Connect(name, host, username string, conn sshexec.SSHConnection) (*coordinator.Session, error) {
	if !ValidateName(name) {
		return nil, coordinator.New(coordinator.InvalidName, "session name must be non-empty and contain no whitespace or '@'")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[name]; exists {
		return nil, coordinator.New(coordinator.NameTaken, "a session with this name already exists")
	}

	cfg := r.sessionConfig
	if o, ok := r.policy.Override(name); ok {
		if o.QueueCapacity > 0 {
			cfg.QueueCapacity = o.QueueCapacity
		}
		if o.BrowserBufferCapacity > 0 {
			cfg.BrowserBufferCapacity = o.BrowserBufferCapacity
		}
		if o.TranscriptCapacity > 0 {
			cfg.TranscriptCapacity = o.TranscriptCapacity
		}
	}

	s := coordinator.NewSession(name, host, username, conn, cfg)
	r.sessions[name] = s
	return s, nil
}

// Get looks up a session by name.
func (r *Registry) Get(name string) (*coordinator.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[name]
	if !ok {
		return nil, coordinator.New(coordinator.SessionNotFound, "no session with this name")
	}
	return s, nil
}

// ListSessions returns connection metadata for every registered session.
func (r *Registry) ListSessions() []coordinator.Metadata {
	r.mu.Lock()
	sessions := make([]*coordinator.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]coordinator.Metadata, len(sessions))
	for i, s := range sessions {
		out[i] = s.Metadata()
	}
	return out
}

// Disconnect tears a session down (reject-all plus SSH close) and
// removes it from the registry, leaving the registry as it was before the
// matching Connect.
func (r *Registry) Disconnect(name string) error {
	r.mu.Lock()
	s, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
	}
	r.mu.Unlock()

	if !ok {
		return coordinator.New(coordinator.SessionNotFound, "no session with this name")
	}
	return s.Disconnect()
}

// Len reports the number of currently registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
