package toolsurface

import (
	"errors"
	"time"

	"github.com/sshcoterm/coterm/internal/cmdqueue"
	"github.com/sshcoterm/coterm/internal/coordinator"
	"github.com/sshcoterm/coterm/internal/model"
)

// SessionInfo is the wire shape of one session's connection metadata.
type SessionInfo struct {
	Name         string    `json:"name"`
	Host         string    `json:"host"`
	Username     string    `json:"username"`
	Status       string    `json:"status"`
	LastActivity time.Time `json:"lastActivity"`
}

// ExecResult is the wire shape of a successful exec.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Failure is the `{ success: false, ... }` envelope. For a gating refusal
// it carries the full human-entry ledger and retryAllowed=true; for
// everything else the error field is the taxonomy kind.
type Failure struct {
	Success         bool                        `json:"success"`
	Error           string                      `json:"error"`
	Message         string                      `json:"message"`
	BrowserCommands []model.BrowserCommandEntry `json:"browserCommands,omitempty"`
	RetryAllowed    bool                        `json:"retryAllowed,omitempty"`
}

// FailureFor encodes any error returned by a Service operation.
func FailureFor(err error) Failure {
	var gating *model.GatingError
	if errors.As(err, &gating) {
		return Failure{
			Error:           model.GatingErrorCode,
			Message:         model.GatingErrorMessage,
			BrowserCommands: gating.BrowserCommands,
			RetryAllowed:    true,
		}
	}

	var ce *coordinator.Error
	if errors.As(err, &ce) {
		return Failure{Error: string(ce.Kind), Message: ce.Message}
	}
	if errors.Is(err, cmdqueue.ErrExpired) {
		return Failure{Error: string(coordinator.Expired), Message: "command expired before it could run"}
	}

	return Failure{Error: string(coordinator.IOError), Message: err.Error()}
}

// Success envelopes per operation. Each embeds success=true alongside the
// operation's payload, matching the `{ success: true, ... }` contract.

type ConnectEnvelope struct {
	Success bool        `json:"success"`
	Session SessionInfo `json:"session"`
}

type ExecEnvelope struct {
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

type ListEnvelope struct {
	Success  bool          `json:"success"`
	Sessions []SessionInfo `json:"sessions"`
}

type OKEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type URLEnvelope struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
}
