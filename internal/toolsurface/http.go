package toolsurface

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes registers one JSON POST endpoint per tool-call operation, named
// after the wire-stable operation names. The HTTP layer only decodes
// arguments and encodes envelopes; all behavior lives in Service.
func (s *Service) Routes(r chi.Router) {
	r.Post("/connect", s.handleConnect)
	r.Post("/exec", s.handleExec)
	r.Post("/listSessions", s.handleListSessions)
	r.Post("/disconnect", s.handleDisconnect)
	r.Post("/cancel", s.handleCancel)
	r.Post("/getMonitoringUrl", s.handleMonitoringURL)
	r.Post("/reset", s.handleReset)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeFailure always answers 200 with the failure envelope — operation
// outcomes are carried by the success flag, not the HTTP status, so the
// assistant channel sees one stable shape.
func writeFailure(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusOK, FailureFor(err))
}

func decodeArgs(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, Failure{Error: "MissingField", Message: "request body is not valid JSON"})
		return false
	}
	return true
}

// sessionNameArgs is the shared body shape for operations keyed by session.
type sessionNameArgs struct {
	SessionName string `json:"sessionName"`
	Reason      string `json:"reason,omitempty"`
}

func (s *Service) handleConnect(w http.ResponseWriter, r *http.Request) {
	var args ConnectArgs
	if !decodeArgs(w, r, &args) {
		return
	}
	info, err := s.Connect(r.Context(), args)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConnectEnvelope{Success: true, Session: info})
}

func (s *Service) handleExec(w http.ResponseWriter, r *http.Request) {
	var args ExecArgs
	if !decodeArgs(w, r, &args) {
		return
	}
	res, err := s.Exec(r.Context(), args)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExecEnvelope{Success: true, Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode})
}

func (s *Service) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.ListSessions()
	if sessions == nil {
		sessions = []SessionInfo{}
	}
	writeJSON(w, http.StatusOK, ListEnvelope{Success: true, Sessions: sessions})
}

func (s *Service) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var args sessionNameArgs
	if !decodeArgs(w, r, &args) {
		return
	}
	if err := s.Disconnect(args.SessionName); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OKEnvelope{Success: true, Message: "session disconnected"})
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	var args sessionNameArgs
	if !decodeArgs(w, r, &args) {
		return
	}
	if err := s.Cancel(args.SessionName); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OKEnvelope{Success: true, Message: "assistant command canceled"})
}

func (s *Service) handleMonitoringURL(w http.ResponseWriter, r *http.Request) {
	var args sessionNameArgs
	if !decodeArgs(w, r, &args) {
		return
	}
	u, err := s.MonitoringURL(args.SessionName)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, URLEnvelope{Success: true, URL: u})
}

func (s *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	var args sessionNameArgs
	if !decodeArgs(w, r, &args) {
		return
	}
	if err := s.Reset(args.SessionName, args.Reason); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OKEnvelope{Success: true, Message: "session reset"})
}
