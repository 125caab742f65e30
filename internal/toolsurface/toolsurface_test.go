package toolsurface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sshcoterm/coterm/internal/coordinator"
	"github.com/sshcoterm/coterm/internal/model"
	"github.com/sshcoterm/coterm/internal/policy"
	"github.com/sshcoterm/coterm/internal/registry"
	"github.com/sshcoterm/coterm/internal/sshexec"
)

func testService() (*Service, *sshexec.FakeConn) {
	reg := registry.New(coordinator.Config{
		QueueCapacity:         10,
		QueueStaleness:        time.Minute,
		BrowserBufferCapacity: 10,
		TranscriptCapacity:    100,
		DefaultCommandTimeout: time.Second,
	})
	svc := New(reg, time.Second, 7777)

	last := sshexec.NewFakeConn()
	svc.Dial = func(ctx context.Context, opts sshexec.DialOptions) (sshexec.SSHConnection, error) {
		return last, nil
	}
	return svc, last
}

func connectArgs(name string) ConnectArgs {
	return ConnectArgs{Name: name, Host: "prod-1", Username: "alice", Password: "secret"}
}

func kindOf(t *testing.T, err error) coordinator.Kind {
	t.Helper()
	var coordErr *coordinator.Error
	if !errors.As(err, &coordErr) {
		t.Fatalf("expected *coordinator.Error, got %T: %v", err, err)
	}
	return coordErr.Kind
}

func TestConnect_RegistersSession(t *testing.T) {
	svc, _ := testService()

	info, err := svc.Connect(context.Background(), connectArgs("s1"))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer svc.Disconnect("s1")

	if info.Name != "s1" || info.Host != "prod-1" || info.Username != "alice" || info.Status != "connected" {
		t.Errorf("unexpected session info: %+v", info)
	}
	if got := svc.ListSessions(); len(got) != 1 {
		t.Errorf("ListSessions returned %d entries, want 1", len(got))
	}
}

func TestConnect_ValidationErrors(t *testing.T) {
	svc, _ := testService()

	tests := []struct {
		name string
		args ConnectArgs
		kind coordinator.Kind
	}{
		{"invalid name", ConnectArgs{Name: "a@b", Host: "h", Username: "u", Password: "p"}, coordinator.InvalidName},
		{"missing host", ConnectArgs{Name: "s1", Username: "u", Password: "p"}, coordinator.MissingField},
		{"missing auth", ConnectArgs{Name: "s1", Host: "h", Username: "u"}, coordinator.MissingField},
	}
	for _, tt := range tests {
		_, err := svc.Connect(context.Background(), tt.args)
		if got := kindOf(t, err); got != tt.kind {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.kind)
		}
	}
}

func TestConnect_NameTakenClosesNewConnection(t *testing.T) {
	svc, _ := testService()
	if _, err := svc.Connect(context.Background(), connectArgs("s1")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer svc.Disconnect("s1")

	second := sshexec.NewFakeConn()
	svc.Dial = func(ctx context.Context, opts sshexec.DialOptions) (sshexec.SSHConnection, error) {
		return second, nil
	}
	_, err := svc.Connect(context.Background(), connectArgs("s1"))
	if got := kindOf(t, err); got != coordinator.NameTaken {
		t.Fatalf("got %s, want NameTaken", got)
	}
	if !second.Closed {
		t.Error("the redundant connection must be closed when registration fails")
	}
}

func TestExec_ReturnsCommandResult(t *testing.T) {
	svc, conn := testService()
	if _, err := svc.Connect(context.Background(), connectArgs("s1")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer svc.Disconnect("s1")
	conn.Responses["whoami"] = sshexec.FakeResult{Stdout: "alice\n", ExitCode: 0}

	res, err := svc.Exec(context.Background(), ExecArgs{SessionName: "s1", Command: "whoami"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Stdout != "alice\n" || res.ExitCode != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestExec_SessionNotFound(t *testing.T) {
	svc, _ := testService()
	_, err := svc.Exec(context.Background(), ExecArgs{SessionName: "nope", Command: "ls"})
	if got := kindOf(t, err); got != coordinator.SessionNotFound {
		t.Errorf("got %s, want SessionNotFound", got)
	}
}

func TestExec_DeniedByPolicy(t *testing.T) {
	svc, _ := testService()
	svc.Registry.SetPolicy(&policy.Policy{DeniedCommands: []string{"shutdown"}})
	if _, err := svc.Connect(context.Background(), connectArgs("s1")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer svc.Disconnect("s1")

	_, err := svc.Exec(context.Background(), ExecArgs{SessionName: "s1", Command: "shutdown -h now"})
	if got := kindOf(t, err); got != coordinator.CommandDenied {
		t.Errorf("got %s, want CommandDenied", got)
	}
}

func runHumanCommand(t *testing.T, sess *coordinator.Session, command string) {
	t.Helper()
	req := model.NewCommandRequest(command, model.SourceHuman, 0, "")
	if err := sess.Submit(req); err != nil {
		t.Fatalf("Submit(%q): %v", command, err)
	}
	select {
	case <-req.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("human command %q never resolved", command)
	}
}

func TestExec_GatingReturnsFullHumanLedger(t *testing.T) {
	svc, conn := testService()
	if _, err := svc.Connect(context.Background(), connectArgs("s1")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer svc.Disconnect("s1")
	conn.Responses["pwd"] = sshexec.FakeResult{Stdout: "/home/alice", ExitCode: 0}

	sess, _ := svc.Registry.Get("s1")
	runHumanCommand(t, sess, "pwd")

	_, err := svc.Exec(context.Background(), ExecArgs{SessionName: "s1", Command: "whoami"})
	var gating *model.GatingError
	if !errors.As(err, &gating) {
		t.Fatalf("expected gating error, got %v", err)
	}
	if len(gating.BrowserCommands) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(gating.BrowserCommands))
	}
	entry := gating.BrowserCommands[0]
	if entry.Command != "pwd" || entry.Source != model.SourceHuman ||
		entry.Result.Stdout != "/home/alice" || entry.Result.ExitCode != 0 {
		t.Errorf("ledger entry incomplete: %+v", entry)
	}
	for _, cmd := range conn.Commands {
		if cmd == "whoami" {
			t.Error("whoami must not have been executed")
		}
	}

	// The gate consumed the ledger: an immediate retry is admitted.
	conn.Responses["whoami"] = sshexec.FakeResult{Stdout: "alice\n", ExitCode: 0}
	res, err := svc.Exec(context.Background(), ExecArgs{SessionName: "s1", Command: "whoami"})
	if err != nil {
		t.Fatalf("retry after gate: %v", err)
	}
	if res.Stdout != "alice\n" {
		t.Errorf("unexpected retry result: %+v", res)
	}
}

func TestGatingFailureEnvelope_WireShape(t *testing.T) {
	ts := time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)
	gating := &model.GatingError{BrowserCommands: []model.BrowserCommandEntry{{
		Command:   "pwd",
		CommandID: "cmd_1",
		Timestamp: ts,
		Source:    model.SourceHuman,
		Result:    model.CommandResult{Stdout: "/home/alice", Stderr: "", ExitCode: 0},
	}}}

	data, err := json.Marshal(FailureFor(gating))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded["success"] != false {
		t.Error("success must be false")
	}
	if decoded["error"] != "BROWSER_COMMANDS_EXECUTED" {
		t.Errorf("error = %v", decoded["error"])
	}
	if decoded["message"] != "User executed commands directly in browser" {
		t.Errorf("message = %v", decoded["message"])
	}
	if decoded["retryAllowed"] != true {
		t.Error("retryAllowed must be true")
	}
	cmds, ok := decoded["browserCommands"].([]interface{})
	if !ok || len(cmds) != 1 {
		t.Fatalf("browserCommands = %v", decoded["browserCommands"])
	}
	first := cmds[0].(map[string]interface{})
	if first["command"] != "pwd" || first["commandId"] != "cmd_1" || first["source"] != "human" {
		t.Errorf("ledger element incomplete: %v", first)
	}
	result := first["result"].(map[string]interface{})
	if result["stdout"] != "/home/alice" || result["exitCode"] != float64(0) {
		t.Errorf("result triple incomplete: %v", result)
	}
}

func TestCancel_NoActiveAssistantCommand(t *testing.T) {
	svc, _ := testService()
	if _, err := svc.Connect(context.Background(), connectArgs("s1")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer svc.Disconnect("s1")

	err := svc.Cancel("s1")
	if got := kindOf(t, err); got != coordinator.NoActiveAssistantCommand {
		t.Errorf("got %s, want NoActiveAssistantCommand", got)
	}
}

func TestMonitoringURL(t *testing.T) {
	svc, _ := testService()
	if _, err := svc.Connect(context.Background(), connectArgs("s1")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer svc.Disconnect("s1")

	u, err := svc.MonitoringURL("s1")
	if err != nil {
		t.Fatalf("MonitoringURL: %v", err)
	}
	if u != "http://localhost:7777/session/s1" {
		t.Errorf("url = %q", u)
	}

	if _, err := svc.MonitoringURL("nope"); err == nil {
		t.Error("expected SessionNotFound for unknown session")
	}
}

func TestReset_ClearsGate(t *testing.T) {
	svc, conn := testService()
	if _, err := svc.Connect(context.Background(), connectArgs("s1")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer svc.Disconnect("s1")

	sess, _ := svc.Registry.Get("s1")
	runHumanCommand(t, sess, "pwd")

	if err := svc.Reset("s1", "test"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	conn.Responses["whoami"] = sshexec.FakeResult{Stdout: "alice\n", ExitCode: 0}
	res, err := svc.Exec(context.Background(), ExecArgs{SessionName: "s1", Command: "whoami"})
	if err != nil {
		t.Fatalf("Exec after reset: %v", err)
	}
	if res.Stdout != "alice\n" || res.ExitCode != 0 {
		t.Errorf("unexpected result after reset: %+v", res)
	}
}

func TestHTTP_ExecEnvelopeOverTheWire(t *testing.T) {
	svc, conn := testService()
	if _, err := svc.Connect(context.Background(), connectArgs("s1")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer svc.Disconnect("s1")
	conn.Responses["echo hi"] = sshexec.FakeResult{Stdout: "hi\n", ExitCode: 0}

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	ts := httptest.NewServer(r)
	defer ts.Close()

	body, _ := json.Marshal(ExecArgs{SessionName: "s1", Command: "echo hi"})
	resp, err := http.Post(ts.URL+"/api/v1/exec", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /exec: %v", err)
	}
	defer resp.Body.Close()

	var envelope ExecEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !envelope.Success || envelope.Stdout != "hi\n" || envelope.ExitCode != 0 {
		t.Errorf("unexpected envelope: %+v", envelope)
	}
}
