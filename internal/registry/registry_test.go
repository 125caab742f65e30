package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/sshcoterm/coterm/internal/coordinator"
	"github.com/sshcoterm/coterm/internal/model"
	"github.com/sshcoterm/coterm/internal/policy"
	"github.com/sshcoterm/coterm/internal/sshexec"
)

func browserEntry(id string) model.BrowserCommandEntry {
	return model.BrowserCommandEntry{
		Command:   "echo " + id,
		CommandID: id,
		Timestamp: time.Now(),
		Source:    model.SourceHuman,
		Result:    model.PendingResult,
	}
}

func testConfig() coordinator.Config {
	return coordinator.Config{
		QueueCapacity:         10,
		QueueStaleness:        time.Minute,
		BrowserBufferCapacity: 10,
		TranscriptCapacity:    100,
		DefaultCommandTimeout: time.Second,
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"s1", true},
		{"build-agent.2", true},
		{"", false},
		{"has space", false},
		{"has\ttab", false},
		{"user@host", false},
	}
	for _, tt := range tests {
		if got := ValidateName(tt.name); got != tt.valid {
			t.Errorf("ValidateName(%q) = %v, want %v", tt.name, got, tt.valid)
		}
	}
}

func TestConnectDisconnect_LeavesRegistryUnchanged(t *testing.T) {
	r := New(testConfig())
	conn := sshexec.NewFakeConn()

	if _, err := r.Connect("s1", "host", "alice", conn); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}

	if err := r.Disconnect("s1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after disconnect, want 0", r.Len())
	}
	if !conn.Closed {
		t.Error("Disconnect must close the SSH connection")
	}
}

func TestConnect_NameTaken(t *testing.T) {
	r := New(testConfig())
	if _, err := r.Connect("s1", "host", "alice", sshexec.NewFakeConn()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Disconnect("s1")

	_, err := r.Connect("s1", "other", "bob", sshexec.NewFakeConn())
	var coordErr *coordinator.Error
	if !errors.As(err, &coordErr) || coordErr.Kind != coordinator.NameTaken {
		t.Errorf("got %v, want NameTaken", err)
	}
}

func TestConnect_InvalidName(t *testing.T) {
	r := New(testConfig())
	_, err := r.Connect("bad name", "host", "alice", sshexec.NewFakeConn())
	var coordErr *coordinator.Error
	if !errors.As(err, &coordErr) || coordErr.Kind != coordinator.InvalidName {
		t.Errorf("got %v, want InvalidName", err)
	}
}

func TestGet_UnknownSession(t *testing.T) {
	r := New(testConfig())
	_, err := r.Get("nope")
	var coordErr *coordinator.Error
	if !errors.As(err, &coordErr) || coordErr.Kind != coordinator.SessionNotFound {
		t.Errorf("got %v, want SessionNotFound", err)
	}
}

func TestListSessions_ReportsMetadata(t *testing.T) {
	r := New(testConfig())
	if _, err := r.Connect("s1", "prod-1", "alice", sshexec.NewFakeConn()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Disconnect("s1")

	metas := r.ListSessions()
	if len(metas) != 1 {
		t.Fatalf("ListSessions returned %d entries", len(metas))
	}
	m := metas[0]
	if m.Name != "s1" || m.Host != "prod-1" || m.Username != "alice" || m.Status != coordinator.StatusConnected {
		t.Errorf("unexpected metadata: %+v", m)
	}
}

func TestPolicy_DenylistAndOverrides(t *testing.T) {
	r := New(testConfig())
	r.SetPolicy(&policy.Policy{
		DeniedCommands: []string{"shutdown"},
		Sessions: map[string]policy.CapacityOverride{
			"small": {BrowserBufferCapacity: 2},
		},
	})

	if !r.CommandDenied("shutdown -h now") {
		t.Error("denylisted command not refused")
	}
	if r.CommandDenied("echo hi") {
		t.Error("allowed command refused")
	}

	s, err := r.Connect("small", "host", "alice", sshexec.NewFakeConn())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Disconnect("small")

	// The override shrinks the ring to 2: a third append drops the oldest.
	for _, id := range []string{"a", "b", "c"} {
		s.BrowserBuf.Append(browserEntry(id))
	}
	entries := s.BrowserBuf.Snapshot()
	if len(entries) != 2 || entries[0].CommandID != "b" {
		t.Errorf("capacity override not applied: %+v", entries)
	}
}
