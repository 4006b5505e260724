package runstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"patchline/internal/domain"
)

func TestNewRunDirLayout(t *testing.T) {
	base := t.TempDir()
	now := time.Date(2026, 8, 5, 14, 30, 45, 0, time.UTC)

	dir, err := NewRunDir(base, "wi-1", now)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(base, "wi-1_20260805_143045")
	if dir != want {
		t.Errorf("dir = %q, want %q", dir, want)
	}
	if fi, err := os.Stat(filepath.Join(dir, ArtifactsDir)); err != nil || !fi.IsDir() {
		t.Errorf("artifacts dir missing: %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	item := domain.WorkItem{
		WorkItemID: "wi-1",
		TaskRaw:    "Add rate limiting",
		Status:     domain.StatusNeedsInfo,
		Ticket:     &domain.TicketSpec{Title: "Add rate limiting", RiskLevel: domain.RiskMedium},
		HelpRequests: []domain.HelpRequest{
			{RequestID: "hr-1", Domain: domain.HelpBackend, Question: "Which limiter?", Attempt: 1},
		},
		ImplementAttempts: 2,
		BlockedNeeds:      []string{"target rate unclear"},
	}
	if err := SaveSnapshot(dir, item); err != nil {
		t.Fatal(err)
	}
	got, err := LoadSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusNeedsInfo || got.ImplementAttempts != 2 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Ticket == nil || got.Ticket.RiskLevel != domain.RiskMedium {
		t.Errorf("ticket not restored: %+v", got.Ticket)
	}
	if len(got.HelpRequests) != 1 || got.HelpRequests[0].RequestID != "hr-1" {
		t.Errorf("help requests not restored: %+v", got.HelpRequests)
	}
}

func TestLoadSnapshotMissing(t *testing.T) {
	if _, err := LoadSnapshot(t.TempDir()); err == nil {
		t.Fatal("expected error for missing snapshot")
	}
}

func TestSaveOutputs(t *testing.T) {
	dir := t.TempDir()
	item := domain.WorkItem{
		Evidence: domain.Evidence{TestRuns: []domain.CommandRun{{Command: "go test ./...", ExitCode: 0}}},
		DecisionLog: []domain.DecisionLogEntry{
			{Event: domain.EventTestsPassed, Actor: "workflow"},
		},
	}
	if err := SaveOutputs(dir, item); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{EvidenceFile, DecisionLogFile, HelpRequestsFile, HelpResponseFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}
}

func TestWriteArtifact(t *testing.T) {
	base := t.TempDir()
	dir, err := NewRunDir(base, "wi-1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	path, err := WriteArtifact(dir, "change.patch", []byte("--- a/x\n+++ b/x\n"))
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "--- a/x\n+++ b/x\n" {
		t.Errorf("artifact content mismatch: %q", data)
	}
}

func TestFindRunDir(t *testing.T) {
	base := t.TempDir()
	early := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	late := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)
	if _, err := NewRunDir(base, "wi-1", early); err != nil {
		t.Fatal(err)
	}
	want, err := NewRunDir(base, "wi-1", late)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewRunDir(base, "wi-2", early); err != nil {
		t.Fatal(err)
	}

	got, err := FindRunDir(base, "wi-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("FindRunDir = %q, want %q", got, want)
	}

	if _, err := FindRunDir(base, "absent"); err == nil {
		t.Error("expected error for unknown work item")
	}
}
