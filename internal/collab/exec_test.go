package collab

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCommandRunnerCapturesOutput(t *testing.T) {
	artifacts := t.TempDir()
	r := CommandRunner{}

	run, err := r.Run(context.Background(), t.TempDir(), "echo hello; echo oops >&2", artifacts, "test_run_1")
	if err != nil {
		t.Fatal(err)
	}
	if run.ExitCode != 0 {
		t.Errorf("exit code = %d", run.ExitCode)
	}
	stdout, err := os.ReadFile(run.StdoutPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(stdout)) != "hello" {
		t.Errorf("stdout = %q", stdout)
	}
	stderr, err := os.ReadFile(run.StderrPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(stderr)) != "oops" {
		t.Errorf("stderr = %q", stderr)
	}
	if filepath.Base(run.StdoutPath) != "test_run_1.stdout.txt" {
		t.Errorf("stdout path = %q", run.StdoutPath)
	}
}

func TestCommandRunnerNonZeroExit(t *testing.T) {
	r := CommandRunner{}

	run, err := r.Run(context.Background(), t.TempDir(), "exit 3", t.TempDir(), "failing")
	if err != nil {
		t.Fatalf("non-zero exit should not be an error: %v", err)
	}
	if run.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", run.ExitCode)
	}
}

func TestCommandRunnerRunsInRepoDir(t *testing.T) {
	repo := t.TempDir()
	if err := os.WriteFile(filepath.Join(repo, "marker.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := CommandRunner{}

	run, err := r.Run(context.Background(), repo, "ls marker.txt", t.TempDir(), "ls")
	if err != nil {
		t.Fatal(err)
	}
	if run.ExitCode != 0 {
		t.Errorf("expected marker file visible from repo dir, exit %d", run.ExitCode)
	}
}
