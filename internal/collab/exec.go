package collab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"patchline/internal/domain"
)

// CommandRunner runs shell commands in the target repo and writes stdout and
// stderr into the run's artifacts directory.
type CommandRunner struct{}

// Run executes command via sh -c in repoPath. A non-zero exit is not an
// error; it comes back in the CommandRun. Errors mean the command could not
// be started or its output could not be captured.
func (r CommandRunner) Run(ctx context.Context, repoPath, command, outDir, label string) (domain.CommandRun, error) {
	run := domain.CommandRun{Command: command}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = repoPath
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return run, fmt.Errorf("run %q: %w", command, err)
		}
		run.ExitCode = exitErr.ExitCode()
	}

	stdoutPath := filepath.Join(outDir, label+".stdout.txt")
	stderrPath := filepath.Join(outDir, label+".stderr.txt")
	if err := os.WriteFile(stdoutPath, []byte(stdout.String()), 0o644); err != nil {
		return run, fmt.Errorf("capture stdout: %w", err)
	}
	if err := os.WriteFile(stderrPath, []byte(stderr.String()), 0o644); err != nil {
		return run, fmt.Errorf("capture stderr: %w", err)
	}
	run.StdoutPath = stdoutPath
	run.StderrPath = stderrPath
	return run, nil
}

// GitPatcher applies and extracts diffs with the git CLI.
type GitPatcher struct{}

// Apply writes the patch to a temp file and runs git apply. Whitespace noise
// in generated patches is common, so fix it rather than reject.
func (GitPatcher) Apply(ctx context.Context, repoPath, patch string) error {
	tmp, err := os.CreateTemp("", "patchline-*.patch")
	if err != nil {
		return fmt.Errorf("stage patch: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(patch); err != nil {
		tmp.Close()
		return fmt.Errorf("stage patch: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "git", "apply", "--whitespace=fix", tmp.Name())
	cmd.Dir = repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git apply: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Diff returns the working tree diff including untracked state via
// intent-to-add staging.
func (GitPatcher) Diff(ctx context.Context, repoPath string) (string, error) {
	add := exec.CommandContext(ctx, "git", "add", "-N", ".")
	add.Dir = repoPath
	if out, err := add.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git add -N: %s: %w", strings.TrimSpace(string(out)), err)
	}

	cmd := exec.CommandContext(ctx, "git", "diff")
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git diff: %w", err)
	}
	return string(out), nil
}
