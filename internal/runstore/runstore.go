// Package runstore lays out the per-run directory: artifacts, evidence,
// decision log, help transcripts, and the resumable work item snapshot.
package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"patchline/internal/domain"
)

const (
	ArtifactsDir     = "artifacts"
	SnapshotFile     = "work_item.json"
	EvidenceFile     = "evidence.json"
	DecisionLogFile  = "decision_log.json"
	HelpRequestsFile = "help_requests.json"
	HelpResponseFile = "help_responses.json"
)

// NewRunDir creates runs/<id>_<yyyymmdd_hhmmss>/ with an artifacts
// subdirectory and returns its path.
func NewRunDir(base, workItemID string, now time.Time) (string, error) {
	dir := filepath.Join(base, fmt.Sprintf("%s_%s", workItemID, now.Format("20060102_150405")))
	if err := os.MkdirAll(filepath.Join(dir, ArtifactsDir), 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	return dir, nil
}

// WriteJSON writes v as indented JSON to name inside the run dir.
func WriteJSON(runDir, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return os.WriteFile(filepath.Join(runDir, name), append(data, '\n'), 0o644)
}

// WriteArtifact writes raw content into the artifacts subdirectory.
func WriteArtifact(runDir, name string, content []byte) (string, error) {
	path := filepath.Join(runDir, ArtifactsDir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", name, err)
	}
	return path, nil
}

// SaveSnapshot persists the full work item so a paused run can resume.
func SaveSnapshot(runDir string, item domain.WorkItem) error {
	return WriteJSON(runDir, SnapshotFile, item)
}

// LoadSnapshot restores a work item saved by SaveSnapshot.
func LoadSnapshot(runDir string) (domain.WorkItem, error) {
	var item domain.WorkItem
	data, err := os.ReadFile(filepath.Join(runDir, SnapshotFile))
	if err != nil {
		return item, fmt.Errorf("read snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &item); err != nil {
		return item, fmt.Errorf("parse snapshot: %w", err)
	}
	return item, nil
}

// SaveOutputs writes the derived views of a work item next to the snapshot.
// Called on every status change so the run dir always reflects current state.
func SaveOutputs(runDir string, item domain.WorkItem) error {
	if err := WriteJSON(runDir, EvidenceFile, item.Evidence); err != nil {
		return err
	}
	if err := WriteJSON(runDir, DecisionLogFile, item.DecisionLog); err != nil {
		return err
	}
	if err := WriteJSON(runDir, HelpRequestsFile, item.HelpRequests); err != nil {
		return err
	}
	return WriteJSON(runDir, HelpResponseFile, item.HelpResponses)
}

// FindRunDir locates the most recent run dir for a work item id under base.
func FindRunDir(base, workItemID string) (string, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return "", fmt.Errorf("read runs dir: %w", err)
	}
	var latest string
	prefix := workItemID + "_"
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if len(e.Name()) > len(prefix) && e.Name()[:len(prefix)] == prefix && e.Name() > latest {
			latest = e.Name()
		}
	}
	if latest == "" {
		return "", fmt.Errorf("no run dir for %s under %s", workItemID, base)
	}
	return filepath.Join(base, latest), nil
}

// ListRunDirs returns all run directories under base, newest name first.
func ListRunDirs(base string) ([]string, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(base, e.Name()))
		}
	}
	for i, j := 0, len(dirs)-1; i < j; i, j = i+1, j-1 {
		dirs[i], dirs[j] = dirs[j], dirs[i]
	}
	return dirs, nil
}
