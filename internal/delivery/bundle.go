// Package delivery publishes approved changes together with the proof bundle
// that justifies them.
package delivery

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"patchline/internal/audit"
	"patchline/internal/runstore"
)

// BundleName is the proof bundle file written into the run directory.
const BundleName = "proof_bundle.zip"

// bundleFiles are the run dir files packed into every bundle. Missing
// optional files are skipped; evidence and the audit log must exist.
var bundleFiles = []struct {
	name     string
	required bool
}{
	{runstore.EvidenceFile, true},
	{audit.FileName, true},
	{runstore.DecisionLogFile, false},
	{runstore.HelpRequestsFile, false},
	{runstore.HelpResponseFile, false},
	{runstore.SnapshotFile, false},
}

// WriteProofBundle packs the run's evidence, decision log, help transcripts,
// audit log, and artifacts into a zip and returns its path.
func WriteProofBundle(runDir string) (string, error) {
	path := filepath.Join(runDir, BundleName)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create proof bundle: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, bf := range bundleFiles {
		src := filepath.Join(runDir, bf.name)
		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) && !bf.required {
				continue
			}
			return "", fmt.Errorf("bundle %s: %w", bf.name, err)
		}
		if err := addFile(zw, src, bf.name); err != nil {
			return "", err
		}
	}

	artifacts := filepath.Join(runDir, runstore.ArtifactsDir)
	entries, err := os.ReadDir(artifacts)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("read artifacts: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(artifacts, e.Name())
		if err := addFile(zw, src, runstore.ArtifactsDir+"/"+e.Name()); err != nil {
			return "", err
		}
	}

	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finalize proof bundle: %w", err)
	}
	return path, nil
}

func addFile(zw *zip.Writer, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("bundle %s: %w", dst, err)
	}
	defer in.Close()
	out, err := zw.Create(dst)
	if err != nil {
		return fmt.Errorf("bundle %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("bundle %s: %w", dst, err)
	}
	return nil
}
