package security

import (
	"os/exec"
	"strings"

	"patchline/internal/domain"
)

// CommandScanner wraps an external static-analysis tool. The tool is expected
// to exit zero when clean and non-zero when it finds problems, printing one
// finding per line.
type CommandScanner struct {
	ScanType string
	Tool     string
	Args     []string
}

// Scan runs the tool against repoPath. A missing tool degrades to a passing
// low-severity finding rather than failing the run.
func (s CommandScanner) Scan(repoPath string) (domain.SecurityScanResult, error) {
	res := domain.SecurityScanResult{ScanType: s.ScanType, Passed: true}

	if _, err := exec.LookPath(s.Tool); err != nil {
		res.Findings = append(res.Findings, domain.SecurityFinding{
			Severity:    domain.SeverityLow,
			Category:    "tool_missing",
			FilePath:    repoPath,
			Description: s.Tool + " not installed; scan skipped",
		})
		return res, nil
	}

	cmd := exec.Command(s.Tool, append(s.Args, repoPath)...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return res, nil
	}
	if _, ok := err.(*exec.ExitError); !ok {
		return res, err
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		res.Findings = append(res.Findings, domain.SecurityFinding{
			Severity:    domain.SeverityHigh,
			Category:    s.ScanType,
			FilePath:    repoPath,
			Description: line,
		})
	}
	res.Passed = false
	return res, nil
}
