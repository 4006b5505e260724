// Package security holds the pre-verification scanners: a secret-pattern
// check over the proposed patch and a pluggable hook for external static
// analysis tools.
package security

import (
	"fmt"
	"regexp"
	"strings"

	"patchline/internal/domain"
)

type secretPattern struct {
	name string
	re   *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{"api_key", regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*["']?([a-zA-Z0-9_\-]{20,})["']?`)},
	{"password", regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*["']([^"']{8,})["']`)},
	{"token", regexp.MustCompile(`(?i)(token|auth[_-]?token)\s*[:=]\s*["']?([a-zA-Z0-9_\-]{20,})["']?`)},
	{"private_key", regexp.MustCompile(`-----BEGIN (RSA|DSA|EC|OPENSSH) PRIVATE KEY-----`)},
	{"aws_key", regexp.MustCompile(`(AKIA|A3T|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}`)},
}

// DetectSecrets checks added lines of a unified diff for credential-looking
// content. Any match is a high-severity finding and fails the scan.
func DetectSecrets(patch string) domain.SecurityScanResult {
	var findings []domain.SecurityFinding

	for i, line := range strings.Split(patch, "\n") {
		if !strings.HasPrefix(line, "+") {
			continue
		}
		for _, p := range secretPatterns {
			m := p.re.FindString(line)
			if m == "" {
				continue
			}
			if len(m) > 50 {
				m = m[:50]
			}
			ln := i + 1
			findings = append(findings, domain.SecurityFinding{
				Severity:    domain.SeverityHigh,
				Category:    "potential_" + p.name,
				FilePath:    "patch",
				LineNumber:  &ln,
				Description: fmt.Sprintf("potential %s detected: %s...", strings.ReplaceAll(p.name, "_", " "), m),
			})
		}
	}

	return domain.SecurityScanResult{
		ScanType: "detect-secrets",
		Findings: findings,
		Passed:   len(findings) == 0,
	}
}

// Scanner is an external static-analysis collaborator. Implementations run a
// tool over the repository and report findings; a missing tool should degrade
// to a low-severity finding rather than fail the scan.
type Scanner interface {
	Scan(repoPath string) (domain.SecurityScanResult, error)
}

// Aggregate reports whether every scan passed. A scan passes when it has no
// critical or high findings.
func Aggregate(scans []domain.SecurityScanResult) bool {
	for _, s := range scans {
		if !s.Passed {
			return false
		}
	}
	return true
}

// CheckSeverity recomputes the pass flag from findings: no critical/high.
func CheckSeverity(findings []domain.SecurityFinding) bool {
	for _, f := range findings {
		if f.Severity == domain.SeverityCritical || f.Severity == domain.SeverityHigh {
			return false
		}
	}
	return true
}
