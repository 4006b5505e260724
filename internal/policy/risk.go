package policy

import "strings"

// Thresholds for the size-derived risk factors.
const (
	largeChangeLines   = 500
	manyFilesThreshold = 10
)

var authKeywords = []string{"auth", "login", "password", "token", "session", "credential"}

var criticalPaths = []string{"/models/", "/schemas/", "/database/", "/security/"}

// ClassifyRisk derives boolean risk factors from the patch text. The
// vocabulary is fixed; rules reference these keys by name.
func ClassifyRisk(patch string) map[string]bool {
	factors := map[string]bool{
		"modifies_auth":           false,
		"modifies_migrations":     false,
		"modifies_critical_paths": false,
		"large_change":            false,
		"touches_many_files":      false,
	}

	lower := strings.ToLower(patch)
	for _, kw := range authKeywords {
		if strings.Contains(lower, kw) {
			factors["modifies_auth"] = true
			break
		}
	}

	if strings.Contains(lower, "migration") || strings.Contains(patch, "/migrations/") {
		factors["modifies_migrations"] = true
	}

	for _, p := range criticalPaths {
		if strings.Contains(patch, p) {
			factors["modifies_critical_paths"] = true
			break
		}
	}

	changed := 0
	for _, line := range strings.Split(patch, "\n") {
		if strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-") {
			changed++
		}
	}
	if changed > largeChangeLines {
		factors["large_change"] = true
	}

	if strings.Count(patch, "diff --git") > manyFilesThreshold {
		factors["touches_many_files"] = true
	}

	return factors
}
