package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"patchline/internal/domain"
)

// tagKeywords extracts coarse domain tags from a task title when the ticket
// itself carries none.
var tagKeywords = []string{"auth", "api", "database", "frontend", "backend", "test"}

// ExtractFailureMode classifies why a run ended the way it did. Delivered runs
// have no failure mode.
func ExtractFailureMode(item domain.WorkItem) string {
	switch item.Status {
	case domain.StatusDelivered:
		return ""
	case domain.StatusNeedsInfo:
		return "needs_clarification"
	case domain.StatusBlocked:
		reason := strings.ToLower(item.BlockedReason)
		switch {
		case strings.Contains(reason, "attempts"):
			return "max_attempts_exceeded"
		case strings.Contains(reason, "help cycles"):
			return "help_exhausted"
		}
		return "blocked_unknown"
	}
	// Non-terminal statuses: classify off the latest findings.
	for _, f := range item.ReviewFindings {
		low := strings.ToLower(f)
		if strings.Contains(low, "patch apply failed") {
			return "patch_apply_failed"
		}
		if strings.Contains(low, "tests failed") {
			return "tests_failed"
		}
	}
	return "unknown"
}

// IndexRun projects a finished work item into a run summary and stores it.
func (s Store) IndexRun(ctx context.Context, item domain.WorkItem, repoName, runDir string, completedAt time.Time) (domain.RunSummary, error) {
	sum := domain.RunSummary{
		WorkItemID:        item.WorkItemID,
		RepoName:          repoName,
		TaskRaw:           item.TaskRaw,
		FinalStatus:       item.Status,
		ImplementAttempts: item.ImplementAttempts,
		FailureMode:       ExtractFailureMode(item),
		CompletedAt:       completedAt.UTC().Format(time.RFC3339),
		RunDir:            runDir,
	}
	if code, ok := item.LastTestExitCode(); ok {
		sum.TestExitCode = &code
	}
	if item.Ticket != nil {
		sum.TicketTitle = item.Ticket.Title
		sum.DomainTags = item.Ticket.DomainTags
		sum.RiskLevel = string(item.Ticket.RiskLevel)
	}
	if len(sum.DomainTags) == 0 {
		sum.DomainTags = extractTags(item.TaskRaw)
	}
	// Repeated attempts signal a harder change than the ticket admitted.
	if item.ImplementAttempts > 2 && sum.RiskLevel == string(domain.RiskLow) {
		sum.RiskLevel = string(domain.RiskMedium)
	}
	if err := s.Save(ctx, sum); err != nil {
		return domain.RunSummary{}, fmt.Errorf("index run %s: %w", item.WorkItemID, err)
	}
	return sum, nil
}

func extractTags(task string) []string {
	low := strings.ToLower(task)
	var tags []string
	for _, kw := range tagKeywords {
		if strings.Contains(low, kw) {
			tags = append(tags, kw)
		}
	}
	return tags
}
