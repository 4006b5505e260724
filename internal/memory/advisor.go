package memory

import (
	"context"
	"fmt"
	"strings"

	"patchline/internal/domain"
)

// regressionTable maps domain tags to known regression risks. The table is
// fixed; entries came out of post-mortems on earlier runs.
var regressionTable = map[string]domain.RegressionRisk{
	"auth": {
		Risk:           "Changes to auth code can lock out existing sessions",
		Recommendation: "Verify session handling and token validation still pass after the change",
	},
	"database": {
		Risk:           "Schema or query changes can break existing data access paths",
		Recommendation: "Run migrations against a copy of production-shaped data before delivering",
	},
	"migration": {
		Risk:           "Migrations are hard to roll back once applied",
		Recommendation: "Write the down migration and test it before delivering",
	},
	"api": {
		Risk:           "API changes can break downstream consumers",
		Recommendation: "Check for callers of changed endpoints and keep response shapes compatible",
	},
}

// Advise assembles planning advice for a ticket from past runs of the same
// repo. Always returns advice; with no history the recommendations carry a
// neutral note.
func (s Store) Advise(ctx context.Context, repo string, ticket domain.TicketSpec) (domain.MemoryAdvice, error) {
	adv := domain.MemoryAdvice{}

	successes, err := s.FindSimilarTasks(ctx, repo, ticket.Title)
	if err != nil {
		return adv, fmt.Errorf("find similar tasks: %w", err)
	}
	failures, err := s.FindFailurePatterns(ctx, repo, ticket.Title)
	if err != nil {
		return adv, fmt.Errorf("find failure patterns: %w", err)
	}
	adv.SimilarSuccesses = successes
	adv.SimilarFailures = failures

	seen := map[string]bool{}
	for _, tag := range ticket.DomainTags {
		tag = strings.ToLower(tag)
		if risk, ok := regressionTable[tag]; ok && !seen[tag] {
			seen[tag] = true
			adv.RegressionRisks = append(adv.RegressionRisks, risk)
		}
	}

	switch {
	case len(failures) > 0:
		adv.Recommendations = append(adv.Recommendations,
			fmt.Sprintf("%d similar task(s) failed before; review their failure modes", len(failures)))
	case len(successes) > 0:
		adv.Recommendations = append(adv.Recommendations,
			fmt.Sprintf("%d similar task(s) delivered successfully", len(successes)))
	default:
		adv.Recommendations = append(adv.Recommendations,
			"no similar tasks in memory; proceed with standard caution")
	}
	return adv, nil
}
