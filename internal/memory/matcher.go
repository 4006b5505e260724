package memory

import (
	"context"
	"sort"
	"strings"

	"patchline/internal/domain"
)

const maxMatches = 5

// tokenize lowercases a title and splits it into word tokens.
func tokenize(title string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(title)) {
		w = strings.Trim(w, ".,:;!?()[]{}\"'")
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

// jaccard is |A∩B| / |A∪B| over the two token sets. Two empty sets score zero.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// FindSimilarTasks returns past delivered runs from the given repo whose
// ticket titles overlap the given title, highest similarity first, at most
// five. Zero-score runs are dropped. An empty repo matches every repo.
func (s Store) FindSimilarTasks(ctx context.Context, repo, title string) ([]domain.PatternMatch, error) {
	return s.findMatches(ctx, repo, title, domain.StatusDelivered)
}

// FindFailurePatterns is FindSimilarTasks over blocked runs. Each match carries
// the failure mode as a lesson so planners can avoid repeating it.
func (s Store) FindFailurePatterns(ctx context.Context, repo, title string) ([]domain.PatternMatch, error) {
	return s.findMatches(ctx, repo, title, domain.StatusBlocked)
}

func (s Store) findMatches(ctx context.Context, repo, title string, status domain.Status) ([]domain.PatternMatch, error) {
	runs, err := s.QueryRuns(ctx, Filter{Repo: repo, Status: string(status)}, 1000)
	if err != nil {
		return nil, err
	}
	want := tokenize(title)

	var matches []domain.PatternMatch
	for _, r := range runs {
		score := jaccard(want, tokenize(r.TicketTitle))
		if score <= 0 {
			continue
		}
		m := domain.PatternMatch{
			WorkItemID:      r.WorkItemID,
			SimilarityScore: score,
			TicketTitle:     r.TicketTitle,
			FinalStatus:     r.FinalStatus,
		}
		if status == domain.StatusBlocked && r.FailureMode != "" {
			m.KeyLessons = append(m.KeyLessons, "previous failure mode: "+r.FailureMode)
		}
		matches = append(matches, m)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].SimilarityScore > matches[j].SimilarityScore
	})
	if len(matches) > maxMatches {
		matches = matches[:maxMatches]
	}
	return matches, nil
}
