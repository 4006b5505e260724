package memory

import (
	"context"
	"testing"
	"time"

	"patchline/internal/db"
	"patchline/internal/domain"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return Store{DB: conn}
}

func summary(id, title string, status domain.Status, completedAt string) domain.RunSummary {
	return domain.RunSummary{
		WorkItemID:  id,
		RepoName:    "demo",
		TaskRaw:     title,
		TicketTitle: title,
		RiskLevel:   "low",
		FinalStatus: status,
		CompletedAt: completedAt,
		RunDir:      "runs/" + id,
	}
}

func TestSaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sum := summary("wi-1", "Add login rate limiting", domain.StatusDelivered, "2026-08-01T10:00:00Z")
	sum.DomainTags = []string{"auth"}
	code := 0
	sum.TestExitCode = &code
	if err := s.Save(ctx, sum); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Get(ctx, "wi-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TicketTitle != sum.TicketTitle || got.FinalStatus != domain.StatusDelivered {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.TestExitCode == nil || *got.TestExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", got.TestExitCode)
	}
	if len(got.DomainTags) != 1 || got.DomainTags[0] != "auth" {
		t.Errorf("expected tags [auth], got %v", got.DomainTags)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveReplacesExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, summary("wi-1", "First", domain.StatusBlocked, "2026-08-01T10:00:00Z")); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, summary("wi-1", "Second", domain.StatusDelivered, "2026-08-02T10:00:00Z")); err != nil {
		t.Fatal(err)
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalRuns != 1 {
		t.Errorf("expected 1 run after replace, got %d", st.TotalRuns)
	}
	got, _ := s.Get(ctx, "wi-1")
	if got.TicketTitle != "Second" {
		t.Errorf("expected replaced row, got %q", got.TicketTitle)
	}
}

func TestQueryRunsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	blocked := summary("wi-1", "Fix auth bug", domain.StatusBlocked, "2026-08-01T10:00:00Z")
	blocked.FailureMode = "tests_failed"
	delivered := summary("wi-2", "Fix api bug", domain.StatusDelivered, "2026-08-02T10:00:00Z")
	for _, sum := range []domain.RunSummary{blocked, delivered} {
		if err := s.Save(ctx, sum); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.QueryRuns(ctx, Filter{Status: "DELIVERED"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].WorkItemID != "wi-2" {
		t.Errorf("status filter: got %+v", runs)
	}

	runs, err = s.QueryRuns(ctx, Filter{FailureMode: "tests_failed"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].WorkItemID != "wi-1" {
		t.Errorf("failure mode filter: got %+v", runs)
	}

	runs, err = s.QueryRuns(ctx, Filter{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].WorkItemID != "wi-2" {
		t.Errorf("expected most recent first, got %+v", runs)
	}
}

func TestJaccardSimilarity(t *testing.T) {
	a := tokenize("Add login rate limiting")
	b := tokenize("Add login throttling")
	// intersection {add, login} = 2, union {add, login, rate, limiting, throttling} = 5
	if got := jaccard(a, b); got != 0.4 {
		t.Errorf("expected 0.4, got %v", got)
	}
	if got := jaccard(a, a); got != 1.0 {
		t.Errorf("identical titles should score 1.0, got %v", got)
	}
	if got := jaccard(a, tokenize("Refactor payment webhooks")); got != 0 {
		t.Errorf("disjoint titles should score 0, got %v", got)
	}
}

func TestFindSimilarTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, summary("wi-1", "Add login rate limiting", domain.StatusDelivered, "2026-08-01T10:00:00Z")); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, summary("wi-2", "Refactor payment webhooks", domain.StatusDelivered, "2026-08-02T10:00:00Z")); err != nil {
		t.Fatal(err)
	}
	blocked := summary("wi-3", "Add login captcha", domain.StatusBlocked, "2026-08-03T10:00:00Z")
	blocked.FailureMode = "max_attempts_exceeded"
	if err := s.Save(ctx, blocked); err != nil {
		t.Fatal(err)
	}

	matches, err := s.FindSimilarTasks(ctx, "demo", "Add login throttling")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].WorkItemID != "wi-1" {
		t.Fatalf("expected only wi-1, got %+v", matches)
	}
	if matches[0].SimilarityScore != 0.4 {
		t.Errorf("expected score 0.4, got %v", matches[0].SimilarityScore)
	}

	failures, err := s.FindFailurePatterns(ctx, "demo", "Add login throttling")
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 1 || failures[0].WorkItemID != "wi-3" {
		t.Fatalf("expected only wi-3, got %+v", failures)
	}
	if len(failures[0].KeyLessons) == 0 {
		t.Error("expected failure mode lesson on blocked match")
	}
}

func TestFindSimilarTasksScopedToRepo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, summary("wi-1", "Add login rate limiting", domain.StatusDelivered, "2026-08-01T10:00:00Z")); err != nil {
		t.Fatal(err)
	}
	other := summary("wi-other", "Add login rate limiting", domain.StatusDelivered, "2026-08-02T10:00:00Z")
	other.RepoName = "other-repo"
	if err := s.Save(ctx, other); err != nil {
		t.Fatal(err)
	}

	matches, err := s.FindSimilarTasks(ctx, "demo", "Add login throttling")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].WorkItemID != "wi-1" {
		t.Fatalf("expected only the demo repo run, got %+v", matches)
	}

	all, err := s.FindSimilarTasks(ctx, "", "Add login throttling")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("empty repo should match every repo, got %+v", all)
	}
}

func TestFindSimilarTasksCapped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		id := string(rune('a' + i))
		if err := s.Save(ctx, summary("wi-"+id, "Add widget", domain.StatusDelivered, "2026-08-01T10:00:00Z")); err != nil {
			t.Fatal(err)
		}
	}
	matches, err := s.FindSimilarTasks(ctx, "demo", "Add widget")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 5 {
		t.Errorf("expected cap of 5 matches, got %d", len(matches))
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := summary("wi-1", "One", domain.StatusDelivered, "2026-08-01T10:00:00Z")
	d.ImplementAttempts = 1
	b := summary("wi-2", "Two", domain.StatusBlocked, "2026-08-02T10:00:00Z")
	b.ImplementAttempts = 3
	b.FailureMode = "max_attempts_exceeded"
	for _, sum := range []domain.RunSummary{d, b} {
		if err := s.Save(ctx, sum); err != nil {
			t.Fatal(err)
		}
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalRuns != 2 || st.SuccessfulRuns != 1 {
		t.Errorf("counts wrong: %+v", st)
	}
	if st.SuccessRate != 50 {
		t.Errorf("expected 50%% success rate, got %v", st.SuccessRate)
	}
	if st.AvgAttempts != 2 {
		t.Errorf("expected avg attempts 2, got %v", st.AvgAttempts)
	}
	if st.FailureModes["max_attempts_exceeded"] != 1 {
		t.Errorf("failure modes wrong: %v", st.FailureModes)
	}
}

func TestStatsEmpty(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalRuns != 0 || st.SuccessRate != 0 {
		t.Errorf("expected zero stats, got %+v", st)
	}
}

func TestExtractFailureMode(t *testing.T) {
	cases := []struct {
		name string
		item domain.WorkItem
		want string
	}{
		{"delivered", domain.WorkItem{Status: domain.StatusDelivered}, ""},
		{"needs info", domain.WorkItem{Status: domain.StatusNeedsInfo}, "needs_clarification"},
		{"attempts", domain.WorkItem{Status: domain.StatusBlocked, BlockedReason: "Exceeded max implementation attempts"}, "max_attempts_exceeded"},
		{"help cycles", domain.WorkItem{Status: domain.StatusBlocked, BlockedReason: "Exceeded max help cycles"}, "help_exhausted"},
		{"patch apply", domain.WorkItem{Status: domain.StatusImplementing, ReviewFindings: []string{"patch apply failed: corrupt hunk"}}, "patch_apply_failed"},
		{"tests failed", domain.WorkItem{Status: domain.StatusImplementing, ReviewFindings: []string{"tests failed with exit 2"}}, "tests_failed"},
		{"blocked unknown", domain.WorkItem{Status: domain.StatusBlocked, BlockedReason: "policy violation"}, "blocked_unknown"},
		{"blocked ignores stale findings", domain.WorkItem{Status: domain.StatusBlocked, BlockedReason: "Security scan reported findings", ReviewFindings: []string{"tests failed with exit 2"}}, "blocked_unknown"},
		{"non terminal", domain.WorkItem{Status: domain.StatusImplementing}, "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractFailureMode(tc.item); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIndexRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code1 := 1
	item := domain.WorkItem{
		WorkItemID: "wi-9",
		TaskRaw:    "Fix the auth token refresh in the api layer",
		Status:     domain.StatusBlocked,
		Ticket: &domain.TicketSpec{
			Title:     "Fix auth token refresh",
			RiskLevel: domain.RiskLow,
		},
		ImplementAttempts: 3,
		BlockedReason:     "Exceeded max implementation attempts",
		Evidence: domain.Evidence{TestRuns: []domain.CommandRun{
			{Command: "go test ./...", ExitCode: code1},
		}},
	}

	sum, err := s.IndexRun(ctx, item, "demo", "runs/wi-9_x", time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if sum.FailureMode != "max_attempts_exceeded" {
		t.Errorf("failure mode: got %q", sum.FailureMode)
	}
	if sum.RiskLevel != "medium" {
		t.Errorf("expected risk bumped to medium after 3 attempts, got %q", sum.RiskLevel)
	}
	// Ticket declared no tags; fall back to keyword extraction from the task.
	if len(sum.DomainTags) != 2 {
		t.Errorf("expected [auth api] tags, got %v", sum.DomainTags)
	}
	if sum.TestExitCode == nil || *sum.TestExitCode != 1 {
		t.Errorf("expected exit code 1, got %v", sum.TestExitCode)
	}

	got, err := s.Get(ctx, "wi-9")
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedAt != "2026-08-05T12:00:00Z" {
		t.Errorf("completed at: got %q", got.CompletedAt)
	}
}

func TestAdvise(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, summary("wi-1", "Add login rate limiting", domain.StatusDelivered, "2026-08-01T10:00:00Z")); err != nil {
		t.Fatal(err)
	}

	adv, err := s.Advise(ctx, "demo", domain.TicketSpec{
		Title:      "Add login throttling",
		DomainTags: []string{"auth", "database"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(adv.SimilarSuccesses) != 1 {
		t.Errorf("expected one similar success, got %+v", adv.SimilarSuccesses)
	}
	if len(adv.RegressionRisks) != 2 {
		t.Errorf("expected auth and database regression risks, got %+v", adv.RegressionRisks)
	}
	if len(adv.Recommendations) == 0 {
		t.Error("expected at least one recommendation")
	}
}

func TestAdviseEmptyMemory(t *testing.T) {
	s := newTestStore(t)
	adv, err := s.Advise(context.Background(), "demo", domain.TicketSpec{Title: "Anything"})
	if err != nil {
		t.Fatal(err)
	}
	if len(adv.Recommendations) != 1 {
		t.Fatalf("expected neutral recommendation, got %+v", adv.Recommendations)
	}
}
