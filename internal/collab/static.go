package collab

import (
	"context"
	"fmt"
	"os"
	"strings"

	"patchline/internal/domain"
)

// StaticIntake builds a ticket directly from the task text. Tasks too short
// to carry intent come back as clarification questions.
type StaticIntake struct{}

var riskKeywords = map[string]domain.RiskLevel{
	"auth":      domain.RiskHigh,
	"security":  domain.RiskHigh,
	"password":  domain.RiskHigh,
	"migration": domain.RiskMedium,
	"database":  domain.RiskMedium,
	"schema":    domain.RiskMedium,
}

func (StaticIntake) Clarify(ctx context.Context, taskRaw string) (*domain.TicketSpec, []string, error) {
	words := strings.Fields(taskRaw)
	if len(words) < 3 {
		return nil, []string{"describe the task in more detail: what should change, and where?"}, nil
	}

	title := taskRaw
	if idx := strings.IndexByte(taskRaw, '\n'); idx > 0 {
		title = taskRaw[:idx]
	}
	ticket := &domain.TicketSpec{
		Title:            strings.TrimSpace(title),
		ProblemStatement: taskRaw,
		RiskLevel:        domain.RiskLow,
	}
	low := strings.ToLower(taskRaw)
	for kw, risk := range riskKeywords {
		if strings.Contains(low, kw) {
			ticket.DomainTags = append(ticket.DomainTags, kw)
			if rank(risk) > rank(ticket.RiskLevel) {
				ticket.RiskLevel = risk
			}
		}
	}
	return ticket, nil, nil
}

func rank(r domain.RiskLevel) int {
	switch r {
	case domain.RiskHigh:
		return 2
	case domain.RiskMedium:
		return 1
	}
	return 0
}

// StaticPlanner turns the ticket into an ordered set of generic steps,
// folding in memory advice when present.
type StaticPlanner struct{}

func (StaticPlanner) Plan(ctx context.Context, ticket domain.TicketSpec, advice *domain.MemoryAdvice) ([]string, error) {
	plan := []string{
		"inspect the code paths named in the ticket",
		"apply the change described in: " + ticket.Title,
		"run the verification command and confirm a clean exit",
	}
	if advice != nil {
		for _, r := range advice.RegressionRisks {
			plan = append(plan, "check: "+r.Recommendation)
		}
	}
	return plan, nil
}

// FilePatchGenerator serves a pre-authored patch from disk. It backs the CLI
// run command, where a human supplies the diff and the engine supplies the
// gating, evidence, and audit record.
type FilePatchGenerator struct {
	Path string
}

func (g FilePatchGenerator) GeneratePatch(ctx context.Context, item domain.WorkItem, feedback []string) (string, error) {
	if g.Path == "" {
		return "", fmt.Errorf("%w: no patch file configured", ErrMalformedOutput)
	}
	data, err := os.ReadFile(g.Path)
	if err != nil {
		return "", fmt.Errorf("read patch file: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("%w: patch file %s is empty", ErrMalformedOutput, g.Path)
	}
	return string(data), nil
}

// NoopReviewer approves every patch. Review rigor comes from the
// verification command and the security scans in this configuration.
type NoopReviewer struct{}

func (NoopReviewer) Review(ctx context.Context, item domain.WorkItem) ([]string, error) {
	return nil, nil
}

// StaticHelpProvider answers help requests with generic guidance. Real
// deployments replace this with a specialist-backed implementation.
type StaticHelpProvider struct{}

func (StaticHelpProvider) ProvideHelp(ctx context.Context, req domain.HelpRequest) (domain.HelpResponse, error) {
	return domain.HelpResponse{
		RequestID:  req.RequestID,
		Domain:     req.Domain,
		Advice:     []string{"no specialist is wired for " + string(req.Domain) + "; proceed with the documented approach"},
		Confidence: "low",
	}, nil
}
