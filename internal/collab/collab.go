// Package collab defines the collaborator seams the workflow engine drives.
// Implementations may be humans, scripts, or model-backed services; the
// engine only sees these interfaces.
package collab

import (
	"context"
	"errors"

	"patchline/internal/domain"
)

// ErrMalformedOutput reports that a collaborator produced output the engine
// could not parse. The engine treats it as a failed attempt, not a crash.
var ErrMalformedOutput = errors.New("malformed collaborator output")

// Intake turns a raw task description into a structured ticket, or reports
// the questions that must be answered first.
type Intake interface {
	Clarify(ctx context.Context, taskRaw string) (ticket *domain.TicketSpec, questions []string, err error)
}

// Planner produces an ordered implementation plan for a ticket.
type Planner interface {
	Plan(ctx context.Context, ticket domain.TicketSpec, advice *domain.MemoryAdvice) ([]string, error)
}

// PatchGenerator proposes a unified diff for the current attempt. Feedback
// carries review findings and help responses from earlier attempts.
type PatchGenerator interface {
	GeneratePatch(ctx context.Context, item domain.WorkItem, feedback []string) (string, error)
}

// Reviewer inspects an applied patch and its evidence. An empty findings
// slice means approval.
type Reviewer interface {
	Review(ctx context.Context, item domain.WorkItem) (findings []string, err error)
}

// HelpProvider answers a help request from a domain specialist's view.
type HelpProvider interface {
	ProvideHelp(ctx context.Context, req domain.HelpRequest) (domain.HelpResponse, error)
}

// Runner executes a verification command in the repo, capturing stdout and
// stderr under outDir as <label>.stdout.txt / <label>.stderr.txt.
type Runner interface {
	Run(ctx context.Context, repoPath, command, outDir, label string) (domain.CommandRun, error)
}

// NeedsHelpError is returned by a PatchGenerator that cannot proceed without
// specialist input. The engine enqueues the request and escalates instead of
// consuming an attempt.
type NeedsHelpError struct {
	Request domain.HelpRequest
}

func (e *NeedsHelpError) Error() string {
	return "needs help: " + e.Request.Question
}

// Patcher applies and extracts unified diffs against a working tree.
type Patcher interface {
	Apply(ctx context.Context, repoPath, patch string) error
	Diff(ctx context.Context, repoPath string) (string, error)
}

// Deliverer publishes an approved change plus its proof bundle.
type Deliverer interface {
	Deliver(ctx context.Context, item domain.WorkItem, runDir string) (domain.DeliveryResult, error)
}
