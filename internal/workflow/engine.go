// Package workflow drives a work item through the propose, verify, deliver
// lifecycle as a deterministic state machine. Collaborators do the actual
// work; the engine sequences them, enforces budgets, and records every
// transition in the decision log and the audit chain.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"patchline/internal/audit"
	"patchline/internal/collab"
	"patchline/internal/config"
	"patchline/internal/domain"
	"patchline/internal/gate"
	"patchline/internal/memory"
	"patchline/internal/policy"
	"patchline/internal/runstore"
	"patchline/internal/security"
)

// Exhaustion reason strings. The failure-mode classifier keys off these, so
// they must not change.
const (
	ReasonAttemptsExceeded = "Exceeded max implementation attempts"
	ReasonHelpExhausted    = "Exceeded max help cycles"
)

type Engine struct {
	Intake    collab.Intake
	Planner   collab.Planner
	Generator collab.PatchGenerator
	Reviewer  collab.Reviewer
	Help      collab.HelpProvider
	Runner    collab.Runner
	Patcher   collab.Patcher
	Deliverer collab.Deliverer
	Scanners  []security.Scanner

	Policy *policy.Evaluator
	Memory memory.Store
	Audit  audit.Log

	Config *config.Config
	Log    zerolog.Logger
	Now    func() time.Time
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// NewWorkItem creates a fresh work item with budgets taken from config.
func (e Engine) NewWorkItem(repoPath, taskRaw string) domain.WorkItem {
	return domain.WorkItem{
		WorkItemID:           uuid.NewString()[:8],
		RepoPath:             repoPath,
		TaskRaw:              taskRaw,
		Status:               domain.StatusIntake,
		MaxImplementAttempts: e.Config.Workflow.MaxImplementAttempts,
		MaxHelpCycles:        e.Config.Workflow.MaxHelpCycles,
	}
}

// Run advances the item until a terminal state, persisting the snapshot and
// derived views after every step. The returned item is the terminal state
// even when err is non-nil, so callers can inspect how far it got.
func (e Engine) Run(ctx context.Context, item domain.WorkItem) (domain.WorkItem, error) {
	runDir, err := runstore.NewRunDir(e.Config.Workflow.RunsDir, item.WorkItemID, e.now())
	if err != nil {
		return item, err
	}
	return e.loop(ctx, runDir, item)
}

func (e Engine) loop(ctx context.Context, runDir string, item domain.WorkItem) (domain.WorkItem, error) {
	for !item.Status.Terminal() {
		if err := ctx.Err(); err != nil {
			return item, err
		}
		e.Log.Debug().Str("work_item", item.WorkItemID).Str("status", string(item.Status)).Msg("step")

		next, err := e.step(ctx, runDir, item)
		if err != nil {
			return item, err
		}
		item = next
		if err := runstore.SaveSnapshot(runDir, item); err != nil {
			return item, err
		}
		if err := runstore.SaveOutputs(runDir, item); err != nil {
			return item, err
		}
	}
	if _, err := e.Memory.IndexRun(ctx, item, filepath.Base(item.RepoPath), runDir, e.now()); err != nil {
		return item, err
	}
	e.Log.Info().Str("work_item", item.WorkItemID).Str("status", string(item.Status)).Msg("run finished")
	return item, nil
}

func (e Engine) step(ctx context.Context, runDir string, item domain.WorkItem) (domain.WorkItem, error) {
	switch item.Status {
	case domain.StatusIntake:
		return e.stepIntake(ctx, runDir, item)
	case domain.StatusPlanning:
		return e.stepPlanning(ctx, runDir, item)
	case domain.StatusPolicyCheck:
		return e.stepPolicyCheck(ctx, runDir, item)
	case domain.StatusImplementing:
		return e.stepImplementing(ctx, runDir, item)
	case domain.StatusNeedHelp:
		return e.stepNeedHelp(ctx, runDir, item)
	case domain.StatusSecurityScan:
		return e.stepSecurityScan(ctx, runDir, item)
	case domain.StatusVerifying:
		return e.stepVerifying(ctx, runDir, item)
	case domain.StatusDelivering:
		return e.stepDelivering(ctx, runDir, item)
	}
	return item, fmt.Errorf("no step for status %s", item.Status)
}

func (e Engine) stepIntake(ctx context.Context, runDir string, item domain.WorkItem) (domain.WorkItem, error) {
	ticket, questions, err := e.Intake.Clarify(ctx, item.TaskRaw)
	if err != nil {
		return item, fmt.Errorf("intake: %w", err)
	}
	if len(questions) > 0 {
		item.Status = domain.StatusNeedsInfo
		item.BlockedNeeds = questions
		return item, e.record(runDir, &item, domain.EventNeedsInfo, map[string]any{
			"questions": questions,
		})
	}
	item.Ticket = ticket
	item.Status = domain.StatusPlanning
	return item, e.record(runDir, &item, domain.EventTicketCreated, map[string]any{
		"title":      ticket.Title,
		"risk_level": string(ticket.RiskLevel),
	})
}

func (e Engine) stepPlanning(ctx context.Context, runDir string, item domain.WorkItem) (domain.WorkItem, error) {
	advice, err := e.Memory.Advise(ctx, filepath.Base(item.RepoPath), *item.Ticket)
	if err != nil {
		return item, fmt.Errorf("memory advice: %w", err)
	}
	item.MemoryAdvice = &advice

	plan, err := e.Planner.Plan(ctx, *item.Ticket, &advice)
	if err != nil {
		return item, fmt.Errorf("plan: %w", err)
	}
	item.Plan = plan
	item.Status = domain.StatusPolicyCheck
	return item, e.record(runDir, &item, domain.EventMemoryConsulted, map[string]any{
		"similar_successes": len(advice.SimilarSuccesses),
		"similar_failures":  len(advice.SimilarFailures),
		"plan_steps":        len(plan),
	})
}

func (e Engine) stepPolicyCheck(ctx context.Context, runDir string, item domain.WorkItem) (domain.WorkItem, error) {
	eval, err := e.Policy.Evaluate(item.Ticket, item.PatchUnifiedDiff, item)
	if err != nil {
		return item, fmt.Errorf("policy evaluate: %w", err)
	}
	item.PolicyEvaluation = &eval
	if !eval.Passed {
		item.Status = domain.StatusBlocked
		item.BlockedReason = "Blocking policy violation"
		for _, v := range eval.Violations {
			if v.Action == "block" {
				item.BlockedNeeds = append(item.BlockedNeeds, fmt.Sprintf("resolve policy rule %s: %s", v.RuleID, v.Details))
			}
		}
	} else {
		item.Status = domain.StatusImplementing
	}
	return item, e.record(runDir, &item, domain.EventPolicyEvaluated, map[string]any{
		"policy_version": eval.PolicyVersion,
		"passed":         eval.Passed,
		"violations":     len(eval.Violations),
	})
}

func (e Engine) stepImplementing(ctx context.Context, runDir string, item domain.WorkItem) (domain.WorkItem, error) {
	if item.ImplementAttempts >= item.MaxImplementAttempts {
		item.Status = domain.StatusBlocked
		item.BlockedReason = ReasonAttemptsExceeded
		item.BlockedNeeds = append(item.BlockedNeeds, "human review of repeated implementation failures")
		return item, e.record(runDir, &item, domain.EventBlocked, map[string]any{
			"reason":   item.BlockedReason,
			"attempts": item.ImplementAttempts,
		})
	}
	if item.NeedsHelp() {
		// A snapshot can carry an unanswered request into this step.
		item.Status = domain.StatusNeedHelp
		return item, e.record(runDir, &item, domain.EventResumed, map[string]any{
			"to":      string(domain.StatusNeedHelp),
			"pending": len(item.HelpRequests) - len(item.HelpResponses),
		})
	}

	patch, err := e.Generator.GeneratePatch(ctx, item, item.ReviewFindings)
	var needsHelp *collab.NeedsHelpError
	if errors.As(err, &needsHelp) {
		req := needsHelp.Request
		if req.RequestID == "" {
			req.RequestID = uuid.NewString()[:8]
		}
		req.Attempt = item.ImplementAttempts + 1
		item.HelpRequests = append(item.HelpRequests, req)
		item.Status = domain.StatusNeedHelp
		return item, e.record(runDir, &item, domain.EventHelpRequested, map[string]any{
			"request_id": req.RequestID,
			"domain":     string(req.Domain),
			"question":   req.Question,
		})
	}
	if err != nil || strings.TrimSpace(patch) == "" {
		finding := "patch generation returned empty diff"
		if err != nil {
			finding = fmt.Sprintf("patch generation failed: %v", err)
		}
		item.ReviewFindings = append(item.ReviewFindings, finding)
		item.ImplementAttempts++
		return item, e.record(runDir, &item, domain.EventReviewFindings, map[string]any{
			"finding": finding,
			"attempt": item.ImplementAttempts,
		})
	}

	item.PatchUnifiedDiff = patch
	item.PatchApplied = false
	item.ImplementAttempts++
	item.Status = domain.StatusSecurityScan
	return item, e.record(runDir, &item, domain.EventPatchProposed, map[string]any{
		"attempt":     item.ImplementAttempts,
		"patch_bytes": len(patch),
	})
}

func (e Engine) stepNeedHelp(ctx context.Context, runDir string, item domain.WorkItem) (domain.WorkItem, error) {
	if item.HelpCycles >= item.MaxHelpCycles {
		item.Status = domain.StatusBlocked
		item.BlockedReason = ReasonHelpExhausted
		for _, req := range item.HelpRequests[len(item.HelpResponses):] {
			item.BlockedNeeds = append(item.BlockedNeeds, "unanswered: "+req.Question)
		}
		return item, e.record(runDir, &item, domain.EventBlocked, map[string]any{
			"reason":      item.BlockedReason,
			"help_cycles": item.HelpCycles,
		})
	}

	req, ok := item.OldestUnanswered()
	if !ok {
		// Nothing pending; fall back to implementing.
		item.Status = domain.StatusImplementing
		return item, e.record(runDir, &item, domain.EventResumed, map[string]any{
			"to":      string(domain.StatusImplementing),
			"pending": 0,
		})
	}
	resp, err := e.Help.ProvideHelp(ctx, req)
	if err != nil {
		return item, fmt.Errorf("help provider: %w", err)
	}
	resp.RequestID = req.RequestID
	item.HelpResponses = append(item.HelpResponses, resp)
	item.HelpCycles++
	item.Status = domain.StatusImplementing
	return item, e.record(runDir, &item, domain.EventHelpReceived, map[string]any{
		"request_id": req.RequestID,
		"cycle":      item.HelpCycles,
	})
}

func (e Engine) stepSecurityScan(ctx context.Context, runDir string, item domain.WorkItem) (domain.WorkItem, error) {
	scans := []domain.SecurityScanResult{security.DetectSecrets(item.PatchUnifiedDiff)}
	for _, s := range e.Scanners {
		res, err := s.Scan(item.RepoPath)
		if err != nil {
			return item, fmt.Errorf("security scan: %w", err)
		}
		scans = append(scans, res)
	}
	item.SecurityScans = scans

	if !security.Aggregate(scans) {
		item.Status = domain.StatusBlocked
		item.BlockedReason = "Security scan reported findings"
		for _, scan := range scans {
			for _, f := range scan.Findings {
				if f.Severity == domain.SeverityCritical || f.Severity == domain.SeverityHigh {
					item.BlockedNeeds = append(item.BlockedNeeds, fmt.Sprintf("%s: %s", f.Category, f.Description))
				}
			}
		}
	} else {
		item.Status = domain.StatusVerifying
	}
	return item, e.record(runDir, &item, domain.EventSecurityScanDone, map[string]any{
		"scans":  len(scans),
		"passed": security.Aggregate(scans),
	})
}

func (e Engine) stepVerifying(ctx context.Context, runDir string, item domain.WorkItem) (domain.WorkItem, error) {
	findings, err := e.Reviewer.Review(ctx, item)
	if err != nil {
		findings = append(findings, fmt.Sprintf("review failed: %v", err))
	}
	if len(findings) > 0 {
		item.ReviewFindings = append(item.ReviewFindings, findings...)
		item.Status = domain.StatusImplementing
		return item, e.record(runDir, &item, domain.EventReviewFindings, map[string]any{
			"findings": findings,
		})
	}

	if err := e.Patcher.Apply(ctx, item.RepoPath, item.PatchUnifiedDiff); err != nil {
		finding := fmt.Sprintf("patch apply failed: %v", err)
		item.ReviewFindings = append(item.ReviewFindings, finding)
		item.Status = domain.StatusImplementing
		return item, e.record(runDir, &item, domain.EventReviewFindings, map[string]any{
			"finding": finding,
		})
	}
	item.PatchApplied = true
	if err := e.record(runDir, &item, domain.EventPatchApplied, nil); err != nil {
		return item, err
	}

	label := fmt.Sprintf("verify_%d", len(item.Evidence.TestRuns)+1)
	artifacts := filepath.Join(runDir, runstore.ArtifactsDir)
	run, err := e.Runner.Run(ctx, item.RepoPath, e.Config.Workflow.VerifyCommand, artifacts, label)
	if err != nil {
		return item, fmt.Errorf("verification run: %w", err)
	}
	item.Evidence.TestRuns = append(item.Evidence.TestRuns, run)

	if gate.CanFinalize(run.ExitCode) {
		item.Status = domain.StatusDelivering
		return item, e.record(runDir, &item, domain.EventTestsPassed, map[string]any{
			"command": run.Command,
		})
	}
	finding := fmt.Sprintf("tests failed with exit code %d", run.ExitCode)
	item.ReviewFindings = append(item.ReviewFindings, finding)
	item.Status = domain.StatusImplementing
	return item, e.record(runDir, &item, domain.EventTestsFailed, map[string]any{
		"exit_code": run.ExitCode,
		"finding":   finding,
	})
}

func (e Engine) stepDelivering(ctx context.Context, runDir string, item domain.WorkItem) (domain.WorkItem, error) {
	if err := e.record(runDir, &item, domain.EventDeliveryStarted, map[string]any{
		"mode": e.Config.Delivery.Mode,
	}); err != nil {
		return item, err
	}
	if item.PatchUnifiedDiff != "" {
		if _, err := runstore.WriteArtifact(runDir, "change.patch", []byte(item.PatchUnifiedDiff)); err != nil {
			return item, err
		}
	}

	res, err := e.Deliverer.Deliver(ctx, item, runDir)
	item.DeliveryResult = &res
	if err != nil || res.Status != "delivered" {
		item.Status = domain.StatusBlocked
		item.BlockedReason = "Delivery failed: " + res.ErrorMessage
		item.BlockedNeeds = append(item.BlockedNeeds, "manual delivery of the approved patch")
		return item, e.record(runDir, &item, domain.EventBlocked, map[string]any{
			"reason": item.BlockedReason,
		})
	}
	item.Status = domain.StatusDelivered
	return item, e.record(runDir, &item, domain.EventDeliveryCompleted, map[string]any{
		"delivery_id":  res.DeliveryID,
		"proof_bundle": res.ProofBundlePath,
	})
}

// record appends one decision log entry and mirrors it to the audit chain.
// An audit write failure aborts the run; continuing past an unrecorded
// transition would break the tamper evidence guarantee.
func (e Engine) record(runDir string, item *domain.WorkItem, event string, details map[string]any) error {
	actor := e.Config.Workflow.Actor
	item.DecisionLog = append(item.DecisionLog, domain.DecisionLogEntry{
		Event:   event,
		Actor:   actor,
		Details: details,
	})
	if err := e.Audit.Append(runDir, item.WorkItemID, event, actor, details); err != nil {
		return fmt.Errorf("audit append %s: %w", event, err)
	}
	return nil
}
