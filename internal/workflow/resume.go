package workflow

import (
	"context"
	"fmt"

	"patchline/internal/domain"
	"patchline/internal/runstore"
)

// ProvideInfo answers the clarification questions of a NEEDS_INFO run and
// resumes it. The answer lands in the ticket's clarifications; without a
// ticket yet the run re-enters intake with the answer appended to the task.
func (e Engine) ProvideInfo(ctx context.Context, workItemID, answer string) (domain.WorkItem, error) {
	runDir, item, err := e.reload(workItemID)
	if err != nil {
		return item, err
	}
	if item.Status != domain.StatusNeedsInfo {
		return item, fmt.Errorf("work item %s is %s, not %s", workItemID, item.Status, domain.StatusNeedsInfo)
	}

	item.BlockedNeeds = nil
	if item.Ticket != nil {
		item.Ticket.Clarifications = append(item.Ticket.Clarifications, answer)
		item.Status = domain.StatusPlanning
	} else {
		item.TaskRaw = item.TaskRaw + "\n\nClarification: " + answer
		item.Status = domain.StatusIntake
	}
	if err := e.record(runDir, &item, domain.EventInfoProvided, map[string]any{
		"answer": answer,
	}); err != nil {
		return item, err
	}
	return e.loop(ctx, runDir, item)
}

// Approve resumes a blocked run after human review. Approval clears the
// block and retries delivery; rejection records the reason and leaves the
// run blocked.
func (e Engine) Approve(ctx context.Context, workItemID string, approved bool, reason string) (domain.WorkItem, error) {
	runDir, item, err := e.reload(workItemID)
	if err != nil {
		return item, err
	}
	if item.Status != domain.StatusBlocked {
		return item, fmt.Errorf("work item %s is %s, not %s", workItemID, item.Status, domain.StatusBlocked)
	}

	if !approved {
		item.BlockedReason = "Rejected: " + reason
		if err := e.record(runDir, &item, domain.EventBlocked, map[string]any{
			"reason": item.BlockedReason,
		}); err != nil {
			return item, err
		}
		return item, runstore.SaveSnapshot(runDir, item)
	}

	item.BlockedReason = ""
	item.BlockedNeeds = nil
	item.Status = domain.StatusDelivering
	if err := e.record(runDir, &item, domain.EventInfoProvided, map[string]any{
		"approved": true,
		"reason":   reason,
	}); err != nil {
		return item, err
	}
	return e.loop(ctx, runDir, item)
}

func (e Engine) reload(workItemID string) (string, domain.WorkItem, error) {
	runDir, err := runstore.FindRunDir(e.Config.Workflow.RunsDir, workItemID)
	if err != nil {
		return "", domain.WorkItem{}, err
	}
	item, err := runstore.LoadSnapshot(runDir)
	if err != nil {
		return runDir, item, err
	}
	return runDir, item, nil
}
