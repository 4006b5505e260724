package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"patchline/internal/domain"
	"patchline/internal/runstore"
)

// PatchName is the final patch artifact a run must produce before delivery.
const PatchName = "change.patch"

// LocalPatch delivers by leaving the patch and proof bundle in the run
// directory. It is the default mode and needs no credentials.
type LocalPatch struct {
	Now func() time.Time
}

func (d LocalPatch) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Deliver verifies the patch artifact exists, writes the proof bundle, and
// returns a delivered result. A missing patch fails the delivery without
// touching the bundle.
func (d LocalPatch) Deliver(ctx context.Context, item domain.WorkItem, runDir string) (domain.DeliveryResult, error) {
	res := domain.DeliveryResult{
		DeliveryID:  uuid.NewString(),
		Mode:        domain.DeliverLocalPatch,
		DeliveredAt: d.now().UTC().Format(time.RFC3339),
	}

	patchPath := filepath.Join(runDir, runstore.ArtifactsDir, PatchName)
	if _, err := os.Stat(patchPath); err != nil {
		res.Status = "failed"
		res.ErrorMessage = fmt.Sprintf("patch artifact missing: %v", err)
		return res, fmt.Errorf("deliver %s: patch artifact missing: %w", item.WorkItemID, err)
	}

	bundle, err := WriteProofBundle(runDir)
	if err != nil {
		res.Status = "failed"
		res.ErrorMessage = err.Error()
		return res, fmt.Errorf("deliver %s: %w", item.WorkItemID, err)
	}

	res.Status = "delivered"
	res.PatchBundlePath = patchPath
	res.ProofBundlePath = bundle
	return res, nil
}
