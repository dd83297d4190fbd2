package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/3leaps/pinforge/pkg/checkpoint"
	"github.com/3leaps/pinforge/pkg/pinstore"
	"github.com/3leaps/pinforge/pkg/uploader"
)

// DefaultCheckpointTTL is how long a checkpoint stays eligible for resume.
// Older checkpoints belong to abandoned runs and are cleared instead of
// offered.
const DefaultCheckpointTTL = 24 * time.Hour

// ResumeIndex decides where a new run should start for the campaign.
//
// It returns (index, true) when a usable checkpoint exists. Checkpoints that
// are stale, already complete, or inconsistent with the durable pin records
// (more pins recorded than the checkpoint claims were processed) are cleared
// and (0, false) is returned: the safe recovery from a corrupt marker is a
// fresh start, since upserts make re-rendering idempotent.
func ResumeIndex(ctx context.Context, store *checkpoint.Store, pins *pinstore.Store, campaignID string, ttl time.Duration) (int, bool, error) {
	if store == nil {
		return 0, false, nil
	}
	if ttl <= 0 {
		ttl = DefaultCheckpointTTL
	}

	cp, err := store.Load(ctx, campaignID)
	if err != nil {
		return 0, false, err
	}
	if cp == nil {
		return 0, false, nil
	}

	if cp.IsStale(ttl) || cp.NextRowIndex >= cp.TotalRows {
		if err := store.Clear(ctx, campaignID); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}

	if pins != nil {
		counts, err := pins.CountByCampaign(ctx, campaignID)
		if err != nil {
			return 0, false, err
		}
		if counts.Generated > cp.NextRowIndex {
			// More pins exist than the checkpoint accounts for; the marker
			// is from an older run.
			if err := store.Clear(ctx, campaignID); err != nil {
				return 0, false, err
			}
			return 0, false, nil
		}
	}

	return cp.NextRowIndex, true, nil
}

// RegenerateResult reports what a full regeneration cleared.
type RegenerateResult struct {
	DeletedRecords int64
	DeletedAssets  int
}

// Regenerate clears a campaign's pin records, stored assets, and checkpoint
// so a fresh run starts at row zero regardless of prior partial progress.
func Regenerate(ctx context.Context, pins *pinstore.Store, up *uploader.Uploader, store *checkpoint.Store, campaignID string) (*RegenerateResult, error) {
	if campaignID == "" {
		return nil, fmt.Errorf("regenerate: campaign id is required")
	}

	res := &RegenerateResult{}

	if pins != nil {
		n, err := pins.DeleteByCampaign(ctx, campaignID)
		if err != nil {
			return nil, fmt.Errorf("regenerate %s: %w", campaignID, err)
		}
		res.DeletedRecords = n
	}

	if up != nil {
		n, err := up.DeleteCampaign(ctx, campaignID)
		if err != nil {
			return nil, fmt.Errorf("regenerate %s: delete assets: %w", campaignID, err)
		}
		res.DeletedAssets = n
	}

	if store != nil {
		if err := store.Clear(ctx, campaignID); err != nil {
			return nil, fmt.Errorf("regenerate %s: clear checkpoint: %w", campaignID, err)
		}
	}

	return res, nil
}
