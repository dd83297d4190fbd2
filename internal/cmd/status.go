package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/pinforge/pkg/campaign"
	"github.com/3leaps/pinforge/pkg/checkpoint"
	"github.com/3leaps/pinforge/pkg/pinstore"
	"github.com/3leaps/pinforge/pkg/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a campaign's stored progress",
	Long: `Report the durable state of a campaign: checkpoint position, pin
counts, per-template breakdown, and failed rows.

Example:
  pinforge status --job campaign.yaml
  pinforge status --job campaign.yaml --format json`,
	RunE: runStatus,
}

var (
	statusJobPath string
	statusDataDir string
	statusFormat  string
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVarP(&statusJobPath, "job", "j", "", "Path to campaign manifest (required)")
	statusCmd.Flags().StringVar(&statusDataDir, "data-dir", "", "Directory for the pin database (default: app data dir)")
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "Output format (text|json)")

	_ = statusCmd.MarkFlagRequired("job")
}

// statusReport is the status command's JSON output shape.
type statusReport struct {
	CampaignID string         `json:"campaignId"`
	Status     string         `json:"status"`
	Current    int            `json:"current"`
	Generated  int            `json:"generated"`
	Failed     int            `json:"failed"`
	ByTemplate map[string]int `json:"byTemplate,omitempty"`
	FailedRows []int          `json:"failedRows,omitempty"`
	UpdatedAt  *time.Time     `json:"updatedAt,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := campaign.Load(statusJobPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	if statusDataDir != "" {
		generateDataDir = statusDataDir
	}
	dbPath := filepath.Join(resolveDataDir(), pipeline.DefaultDBFileName)
	if _, err := os.Stat(dbPath); err != nil {
		return exitError(foundry.ExitFileNotFound, "No pin database found", err)
	}

	report, err := collectStatus(ctx, dbPath, m.Campaign.ID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read campaign state", err)
	}

	if statusFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Printf("Campaign:  %s\n", report.CampaignID)
	fmt.Printf("Status:    %s\n", report.Status)
	fmt.Printf("Progress:  %d rows processed\n", report.Current)
	fmt.Printf("Generated: %d\n", report.Generated)
	fmt.Printf("Failed:    %d\n", report.Failed)
	if report.UpdatedAt != nil {
		fmt.Printf("Updated:   %s\n", report.UpdatedAt.Format(time.RFC3339))
	}
	if len(report.ByTemplate) > 0 {
		fmt.Println("Per template:")
		for id, n := range report.ByTemplate {
			fmt.Printf("  %-20s %d\n", id, n)
		}
	}
	if len(report.FailedRows) > 0 {
		fmt.Printf("Failed rows: %v\n", report.FailedRows)
	}
	return nil
}

func collectStatus(ctx context.Context, dbPath, campaignID string) (*statusReport, error) {
	db, err := pinstore.Open(ctx, pinstore.Config{Path: dbPath})
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	if err := pinstore.Migrate(ctx, db); err != nil {
		return nil, err
	}
	pins, err := pinstore.NewStore(db)
	if err != nil {
		return nil, err
	}
	checkpoints, err := checkpoint.NewStore(ctx, db)
	if err != nil {
		return nil, err
	}

	counts, err := pins.CountByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	byTemplate, err := pins.CountByTemplate(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	failedRows, err := pins.FailedRows(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	report := &statusReport{
		CampaignID: campaignID,
		Status:     "no checkpoint",
		Current:    counts.Total(),
		Generated:  counts.Generated,
		Failed:     counts.Failed,
		ByTemplate: byTemplate,
		FailedRows: failedRows,
	}

	if cp, err := checkpoints.Load(ctx, campaignID); err != nil {
		return nil, err
	} else if cp != nil {
		report.Status = cp.Status
		report.Current = cp.NextRowIndex
		report.UpdatedAt = &cp.UpdatedAt
	} else if counts.Total() > 0 {
		// Completed runs clear their checkpoint; the pin records remain.
		report.Status = "completed"
	}

	return report, nil
}
