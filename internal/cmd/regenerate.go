package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pinforge/internal/observability"
	"github.com/3leaps/pinforge/pkg/campaign"
	"github.com/3leaps/pinforge/pkg/pipeline"
)

var regenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Clear a campaign's pins and run it again from row zero",
	Long: `Delete every stored pin record, asset, and checkpoint for the
campaign in the manifest, then run the full generation again.

Example:
  pinforge regenerate --job campaign.yaml
  pinforge regenerate --job campaign.yaml --clear-only`,
	RunE: runRegenerate,
}

var (
	regenerateJobPath   string
	regenerateDataDir   string
	regenerateClearOnly bool
)

func init() {
	rootCmd.AddCommand(regenerateCmd)

	regenerateCmd.Flags().StringVarP(&regenerateJobPath, "job", "j", "", "Path to campaign manifest (required)")
	regenerateCmd.Flags().StringVar(&regenerateDataDir, "data-dir", "", "Directory for the pin database (default: app data dir)")
	regenerateCmd.Flags().BoolVar(&regenerateClearOnly, "clear-only", false, "Clear records and assets without regenerating")

	_ = regenerateCmd.MarkFlagRequired("job")
}

func runRegenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := campaign.Load(regenerateJobPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	baseDir, err := manifestBaseDir(regenerateJobPath)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Cannot resolve manifest directory", err)
	}

	if regenerateDataDir != "" {
		generateDataDir = regenerateDataDir
	}

	rt, err := pipeline.Build(ctx, m, pipeline.Options{
		BaseDir: baseDir,
		DataDir: resolveDataDir(),
		Logger:  observability.CLILogger,
	})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to assemble campaign", err)
	}

	res, err := rt.Regenerate(ctx)
	// Close before the fresh run below reopens the database.
	_ = rt.Close()
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to clear campaign", err)
	}

	observability.CLILogger.Info("Campaign cleared",
		zap.String("campaign_id", m.Campaign.ID),
		zap.Int64("deleted_records", res.DeletedRecords),
		zap.Int("deleted_assets", res.DeletedAssets))
	fmt.Printf("Cleared %d records and %d assets for campaign %s\n",
		res.DeletedRecords, res.DeletedAssets, m.Campaign.ID)

	if regenerateClearOnly {
		return nil
	}

	// Reuse the generate flow for the fresh run.
	generateJobPath = regenerateJobPath
	generateFresh = true
	return executeGenerate(ctx, m)
}
