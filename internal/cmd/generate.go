package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pinforge/internal/observability"
	"github.com/3leaps/pinforge/pkg/campaign"
	"github.com/3leaps/pinforge/pkg/distribution"
	"github.com/3leaps/pinforge/pkg/generator"
	"github.com/3leaps/pinforge/pkg/pipeline"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run a pin generation campaign from a manifest",
	Long: `Run a pin generation campaign as defined in a YAML or JSON manifest.

The manifest specifies the dataset, templates, distribution strategy,
render strategy, and storage configuration.

An interrupted campaign resumes from its last checkpoint on the next run.
Press Ctrl+C once to pause gracefully at the next batch boundary; press it
again to abort immediately.

Example:
  pinforge generate --job campaign.yaml
  pinforge generate --job campaign.yaml --dry-run
  pinforge generate --job campaign.yaml --fresh`,
	RunE: runGenerate,
}

var (
	generateJobPath string
	generateDataDir string
	generateOutput  string
	generateQuiet   bool
	generateDryRun  bool
	generatePlan    bool
	generateFresh   bool
)

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVarP(&generateJobPath, "job", "j", "", "Path to campaign manifest (required)")
	generateCmd.Flags().StringVar(&generateDataDir, "data-dir", "", "Directory for the pin database (default: app data dir)")
	generateCmd.Flags().StringVarP(&generateOutput, "output", "o", "", "Override local output directory")
	generateCmd.Flags().BoolVarP(&generateQuiet, "quiet", "q", false, "Suppress progress output")
	generateCmd.Flags().BoolVar(&generateDryRun, "dry-run", false, "Validate manifest and show plan without executing")
	generateCmd.Flags().BoolVar(&generatePlan, "plan", false, "Alias for --dry-run")
	generateCmd.Flags().BoolVar(&generateFresh, "fresh", false, "Ignore any checkpoint and start from row zero")

	_ = generateCmd.MarkFlagRequired("job")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := campaign.Load(generateJobPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", generateJobPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	if generateOutput != "" {
		m.Storage.Backend = campaign.BackendFile
		m.Storage.File.BaseDir = generateOutput
	}

	observability.CLILogger.Debug("Loaded manifest",
		zap.String("path", generateJobPath),
		zap.String("campaign_id", m.Campaign.ID),
		zap.String("render_strategy", string(m.Render.Strategy)),
		zap.Int("templates", len(m.Templates)))

	if generatePlan || generateDryRun {
		return showGeneratePlan(m)
	}

	return executeGenerate(ctx, m)
}

// showGeneratePlan displays what would be generated without executing.
func showGeneratePlan(m *campaign.Manifest) error {
	baseDir, err := manifestBaseDir(generateJobPath)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Cannot resolve manifest directory", err)
	}

	fmt.Println("=== Generation Plan (dry-run) ===")
	fmt.Println()
	fmt.Printf("Campaign:     %s", m.Campaign.ID)
	if m.Campaign.Name != "" {
		fmt.Printf(" (%s)", m.Campaign.Name)
	}
	fmt.Println()
	fmt.Printf("Dataset:      %s\n", m.Dataset.Path)

	snaps, err := m.Snapshots(baseDir)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid templates", err)
	}
	fmt.Println()
	fmt.Println("Templates:")
	for _, s := range snaps {
		fmt.Printf("  - %s (%dx%d, %d elements)\n", s.ID, s.CanvasSize.Width, s.CanvasSize.Height, len(s.Elements))
	}
	fmt.Println()
	fmt.Printf("Distribution: %s", m.Distribution.Strategy)
	if m.Distribution.Strategy == string(distribution.StrategyCSVColumn) {
		fmt.Printf(" (column %q, on unmatched: %s)", m.Distribution.Column, m.Distribution.OnUnmatched)
	}
	fmt.Println()
	fmt.Printf("Render:       %s", m.Render.Strategy)
	if m.Render.Endpoint != "" {
		fmt.Printf(" via %s", m.Render.Endpoint)
	}
	fmt.Printf(" (x%d, %s q%d)\n", m.Render.Multiplier, m.Render.Format, m.Render.Quality)
	fmt.Printf("Storage:      %s", m.Storage.Backend)
	if m.Storage.Backend == campaign.BackendS3 {
		fmt.Printf(" bucket=%s region=%s", m.Storage.S3.Bucket, m.Storage.S3.Region)
	} else {
		fmt.Printf(" dir=%s", m.Storage.File.BaseDir)
	}
	fmt.Println()
	fmt.Printf("Batch size:   %d\n", m.Generation.BatchSize)
	fmt.Printf("Concurrency:  %d\n", m.Generation.Concurrency)
	fmt.Println()
	fmt.Println("Manifest validated successfully. Remove --dry-run to execute.")
	return nil
}

// executeGenerate runs the campaign.
func executeGenerate(ctx context.Context, m *campaign.Manifest) error {
	baseDir, err := manifestBaseDir(generateJobPath)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Cannot resolve manifest directory", err)
	}

	rt, err := pipeline.Build(ctx, m, pipeline.Options{
		BaseDir: baseDir,
		DataDir: resolveDataDir(),
		Logger:  observability.CLILogger,
	})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to assemble campaign", err)
	}
	defer func() { _ = rt.Close() }()

	fromIndex := 0
	if generateFresh {
		observability.CLILogger.Info("Starting fresh run", zap.String("campaign_id", m.Campaign.ID))
	} else {
		idx, resumed, rerr := rt.ResumeIndex(ctx)
		if rerr != nil {
			return exitError(foundry.ExitFileReadError, "Failed to read checkpoint", rerr)
		}
		if resumed {
			fromIndex = idx
			fmt.Fprintf(os.Stderr, "Resuming campaign %s from row %d of %d\n",
				m.Campaign.ID, fromIndex, rt.Dataset.Len())
		}
	}

	ctrl, err := rt.Controller(progressPrinter())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid campaign configuration", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// First interrupt pauses at the next batch boundary; second aborts.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
		case <-runCtx.Done():
			return
		}
		fmt.Fprintln(os.Stderr, "\nPausing at next batch boundary (Ctrl+C again to abort)...")
		ctrl.Pause()
		select {
		case <-sigCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	summary, err := ctrl.Run(runCtx, fromIndex)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return exitError(foundry.ExitSignalInt, "Generation cancelled", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Generation failed", err)
	}

	printSummary(summary)

	if summary.Status == generator.StatusPaused {
		fmt.Fprintf(os.Stderr, "Campaign paused at row %d. Run the same command to resume.\n", summary.Current)
	}
	return nil
}

// progressPrinter returns the per-batch progress callback, or nil in quiet
// mode.
func progressPrinter() func(generator.Progress) {
	if generateQuiet {
		return nil
	}
	return func(p generator.Progress) {
		eta := "--"
		if p.ETA > 0 {
			eta = p.ETA.Round(time.Second).String()
		}
		fmt.Fprintf(os.Stderr, "\rRow %d/%d (%.1f%%)  %.1f rows/s  eta %s   ",
			p.Current, p.Total, p.Percentage, p.RowsPerSecond, eta)
	}
}

func printSummary(s *generator.Summary) {
	if !generateQuiet {
		fmt.Fprintln(os.Stderr)
	}

	fmt.Printf("Campaign:  %s\n", s.CampaignID)
	fmt.Printf("Status:    %s\n", s.Status)
	fmt.Printf("Processed: %d/%d\n", s.Current, s.Total)
	fmt.Printf("Generated: %d\n", s.Generated)
	fmt.Printf("Failed:    %d\n", s.Failed)
	fmt.Printf("Duration:  %s\n", s.Duration.Round(10*time.Millisecond))

	if len(s.ByTemplate) > 0 {
		fmt.Println("Per template:")
		for id, st := range s.ByTemplate {
			fmt.Printf("  %-20s generated=%d failed=%d\n", id, st.Generated, st.Failed)
		}
	}
	for _, e := range s.Errors {
		fmt.Printf("  row %d: %s\n", e.RowIndex, e.Message)
	}
}

// manifestBaseDir resolves the directory the manifest's relative paths are
// anchored to.
func manifestBaseDir(jobPath string) (string, error) {
	abs, err := filepath.Abs(jobPath)
	if err != nil {
		return "", err
	}
	return filepath.Dir(abs), nil
}

// resolveDataDir picks the pin database directory: flag first, then the
// platform app-data directory.
func resolveDataDir() string {
	if generateDataDir != "" {
		return generateDataDir
	}
	identity := GetAppIdentity()
	if identity == nil {
		return "."
	}
	return gfconfig.GetAppDataDir(identity.ConfigName)
}
