package cmd

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/pinforge/pkg/campaign"
	"github.com/3leaps/pinforge/pkg/dataset"
	"github.com/3leaps/pinforge/pkg/template"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect a campaign manifest, its templates, and its dataset",
	Long: `Validate a manifest and report what its templates reference: the
placeholder fields each template uses, which dataset columns satisfy them
(directly or through the field mapping), and which are unresolved.

Example:
  pinforge inspect --job campaign.yaml`,
	RunE: runInspect,
}

var inspectJobPath string

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().StringVarP(&inspectJobPath, "job", "j", "", "Path to campaign manifest (required)")
	_ = inspectCmd.MarkFlagRequired("job")
}

func runInspect(cmd *cobra.Command, args []string) error {
	m, err := campaign.Load(inspectJobPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	baseDir, err := manifestBaseDir(inspectJobPath)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Cannot resolve manifest path", err)
	}

	snaps, err := m.Snapshots(baseDir)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid templates", err)
	}

	ds, err := dataset.Load(resolveAgainst(baseDir, m.Dataset.Path))
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to load dataset", err)
	}

	fmt.Printf("Campaign: %s", m.Campaign.ID)
	if m.Campaign.Name != "" {
		fmt.Printf(" (%s)", m.Campaign.Name)
	}
	fmt.Println()
	fmt.Printf("Dataset:  %s (%d rows, %d columns)\n", m.Dataset.Path, ds.Len(), len(ds.Columns))
	fmt.Printf("Columns:  %s\n", strings.Join(ds.Columns, ", "))
	fmt.Println()

	unresolved := 0
	for _, snap := range snaps {
		fmt.Printf("Template %s (%dx%d, %d elements)\n",
			snap.ID, snap.CanvasSize.Width, snap.CanvasSize.Height, len(snap.Elements))

		fields := snapshotFields(snap)
		if len(fields) == 0 {
			fmt.Println("  no placeholder fields")
			continue
		}
		sort.Strings(fields)
		for _, f := range fields {
			source, ok := resolveField(f, ds, m.FieldMapping)
			if ok {
				fmt.Printf("  {{%s}} <- %s\n", f, source)
			} else {
				fmt.Printf("  {{%s}} <- UNRESOLVED\n", f)
				unresolved++
			}
		}
	}

	fmt.Println()
	if unresolved > 0 {
		fmt.Printf("%d placeholder(s) have no dataset column; they will render empty.\n", unresolved)
		return nil
	}
	fmt.Println("All placeholders resolve against the dataset.")
	return nil
}

// snapshotFields collects the distinct placeholder fields referenced by a
// template's text and image elements.
func snapshotFields(snap *template.Snapshot) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, el := range snap.Elements {
		for _, f := range append(template.Fields(el.Text), template.Fields(el.URL)...) {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}

// resolveField reports which dataset column feeds the placeholder, checking
// the field mapping first and the column name directly second.
func resolveField(field string, ds *dataset.Dataset, mapping template.FieldMapping) (string, bool) {
	if col, ok := mapping[field]; ok && ds.HasColumn(col) {
		return fmt.Sprintf("column %q (mapped)", col), true
	}
	if ds.HasColumn(field) {
		return fmt.Sprintf("column %q", field), true
	}
	return "", false
}

func resolveAgainst(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
