package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/fraud-analyst/internal/predictor"
)

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Work with scoring artifacts",
}

var artifactValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a scoring artifact and print its members",
	Long:  "Loads the artifact at path (default model.artifact_path) with the same checks the server applies at startup.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Model.ArtifactPath
		if len(args) == 1 {
			path = args[0]
		}
		a, err := predictor.LoadArtifact(path)
		if err != nil {
			return err
		}
		formatArtifact(os.Stdout, a)
		return nil
	},
}

func init() {
	artifactCmd.AddCommand(artifactValidateCmd)
	rootCmd.AddCommand(artifactCmd)
}

// formatArtifact writes an artifact summary to out.
func formatArtifact(out io.Writer, a *predictor.Artifact) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Name:\t%s\n", a.Name)
	_, _ = fmt.Fprintf(w, "Version:\t%s\n", a.Version)
	_, _ = fmt.Fprintf(w, "Features:\t%s\n", strings.Join(a.Features, ", "))
	_, _ = fmt.Fprintf(w, "Categories:\t%d (default risk %.2f)\n", len(a.CategoryRisk), a.DefaultCategoryRisk)
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "MEMBER\tPRIMARY\tTHRESHOLD\tBIAS\tWEIGHTS")
	for _, m := range a.Members {
		primary := ""
		if m.Primary {
			primary = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%s\n", m.Name, primary, m.Threshold, m.Bias, formatWeights(m.Weights))
	}
	_ = w.Flush()
}

func formatWeights(weights map[string]float64) string {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%.2f", name, weights[name])
	}
	return strings.Join(parts, " ")
}
