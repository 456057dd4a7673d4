package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fraud-analyst/internal/model"
	"github.com/sells-group/fraud-analyst/internal/store"
)

var analysesCmd = &cobra.Command{
	Use:   "analyses",
	Short: "Inspect archived analyses",
	Long:  "Commands for listing, viewing, summarizing and pruning archived analyses.",
}

// openArchive opens and migrates the configured store.
func openArchive(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, eris.New("no archive configured (store.driver is none)")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// -- analyses list --

var analysesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived analyses, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openArchive(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		customer, _ := cmd.Flags().GetString("customer")
		action, _ := cmd.Flags().GetString("action")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.AnalysisFilter{
			CustomerID: customer,
			Action:     model.Action(action),
			Limit:      limit,
		}
		if filter.Action != "" && !filter.Action.Valid() {
			return eris.Errorf("invalid action %q", action)
		}

		list, err := st.ListAnalyses(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "analyses list")
		}

		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No analyses found.")
			return nil
		}

		formatAnalysesList(os.Stdout, list)
		return nil
	},
}

// -- analyses show --

var analysesShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show the full result of an analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openArchive(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		result, err := st.GetAnalysis(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "analyses show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

// -- analyses stats --

var analysesStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate decision statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openArchive(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		list, err := st.ListAnalyses(ctx, store.AnalysisFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "analyses stats")
		}

		var cutoff time.Time
		if since > 0 {
			cutoff = time.Now().Add(-since)
		}
		formatAnalysisStats(os.Stdout, computeAnalysisStats(list, cutoff))
		return nil
	},
}

// -- analyses prune --

var analysesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete archived analyses older than a retention window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			return eris.New("--older-than must be positive")
		}

		st, err := openArchive(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cutoff := time.Now().Add(-olderThan).UTC()
		n, err := st.DeleteBefore(ctx, cutoff)
		if err != nil {
			return eris.Wrap(err, "analyses prune")
		}
		zap.L().Info("pruned archived analyses", zap.Int("deleted", n), zap.Time("cutoff", cutoff))
		fmt.Fprintf(os.Stdout, "Deleted %d analyses created before %s\n", n, cutoff.Format(time.RFC3339))
		return nil
	},
}

func init() {
	analysesListCmd.Flags().String("customer", "", "filter by customer id")
	analysesListCmd.Flags().String("action", "", "filter by action (APPROVE, BLOCK, MANUAL_REVIEW)")
	analysesListCmd.Flags().Int("limit", 50, "max number of analyses to display")

	analysesStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	analysesPruneCmd.Flags().Duration("older-than", 90*24*time.Hour, "delete analyses older than this")

	analysesCmd.AddCommand(analysesListCmd)
	analysesCmd.AddCommand(analysesShowCmd)
	analysesCmd.AddCommand(analysesStatsCmd)
	analysesCmd.AddCommand(analysesPruneCmd)
	rootCmd.AddCommand(analysesCmd)
}

// analysisStats holds aggregate statistics over archived analyses.
type analysisStats struct {
	Total    int
	Approve  int
	Review   int
	Block    int
	Fallback int
	AvgScore float64
}

// computeAnalysisStats aggregates analyses created at or after cutoff. A
// zero cutoff includes everything.
func computeAnalysisStats(list []model.AnalysisSummary, cutoff time.Time) analysisStats {
	var s analysisStats
	var scoreSum int
	for _, a := range list {
		if !cutoff.IsZero() && a.CreatedAt.Before(cutoff) {
			continue
		}
		s.Total++
		scoreSum += a.RiskScore
		switch a.Action {
		case model.ActionApprove:
			s.Approve++
		case model.ActionManualReview:
			s.Review++
		case model.ActionBlock:
			s.Block++
		}
		if a.Fallback {
			s.Fallback++
		}
	}
	if s.Total > 0 {
		s.AvgScore = float64(scoreSum) / float64(s.Total)
	}
	return s
}

// formatAnalysesList writes a tabular list of analyses to w.
func formatAnalysesList(out io.Writer, list []model.AnalysisSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SESSION\tTRANSACTION\tCUSTOMER\tACTION\tSCORE\tFALLBACK\tCREATED")
	_, _ = fmt.Fprintln(w, "-------\t-----------\t--------\t------\t-----\t--------\t-------")

	for _, a := range list {
		fallback := ""
		if a.Fallback {
			fallback = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(a.SessionID),
			truncateID(a.TransactionID),
			a.CustomerID,
			a.Action,
			a.RiskScore,
			fallback,
			a.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatAnalysisStats writes aggregate stats to w.
func formatAnalysisStats(out io.Writer, s analysisStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total analyses:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Approved:\t%d\n", s.Approve)
	_, _ = fmt.Fprintf(w, "Manual review:\t%d\n", s.Review)
	_, _ = fmt.Fprintf(w, "Blocked:\t%d\n", s.Block)
	_, _ = fmt.Fprintf(w, "Rule fallback:\t%d\n", s.Fallback)
	if s.Total > 0 {
		_, _ = fmt.Fprintf(w, "Avg risk score:\t%.1f\n", s.AvgScore)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
