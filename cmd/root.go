package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fraud-analyst/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "fraud-analyst",
	Short: "Explainable transaction fraud analysis",
	Long:  "Scores card transactions with an anomaly detector, a model ensemble and business rules, then reaches an APPROVE, BLOCK or MANUAL_REVIEW decision with a streamed reasoning trace.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A .env file is optional; real environment variables win.
		_ = godotenv.Load()

		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
