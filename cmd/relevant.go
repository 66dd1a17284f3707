package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/vigilo-labs/compliance-cli/internal/gateway"
	"github.com/vigilo-labs/compliance-cli/internal/ingest"
	"github.com/vigilo-labs/compliance-cli/internal/model"
	"github.com/vigilo-labs/compliance-cli/internal/relevance"
	"github.com/vigilo-labs/compliance-cli/internal/schema"
)

var (
	relevantProfile    string
	relevantCandidates string
	relevantCategory   string
	relevantTopN       int
)

var relevantCmd = &cobra.Command{
	Use:   "relevant",
	Short: "Select the most relevant candidate records without running the full pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		records, err := ingest.LoadFile(relevantCandidates)
		if err != nil {
			return err
		}

		var profile *model.OrganizationProfile
		if relevantProfile != "" {
			profile, err = ingest.LoadProfile(relevantProfile)
			if err != nil {
				return err
			}
		}

		runLog := model.NewRunLog()
		gw := gateway.New(cfg.Gateway, runLog)
		ex := schema.NewExtractor(gw, runLog)
		sel := relevance.NewSelector(gw, ex, cfg.Selector, runLog)

		picked := sel.Select(ctx, records, relevantTopN, relevantCategory, profile)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(picked)
	},
}

func init() {
	relevantCmd.Flags().StringVar(&relevantCandidates, "candidates", "", "candidate records JSON file (required)")
	relevantCmd.Flags().StringVar(&relevantProfile, "profile", "", "business profile YAML file")
	relevantCmd.Flags().StringVar(&relevantCategory, "category", "", "category tag for keyword scoring")
	relevantCmd.Flags().IntVar(&relevantTopN, "top", 5, "max records to select")
	_ = relevantCmd.MarkFlagRequired("candidates")
	rootCmd.AddCommand(relevantCmd)
}
