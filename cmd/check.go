package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vigilo-labs/compliance-cli/internal/config"
	"github.com/vigilo-labs/compliance-cli/internal/gateway"
	"github.com/vigilo-labs/compliance-cli/internal/ingest"
	"github.com/vigilo-labs/compliance-cli/internal/model"
	"github.com/vigilo-labs/compliance-cli/internal/pipeline"
	"github.com/vigilo-labs/compliance-cli/internal/relevance"
	"github.com/vigilo-labs/compliance-cli/internal/schema"
	"github.com/vigilo-labs/compliance-cli/internal/store"
)

var (
	checkProfile    string
	checkCandidates string
	checkShowLog    bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run a compliance analysis for one business profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		profile, err := ingest.LoadProfile(checkProfile)
		if err != nil {
			return err
		}

		pool, err := loadPool()
		if err != nil {
			return err
		}

		p := newPipeline(cfg, st)
		run, err := p.Run(ctx, *profile, pool)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		zap.L().Info("compliance check complete",
			zap.String("run_id", run.ID),
			zap.String("organization", profile.Name),
			zap.String("overall_status", string(run.Report.OverallStatus)),
			zap.Int("findings", len(run.Report.Findings)),
		)

		if checkShowLog {
			for _, line := range p.Log().Lines() {
				os.Stderr.WriteString(line + "\n")
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// newPipeline wires the run-scoped dependency chain: one log buffer, one
// gateway, one extractor, one selector per run.
func newPipeline(cfg *config.Config, st store.Store) *pipeline.Pipeline {
	runLog := model.NewRunLog()
	gw := gateway.New(cfg.Gateway, runLog)
	ex := schema.NewExtractor(gw, runLog)
	sel := relevance.NewSelector(gw, ex, cfg.Selector, runLog)
	return pipeline.New(cfg, st, gw, ex, sel, runLog)
}

// loadPool reads candidates from the --candidates file when given, else
// from the configured metadata directory.
func loadPool() ([]model.CandidateRecord, error) {
	if checkCandidates != "" {
		return ingest.LoadFile(checkCandidates)
	}
	return ingest.NewLoader(cfg.Ingest.MetadataDir).Load()
}

func init() {
	checkCmd.Flags().StringVar(&checkProfile, "profile", "", "business profile YAML file (required)")
	checkCmd.Flags().StringVar(&checkCandidates, "candidates", "", "candidate records JSON file (default: configured metadata dir)")
	checkCmd.Flags().BoolVar(&checkShowLog, "show-log", false, "print the stage log to stderr")
	_ = checkCmd.MarkFlagRequired("profile")
	rootCmd.AddCommand(checkCmd)
}
