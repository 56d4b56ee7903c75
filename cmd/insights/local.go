package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-insights/internal/api"
	"github.com/miradorstack/mirador-insights/internal/engine"
	"github.com/miradorstack/mirador-insights/internal/ingest"
	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/profiler"
	"github.com/miradorstack/mirador-insights/internal/utils"
)

func newProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile <file.csv>",
		Short: "Profile a CSV file and print the capability decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			ctx := cmd.Context()
			comps, s, skipped, err := openLocal(ctx, argv[0])
			if err != nil {
				return err
			}
			defer comps.Close()
			out := api.SessionToMap(s)
			out["skipped_rows"] = skipped
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newAnalyzeCmd() *cobra.Command {
	var (
		capabilities []string
		k            int
		segmentMode  string
		simulate     map[string]string
	)
	cmd := &cobra.Command{
		Use:   "analyze <file.csv>",
		Short: "Run every admitted analysis on a CSV file and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			req := engine.Request{K: k, SegmentMode: segmentMode}
			for _, c := range capabilities {
				req.Capabilities = append(req.Capabilities, models.Capability(c))
			}

			ctx := cmd.Context()
			comps, s, _, err := openLocal(ctx, argv[0])
			if err != nil {
				return err
			}
			defer comps.Close()

			report, err := comps.pipeline.Analyze(ctx, s, req)
			if err != nil {
				return fmt.Errorf("analyze: %s", utils.Reason(err))
			}
			out := api.ReportToMap(report)
			if len(simulate) > 0 {
				overrides := make(map[string]models.Value, len(simulate))
				for field, raw := range simulate {
					overrides[field] = parseOverride(raw)
				}
				res, err := comps.pipeline.Simulate(s, -1, overrides)
				if err != nil {
					return fmt.Errorf("simulate: %s", utils.Reason(err))
				}
				out["simulation"] = api.AssessmentToMap(res)
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringSliceVar(&capabilities, "capabilities", nil, "Capabilities to run (default: every admitted one)")
	cmd.Flags().IntVar(&k, "k", 0, "Cluster count; 0 picks k by silhouette")
	cmd.Flags().StringVar(&segmentMode, "segment-mode", "", "Segmentation mode override (demographic or rfm)")
	cmd.Flags().StringToStringVar(&simulate, "simulate", nil, "Re-score the baseline customer with field=value overrides")
	return cmd
}

// openLocal builds a pipeline from configuration and opens a session on the CSV at path.
func openLocal(ctx context.Context, path string) (*components, *engine.Session, int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := loadRuntime()
	if err != nil {
		return nil, nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	ds, skipped, err := ingest.ReadCSV(f, ingest.CSVOptions{})
	if err != nil {
		return nil, nil, 0, err
	}
	comps, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return nil, nil, 0, err
	}
	s, err := comps.pipeline.Open(ctx, ds)
	if err != nil {
		comps.Close()
		return nil, nil, 0, fmt.Errorf("profile: %s", utils.Reason(err))
	}
	return comps, s, skipped, nil
}

// parseOverride reads a CLI override: numbers become numeric, true/false boolean, anything
// else categorical.
func parseOverride(raw string) models.Value {
	switch raw {
	case "true":
		return models.Boolean(true)
	case "false":
		return models.Boolean(false)
	}
	if f, ok := profiler.ParseNumber(raw); ok {
		return models.Numeric(f)
	}
	return models.Categorical(raw)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
