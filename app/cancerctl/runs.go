package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tsawler/cancer-detection/metrics"
	"github.com/tsawler/cancer-detection/tracker/report"
)

func runsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "list tracked runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer e.close()

			runs, err := e.store.Runs(ctx)
			if err != nil {
				return err
			}
			if limit > 0 && len(runs) > limit {
				runs = runs[:limit]
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSTARTED\tMETRICS")
			for _, r := range runs {
				latest, err := e.store.LatestMetrics(ctx, r.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID[:8], r.Name, r.Status, humanize.Time(r.StartedAt), headline(latest))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list, 0 for all")
	return cmd
}

// headline picks the most telling metric of a run.
func headline(latest map[string]float64) string {
	for _, key := range []string{"best_val_auc", "eval_auc"} {
		if v, ok := latest[key]; ok {
			return fmt.Sprintf("%s=%.4f", key, v)
		}
	}
	keys := make([]string, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return "-"
	}
	return fmt.Sprintf("%s=%.4f", keys[0], latest[keys[0]])
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report RUN",
		Short: "render the charts of a run (id or name) as an HTML page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer e.close()

			run, err := e.store.FindRun(ctx, args[0])
			if err != nil {
				return err
			}
			path, err := writeRunReport(ctx, e, run.ID, nil)
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
	return cmd
}

// writeRunReport renders <reports_dir>/<run name>-<short id>.html.
func writeRunReport(ctx context.Context, e *env, runID string, roc []metrics.ROCPoint) (string, error) {
	r, err := report.FromRun(ctx, e.store, runID)
	if err != nil {
		return "", err
	}
	r.ROC = roc
	path := filepath.Join(e.cfg.Paths.ReportsDir, fmt.Sprintf("%s-%s.html", r.Title, r.RunID[:8]))
	if err := report.WriteFile(path, r, report.DefaultConfig()); err != nil {
		return "", err
	}
	return path, nil
}
