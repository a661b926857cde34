package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"meridian-hq/meridian/pkg/cli"
	"meridian-hq/meridian/pkg/impact"
)

var impactFlags struct {
	server string
	from   string
	to     string
	format string
}

var impactCmd = &cobra.Command{
	Use:   "impact <intervention-type>",
	Short: "Report intervention impact for a type",
	Long: `Query the running service for an impact summary over closed
interventions of the given type. The analysis window defaults to the
last month; override it with --from/--to (RFC 3339).

Examples:
  meridian impact attendance_support
  meridian impact attendance_support --from 2026-01-01T00:00:00Z --format json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, f := range []struct{ name, value string }{
			{"from", impactFlags.from},
			{"to", impactFlags.to},
		} {
			if f.value == "" {
				continue
			}
			if _, err := time.Parse(time.RFC3339, f.value); err != nil {
				return cli.NewCommandError("impact", fmt.Errorf("--%s must be RFC 3339: %w", f.name, err))
			}
			q.Set(f.name, f.value)
		}

		endpoint := impactFlags.server + "/v1/impact/" + url.PathEscape(args[0])
		if len(q) > 0 {
			endpoint += "?" + q.Encode()
		}

		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, endpoint, nil)
		if err != nil {
			return cli.NewCommandError("impact", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return cli.NewCommandError("impact", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var apiErr struct {
				Error string `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&apiErr)
			if apiErr.Error == "" {
				apiErr.Error = resp.Status
			}
			return cli.NewCommandError("impact", fmt.Errorf("%s", apiErr.Error))
		}

		var summary impact.Summary
		if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
			return cli.NewCommandError("impact", err)
		}

		if impactFlags.format == "json" {
			return cli.NewFormatter(cli.FormatJSON).FormatTo(os.Stdout, summary)
		}

		fmt.Printf("Impact summary for %s (%s to %s)\n",
			summary.InterventionType,
			summary.WindowStart.Format("2006-01-02"),
			summary.WindowEnd.Format("2006-01-02"))
		fmt.Printf("  significant: %d\n", summary.Counts[impact.CategorySignificant])
		fmt.Printf("  moderate:    %d\n", summary.Counts[impact.CategoryModerate])
		fmt.Printf("  minimal:     %d\n", summary.Counts[impact.CategoryMinimal])
		fmt.Printf("  skipped:     %d\n", summary.Skipped)
		fmt.Printf("  average improvement ratio: %.2f\n", summary.AverageRatio)
		for _, c := range summary.Cases {
			fmt.Printf("  %s %s: %s -> %.1f (baseline %.1f, target %.1f, ratio %.2f, %s)\n",
				c.Number, c.SubjectID, c.Metric, c.Actual, c.Baseline, c.Target, c.Ratio, c.Category)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(impactCmd)

	impactCmd.Flags().StringVar(&impactFlags.server, "server", "http://localhost:8484", "base URL of the running service")
	impactCmd.Flags().StringVar(&impactFlags.from, "from", "", "window start (RFC 3339, default one month ago)")
	impactCmd.Flags().StringVar(&impactFlags.to, "to", "", "window end (RFC 3339, default now)")
	impactCmd.Flags().StringVar(&impactFlags.format, "format", "text", "output format (text, json)")
}
