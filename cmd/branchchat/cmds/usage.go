package cmds

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/go-go-golems/branchchat/pkg/config"
	"github.com/go-go-golems/branchchat/pkg/usage"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type usageReport struct {
	Since  string             `yaml:"since"`
	Budget float64            `yaml:"budget,omitempty"`
	Models []modelUsage       `yaml:"models"`
	Cost   *usage.Cost        `yaml:"cost"`
	Speech *usage.SpeechUsage `yaml:"speech"`
}

type modelUsage struct {
	Model            string   `yaml:"model"`
	PromptTokens     int64    `yaml:"promptTokens"`
	CompletionTokens int64    `yaml:"completionTokens"`
	Requests         int64    `yaml:"requests"`
	Cost             *float64 `yaml:"cost"`
}

func buildUsageReport(ctx context.Context, app *App) (*usageReport, error) {
	l := app.Ledger
	rows, err := l.MonthlyTokenUsage(ctx, "")
	if err != nil {
		return nil, err
	}
	cost, err := l.MonthlyTotalCost(ctx)
	if err != nil {
		return nil, err
	}
	speech, err := l.MonthlySpeechUsage(ctx)
	if err != nil {
		return nil, err
	}

	ret := &usageReport{
		Since:  l.MonthStart().Format("2006-01-02"),
		Budget: app.Config.GetFloat64(config.KeyMonthlyBudget),
		Cost:   cost,
		Speech: speech,
	}
	for _, r := range rows {
		mu := modelUsage{
			Model:            r.Model,
			PromptTokens:     r.PromptTokens,
			CompletionTokens: r.CompletionTokens,
			Requests:         r.Requests,
		}
		if p, err := l.Prices().Lookup(r.Model); err == nil {
			c := p.Cost(r.PromptTokens, r.CompletionTokens)
			mu.Cost = &c
		}
		ret.Models = append(ret.Models, mu)
	}
	return ret, nil
}

func printUsageReport(w io.Writer, r *usageReport) error {
	fmt.Fprintf(w, "usage since %s\n\n", r.Since)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tREQUESTS\tPROMPT\tCOMPLETION\tCOST")
	for _, m := range r.Models {
		cost := "unknown"
		if m.Cost != nil {
			cost = fmt.Sprintf("$%.4f", *m.Cost)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", m.Model, m.Requests, m.PromptTokens, m.CompletionTokens, cost)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\ntotal: $%.4f", r.Cost.Known)
	if r.Budget > 0 {
		fmt.Fprintf(w, " of $%.2f", r.Budget)
	}
	fmt.Fprintln(w)
	if len(r.Cost.Indeterminate) > 0 {
		fmt.Fprintf(w, "no price known for %v, not included\n", r.Cost.Indeterminate)
	}

	for _, t := range r.Speech.TTS {
		fmt.Fprintf(w, "tts %s: %d characters in %d requests\n", t.Region, t.Characters, t.Requests)
	}
	for _, s := range r.Speech.STT {
		fmt.Fprintf(w, "stt %s: %.1fs in %d requests\n", s.Model, float64(s.DurationMs)/1000, s.Requests)
	}
	return nil
}

func newUsageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token usage and cost of the current month",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			asYAML, _ := cmd.Flags().GetBool("yaml")
			r, err := buildUsageReport(ctx, app)
			if err != nil {
				return err
			}
			if !asYAML {
				return printUsageReport(cmd.OutOrStdout(), r)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(r); err != nil {
				return err
			}
			return enc.Close()
		}),
	}
	cmd.Flags().Bool("yaml", false, "Print the report as yaml")
	return cmd
}
