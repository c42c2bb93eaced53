package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rodaine/table"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/luawatch/internal/analysis"
)

const messageColumnWidth = 70

type analyzeOptions struct {
	errorsOnly bool
	withStack  bool
	asJSON     bool
	strict     bool
}

func (c *cli) analyzeCmd() *cobra.Command {
	var opts analyzeOptions

	cmd := &cobra.Command{
		Use:   "analyze-file <path>",
		Short: "Scan a saved console log for Lua errors",
		Long: `Scan a console log file and report every line that looks like a Lua error,
grouped by category and by normalized message.

Any line matching a known error pattern counts. Use --strict to only count
lines that start with the [ERROR] tag, as live monitoring does.

Examples:
  luawatch analyze-file console.log
  luawatch analyze-file console.log --errors-only --with-stack
  luawatch analyze-file console.log --json > report.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(analyzeFile(cmd.OutOrStdout(), args[0], opts))
		},
	}

	cmd.Flags().BoolVar(&opts.errorsOnly, "errors-only", false, "print only the error lines")
	cmd.Flags().BoolVar(&opts.withStack, "with-stack", false, "include stack traces under each error")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the full report as JSON")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "only count lines starting with [ERROR]")

	return cmd
}

func analyzeFile(w io.Writer, path string, opts analyzeOptions) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open log file")
	}
	defer f.Close()

	mode := analysis.ModeBroad
	if opts.strict {
		mode = analysis.ModeStrict
	}

	report, err := analysis.AnalyzeReader(f, analysis.NewClassifier(mode))
	if err != nil {
		return errors.Wrapf(err, "analyze %s", path)
	}

	switch {
	case opts.asJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case opts.errorsOnly:
		printFindings(w, report.Findings, opts.withStack)
		return nil
	}

	printReport(w, report, opts.withStack)
	return nil
}

func printReport(w io.Writer, r analysis.Report, withStack bool) {
	fmt.Fprintf(w, "Analyzed %d lines, found %d errors\n", r.TotalLines, len(r.Findings))
	if len(r.Findings) == 0 {
		return
	}

	fmt.Fprintln(w)
	categories := make([]string, 0, len(r.Categories))
	for cat := range r.Categories {
		categories = append(categories, cat)
	}
	sort.Slice(categories, func(i, j int) bool {
		ci, cj := r.Categories[categories[i]], r.Categories[categories[j]]
		if ci != cj {
			return ci > cj
		}
		return categories[i] < categories[j]
	})
	t := table.New("Category", "Count").WithWriter(w)
	for _, cat := range categories {
		t.AddRow(cat, r.Categories[cat])
	}
	t.Print()

	fmt.Fprintln(w)
	t = table.New("Count", "Category", "Origin", "Lines", "Message").WithWriter(w)
	for _, s := range r.Signatures {
		t.AddRow(s.Count, s.Category, s.Origin, fmt.Sprintf("%d-%d", s.FirstLine, s.LastLine), ellipsize(s.SampleMessage, messageColumnWidth))
	}
	t.Print()

	fmt.Fprintln(w)
	printFindings(w, r.Findings, withStack)
}

func printFindings(w io.Writer, findings []analysis.Finding, withStack bool) {
	for _, f := range findings {
		fmt.Fprintf(w, "%d: %s\n", f.Line, f.Text)
		if withStack && f.StackTrace != "" {
			for _, line := range strings.Split(f.StackTrace, "\n") {
				fmt.Fprintf(w, "    %s\n", line)
			}
		}
	}
}

func ellipsize(s string, width int) string {
	if len(s) <= width {
		return s
	}
	return analysis.TruncateString(s, width-3) + "..."
}
