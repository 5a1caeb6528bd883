package cmd

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jasontalley/pact-sub013/internal/drift"
	"github.com/jasontalley/pact-sub013/internal/storage"
)

// errPolicyBlocked makes ci-check exit non-zero.
var errPolicyBlocked = errors.New("drift policy blocks this build")

var (
	driftProject       string
	driftStatus        []string
	driftJustification string
)

var driftCmd = &cobra.Command{
	Use:     "drift",
	Short:   "Inspect and manage drift debt",
	GroupID: groupLedger,
	Long: `Inspect and manage drift debt.

CI-attested runs record where committed intent and the code disagree.
Items stay open until a later run no longer sees them, and escalate when
they outlive their lane's window.

Examples:
  pact drift summary --project api
  pact drift ci-check --project api   # exits non-zero when blocked
  pact drift list --project api --status open
  pact drift waive <item-id> --justification "legacy module, tracked in #42"`,
}

var driftSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarise open drift",
	Args:  cobra.NoArgs,
	RunE:  runDriftSummary,
}

var driftCICheckCmd = &cobra.Command{
	Use:   "ci-check",
	Short: "Fail when overdue drift exceeds the configured ceiling",
	Args:  cobra.NoArgs,
	RunE:  runDriftCICheck,
}

var driftListCmd = &cobra.Command{
	Use:   "list",
	Short: "List drift items",
	Args:  cobra.NoArgs,
	RunE:  runDriftList,
}

var driftAckCmd = &cobra.Command{
	Use:   "ack <item-id>",
	Short: "Acknowledge an open drift item",
	Args:  cobra.ExactArgs(1),
	RunE:  runDriftAck,
}

var driftWaiveCmd = &cobra.Command{
	Use:   "waive <item-id>",
	Short: "Waive a drift item with a justification",
	Args:  cobra.ExactArgs(1),
	RunE:  runDriftWaive,
}

func init() {
	for _, c := range []*cobra.Command{driftSummaryCmd, driftCICheckCmd, driftListCmd} {
		c.Flags().StringVar(&driftProject, "project", "", "Project ID")
	}
	_ = driftCICheckCmd.MarkFlagRequired("project")
	driftListCmd.Flags().StringSliceVar(&driftStatus, "status", nil, "Filter by status: open, acknowledged, resolved, waived")
	driftWaiveCmd.Flags().StringVar(&driftJustification, "justification", "", "Why the item is waived (required)")
	_ = driftWaiveCmd.MarkFlagRequired("justification")

	driftCmd.AddCommand(driftSummaryCmd, driftCICheckCmd, driftListCmd, driftAckCmd, driftWaiveCmd)
}

func runDriftSummary(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.drift.Summary(cmd.Context(), driftProject)
	if err != nil {
		return err
	}
	p := newPrinter(cmd.OutOrStdout())
	if p.json {
		return p.emitJSON(s)
	}
	printSummary(p, s)
	return nil
}

func printSummary(p *printer, s *drift.Summary) {
	title := "Drift summary"
	if s.ProjectID != "" {
		title += " for " + s.ProjectID
	}
	p.heading(title)
	p.field("Open", s.TotalOpen)
	p.field("On track", s.OnTrack)
	p.field("At risk", s.AtRisk)
	p.field("Overdue", s.OverdueCount)
	p.field("Convergence", fmt.Sprintf("%.1f%%", s.ConvergenceScore))
	p.field("By type", countList(s.ByType))
	p.field("By severity", countList(s.BySeverity))
	if s.Blocking {
		p.field("CI", p.bad.Render("blocking"))
	}
}

// countList renders a count map as "a=1, b=2" in key order.
func countList(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, ", ")
}

func runDriftCICheck(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.drift.CheckCIPolicy(cmd.Context(), driftProject)
	if err != nil {
		return err
	}
	p := newPrinter(cmd.OutOrStdout())
	if p.json {
		if err := p.emitJSON(res); err != nil {
			return err
		}
	} else {
		verdict := p.good.Render("passed")
		if res.Blocked {
			verdict = p.bad.Render("blocked")
		}
		fmt.Fprintf(p.out, "CI policy %s: %s\n\n", verdict, res.Reason)
		printSummary(p, res.Summary)
	}
	if res.Blocked {
		return errPolicyBlocked
	}
	return nil
}

func runDriftList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	items, err := a.drift.List(cmd.Context(), driftProject, driftStatus...)
	if err != nil {
		return err
	}
	p := newPrinter(cmd.OutOrStdout())
	if p.json {
		if items == nil {
			items = []storage.DriftItem{}
		}
		return p.emitJSON(items)
	}
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		due := ""
		if it.DueAt > 0 {
			due = time.UnixMilli(it.DueAt).Local().Format("2006-01-02")
		}
		rows = append(rows, []string{
			it.ID,
			p.status(it.Status),
			p.status(it.Severity),
			it.DriftType,
			fmt.Sprintf("%dd", it.AgeDays),
			due,
			locator(it),
		})
	}
	p.table([]string{"ID", "STATUS", "SEVERITY", "TYPE", "AGE", "DUE", "WHERE"}, rows)
	return nil
}

func locator(it storage.DriftItem) string {
	if it.TestName == "" {
		return it.FilePath
	}
	return it.FilePath + "::" + it.TestName
}

func runDriftAck(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	it, err := a.drift.Acknowledge(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return showDriftItem(newPrinter(cmd.OutOrStdout()), it)
}

func runDriftWaive(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	it, err := a.drift.Waive(cmd.Context(), args[0], driftJustification)
	if err != nil {
		return err
	}
	return showDriftItem(newPrinter(cmd.OutOrStdout()), it)
}

func showDriftItem(p *printer, it *storage.DriftItem) error {
	if p.json {
		return p.emitJSON(it)
	}
	fmt.Fprintf(p.out, "%s %s %s\n", it.ID, p.status(it.Status), locator(*it))
	return nil
}
