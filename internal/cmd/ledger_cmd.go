package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jasontalley/pact-sub013/internal/intent"
	"github.com/jasontalley/pact-sub013/internal/ledger"
	"github.com/jasontalley/pact-sub013/internal/storage"
)

var (
	atomsStatus []string
	atomsRun    string
	atomsLimit  int

	commitBy       string
	commitOverride string
	supersedeWhy   string
)

var atomsCmd = &cobra.Command{
	Use:     "atoms",
	Short:   "List intent atoms",
	GroupID: groupLedger,
	Long: `List intent atoms, newest first.

Examples:
  pact atoms                         # Last 50 atoms
  pact atoms --status draft          # Drafts waiting to be committed
  pact atoms --run <run-id>          # Atoms a run produced`,
	Args: cobra.NoArgs,
	RunE: runAtoms,
}

var ledgerCmd = &cobra.Command{
	Use:     "ledger",
	Short:   "Commit atoms into the immutable ledger",
	GroupID: groupLedger,
	Long: `Commit draft atoms into the immutable commitment ledger.

A commitment freezes a canonical snapshot of its atoms. Committed atoms
and commitments are never edited or deleted; supersede a commitment to
change what it says.

Examples:
  pact ledger preview IA-001 IA-002
  pact ledger commit IA-001 IA-002 --by alice
  pact ledger supersede COM-001 IA-001 IA-003 --by alice --reason "split login rules"
  pact ledger history COM-002`,
}

var ledgerPreviewCmd = &cobra.Command{
	Use:   "preview <atom-id>...",
	Short: "Run the commitment invariants without committing",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLedgerPreview,
}

var ledgerCommitCmd = &cobra.Command{
	Use:   "commit <atom-id>...",
	Short: "Commit draft atoms",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLedgerCommit,
}

var ledgerSupersedeCmd = &cobra.Command{
	Use:   "supersede <commitment-id> <atom-id>...",
	Short: "Replace an active commitment with a new one",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runLedgerSupersede,
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <commitment-id>",
	Short: "Show a commitment",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerShow,
}

var ledgerHistoryCmd = &cobra.Command{
	Use:   "history <commitment-id>",
	Short: "Show a commitment's supersession chain, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerHistory,
}

func init() {
	atomsCmd.Flags().StringSliceVar(&atomsStatus, "status", nil, "Filter by status: draft, committed, superseded")
	atomsCmd.Flags().StringVar(&atomsRun, "run", "", "Only atoms produced by this run")
	atomsCmd.Flags().IntVarP(&atomsLimit, "limit", "n", 50, "Maximum number of atoms to show")

	for _, c := range []*cobra.Command{ledgerCommitCmd, ledgerSupersedeCmd} {
		c.Flags().StringVar(&commitBy, "by", defaultCommitter(), "Who is committing")
		c.Flags().StringVar(&commitOverride, "override", "", "Justification for overriding blocking invariants")
	}
	ledgerSupersedeCmd.Flags().StringVar(&supersedeWhy, "reason", "", "Why the commitment is superseded (required)")
	_ = ledgerSupersedeCmd.MarkFlagRequired("reason")

	ledgerCmd.AddCommand(ledgerPreviewCmd, ledgerCommitCmd, ledgerSupersedeCmd, ledgerShowCmd, ledgerHistoryCmd)
}

func defaultCommitter() string {
	for _, env := range []string{"PACT_USER", "USER", "USERNAME"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return ""
}

// atomView is the JSON shape of an atom in command output.
type atomView struct {
	intent.CanonicalAtomSnapshot
	Status intent.AtomStatus `json:"status"`
	RunID  string            `json:"runId,omitempty"`
	TempID string            `json:"tempId,omitempty"`
}

func runAtoms(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	q := storage.AtomQuery{RunID: atomsRun, Limit: atomsLimit}
	for _, s := range atomsStatus {
		q.Statuses = append(q.Statuses, intent.AtomStatus(strings.TrimSpace(s)))
	}
	atoms, err := a.store.QueryAtoms(cmd.Context(), q)
	if err != nil {
		return err
	}

	p := newPrinter(cmd.OutOrStdout())
	if p.json {
		views := make([]atomView, 0, len(atoms))
		for _, at := range atoms {
			views = append(views, atomView{CanonicalAtomSnapshot: at.Snapshot(), Status: at.Status, RunID: at.RunID, TempID: at.TempID})
		}
		return p.emitJSON(views)
	}
	rows := make([][]string, 0, len(atoms))
	for _, at := range atoms {
		rows = append(rows, []string{
			at.ID,
			p.status(string(at.Status)),
			string(at.Category),
			fmt.Sprintf("%.2f", at.Confidence),
			at.SourceTest.Key(),
			at.Description,
		})
	}
	p.table([]string{"ID", "STATUS", "CATEGORY", "CONF", "TEST", "DESCRIPTION"}, rows)
	return nil
}

func runLedgerPreview(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	pv, err := a.ledger.Preview(cmd.Context(), args)
	if err != nil {
		return err
	}
	p := newPrinter(cmd.OutOrStdout())
	if p.json {
		return p.emitJSON(pv)
	}

	verdict := p.good.Render("can commit")
	if !pv.CanCommit {
		verdict = p.bad.Render("blocked")
	}
	p.heading("Commit preview")
	p.field("Atoms", strings.Join(pv.AtomIDs, ", "))
	p.field("Verdict", verdict)
	fmt.Fprintln(p.out)
	printChecks(p, pv.Checks)
	return nil
}

func printChecks(p *printer, checks []ledger.CheckResult) {
	rows := make([][]string, 0, len(checks))
	for _, c := range checks {
		result := p.good.Render("pass")
		if !c.Passed {
			result = p.status(string(c.Severity))
		}
		rows = append(rows, []string{c.ID, c.Name, result, c.Message})
	}
	p.table([]string{"CHECK", "NAME", "RESULT", "DETAIL"}, rows)
}

func runLedgerCommit(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.ledger.Commit(cmd.Context(), ledger.CommitRequest{
		AtomIDs:               args,
		CommittedBy:           commitBy,
		OverrideJustification: commitOverride,
	})
	if err != nil {
		return err
	}
	return showCommitment(newPrinter(cmd.OutOrStdout()), c)
}

func runLedgerSupersede(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.ledger.Supersede(cmd.Context(), ledger.SupersedeRequest{
		CommitmentID:          args[0],
		AtomIDs:               args[1:],
		Reason:                supersedeWhy,
		CommittedBy:           commitBy,
		OverrideJustification: commitOverride,
	})
	if err != nil {
		return err
	}
	return showCommitment(newPrinter(cmd.OutOrStdout()), c)
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.ledger.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return showCommitment(newPrinter(cmd.OutOrStdout()), c)
}

func showCommitment(p *printer, c *ledger.Commitment) error {
	if p.json {
		return p.emitJSON(c)
	}
	p.heading("Commitment " + c.CommitmentID)
	p.field("Status", p.status(c.Status))
	p.field("Committed by", c.CommittedBy)
	p.field("Committed at", c.CommittedAt.Local().Format("2006-01-02 15:04:05"))
	p.field("Content hash", c.ContentHash)
	p.field("Chain version", c.ChainVersion)
	if c.Supersedes != "" {
		p.field("Supersedes", c.Supersedes)
	}
	if c.SupersededBy != "" {
		p.field("Superseded by", c.SupersededBy)
	}
	if c.SupersessionReason != "" {
		p.field("Reason", c.SupersessionReason)
	}
	if c.OverrideJustification != "" {
		p.field("Override", c.OverrideJustification)
	}

	fmt.Fprintln(p.out)
	rows := make([][]string, 0, len(c.Atoms))
	for _, at := range c.Atoms {
		rows = append(rows, []string{at.AtomID, string(at.Category), at.SourceTest.Key(), at.Description})
	}
	p.table([]string{"ATOM", "CATEGORY", "TEST", "DESCRIPTION"}, rows)

	var failed []ledger.CheckResult
	for _, ch := range c.InvariantChecks {
		if !ch.Passed {
			failed = append(failed, ch)
		}
	}
	if len(failed) > 0 {
		fmt.Fprintln(p.out)
		printChecks(p, failed)
	}
	return nil
}

func runLedgerHistory(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	chain, err := a.ledger.History(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	p := newPrinter(cmd.OutOrStdout())
	if p.json {
		return p.emitJSON(chain)
	}
	rows := make([][]string, 0, len(chain))
	for _, c := range chain {
		rows = append(rows, []string{
			fmt.Sprint(c.ChainVersion),
			c.CommitmentID,
			p.status(c.Status),
			fmt.Sprint(len(c.Atoms)),
			c.CommittedBy,
			c.SupersessionReason,
		})
	}
	p.table([]string{"V", "COMMITMENT", "STATUS", "ATOMS", "BY", "REASON"}, rows)
	return nil
}
