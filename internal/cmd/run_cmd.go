package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jasontalley/pact-sub013/internal/classify"
	"github.com/jasontalley/pact-sub013/internal/drift"
	"github.com/jasontalley/pact-sub013/internal/manifest"
	"github.com/jasontalley/pact-sub013/internal/reconcile"
)

// maxSourceFileBytes skips generated or binary blobs when reading a tree.
const maxSourceFileBytes = 1 << 20

var (
	runProject       string
	runCommit        string
	runBaseCommit    string
	runPath          string
	runFilesDir      string
	runDiffFile      string
	runMode          string
	runCI            bool
	runLane          string
	runJustification string
	runMetricsAddr   string

	reviewApprove []string
	reviewReject  []string
	reviewClarify []string
	reviewFile    string

	recoverableProject string
	eventsAfter        int64
)

var runCmd = &cobra.Command{
	Use:     "run",
	Short:   "Start and manage reconciliation runs",
	GroupID: groupRuns,
	Long: `Start and manage reconciliation runs.

A run reads a repository manifest, finds tests that no atom explains yet,
infers candidate atoms for them and checks their quality. Atoms that need
a human decision pause the run until they are reviewed.

Examples:
  pact run start --project api --path ./pact-manifest.json
  pact run start --project api --files . --mode delta --base main --diff changes.diff
  pact run review 0b6f... --approve a1,a2 --reject a3
  pact run recover 0b6f...`,
}

var runStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a run and follow it until it stops",
	Long: `Start a reconciliation run and follow its events.

The command returns when the run completes, fails, is cancelled or pauses
for review. Interrupting the command stops the run; it can be resumed with
'pact run recover'.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's state and partial results",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var runReviewCmd = &cobra.Command{
	Use:   "review <run-id>",
	Short: "Show or decide the atoms a run is waiting on",
	Long: `Show or decide the atoms an interrupted run is waiting on.

Without decisions, prints the pending atoms. Every pending atom needs
exactly one decision. Clarify keeps an atom pending for another round and
requires a comment.

Examples:
  pact run review <run-id>
  pact run review <run-id> --approve a1 --reject a2 --clarify "a3=which token format?"
  pact run review <run-id> --file decisions.json`,
	Args: cobra.ExactArgs(1),
	RunE: runReview,
}

var runRecoverCmd = &cobra.Command{
	Use:   "recover <run-id>",
	Short: "Resume a failed or interrupted run from its last completed phase",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecover,
}

var runRecoverableCmd = &cobra.Command{
	Use:   "recoverable",
	Short: "List runs that can be recovered",
	Args:  cobra.NoArgs,
	RunE:  runRecoverable,
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a queued, running or interrupted run",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var runEventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "Print a run's event log",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

func init() {
	f := runStartCmd.Flags()
	f.StringVar(&runProject, "project", "", "Project ID (required)")
	f.StringVar(&runCommit, "commit", "", "Commit hash the evidence was read at")
	f.StringVar(&runBaseCommit, "base", "", "Base commit for delta runs")
	f.StringVar(&runPath, "path", "", "Manifest JSON file, or a directory holding "+manifest.ManifestFileName)
	f.StringVar(&runFilesDir, "files", "", "Directory whose files are read as evidence")
	f.StringVar(&runDiffFile, "diff", "", "Unified diff against --base (delta runs)")
	f.StringVar(&runMode, "mode", string(classify.ModeFull), "Run mode: full or delta")
	f.BoolVar(&runCI, "ci", false, "Mark the run as CI-attested so it records drift")
	f.StringVar(&runLane, "lane", string(drift.LaneNormal), "Exception lane: normal, hotfix-exception or spike-exception")
	f.StringVar(&runJustification, "justification", "", "Justification for exception lanes")
	f.StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the run executes")
	_ = runStartCmd.MarkFlagRequired("project")
	runStartCmd.MarkFlagsMutuallyExclusive("path", "files")

	runReviewCmd.Flags().StringSliceVar(&reviewApprove, "approve", nil, "Temp IDs to approve")
	runReviewCmd.Flags().StringSliceVar(&reviewReject, "reject", nil, "Temp IDs to reject")
	runReviewCmd.Flags().StringArrayVar(&reviewClarify, "clarify", nil, "Request clarification as id=comment (repeatable)")
	runReviewCmd.Flags().StringVar(&reviewFile, "file", "", "JSON file with a list of decisions")

	runRecoverableCmd.Flags().StringVar(&recoverableProject, "project", "", "Only list runs of this project")
	runEventsCmd.Flags().Int64Var(&eventsAfter, "after", 0, "Only print events after this sequence number")

	runCmd.AddCommand(runStartCmd, runStatusCmd, runReviewCmd, runRecoverCmd, runRecoverableCmd, runCancelCmd, runEventsCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	src, err := startSource()
	if err != nil {
		return err
	}
	in := reconcile.StartInput{
		Source:        src,
		Mode:          classify.Mode(runMode),
		Attestation:   drift.AttestationLocal,
		Lane:          drift.Lane(runLane),
		Justification: runJustification,
	}
	if runCI {
		in.Attestation = drift.AttestationCI
	}
	if err := in.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	// Fail before queueing anything when the backend cannot be opened.
	if _, err := a.inf.get(); err != nil {
		return err
	}
	eng, err := a.reconciler()
	if err != nil {
		return err
	}

	if runMetricsAddr != "" {
		shutdown, err := serveMetrics(a, runMetricsAddr)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	runID, err := eng.Start(ctx, in)
	if err != nil {
		return err
	}
	p := newPrinter(cmd.OutOrStdout())
	if !p.json {
		fmt.Fprintf(p.out, "Run %s queued\n", p.bold.Render(runID))
	}
	return follow(ctx, p, eng, runID, 0)
}

// startSource builds the manifest source from the start flags.
func startSource() (manifest.Source, error) {
	src := manifest.Source{
		ProjectID:  runProject,
		CommitHash: runCommit,
		BaseCommit: runBaseCommit,
		Path:       runPath,
	}
	if runFilesDir != "" {
		files, err := readTree(runFilesDir)
		if err != nil {
			return src, err
		}
		src.Files = files
	}
	if runDiffFile != "" {
		data, err := os.ReadFile(runDiffFile)
		if err != nil {
			return src, fmt.Errorf("failed to read diff: %w", err)
		}
		src.Diff = string(data)
	}
	return src, nil
}

// readTree reads the regular files under root into a map keyed by their
// slash-separated relative path. Hidden directories and dependency trees
// are skipped.
func readTree(root string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxSourceFileBytes {
			return err
		}
		data, err := os.ReadFile(path) //nolint:gosec // G304: walking the caller's tree
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", root, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files found under %s", root)
	}
	return files, nil
}

func serveMetrics(a *app, addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// follow prints the run's events after seq `after` until the run stops or
// pauses for review, then prints its status.
func follow(ctx context.Context, p *printer, eng *reconcile.Engine, runID string, after int64) error {
	sub, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := eng.Subscribe(sub, runID, after)
	if err != nil {
		return err
	}
	for ev := range events {
		if !p.json {
			printEvent(p, ev)
		}
		if ev.Type.Final() || ev.Type == reconcile.EventInterrupted {
			break
		}
	}
	cancel()

	if ctx.Err() != nil {
		return fmt.Errorf("run %s stopped before it finished; resume it with 'pact run recover %s'", runID, runID)
	}
	if err := eng.Wait(ctx, runID); err != nil {
		return err
	}
	st, err := eng.Status(ctx, runID)
	if err != nil {
		return err
	}
	if err := showStatus(p, st); err != nil {
		return err
	}
	return runOutcome(st)
}

// runOutcome turns failed and cancelled runs into a non-zero exit.
func runOutcome(st *reconcile.RunStatus) error {
	switch st.Status {
	case reconcile.StatusFailed:
		return fmt.Errorf("run %s failed: %s", st.RunID, st.LastError)
	case reconcile.StatusCancelled:
		return fmt.Errorf("run %s was cancelled", st.RunID)
	}
	return nil
}

func printEvent(p *printer, ev reconcile.Event) {
	at := ev.At.Local().Format("15:04:05")
	msg := ev.Message
	if msg == "" && ev.Phase != "" {
		msg = string(ev.Phase)
	}
	typ := string(ev.Type)
	pad := strings.Repeat(" ", max(1, 14-len(typ)))
	fmt.Fprintf(p.out, "%s %s %s%s%s\n", p.dim.Render(at), p.dim.Render(fmt.Sprintf("#%-3d", ev.Seq)), p.status(typ), pad, msg)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	eng, err := a.reconciler()
	if err != nil {
		return err
	}
	st, err := eng.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return showStatus(newPrinter(cmd.OutOrStdout()), st)
}

func showStatus(p *printer, st *reconcile.RunStatus) error {
	if p.json {
		return p.emitJSON(st)
	}
	c := st.Counts

	fmt.Fprintln(p.out)
	p.heading("Run " + st.RunID)
	p.field("Status", p.status(string(st.Status)))
	p.field("Phase", string(st.Phase))
	p.field("Project", st.ProjectID)
	p.field("Commit", st.CommitHash)
	p.field("Mode", fmt.Sprintf("%s, %s", st.Mode, st.Attestation))
	if st.RecoveredFrom != "" {
		p.field("Recovered from", st.RecoveredFrom)
	}
	p.field("Orphan tests", fmt.Sprintf("%d (%d already annotated)", c.Orphans, c.Annotated))
	p.field("Atoms", fmt.Sprintf("%d inferred, %d approved, %d to revise, %d rejected", c.AtomsInferred, c.Approved, c.Revise, c.Rejected))
	p.field("Molecules", c.MoleculesInferred)
	if st.ReviewRound > 0 {
		p.field("Review round", st.ReviewRound)
	}

	if len(st.Errors) > 0 {
		fmt.Fprintln(p.out)
		p.heading("Errors")
		rows := make([][]string, 0, len(st.Errors))
		for _, e := range st.Errors {
			rows = append(rows, []string{string(e.Phase), e.Kind, e.Message})
		}
		p.table([]string{"PHASE", "KIND", "MESSAGE"}, rows)
	}
	if st.PendingReview != nil {
		fmt.Fprintln(p.out)
		printPending(p, st.PendingReview)
		fmt.Fprintf(p.out, "\nDecide them with: pact run review %s --approve <ids> --reject <ids>\n", st.RunID)
	}
	return nil
}

func printPending(p *printer, pr *reconcile.PendingReview) {
	p.heading(fmt.Sprintf("Awaiting review (round %d)", pr.Round))
	rows := make([][]string, 0, len(pr.Items))
	for _, it := range pr.Items {
		note := strings.Join(it.Issues, "; ")
		if it.Clarification != "" {
			note = "asked: " + it.Clarification
		}
		rows = append(rows, []string{it.Atom.TempID, fmt.Sprint(it.Score), it.Atom.Description, note})
	}
	p.table([]string{"ID", "SCORE", "DESCRIPTION", "NOTES"}, rows)
}

func runReview(cmd *cobra.Command, args []string) error {
	decisions, err := reviewDecisions()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	eng, err := a.reconciler()
	if err != nil {
		return err
	}
	p := newPrinter(cmd.OutOrStdout())
	runID := args[0]

	if len(decisions) == 0 {
		pr, err := eng.Pending(ctx, runID)
		if err != nil {
			return err
		}
		if p.json {
			return p.emitJSON(pr)
		}
		printPending(p, pr)
		return nil
	}

	after, err := lastSeq(ctx, eng, runID)
	if err != nil {
		return err
	}
	pr, err := eng.SubmitReview(ctx, runID, decisions)
	if err != nil {
		return err
	}
	if pr != nil {
		if p.json {
			return p.emitJSON(pr)
		}
		printPending(p, pr)
		return nil
	}
	return follow(ctx, p, eng, runID, after)
}

// reviewDecisions collects decisions from the review flags or file.
func reviewDecisions() ([]reconcile.ReviewDecision, error) {
	var out []reconcile.ReviewDecision
	if reviewFile != "" {
		data, err := os.ReadFile(reviewFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read decisions: %w", err)
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("failed to parse decisions: %w", err)
		}
	}
	for _, id := range reviewApprove {
		out = append(out, reconcile.ReviewDecision{TempID: strings.TrimSpace(id), Action: reconcile.ReviewApprove})
	}
	for _, id := range reviewReject {
		out = append(out, reconcile.ReviewDecision{TempID: strings.TrimSpace(id), Action: reconcile.ReviewReject})
	}
	for _, c := range reviewClarify {
		id, comment, ok := strings.Cut(c, "=")
		if !ok {
			return nil, fmt.Errorf("--clarify wants id=comment, got %q", c)
		}
		out = append(out, reconcile.ReviewDecision{
			TempID:  strings.TrimSpace(id),
			Action:  reconcile.ReviewClarify,
			Comment: strings.TrimSpace(comment),
		})
	}
	return out, nil
}

func lastSeq(ctx context.Context, eng *reconcile.Engine, runID string) (int64, error) {
	events, err := eng.Replay(ctx, runID, 0)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	eng, err := a.reconciler()
	if err != nil {
		return err
	}
	p := newPrinter(cmd.OutOrStdout())

	// Events of a derived run start at zero; a resumed run continues its own log.
	var after int64
	if st, err := eng.Status(ctx, args[0]); err == nil && st.Status == reconcile.StatusInterrupted {
		if after, err = lastSeq(ctx, eng, args[0]); err != nil {
			return err
		}
	}

	res, err := eng.Recover(ctx, args[0])
	if err != nil {
		return err
	}
	if res.PendingReview != nil {
		if p.json {
			return p.emitJSON(res)
		}
		fmt.Fprintf(p.out, "Run %s is waiting for review\n\n", res.RunID)
		printPending(p, res.PendingReview)
		return nil
	}
	if !p.json {
		if res.Derived {
			fmt.Fprintf(p.out, "Run %s continues %s from %s\n", p.bold.Render(res.RunID), res.RecoveredFrom, res.ResumeFrom)
		} else {
			fmt.Fprintf(p.out, "Run %s resumed at %s\n", p.bold.Render(res.RunID), res.ResumeFrom)
		}
	}
	return follow(ctx, p, eng, res.RunID, after)
}

func runRecoverable(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	eng, err := a.reconciler()
	if err != nil {
		return err
	}
	runs, err := eng.ListRecoverable(cmd.Context(), recoverableProject)
	if err != nil {
		return err
	}

	p := newPrinter(cmd.OutOrStdout())
	if p.json {
		if runs == nil {
			runs = []reconcile.RecoverableRun{}
		}
		return p.emitJSON(runs)
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.RunID,
			r.ProjectID,
			p.status(string(r.Status)),
			string(r.Phase),
			fmt.Sprintf("%d/%d", r.AtomsInferred, r.MoleculesInferred),
			r.LastError,
		})
	}
	p.table([]string{"RUN", "PROJECT", "STATUS", "PHASE", "ATOMS/MOLS", "LAST ERROR"}, rows)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	eng, err := a.reconciler()
	if err != nil {
		return err
	}
	if err := eng.Cancel(cmd.Context(), args[0]); err != nil {
		return err
	}
	p := newPrinter(cmd.OutOrStdout())
	if p.json {
		return p.emitJSON(map[string]string{"runId": args[0], "status": string(reconcile.StatusCancelled)})
	}
	fmt.Fprintf(p.out, "Run %s cancelled\n", args[0])
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	eng, err := a.reconciler()
	if err != nil {
		return err
	}
	events, err := eng.Replay(cmd.Context(), args[0], eventsAfter)
	if err != nil {
		return err
	}

	p := newPrinter(cmd.OutOrStdout())
	if p.json {
		return p.emitJSON(events)
	}
	for _, ev := range events {
		printEvent(p, ev)
	}
	return nil
}
