// Command ledgerctl runs the points ledger maintenance jobs against a
// database without starting the HTTP server. Every job prints its summary
// as JSON on stdout.
//
//	ledgerctl --db contraventions.db fiscal-reset
//	ledgerctl --db contraventions.db --decay decay
//	ledgerctl fiscal-year 2026-03-31
//	ledgerctl --policy policy.yaml policy --format json
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/warp/contravention-engine/contravention"
	"github.com/warp/contravention-engine/factory"
	"github.com/warp/contravention-engine/points"
	"github.com/warp/contravention-engine/store/sqlite"
)

// exitErr carries a numeric exit code through the cobra error path.
type exitErr struct {
	code int
	msg  string
}

func (e *exitErr) Error() string { return e.msg }

func codeError(code int, format string, args ...any) error {
	return &exitErr{code: code, msg: fmt.Sprintf(format, args...)}
}

type globalFlags struct {
	db      string
	policy  string
	decay   bool
	verbose bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ee *exitErr
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "Error:", ee.msg)
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags globalFlags
	root := &cobra.Command{
		Use:          "ledgerctl",
		Short:        "Run points ledger maintenance jobs",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.db, "db", "contraventions.db", "SQLite database path")
	pf.StringVar(&flags.policy, "policy", "", "Escalation policy file (YAML or JSON); built-in default when empty")
	pf.BoolVar(&flags.decay, "decay", false, "Enable point decay regardless of the policy file")
	pf.BoolVar(&flags.verbose, "verbose", false, "Log engine activity to stderr")

	root.AddCommand(
		jobCmd(&flags, "fiscal-reset", "Reset every ledger for the current fiscal year",
			func(ctx context.Context, e *points.Engine) (any, error) {
				return e.Resetter.ResetPointsForNewFiscalYear(ctx)
			}),
		jobCmd(&flags, "reconcile", "Rebuild ledger totals from non-voided contraventions",
			func(ctx context.Context, e *points.Engine) (any, error) {
				return e.Ledger.ReconcileFromContraventions(ctx)
			}),
		jobCmd(&flags, "recalc-escalations", "Re-evaluate escalation levels for every employee",
			func(ctx context.Context, e *points.Engine) (any, error) {
				return e.Recorder.RecalculateAllEscalations(ctx)
			}),
		jobCmd(&flags, "training-overdue", "Mark assigned training past its due date as overdue",
			func(ctx context.Context, e *points.Engine) (any, error) {
				return e.Trainer.MarkOverdue(ctx)
			}),
		jobCmd(&flags, "decay", "Remove points from dormant ledgers",
			func(ctx context.Context, e *points.Engine) (any, error) {
				return e.Ledger.ApplyDecay(ctx)
			}),
		jobCmd(&flags, "reset-runs", "List fiscal reset runs",
			func(ctx context.Context, e *points.Engine) (any, error) {
				return e.Resetter.ResetRuns(ctx)
			}),
		fiscalYearCmd(),
		policyCmd(&flags),
	)
	return root
}

// jobCmd builds a subcommand that opens the store, runs one engine job and
// prints its result.
func jobCmd(flags *globalFlags, use, short string, job func(context.Context, *points.Engine) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, engine, err := openEngine(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := job(cmd.Context(), engine)
			if err != nil {
				return codeError(2, "%s: %s", use, err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func fiscalYearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fiscal-year [YYYY-MM-DD]",
		Short: "Print the fiscal year containing a date (today by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now().UTC()
			if len(args) == 1 {
				d, err := time.Parse(time.DateOnly, args[0])
				if err != nil {
					return codeError(3, "invalid date %q: expected YYYY-MM-DD", args[0])
				}
				at = d
			}
			p := points.FiscalYearBoundaries(at)
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"label": points.FiscalYearLabel(at),
				"start": p.Start.Format(time.DateOnly),
				"end":   p.End.Format(time.DateOnly),
			})
		},
	}
}

func policyCmd(flags *globalFlags) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Validate and print the effective escalation policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			policy, err := loadPolicy(flags)
			if err != nil {
				return err
			}
			out, err := factory.NewPolicyFactory().Marshal(policy, factory.Format(format))
			if err != nil {
				return codeError(3, "%s", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", string(factory.FormatYAML), "Output format: yaml or json")
	return cmd
}

func loadPolicy(flags *globalFlags) (*points.Policy, error) {
	policy, err := factory.LoadPolicy(flags.policy)
	if err != nil {
		return nil, codeError(3, "%s", err)
	}
	if flags.decay {
		policy.Decay.Enabled = true
	}
	return policy, nil
}

func openEngine(flags *globalFlags, stderr io.Writer) (*sqlite.Store, *points.Engine, error) {
	policy, err := loadPolicy(flags)
	if err != nil {
		return nil, nil, err
	}
	log := zerolog.Nop()
	if flags.verbose {
		log = zerolog.New(zerolog.ConsoleWriter{Out: stderr}).With().Timestamp().Logger()
	}
	store, err := sqlite.New(flags.db)
	if err != nil {
		return nil, nil, codeError(3, "open database: %s", err)
	}
	engine, err := points.New(contravention.PointsStore(store),
		points.WithPolicy(policy),
		points.WithLogger(log))
	if err != nil {
		store.Close()
		return nil, nil, codeError(3, "%s", err)
	}
	return store, engine, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
