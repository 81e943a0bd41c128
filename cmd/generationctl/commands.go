package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/decorai/decorai-api/internal/domain/credit"
	"github.com/decorai/decorai-api/internal/domain/generation"
	"github.com/decorai/decorai-api/internal/pkg/queue"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	Format string // "json" | "text"
	open   opener
	rt     *runtime
}

var validFormats = []string{"text", "json"}

var errInconsistentLedger = errors.New("ledger inconsistent")

func newRootCommand(open opener) *cobra.Command {
	opts := &rootOptions{open: open}

	cmd := &cobra.Command{
		Use:           "generationctl",
		Short:         "Operate the generation queue and credit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.rt != nil {
				opts.rt.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newRequeueCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newGrantCommand(opts))
	cmd.AddCommand(newAuditCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))

	return cmd
}

// env opens the database and Redis on first use.
func (o *rootOptions) env(ctx context.Context) (*runtime, error) {
	if o.rt != nil {
		return o.rt, nil
	}
	rt, err := o.open(ctx)
	if err != nil {
		return nil, err
	}
	o.rt = rt
	return rt, nil
}

// queueEnv is env for commands that read or change the shared queue.
func (o *rootOptions) queueEnv(ctx context.Context) (*runtime, error) {
	rt, err := o.env(ctx)
	if err != nil {
		return nil, err
	}
	if err := rt.requireQueue(); err != nil {
		return nil, err
	}
	return rt, nil
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

// write prints v as indented JSON, or text through the text func.
func (o *rootOptions) write(w io.Writer, v interface{}, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one recovery sweep: requeue orphans, fail jobs past their deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := commandContext(cmd)
			defer stop()

			rt, err := opts.queueEnv(ctx)
			if err != nil {
				return err
			}
			report, err := rt.recovery.Sweep(ctx)
			if err != nil {
				return err
			}
			return opts.write(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "requeued=%d readmitted=%d timed_out=%d exhausted=%d refunded=%d\n",
					report.Requeued, report.Readmitted, report.TimedOut, report.Exhausted, report.Refunded)
			})
		},
	}
}

func newRequeueCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Put a queued or processing job back on the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}

			ctx, stop := commandContext(cmd)
			defer stop()

			rt, err := opts.queueEnv(ctx)
			if err != nil {
				return err
			}
			job, err := rt.jobs.GetByID(ctx, jobID)
			if err != nil {
				return err
			}
			if job.Status.Terminal() {
				return fmt.Errorf("job %s is %s", job.ID, job.Status)
			}

			entry := queue.Entry{
				JobID:      job.ID.String(),
				Priority:   job.Priority,
				Attempt:    job.AttemptCount + 1,
				EnqueuedAt: time.Now(),
			}
			if err := rt.scheduler.Enqueue(ctx, entry); err != nil {
				return err
			}
			return opts.write(cmd.OutOrStdout(), entry, func(w io.Writer) {
				fmt.Fprintf(w, "requeued %s attempt=%d\n", entry.JobID, entry.Attempt)
			})
		},
	}
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status and queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := commandContext(cmd)
			defer stop()

			rt, err := opts.queueEnv(ctx)
			if err != nil {
				return err
			}
			svc := generation.NewService(rt.jobs, nil, nil, rt.scheduler, nil)
			stats, err := svc.QueueStats(ctx)
			if err != nil {
				return err
			}
			running, err := rt.scheduler.Active(ctx)
			if err != nil {
				return err
			}
			result := map[string]interface{}{"jobs": stats, "slots_in_use": running}
			return opts.write(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "waiting=%d active=%d completed=%d failed=%d cancelled=%d ready=%d delayed=%d slots_in_use=%d\n",
					stats.Waiting, stats.Active, stats.Completed, stats.Failed, stats.Cancelled,
					stats.Queue.Ready, stats.Queue.Delayed, running)
			})
		},
	}
}

type grantOptions struct {
	UserID    string
	Amount    int
	Kind      string
	Reference string
	Note      string
}

// validate checks flags before anything is opened.
func (g *grantOptions) validate() (uuid.UUID, error) {
	userID, err := uuid.Parse(g.UserID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --user %q: %w", g.UserID, err)
	}
	if g.Amount <= 0 {
		return uuid.Nil, credit.ErrInvalidAmount
	}
	if kind := credit.Kind(g.Kind); kind != credit.KindPurchase && kind != credit.KindFreeGrant {
		return uuid.Nil, fmt.Errorf("%w: %s", credit.ErrInvalidKind, g.Kind)
	}
	return userID, nil
}

func newGrantCommand(opts *rootOptions) *cobra.Command {
	g := &grantOptions{}
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant credits to a user (idempotent per reference)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := g.validate()
			if err != nil {
				return err
			}
			if g.Reference == "" {
				g.Reference = "GRANT-" + uuid.NewString()
			}

			ctx, stop := commandContext(cmd)
			defer stop()

			rt, err := opts.env(ctx)
			if err != nil {
				return err
			}
			applied, err := rt.ledger.Grant(ctx, userID, g.Amount, credit.Kind(g.Kind), g.Reference, credit.Meta{Description: g.Note})
			if err != nil {
				return err
			}
			balance, err := rt.ledger.Balance(ctx, userID)
			if err != nil {
				return err
			}
			result := map[string]interface{}{"applied": applied, "balance": balance, "reference": g.Reference}
			return opts.write(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "applied=%v balance=%d reference=%s\n", applied, balance, g.Reference)
			})
		},
	}

	cmd.Flags().StringVar(&g.UserID, "user", "", "user id")
	cmd.Flags().IntVar(&g.Amount, "amount", 0, "credits to grant")
	cmd.Flags().StringVar(&g.Kind, "kind", string(credit.KindFreeGrant), "purchase|free_grant")
	cmd.Flags().StringVar(&g.Reference, "reference", "", "idempotency reference (generated when empty)")
	cmd.Flags().StringVar(&g.Note, "note", "operator grant", "ledger description")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func newAuditCommand(opts *rootOptions) *cobra.Command {
	var userFlag string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Compare cached balances with the ledger; exits non-zero on drift",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := commandContext(cmd)
			defer stop()

			rt, err := opts.env(ctx)
			if err != nil {
				return err
			}

			var results []credit.AuditResult
			if userFlag != "" {
				userID, err := uuid.Parse(userFlag)
				if err != nil {
					return fmt.Errorf("invalid --user %q: %w", userFlag, err)
				}
				one, err := rt.ledger.Audit(ctx, userID)
				if err != nil {
					return err
				}
				if !one.Consistent() {
					results = append(results, *one)
				}
			} else if results, err = rt.ledger.AuditAll(ctx); err != nil {
				return err
			}

			if err := opts.write(cmd.OutOrStdout(), results, func(w io.Writer) {
				if len(results) == 0 {
					fmt.Fprintln(w, "ledger consistent")
					return
				}
				for _, r := range results {
					fmt.Fprintf(w, "user=%s balance=%d ledger_sum=%d\n", r.UserID, r.Balance, r.LedgerSum)
				}
			}); err != nil {
				return err
			}
			if len(results) > 0 {
				return fmt.Errorf("%w: %d user(s)", errInconsistentLedger, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userFlag, "user", "", "audit a single user")
	return cmd
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var userFlag string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for a user (development only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(userFlag)
			if err != nil {
				return fmt.Errorf("invalid --user %q: %w", userFlag, err)
			}

			ctx, stop := commandContext(cmd)
			defer stop()

			rt, err := opts.env(ctx)
			if err != nil {
				return err
			}
			if rt.cfg.IsProduction() {
				return errors.New("token minting is disabled in production")
			}
			token, err := rt.tokens.GenerateAccessToken(userID)
			if err != nil {
				return err
			}
			return opts.write(cmd.OutOrStdout(), map[string]string{"access_token": token}, func(w io.Writer) {
				fmt.Fprintln(w, token)
			})
		},
	}
	cmd.Flags().StringVar(&userFlag, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
