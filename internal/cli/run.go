package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"codeberg.org/snonux/hanzirecall/internal"
	"codeberg.org/snonux/hanzirecall/internal/anki"
	"codeberg.org/snonux/hanzirecall/internal/app"
	"codeberg.org/snonux/hanzirecall/internal/archive"
	"codeberg.org/snonux/hanzirecall/internal/batch"
	"codeberg.org/snonux/hanzirecall/internal/config"
	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/intake"
	"codeberg.org/snonux/hanzirecall/internal/logging"
	"codeberg.org/snonux/hanzirecall/internal/models"
	"codeberg.org/snonux/hanzirecall/internal/processor"
	"codeberg.org/snonux/hanzirecall/internal/server"
)

type runner struct {
	flags *Flags
	v     *viper.Viper
}

// open loads the configuration and wires the pipeline. providers is only
// needed by commands that run workers.
func (r *runner) open(cmd *cobra.Command, providers bool) (*app.App, error) {
	cfg, err := LoadConfig(r.v, cmd.Flags(), r.flags)
	if err != nil {
		return nil, err
	}
	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, err
	}
	return app.Open(cmd.Context(), cfg, app.Options{Providers: providers, Logger: logger})
}

// withApp runs fn and closes the app afterwards.
func (r *runner) withApp(cmd *cobra.Command, providers bool, fn func(a *app.App) error) error {
	a, err := r.open(cmd, providers)
	if err != nil {
		return err
	}
	err = fn(a)
	return errors.Join(err, a.Close(a.Config.Server.ShutdownTimeout))
}

func (r *runner) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the enrichment workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := r.open(cmd, true)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				return errors.Join(err, a.Close(a.Config.Server.ShutdownTimeout))
			}
			srv := server.New(a.Processor, a.Hub, a.Cache, server.Options{
				Addr:   a.Config.Server.Addr,
				Logger: a.Log,
			})

			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()

			var serveErr error
			select {
			case <-ctx.Done():
			case serveErr = <-errc:
			}
			a.Log.Info("shutting down")

			timeout := a.Config.Server.ShutdownTimeout
			shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return errors.Join(serveErr, srv.Shutdown(shutdownCtx), a.Close(timeout))
		},
	}
	cmd.Flags().StringVar(&r.flags.Addr, "addr", "", "Listen address (default from config, 127.0.0.1:8080)")
	return cmd
}

func (r *runner) createCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty collection and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, false, func(a *app.App) error {
				col, err := a.Processor.CreateCollection(cmd.Context(), r.flags.Owner, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), col.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&r.flags.Owner, "owner", r.flags.Owner, "Collection owner")
	return cmd
}

func (r *runner) importCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <collection> [symbols...]",
		Short: "Import symbols into a collection",
		Long: `Import symbols into a collection. Symbols come from the arguments and,
with --batch, from a file with one symbol per line ("行" or "行 = háng").

Without --wait the import is queued for a running "serve". With --wait
this process runs the workers until the queues are drained.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries := intake.Symbols(args[1:])
			if r.flags.BatchFile != "" {
				fromFile, err := batch.ReadBatchFile(r.flags.BatchFile)
				if err != nil {
					return err
				}
				entries = append(entries, fromFile...)
			}
			if len(entries) == 0 {
				return fmt.Errorf("no symbols given, pass them as arguments or with --batch")
			}

			return r.withApp(cmd, r.flags.Wait, func(a *app.App) error {
				out := cmd.OutOrStdout()
				jobID, report, err := a.Processor.ImportSymbols(cmd.Context(), args[0], entries, r.flags.Requester)
				if report != nil {
					printReport(out, report)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Import queued: job %s\n", jobID)
				return r.maybeWait(cmd, a, args[0])
			})
		},
	}
	cmd.Flags().StringVar(&r.flags.BatchFile, "batch", "", "Read symbols from file (one per line)")
	cmd.Flags().StringVar(&r.flags.Requester, "requester", r.flags.Requester, "Requester recorded on the import job")
	addWaitFlags(cmd, r.flags)
	return cmd
}

func (r *runner) enrichCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enrich <collection>",
		Short: "Enrich the cards of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, r.flags.Wait, func(a *app.App) error {
				jobID, err := a.Processor.EnqueueCollectionEnrichment(cmd.Context(), args[0], r.flags.Force)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Enrichment queued: job %s\n", jobID)
				return r.maybeWait(cmd, a, args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&r.flags.Force, "force", false, "Regenerate cards that are already enriched")
	addWaitFlags(cmd, r.flags)
	return cmd
}

func (r *runner) enrichCardCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enrich-card <card>",
		Short: "Enrich a single card",
		Long: `Enrich a single card. --override regenerates the card's media under
card-private keys as an administrator, leaving the shared media alone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, r.flags.Wait, func(a *app.App) error {
				ctx := cmd.Context()
				var (
					jobID string
					err   error
				)
				if r.flags.Override {
					jobID, err = a.Processor.EnqueueAdminReenrichment(ctx, args[0], true)
				} else {
					jobID, err = a.Processor.EnqueueCardEnrichment(ctx, args[0], r.flags.Collection, r.flags.Force, nil)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Card enrichment queued: job %s\n", jobID)
				if !r.flags.Wait {
					return nil
				}
				status, err := r.waitJob(cmd, a, jobID)
				if err != nil {
					return err
				}
				printJob(cmd.OutOrStdout(), status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&r.flags.Collection, "collection", "", "Collection the card must belong to")
	cmd.Flags().BoolVar(&r.flags.Force, "force", false, "Regenerate even if the card is enriched")
	cmd.Flags().BoolVar(&r.flags.Override, "override", false, "Regenerate under card-private media keys")
	addWaitFlags(cmd, r.flags)
	return cmd
}

func (r *runner) stopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <collection>",
		Short: "Stop enqueueing further cards of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, false, func(a *app.App) error {
				if err := a.Processor.StopCollection(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Stop requested")
				return nil
			})
		},
	}
}

func (r *runner) retryFailedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry-failed <collection>",
		Short: "Re-enrich only the failed cards of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, r.flags.Wait, func(a *app.App) error {
				jobID, n, err := a.Processor.RetryFailedCards(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if n == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No failed cards")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retrying %d cards: job %s\n", n, jobID)
				return r.maybeWait(cmd, a, args[0])
			})
		},
	}
	addWaitFlags(cmd, r.flags)
	return cmd
}

func (r *runner) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [collection|job]",
		Short: "Show a collection, a job, or the queue counts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, false, func(a *app.App) error {
				ctx, out := cmd.Context(), cmd.OutOrStdout()
				if len(args) == 0 {
					counts, err := a.Processor.QueueCounts(ctx)
					if err != nil {
						return err
					}
					printQueues(out, counts)
					return nil
				}

				view, err := a.Processor.GetCollection(ctx, args[0])
				if err == nil {
					printCollection(out, view)
					return nil
				}
				if !errors.Is(err, domain.ErrNotFound) {
					return err
				}
				status, err := a.Processor.GetJobStatus(ctx, args[0])
				if errors.Is(err, domain.ErrNotFound) {
					return fmt.Errorf("no collection or job with id %s", args[0])
				}
				if err != nil {
					return err
				}
				printJob(out, status)
				return nil
			})
		},
	}
}

func (r *runner) checkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <symbols...>",
		Short: "List the symbols that need a reading to be chosen",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, false, func(a *app.App) error {
				ambiguities, err := a.Processor.CheckDisambiguation(cmd.Context(), args)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(ambiguities) == 0 {
					fmt.Fprintln(out, "No ambiguous symbols")
					return nil
				}
				for _, amb := range ambiguities {
					fmt.Fprintf(out, "%s:\n", amb.Symbol)
					for _, c := range amb.Candidates {
						fmt.Fprintf(out, "  %-8s %-12s %s\n", c.Pronunciation, c.FrequencyHint, c.Meaning)
					}
				}
				return nil
			})
		},
	}
}

func (r *runner) chooseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "choose <symbol> [pinyin]",
		Short: "Choose the reading of an ambiguous symbol",
		Long: `Choose the reading of an ambiguous symbol. Without --collection the
choice applies to every collection. Waiting cards resume right away.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel := domain.Selection{
				CollectionID:  r.flags.Collection,
				Symbol:        args[0],
				AcceptDefault: r.flags.AcceptDefault,
			}
			if len(args) == 2 {
				sel.Pronunciation = args[1]
			}
			if sel.Pronunciation == "" && !sel.AcceptDefault {
				return fmt.Errorf("give a pinyin reading or --accept-default")
			}
			return r.withApp(cmd, false, func(a *app.App) error {
				resumed, err := a.Processor.SubmitDisambiguation(cmd.Context(), sel)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Selection stored, %d cards resumed\n", resumed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&r.flags.Collection, "collection", "", "Limit the choice to one collection")
	cmd.Flags().BoolVar(&r.flags.AcceptDefault, "accept-default", false, "Accept the most common reading")
	return cmd
}

func (r *runner) deleteCardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-card <card>",
		Short: "Delete a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, false, func(a *app.App) error {
				if err := a.Processor.DeleteCard(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Card deleted")
				return nil
			})
		},
	}
}

func (r *runner) reclaimCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Delete stored media that no card references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, false, func(a *app.App) error {
				report, err := a.Processor.ReclaimMedia(cmd.Context(), r.flags.Grace)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d artifacts, deleted %d\n", report.Scanned, len(report.Deleted))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&r.flags.Grace, "grace", r.flags.Grace, "Keep artifacts written within this period")
	return cmd
}

func (r *runner) cleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove finished jobs past their retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, false, func(a *app.App) error {
				n, err := a.Processor.CleanupJobs(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d jobs\n", n)
				return nil
			})
		},
	}
}

func (r *runner) exportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <collection>",
		Short: "Export a collection as an Anki CSV with its media",
		Long: `Export a collection as an Anki CSV with its media. The previous export
of the same collection is moved to the archive directory next to it
unless --no-archive is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, false, func(a *app.App) error {
				ctx, out := cmd.Context(), cmd.OutOrStdout()
				view, err := a.Processor.GetCollection(ctx, args[0])
				if err != nil {
					return err
				}

				dir := r.flags.OutputDir
				if dir == "" {
					dir = filepath.Join(config.StateDir(), "exports", internal.SanitizeFilename(view.Collection.Name))
				}
				if !r.flags.NoArchive {
					archived, err := archive.ArchiveDir(dir, time.Now())
					switch {
					case err == nil:
						fmt.Fprintf(out, "Previous export archived to: %s\n", archived)
					case !errors.Is(err, archive.ErrNothingToArchive):
						return err
					}
				}

				gen := anki.NewGenerator(&anki.GeneratorOptions{OutputDir: dir, IncludeHeaders: true})
				skipped := gen.AddCollection(view.Cards)
				path, err := gen.Export(ctx, a.Cache)
				if err != nil {
					return err
				}
				total, withAudio, withImages := gen.Stats()
				fmt.Fprintf(out, "Exported %d cards (%d with audio, %d with images) to %s\n",
					total, withAudio, withImages, path)
				if skipped > 0 {
					fmt.Fprintf(out, "%d cards without media were left out\n", skipped)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&r.flags.OutputDir, "output", "o", "", "Output directory")
	cmd.Flags().BoolVar(&r.flags.NoArchive, "no-archive", false, "Overwrite the previous export in place")
	return cmd
}

func (r *runner) modelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the OpenAI models available to the configured key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(r.v, cmd.Flags(), r.flags)
			if err != nil {
				return err
			}
			lister := models.NewLister(cfg.Image.OpenAIKey, "")
			return lister.ListAvailableModels(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func addWaitFlags(cmd *cobra.Command, flags *Flags) {
	cmd.Flags().BoolVar(&flags.Wait, "wait", false, "Run the workers here until the work is done")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", flags.Timeout, "Give up waiting after this long")
}

// maybeWait runs the workers until every queue is drained and prints the
// collection. Cards waiting for a reading do not keep it waiting.
func (r *runner) maybeWait(cmd *cobra.Command, a *app.App, collectionID string) error {
	if !r.flags.Wait {
		return nil
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), r.flags.Timeout)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return err
	}
	if err := poll(ctx, func() (bool, error) { return a.Processor.Idle(ctx) }); err != nil {
		return err
	}
	view, err := a.Processor.GetCollection(ctx, collectionID)
	if err != nil {
		return err
	}
	printCollection(cmd.OutOrStdout(), view)
	return nil
}

func (r *runner) waitJob(cmd *cobra.Command, a *app.App, jobID string) (domain.JobStatus, error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), r.flags.Timeout)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return domain.JobStatus{}, err
	}
	var status domain.JobStatus
	err := poll(ctx, func() (bool, error) {
		var err error
		status, err = a.Processor.GetJobStatus(ctx, jobID)
		return err == nil && (status.State.IsTerminal() || status.State == domain.JobParked), err
	})
	return status, err
}

func poll(ctx context.Context, done func() (bool, error)) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		ok, err := done()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func printReport(out io.Writer, report *intake.Report) {
	fmt.Fprintf(out, "Accepted %d symbols, %d duplicates\n", report.Accepted, report.Duplicates)
	for _, rej := range report.Rejected {
		fmt.Fprintf(out, "  rejected #%d %q: %s\n", rej.Index+1, rej.Input, rej.Reason)
	}
}

func printCollection(out io.Writer, view *processor.CollectionView) {
	col := view.Collection
	fmt.Fprintf(out, "Collection %s (%s): %s\n", col.Name, col.ID, col.Status)
	if col.CurrentOperation != "" {
		fmt.Fprintf(out, "  %s\n", col.CurrentOperation)
	}
	p := view.Progress
	fmt.Fprintf(out, "  %d/%d processed, %d enriched, %d partial, %d failed, %d awaiting a reading\n",
		p.Processed, p.Total, p.Enriched, p.PartiallyEnriched, p.Failed, p.Awaiting)
	for _, card := range view.Cards {
		meaning, pronunciation := card.Reading()
		line := fmt.Sprintf("  %-4s %-24s %s", card.Symbol, card.Status(), card.ID)
		if pronunciation != "" {
			line += fmt.Sprintf("  %s: %s", pronunciation, meaning)
		}
		if reason := card.FailureReason(); reason != "" {
			line += "  (" + reason + ")"
		}
		fmt.Fprintln(out, line)
	}
}

func printJob(out io.Writer, status domain.JobStatus) {
	fmt.Fprintf(out, "Job %s (%s): %s after %d attempts\n", status.ID, status.Type, status.State, status.Attempts)
	if status.Error != "" {
		fmt.Fprintf(out, "  error: %s\n", status.Error)
	}
	if len(status.Result) > 0 {
		fmt.Fprintf(out, "  result: %s\n", status.Result)
	}
}

func printQueues(out io.Writer, counts map[domain.QueueName]map[domain.JobState]int) {
	for _, name := range domain.Queues {
		c := counts[name]
		states := make([]string, 0, len(c))
		for state, n := range c {
			states = append(states, fmt.Sprintf("%s=%d", state, n))
		}
		sort.Strings(states)
		if len(states) == 0 {
			states = append(states, "empty")
		}
		fmt.Fprintf(out, "%-10s %s\n", name, strings.Join(states, " "))
	}
}
