// Command magctl runs rankings and reconciliation passes from the shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"magstats/internal/app"
	"magstats/internal/article"
	"magstats/internal/config"
	"magstats/internal/logging"
	"magstats/internal/ranking"
	"magstats/internal/reconcile"

	"github.com/goccy/go-json"
	"github.com/jessevdk/go-flags"
)

type options struct {
	Verbose bool `short:"v" long:"verbose" description:"Log at debug level"`
	JSON    bool `long:"json" description:"Print results as JSON"`
}

var opts options

type topCommand struct {
	Scope   string  `long:"scope" default:"all" choice:"section" choice:"issue" choice:"series" choice:"author" choice:"all" choice:"list" description:"Scope kind"`
	ID      int64   `long:"id" description:"Section, issue, series or author id"`
	IDs     []int64 `long:"ids" description:"Item id for a list scope (repeatable)"`
	Limit   int     `short:"n" long:"limit" default:"10" description:"Number of items, -1 for all"`
	Exclude []int64 `short:"x" long:"exclude" description:"Item id to leave out (repeatable)"`
}

type recalculateCommand struct {
	Args struct {
		IDs []string `positional-arg-name:"id" required:"1"`
	} `positional-args:"yes"`
}

type syncCommand struct{}

type reconcileCommand struct {
	All  bool `long:"all" description:"Reconcile every published item"`
	Args struct {
		IDs []string `positional-arg-name:"id"`
	} `positional-args:"yes"`
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	_, _ = parser.AddCommand("top", "Print the most popular items of a scope", "", &topCommand{})
	_, _ = parser.AddCommand("recalculate", "Clear and refetch the external stats of items", "", &recalculateCommand{})
	_, _ = parser.AddCommand("reconcile", "Refresh stale external stats", "", &reconcileCommand{})
	_, _ = parser.AddCommand("sync", "Pull published posts from the CMS once", "", &syncCommand{})

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// withApp loads config, wires the app and runs fn with a signal-aware context.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	if opts.Verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Config{Level: level, Format: "console", Output: os.Stderr})
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	return fn(ctx, a)
}

func (c *topCommand) Execute(_ []string) error {
	sel, err := article.ParseSelector(c.Scope, c.ID, c.IDs)
	if err != nil {
		return err
	}
	return withApp(func(ctx context.Context, a *app.App) error {
		ranked, err := a.Ranker.Top(ctx, a.Items.Scope(sel), c.Limit, c.Exclude...)
		if err != nil {
			return err
		}
		if opts.JSON {
			return printJSON(os.Stdout, ranked)
		}
		printRanked(os.Stdout, ranked)
		return nil
	})
}

func (c *recalculateCommand) Execute(_ []string) error {
	ids, err := parseIDs(c.Args.IDs)
	if err != nil {
		return err
	}
	return withApp(func(ctx context.Context, a *app.App) error {
		var errs []error
		for _, id := range ids {
			rep, err := a.Reconciler.Recalculate(ctx, id)
			if err != nil {
				errs = append(errs, fmt.Errorf("item %d: %w", id, err))
			}
			if rep.RunID != "" {
				printReport(os.Stdout, rep)
			}
		}
		return errors.Join(errs...)
	})
}

func (c *reconcileCommand) Execute(_ []string) error {
	ids, err := parseIDs(c.Args.IDs)
	if err != nil {
		return err
	}
	if c.All == (len(ids) > 0) {
		return errors.New("pass either --all or item ids")
	}
	return withApp(func(ctx context.Context, a *app.App) error {
		var rep reconcile.Report
		if c.All {
			rep, err = a.Reconciler.ReconcileAll(ctx)
		} else {
			rep, err = a.Reconciler.Reconcile(ctx, ids)
		}
		printReport(os.Stdout, rep)
		return err
	})
}

func (c *syncCommand) Execute(_ []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		if a.Ingest == nil {
			return fmt.Errorf("%s is not set", config.FeedURL)
		}
		return a.Ingest.RunOnce(ctx)
	})
}

func parseIDs(raw []string) ([]int64, error) {
	ids := make([]int64, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid item id %q", s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printRanked(w io.Writer, ranked []ranking.Ranked) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tID\tVIEWS\tPER DAY\tTITLE")
	for i, r := range ranked {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%.5f\t%s\n", i+1, r.ExternalID, r.Views, r.Velocity, r.Title)
	}
	_ = tw.Flush()
}

func printReport(w io.Writer, rep reconcile.Report) {
	if opts.JSON {
		_ = printJSON(w, rep)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run %s: %d requested, %d found\n", rep.RunID, rep.Requested, rep.Found)
	fmt.Fprintln(tw, "PROVIDER\tFRESH\tBATCHES\tFAILED\tUPDATED\tUNRESOLVED")
	for _, p := range []struct {
		name string
		r    reconcile.ProviderReport
	}{{"social", rep.Social}, {"analytics", rep.Analytics}} {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", p.name, p.r.Fresh, p.r.Batches, p.r.FailedBatches, p.r.Updated, p.r.Unresolved)
	}
	_ = tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
