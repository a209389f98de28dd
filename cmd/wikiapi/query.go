package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/wiki-api-client/pkg/pagination"
	"github.com/Sternrassler/wiki-api-client/pkg/params"
)

func newQueryCommand(opts *globalOptions) *cobra.Command {
	var (
		kind       string
		limit      int
		increment  int
		namespaces []int
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "query <site> <module>[,<module>...] [key=value...]",
		Short: "Unroll a paginated query and print one JSON item per line",
		Long: `Unroll a paginated query and print one JSON item per line.

Several comma-separated modules are drained concurrently with the same
parameters and flags; their items are printed in module order.`,
		Example: `  # First 100 main namespace pages
  wikiapi query wikipedia:en allpages --limit 100 --namespace 0

  # All pages and all categories at once
  wikiapi query wikipedia:en allpages,allcategories --workers 2

  # Five revisions of a page
  wikiapi query wikipedia:en revisions --kind prop titles=Foo rvlimit=5`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			p, err := parseParams(args[2:])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx, cfg, opts.traceOutput(cmd))
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			s, err := rt.site(args[0])
			if err != nil {
				return err
			}
			modules := strings.Split(args[1], ",")
			gens := make([]*pagination.Generator, 0, len(modules))
			for _, module := range modules {
				gen, err := pagination.New(ctx, rt.client, s, pagination.Kind(kind), module, params.FromMap(p))
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("limit") {
					gen.SetMaximumItems(limit)
				}
				if increment > 0 {
					gen.SetQueryIncrement(increment)
				}
				if len(namespaces) > 0 {
					if err := gen.SetNamespace(namespaces...); err != nil {
						return err
					}
				}
				gens = append(gens, gen)
			}

			if len(gens) == 1 {
				return streamItems(ctx, cmd.OutOrStdout(), modules[0], gens[0])
			}
			return drainItems(ctx, cmd.OutOrStdout(), gens, workers)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(pagination.KindList), "module kind: generator, list, prop or meta")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of items; negative omits the page size")
	cmd.Flags().IntVar(&increment, "increment", 0, "items requested per round")
	cmd.Flags().IntSliceVar(&namespaces, "namespace", nil, "namespace filter (repeatable)")
	cmd.Flags().IntVar(&workers, "workers", pagination.DefaultDrainConfig().MaxConcurrency, "modules drained concurrently")

	return cmd
}

// streamItems prints items as the generator yields them.
func streamItems(ctx context.Context, w io.Writer, module string, gen *pagination.Generator) error {
	enc := json.NewEncoder(w)
	for item, err := range gen.All(ctx) {
		if err != nil {
			return fmt.Errorf("query %s after %d rounds: %w", module, gen.Rounds(), err)
		}
		if err := enc.Encode(item); err != nil {
			return err
		}
	}
	return nil
}

// drainItems drains all generators and prints their items in order. Items
// of generators that finished are printed even when another one failed.
func drainItems(ctx context.Context, w io.Writer, gens []*pagination.Generator, workers int) error {
	cfg := pagination.DefaultDrainConfig()
	cfg.MaxConcurrency = workers
	results, drainErr := pagination.Drain(ctx, gens, cfg)

	enc := json.NewEncoder(w)
	for i := range gens {
		for _, item := range results[i] {
			if err := enc.Encode(item); err != nil {
				return err
			}
		}
	}
	return drainErr
}
