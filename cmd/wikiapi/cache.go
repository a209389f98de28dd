package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/wiki-api-client/pkg/cache"
	"github.com/Sternrassler/wiki-api-client/pkg/config"
)

func newCacheCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the API response cache",
	}
	cmd.AddCommand(newCacheClearCommand(opts))
	cmd.AddCommand(newCachePruneCommand(opts))
	return cmd
}

func newCacheClearCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			var n int
			switch store := rt.cache.(type) {
			case *cache.FileStore:
				n, err = store.Clear(ctx)
			case *cache.RedisStore:
				n, err = store.Clear(ctx)
			default:
				return fmt.Errorf("cache backend %T cannot be cleared", rt.cache)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
			return nil
		},
	}
}

func newCachePruneCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove expired and unreadable cache files",
		Long: `Remove expired and unreadable cache files. Redis entries expire on
their own and need no pruning.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.CacheBackend != config.BackendFile {
				fmt.Fprintf(cmd.OutOrStdout(), "nothing to prune for %s backend\n", cfg.CacheBackend)
				return nil
			}

			n, err := cache.NewFileStore(cfg.CacheDir()).Prune(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
			return nil
		},
	}
}
