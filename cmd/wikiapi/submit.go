package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/wiki-api-client/pkg/client"
	"github.com/Sternrassler/wiki-api-client/pkg/params"
	"github.com/Sternrassler/wiki-api-client/pkg/site"
)

func newSubmitCommand(opts *globalOptions) *cobra.Command {
	var (
		parts   []string
		cached  time.Duration
		retries int
	)

	cmd := &cobra.Command{
		Use:   "submit <site> key=value...",
		Short: "Submit one API request and print the response",
		Example: `  # Site information, cached for a day
  wikiapi submit wikipedia:en action=query meta=siteinfo --cached 24h

  # Upload with the file content sent as a multipart field
  wikiapi submit commons:commons action=upload filename=Logo.png token=... --part file=./logo.png`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			p, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			mime, err := parseParts(parts)
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

			var reqOpts []client.RequestOption
			if len(mime) > 0 {
				reqOpts = append(reqOpts, client.WithMimeParams(mime))
			}
			if cmd.Flags().Changed("retries") {
				reqOpts = append(reqOpts, client.WithMaxRetries(retries))
			}
			req, err := rt.client.NewRequest(s, params.FromMap(p), reqOpts...)
			if err != nil {
				return err
			}

			var result map[string]any
			if cached > 0 {
				result, err = rt.client.SubmitCached(ctx, req, cached)
			} else {
				result, err = rt.client.Submit(ctx, req)
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringArrayVar(&parts, "part", nil, "multipart field as name=path (repeatable)")
	cmd.Flags().DurationVar(&cached, "cached", 0, "answer from the response cache, storing results for this long")
	cmd.Flags().IntVar(&retries, "retries", 0, "retry budget for this request")

	return cmd
}

func newLoginCommand(opts *globalOptions) *cobra.Command {
	var sysop bool

	cmd := &cobra.Command{
		Use:   "login <site>",
		Short: "Log in with the configured credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
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
			level := site.AsUser
			if sysop {
				level = site.AsSysop
			}
			if err := s.Login(ctx, level); err != nil {
				return err
			}
			log.Info().Str("site", s.ID()).Str("user", s.Session().Username(level)).Msg("Login succeeded")
			return nil
		},
	}

	cmd.Flags().BoolVar(&sysop, "sysop", false, "log in with the sysop account")
	return cmd
}

// parseParts reads name=path multipart fields.
func parseParts(args []string) (map[string]params.Part, error) {
	parts := make(map[string]params.Part, len(args))
	for _, arg := range args {
		name, path, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("part %q is not name=path", arg)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read part %s: %w", name, err)
		}
		parts[name] = params.Part{Content: content, Filename: filepath.Base(path)}
	}
	return parts, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
