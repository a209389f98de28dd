package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/wiki-api-client/pkg/config"
	"github.com/Sternrassler/wiki-api-client/pkg/logging"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	verbose    bool
	pretty     bool
	trace      bool
	simulate   bool
}

func newRootCommand(version, commit string) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "wikiapi",
		Short: "Resilient client for MediaWiki action APIs",
		Long: `wikiapi talks to MediaWiki action APIs with retries, maxlag handling,
per-site throttling, automatic re-login and a response cache.

Sites, credentials and storage backends are read from a YAML config file
and WIKIAPI_* environment variables.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "human-readable log output")
	rootCmd.PersistentFlags().BoolVar(&opts.trace, "trace", false, "print OpenTelemetry spans to stderr")
	rootCmd.PersistentFlags().BoolVar(&opts.simulate, "simulate", false, "do not submit write actions")

	rootCmd.AddCommand(newSubmitCommand(opts))
	rootCmd.AddCommand(newQueryCommand(opts))
	rootCmd.AddCommand(newLoginCommand(opts))
	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newCacheCommand(opts))

	return rootCmd
}

// traceOutput is where spans go, or nil without --trace.
func (o *globalOptions) traceOutput(cmd *cobra.Command) io.Writer {
	if !o.trace {
		return nil
	}
	return cmd.ErrOrStderr()
}

// loadConfig reads the configuration and applies flag overrides and the
// logging setup.
func loadConfig(opts *globalOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.verbose {
		cfg.Logging.Level = logging.LevelDebug
	}
	if opts.pretty {
		cfg.Logging.Pretty = true
	}
	if opts.simulate {
		cfg.Simulate = true
	}
	logging.Setup(cfg.Logging)
	return cfg, nil
}

// parseParams turns key=value arguments into a parameter map. Repeated keys
// are joined with "|".
func parseParams(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("parameter %q is not key=value", arg)
		}
		if prev, ok := out[key]; ok {
			value = prev.(string) + "|" + value
		}
		out[key] = value
	}
	return out, nil
}
