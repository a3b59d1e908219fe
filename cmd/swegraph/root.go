package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/swegraph/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "swegraph",
	Short: "swegraph generates software projects through a reviewed, resumable workflow",
	Long: `swegraph analyses a request, plans modules and writes generated code,
pausing for human review after each stage. Sessions are checkpointed after
every step and can be resumed from any process sharing the store.

The memory store does not outlive the process; use --interactive with it
or configure sqlite, mysql or redis to resume across invocations.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.String("config", "", "configuration file (default "+config.DefaultPath+" when present)")
	f.String("log-level", "", "log level: debug, info, warn, error")
	f.String("store", "", "checkpoint store: memory, sqlite, mysql, redis")
	f.String("dsn", "", "sqlite path or mysql DSN")
	f.String("redis-addr", "", "redis address for the redis store")
	f.String("provider", "", "model provider: anthropic, openai, google, mock")
	f.String("model", "", "model name (provider default when empty)")
	f.String("output", "", "directory generated files are written to")
}

// loadConfig reads the configuration file and applies command line
// overrides on top of it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	overrides := []struct {
		flag string
		dst  *string
	}{
		{"log-level", &cfg.Log.Level},
		{"store", &cfg.Store.Backend},
		{"dsn", &cfg.Store.DSN},
		{"redis-addr", &cfg.Store.RedisAddr},
		{"provider", &cfg.Model.Provider},
		{"model", &cfg.Model.Name},
		{"output", &cfg.OutputDir},
	}
	changed := false
	for _, o := range overrides {
		if cmd.Flags().Changed(o.flag) {
			*o.dst, _ = cmd.Flags().GetString(o.flag)
			changed = true
		}
	}
	if changed && cfg.Model.APIKey == "" {
		if key := config.APIKeyEnv(cfg.Model.Provider); key != "" {
			cfg.Model.APIKey = os.Getenv(key)
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
