// Command tokenquota serves and administers per-user token quotas.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ineyio/tokenquota"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(viper.New()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "tokenquota",
		Short:         "Per-user token quota accounting in front of a generative model",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	v.SetEnvPrefix("TOKENQUOTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	flags := root.PersistentFlags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("store", "", "store driver (memory, sqlite, postgres, redis, dynamodb)")
	flags.String("dsn", "", "store connection string or file path")
	flags.String("provider", "", "model provider (anthropic, bedrock, openai, openaicompat, gemini, mock)")
	flags.String("model", "", "model name")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("store.driver", flags.Lookup("store"))
	_ = v.BindPFlag("store.dsn", flags.Lookup("dsn"))
	_ = v.BindPFlag("model.provider", flags.Lookup("provider"))
	_ = v.BindPFlag("model.name", flags.Lookup("model"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))

	root.AddCommand(
		newServeCmd(v),
		newAccountCmd(v),
		newUsageCmd(v),
		newInvokeCmd(v),
		newVersionCmd(),
	)
	return root
}

// withApp loads the config, wires the app for one command run and closes it
// afterwards. Commands that never call the model run without a configured
// provider.
func withApp(cmd *cobra.Command, v *viper.Viper, needModel bool, fn func(*app) error) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	if !needModel && cfg.Model.Provider == "" {
		cfg.Model.Provider = tokenquota.ProviderMock
		cfg.Model.Name = "none"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a, err := wireApp(cmd.Context(), cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
