package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stateflow/internal/config"
	"github.com/xkilldash9x/stateflow/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// envPrefix is prepended to every configuration key read from the environment.
const envPrefix = "STATEFLOW"

// flagKeys maps command flags onto the configuration keys they override.
// Flags are bound only on the command that defines them.
var flagKeys = map[string]string{
	"workers":     "crawl.workers",
	"max-states":  "crawl.max_states",
	"max-depth":   "crawl.max_depth",
	"max-runtime": "crawl.max_runtime",
	"strategy":    "equivalence.strategy",
	"threshold":   "equivalence.threshold",
	"headless":    "browser.headless",
	"graphml":     "output.graphml",
	"persist":     "output.persist",
}

// dependencies are the external resources commands open. Tests swap them for fakes.
type dependencies struct {
	browsers browserProvider
	stores   storeProvider
}

// NewRootCommand creates a fresh command tree wired to the real browser and database.
func NewRootCommand() *cobra.Command {
	return newRootCommand(dependencies{
		browsers: NewBrowserProvider(),
		stores:   NewStoreProvider(),
	})
}

func newRootCommand(deps dependencies) *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "stateflow",
		Short:         "stateflow crawls a web application and maps its UI states.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting stateflow", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}
	rootCmd.SetVersionTemplate("{{.Name}} version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(newCrawlCmd(deps))
	rootCmd.AddCommand(newExportCmd(deps))
	rootCmd.AddCommand(newPathCmd(deps))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the command tree with the given signal-aware context.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
			rootCmd.PrintErrln("Error:", err)
		}
		return err
	}
	return nil
}

// initializeConfig layers the config file, the environment and the flags of
// cmd over the defaults already set on v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		path, err := homedir.Expand(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to expand config path: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("failed to bind flag --%s: %w", name, err)
			}
		}
	}
	return nil
}

// getConfigFromContext returns the configuration stored by the root command.
func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in context")
	}
	return cfg, nil
}
