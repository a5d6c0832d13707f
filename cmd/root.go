// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserkit/internal/browsers"
	"github.com/xkilldash9x/browserkit/internal/config"
	"github.com/xkilldash9x/browserkit/internal/observability"
)

// envPrefix namespaces environment overrides, e.g. BROWSERKIT_BROWSER_HEADLESS=true.
const envPrefix = "BROWSERKIT"

// app carries what the subcommands share once the root has loaded configuration.
type app struct {
	v       *viper.Viper
	cfgFile string
	envFile string

	cfg    *config.Config
	logger *zap.Logger

	// discover is swapped out in tests.
	discover func(ctx context.Context, opts browsers.Options) ([]browsers.FoundBrowser, error)
}

func newApp() *app {
	v := viper.New()
	config.SetDefaults(v)
	return &app{v: v, discover: browsers.Discover}
}

// newRootCmd builds a fresh command tree.
func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "browserkit",
		Short:         "browserkit finds, launches and drives browsers for end-to-end tests.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// This runs before any command, setting up config and logging.
			return a.initialize()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./browserkit.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.envFile, "env-file", "", "dotenv file to load before reading the environment (default is ./.env when present)")
	rootCmd.SetVersionTemplate(`{{printf "browserkit version %s\n" .Version}}`)

	rootCmd.AddCommand(newListCmd(a), newOpenCmd(a), newVersionCmd())
	return rootCmd
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	ctx, stop := signalContext(context.Background())
	defer stop()

	a := newApp()
	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		// Use the logger if available, otherwise fallback to stderr
		if a.logger != nil {
			a.logger.Error("Command execution failed", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, err)
		observability.Sync()
		os.Exit(1)
	}
	observability.Sync()
}

// initialize loads .env, the config file and BROWSERKIT_* variables, then sets up logging.
func (a *app) initialize() error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil {
			return fmt.Errorf("error loading env file: %w", err)
		}
	} else {
		// A missing .env is normal.
		_ = godotenv.Load()
	}

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.AddConfigPath(".")
		a.v.SetConfigName("browserkit")
		a.v.SetConfigType("yaml")
	}
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars
	}

	cfg, err := config.NewConfigFromViper(a.v)
	if err != nil {
		// Initialize a fallback logger so the failure is still reported.
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "browserkit"})
		return err
	}
	observability.InitializeLogger(cfg.Logger)
	a.cfg = cfg
	a.logger = observability.GetLogger()
	a.logger.Debug("Configuration loaded.", zap.String("config_file", a.v.ConfigFileUsed()), zap.String("version", Version))
	return nil
}
