package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/exportcap/internal/config"
	"github.com/xkilldash9x/exportcap/internal/observability"
)

var (
	cfgFile string
	envFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "exportcap",
	Short:         "Exportcap logs into the booking portal and captures its spreadsheet exports.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 1. Load .env before viper reads the environment.
		if err := loadEnvFile(envFile); err != nil {
			return err
		}

		// 2. Initialize configuration loading (Viper)
		v := viper.GetViper()
		if err := initializeConfig(v); err != nil {
			basicLogger, _ := zap.NewDevelopment()
			basicLogger.Error("Failed to initialize configuration", zap.Error(err))
			return fmt.Errorf("failed to initialize configuration: %w", err)
		}

		// 3. Unmarshal into the global configuration
		if err := config.Load(v); err != nil {
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "exportcap"})
			return err
		}
		cfg := config.Get()

		// 4. Validate the configuration
		if err := cfg.Validate(); err != nil {
			observability.InitializeLogger(cfg.Logger)
			return fmt.Errorf("invalid configuration: %w", err)
		}

		// 5. Initialize the logger
		observability.InitializeLogger(cfg.Logger)
		observability.GetLogger().Debug("Starting exportcap", zap.String("version", Version))
		return nil
	},
}

// Execute adds all child commands to the root command and runs it.
// It accepts a context passed from main.go for graceful shutdown.
func Execute(ctx context.Context) error {
	defer observability.Sync()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// Cancellation is expected during graceful shutdown.
		if ctx.Err() == nil {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with credentials, skipped when missing")

	rootCmd.AddCommand(newExportCmd(NewComponentFactory()))
	rootCmd.AddCommand(newCaptureCmd())
	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newRunsCmd())
	rootCmd.AddCommand(versionCmd)
}

// loadEnvFile loads a dotenv file without overriding variables already set.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("error reading env file %s: %w", path, err)
	}
	return nil
}

// initializeConfig reads in config file and ENV variables if set.
func initializeConfig(v *viper.Viper) error {
	// Set default values so the app can run with a minimal config.
	config.SetDefaults(v)

	// 1. Set up config file search paths
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// 2. Environment Variable Configuration
	config.BindEnvironment(v)

	// 3. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; parse errors are not.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}
