package main

import (
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tempo/internal/config"
	"github.com/23skdu/longbow-tempo/internal/logger"
)

// app carries what the root command resolves before any subcommand runs.
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	cfg        config.Config
}

func newCLI() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "tempo",
		Short: "Fuse time series into a causal language model and generate",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger.SetupWriter(cmd.ErrOrStderr(), a.logLevel, a.logFormat)
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			logger.Log.Debug("config loaded", "path", a.configPath, "layers", cfg.Layers, "vocab", cfg.VocabSize)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Model config file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "console", "Log format: console or json")

	cobra.EnableCommandSorting = false
	root.AddCommand(
		newGenerateCmd(a),
		newFuseCmd(a),
		newServeMetricsCmd(a),
	)
	return root
}
