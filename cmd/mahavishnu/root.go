// Command mahavishnu runs the cross-repository task orchestrator: the task
// store and dependency graph, the websocket push fabric, and the webhook
// ingestion surface. Subcommands cover serving, health probes, and event
// export.
package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lesleslie/mahavishnu/internal/config"
)

var (
	configPath string
	logLevel   string
	logJSON    bool
	inMemory   bool

	log = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:          "mahavishnu",
	Short:        "Cross-repository task orchestration engine",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mahavishnu.yaml", "path to the config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().BoolVar(&inMemory, "in-memory", false, "use the in-memory store instead of MySQL")
}

// loadConfig reads the config file and applies CLI overrides on top of the
// file and environment layers.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logJSON {
		cfg.Log.JSON = true
	}
	return cfg, nil
}

func setupLogger() error {
	if logJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	if logLevel == "" {
		return nil
	}
	lvl, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	return nil
}

// applyLogConfig re-applies the level and format once the config file has
// been read. CLI flags still win.
func applyLogConfig(cfg *config.Config) {
	if logLevel == "" && cfg.Log.Level != "" {
		if lvl, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
			log.SetLevel(lvl)
		}
	}
	if cfg.Log.JSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
}
