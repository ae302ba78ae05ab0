package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/lesleslie/mahavishnu/internal/storage/mysql"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the database and print the connection pool snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := mysql.Open(cmd.Context(), cfg.MySQL())
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.HealthProbe(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
