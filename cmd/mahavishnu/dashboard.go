package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lesleslie/mahavishnu/internal/storage/mysql"
	"github.com/lesleslie/mahavishnu/internal/views"
)

var dashboardTop int

var dashboardCmd = &cobra.Command{
	Use:   "dashboard [repository]",
	Short: "Print repository health views",
	Long: `Without arguments, print the portfolio summary and the repositories
most in need of attention. With a repository name, print that repository's
full health dashboard.`,
	Args: cobra.MaximumNArgs(1),
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

		agg := views.NewAggregator(store)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if len(args) == 1 {
			byRepo, err := agg.AggregateByRepo(cmd.Context())
			if err != nil {
				return err
			}
			return enc.Encode(views.BuildDashboard(args[0], byRepo[args[0]], time.Now()))
		}

		summary, err := agg.Summary(cmd.Context())
		if err != nil {
			return err
		}
		attention, err := agg.ReposNeedingAttention(cmd.Context(), dashboardTop)
		if err != nil {
			return err
		}
		return enc.Encode(struct {
			Summary   *views.Summary    `json:"summary"`
			Attention []views.RepoScore `json:"repos_needing_attention"`
		}{summary, attention})
	},
}

func init() {
	dashboardCmd.Flags().IntVar(&dashboardTop, "top", 5, "how many repositories to rank")
	rootCmd.AddCommand(dashboardCmd)
}
