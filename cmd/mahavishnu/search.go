package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lesleslie/mahavishnu/internal/storage/mysql"
	"github.com/lesleslie/mahavishnu/internal/types"
	"github.com/lesleslie/mahavishnu/internal/views"
)

var (
	searchRepos    []string
	searchStatuses []string
	searchTags     []string
	searchLimit    int
	searchMinScore float64
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Rank tasks against a free-text query",
	Args:  cobra.ExactArgs(1),
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
		tasks, err := agg.AggregateWithFilter(cmd.Context(), nil, searchRepos)
		if err != nil {
			return err
		}

		if len(searchStatuses) > 0 || len(searchTags) > 0 {
			statuses := make([]types.TaskStatus, 0, len(searchStatuses))
			for _, s := range searchStatuses {
				statuses = append(statuses, types.TaskStatus(s))
			}
			refined := views.Refine(tasks, views.Refinement{
				Statuses: statuses,
				AnyTags:  searchTags,
				PageSize: len(tasks) + 1,
			}, time.Now())
			tasks = refined.Tasks
		}

		results := views.Search(tasks, args[0], searchLimit, searchMinScore)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	},
}

func init() {
	searchCmd.Flags().StringSliceVar(&searchRepos, "repo", nil, "restrict to these repositories")
	searchCmd.Flags().StringSliceVar(&searchStatuses, "status", nil, "restrict to these statuses")
	searchCmd.Flags().StringSliceVar(&searchTags, "tag", nil, "match any of these tags")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "maximum results")
	searchCmd.Flags().Float64Var(&searchMinScore, "min-score", 0, "drop results scoring below this")
	rootCmd.AddCommand(searchCmd)
}
