package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lesleslie/mahavishnu/internal/broadcast"
	"github.com/lesleslie/mahavishnu/internal/coordinator"
	"github.com/lesleslie/mahavishnu/internal/graph"
	"github.com/lesleslie/mahavishnu/internal/storage/mysql"
	"github.com/lesleslie/mahavishnu/internal/worktree"
)

var (
	planGoal     string
	planExecute  bool
	planRollback bool
	planActor    string
)

var planCmd = &cobra.Command{
	Use:   "plan [task-id...]",
	Short: "Build an ordered completion plan for the given tasks",
	Long: `Topologically order the selected tasks over the blocking edges among
them and print the resulting plan. With --execute the steps are run in
order; the first failure stops the plan, and --rollback then reverts the
completed steps in reverse order.`,
	Args: cobra.MinimumNArgs(1),
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

		g := graph.New(store)
		if err := g.LoadFromStore(cmd.Context()); err != nil {
			return err
		}

		caster := broadcast.New(broadcast.Config{}, log)
		coord := coordinator.New(store, g, log,
			coordinator.WithActor(planActor),
			coordinator.WithNotifier(caster),
			coordinator.WithHousekeeper(worktree.NewTracker(log, nil)),
		)

		plan, err := coord.CreatePlan(cmd.Context(), planGoal, args)
		if err != nil {
			return err
		}

		if planExecute {
			results := coord.ExecutePlan(cmd.Context(), plan)
			failed := false
			for _, ok := range results {
				if !ok {
					failed = true
					break
				}
			}
			if failed && planRollback {
				coord.RollbackPlan(cmd.Context(), plan)
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(plan); err != nil {
			return err
		}
		if planExecute && plan.Status != coordinator.PlanCompleted {
			return fmt.Errorf("plan finished with status %s", plan.Status)
		}
		return nil
	},
}

func init() {
	planCmd.Flags().StringVar(&planGoal, "goal", "", "short description of what the plan achieves")
	planCmd.Flags().BoolVar(&planExecute, "execute", false, "run the plan after building it")
	planCmd.Flags().BoolVar(&planRollback, "rollback", false, "revert completed steps when execution fails")
	planCmd.Flags().StringVar(&planActor, "actor", "coordinator", "actor recorded on plan mutations")
	rootCmd.AddCommand(planCmd)
}
