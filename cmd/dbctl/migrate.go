package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/quartzdb/quartzdb/internal/catalog"
	"github.com/quartzdb/quartzdb/internal/idgen"
	"github.com/quartzdb/quartzdb/internal/migration"
)

var (
	migrateToPath         string
	migrateAllowDestruct  bool
	migrateDryRun         bool
	migrateBatchSize      int
	migrateBatchConcur    int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Plan, apply, inspect, and roll back online schema migrations",
}

func loadTargetBundle(path string) (*catalog.Bundle, error) {
	if path == "" {
		return nil, fmt.Errorf("--to is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var b catalog.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &b, nil
}

var migratePlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Diff the current schema against a target bundle and print the plan",
	Long: `plan computes the step-by-step migration plan that would carry the
database from its current schema to the bundle named by --to (a JSON
file in the same shape 'dbctl schema dump --json' prints), grades its
safety, and prints it without touching the database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		to, err := loadTargetBundle(migrateToPath)
		if err != nil {
			return err
		}
		plan, err := eng.mig.Plan(eng.cat.CurrentSchema(), to, time.Now().UnixNano())
		if err != nil {
			return err
		}
		printPlan(plan)
		return nil
	},
}

var migrateApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Plan and execute a migration to a target bundle",
	Long: `apply plans a migration to the bundle named by --to, then executes it
phase by phase (expand, backfill, validate, contract), persisting
progress after every step; an interrupted run is not resumed.
On success the target bundle becomes the database's current schema.

A grade-D (destructive) plan is refused unless --allow-destructive is
set. --dry-run grades and validates the plan but executes no step.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		to, err := loadTargetBundle(migrateToPath)
		if err != nil {
			return err
		}
		from := eng.cat.CurrentSchema()
		plan, err := eng.mig.Plan(from, to, time.Now().UnixNano())
		if err != nil {
			return err
		}

		cfg := migration.Config{
			AllowDestructive: migrateAllowDestruct,
			DryRun:           migrateDryRun,
			BatchSize:        migrateBatchSize,
			BatchConcurrency: migrateBatchConcur,
		}
		state, err := eng.mig.Execute(context.Background(), plan, cfg, func() int64 { return time.Now().UnixNano() })
		if err != nil {
			printState(state)
			return err
		}
		printState(state)

		if migrateDryRun {
			return nil
		}
		if state.Status != migration.StatusComplete {
			return fmt.Errorf("migration %s did not complete, schema left unchanged", idgen.FormatUUID(state.ID))
		}
		if err := eng.cat.ApplyAndSave(eng.kv, to); err != nil {
			return fmt.Errorf("migration steps completed but schema swap failed: %w", err)
		}
		fmt.Printf("schema now at version %d\n", eng.cat.CurrentVersion())
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status [migration-id]",
	Short: "List migrations, or show one migration's detailed state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		if len(args) == 1 {
			id, err := idgen.ParseUUID(args[0])
			if err != nil {
				return fmt.Errorf("invalid migration id %q: %w", args[0], err)
			}
			state, found, err := migration.LoadMigrationState(eng.kv, id)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no migration found with id %s", args[0])
			}
			printState(state)
			return nil
		}

		states, err := migration.ListMigrationStates(eng.kv)
		if err != nil {
			return err
		}
		sort.Slice(states, func(i, j int) bool { return states[i].CreatedAt < states[j].CreatedAt })
		if jsonOutput {
			data, err := json.MarshalIndent(states, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		for _, s := range states {
			fmt.Printf("%s  v%d->v%d  %s  step %d/%d\n",
				idgen.FormatUUID(s.ID), s.FromVersion, s.ToVersion, s.Status, s.CurrentStep+1, len(s.StepProgress))
		}
		return nil
	},
}

var migrateRollbackCmd = &cobra.Command{
	Use:   "rollback <migration-id>",
	Short: "Abandon a non-terminal migration still in its expand or backfill phase",
	Long: `rollback marks a migration StatusRolledBack, safe only while it has not
yet reached its contract phase: expand and backfill only add schema
elements and populate them, nothing has been removed yet. Once the
migration has entered its contract phase, rollback is refused — the data
needed to revert may no longer exist.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		id, err := idgen.ParseUUID(args[0])
		if err != nil {
			return fmt.Errorf("invalid migration id %q: %w", args[0], err)
		}
		state, err := eng.mig.Rollback(id, time.Now().UnixNano())
		if err != nil {
			return err
		}
		printState(state)
		return nil
	},
}

func init() {
	migratePlanCmd.Flags().StringVar(&migrateToPath, "to", "", "path to a JSON catalog.Bundle describing the target schema")
	migrateApplyCmd.Flags().StringVar(&migrateToPath, "to", "", "path to a JSON catalog.Bundle describing the target schema")
	migrateApplyCmd.Flags().BoolVar(&migrateAllowDestruct, "allow-destructive", false, "permit a grade-D (destructive) plan to run")
	migrateApplyCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "grade and validate the plan but execute no step")
	migrateApplyCmd.Flags().IntVar(&migrateBatchSize, "batch-size", 0, "rows per backfill transaction (0 = executor default)")
	migrateApplyCmd.Flags().IntVar(&migrateBatchConcur, "batch-concurrency", 0, "rows decoded concurrently per backfill batch (0 = executor default)")

	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migratePlanCmd, migrateApplyCmd, migrateStatusCmd, migrateRollbackCmd)
}

func printPlan(plan migration.MigrationPlan) {
	fmt.Printf("plan %s: v%d -> v%d, grade %s, %d step(s)\n",
		idgen.FormatUUID(plan.ID), plan.FromVersion, plan.ToVersion, plan.Grade.OverallGrade, plan.StepCount())
	for i, s := range plan.Steps {
		fmt.Printf("  [%d] %s / %s: %s\n", i, s.Phase, stepKindName(s.Kind), s.EntityName)
	}
}

func printState(s migration.MigrationState) {
	fmt.Printf("migration %s: v%d -> v%d, status %s, step %d/%d\n",
		idgen.FormatUUID(s.ID), s.FromVersion, s.ToVersion, s.Status, s.CurrentStep+1, len(s.StepProgress))
	if s.Error != "" {
		fmt.Printf("  error: %s\n", s.Error)
	}
	for _, p := range s.StepProgress {
		fmt.Printf("  step %d: %s (%.0f%%)\n", p.Index, p.Status, p.PercentComplete())
	}
}

func stepKindName(k migration.StepKind) string {
	// migration.Step has no exported Kind->string helper, so dbctl mirrors
	// the unexported describeStepKind switch locally for display purposes.
	switch k {
	case migration.StepAddEntity:
		return "add_entity"
	case migration.StepAddField:
		return "add_field"
	case migration.StepAddRelation:
		return "add_relation"
	case migration.StepAddConstraint:
		return "add_constraint"
	case migration.StepCreateIndex:
		return "create_index"
	case migration.StepPopulateDefault:
		return "populate_default"
	case migration.StepPopulateNullsWithDefault:
		return "populate_nulls_with_default"
	case migration.StepTransformField:
		return "transform_field"
	case migration.StepBuildIndex:
		return "build_index"
	case migration.StepCheckConstraint:
		return "check_constraint"
	case migration.StepCheckDataIntegrity:
		return "check_data_integrity"
	case migration.StepRemoveConstraint:
		return "remove_constraint"
	case migration.StepRemoveRelation:
		return "remove_relation"
	case migration.StepRemoveField:
		return "remove_field"
	case migration.StepRemoveIndex:
		return "remove_index"
	case migration.StepRemoveEntity:
		return "remove_entity"
	case migration.StepEnforceConstraint:
		return "enforce_constraint"
	default:
		return "unknown"
	}
}
