package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/taskrunner/internal/store/sqlstore"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Run: func(cmd *cobra.Command, args []string) {
			sc := storeConfig(loadConfig())
			status, err := sqlstore.Migrate(sc.ResolvedDriver(), sc.DSN())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
				os.Exit(1)
			}
			if !status.Changed {
				fmt.Printf("Schema already up to date (version %d).\n", status.Version)
				return
			}
			fmt.Printf("Migrated to version %d.\n", status.Version)
		},
	}
}

func migrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Run: func(cmd *cobra.Command, args []string) {
			sc := storeConfig(loadConfig())
			if err := sqlstore.MigrateDown(sc.ResolvedDriver(), sc.DSN(), steps); err != nil {
				fmt.Fprintf(os.Stderr, "Rollback failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Rolled back %d step(s).\n", steps)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	return cmd
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Run: func(cmd *cobra.Command, args []string) {
			sc := storeConfig(loadConfig())
			status, err := sqlstore.SchemaVersion(sc.ResolvedDriver(), sc.DSN())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			dirty := ""
			if status.Dirty {
				dirty = " (dirty)"
			}
			fmt.Printf("Schema version %d%s\n", status.Version, dirty)
		},
	}
}
