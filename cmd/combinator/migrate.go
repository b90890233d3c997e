package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/combinator/combinator/internal/migrate"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply a directory of .sql files to an RDB store",
		Long: `Applies every .sql file of the migration directory, in file name order,
to one RDB store of a running gateway. Each file runs as a single batch and is
recorded in the store's combinator_migrations table, so reruns skip it.`,
		Args: cobra.NoArgs,
		RunE: runMigrate,
	}

	migrateCmd.Flags().StringP("index", "i", "", "RDB store ID (required)")
	migrateCmd.Flags().StringP("migration-dir", "d", "./migrations", "Directory containing .sql files")
	migrateCmd.Flags().String("api", "localhost:8899", "Gateway address")
	_ = migrateCmd.MarkFlagRequired("index")
	return migrateCmd
}

func runMigrate(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	setupLogging(level, format)

	storeID, _ := cmd.Flags().GetString("index")
	dir, _ := cmd.Flags().GetString("migration-dir")
	addr, _ := cmd.Flags().GetString("api")

	runner, err := migrate.NewRunner(migrate.Options{
		Addr:    addr,
		StoreID: storeID,
		Logger:  logrus.StandardLogger(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	result, err := runner.Run(ctx, dir)
	if result != nil {
		for _, name := range result.Skipped {
			fmt.Fprintf(out, "- %s (already applied)\n", name)
		}
		for _, name := range result.Applied {
			fmt.Fprintf(out, "✓ %s\n", name)
		}
	}
	if err != nil {
		return err
	}

	if len(result.Applied) == 0 {
		fmt.Fprintln(out, "No new migrations")
	} else {
		fmt.Fprintf(out, "Applied %d migration(s) to store %s\n", len(result.Applied), storeID)
	}
	return nil
}
