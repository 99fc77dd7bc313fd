package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/conveyor/internal/db"
	"github.com/zulandar/conveyor/internal/store"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the Conveyor database",
		Long:  "Migrates the job tables and prepares the configured object store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	switch cfg.Database.Driver {
	case "mysql":
		fmt.Fprintf(out, "Connected to MySQL at %s:%d/%s\n", cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)
	default:
		fmt.Fprintf(out, "Opened SQLite database %s\n", cfg.Database.Path)
	}

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if _, err := store.Open(cmd.Context(), cfg.Store); err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	fmt.Fprintf(out, "Object store %s ready\n", describeStore(cfg.Store.Backend, cfg.Store.Root, cfg.Store.Bucket))

	fmt.Fprintln(out, "\nConveyor database initialized successfully.")
	return nil
}

func describeStore(backend, root, bucket string) string {
	switch backend {
	case "fs":
		return "fs:" + root
	case "minio":
		return "minio:" + bucket
	default:
		return backend
	}
}
