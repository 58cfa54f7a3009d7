package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/zulandar/chorus/internal/config"
	"github.com/zulandar/chorus/internal/db"
	"gorm.io/gorm"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBSeedCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate tables and seed the built-in personas",
		Long:  "Creates or updates every chorus table and upserts the built-in persona catalog from config. Safe to run repeatedly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chorus config file")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded config from %s\n", configPath)

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected to %s database\n", cfg.Database.Driver)

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	return seedBuiltins(out, gormDB, cfg)
}

func newDBSeedCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert the built-in personas",
		Long:  "Re-applies the built-in persona catalog from config to an already migrated database. User personas are untouched.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBSeed(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chorus config file")
	return cmd
}

func runDBSeed(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	return seedBuiltins(cmd.OutOrStdout(), gormDB, cfg)
}

func seedBuiltins(out io.Writer, gormDB *gorm.DB, cfg *config.Config) error {
	if err := db.SeedBuiltinPersonas(gormDB, cfg.Personas.Builtin); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d built-in personas:", len(cfg.Personas.Builtin))
	for _, b := range cfg.Personas.Builtin {
		fmt.Fprintf(out, " %s:%s", b.Scope, b.Name)
	}
	fmt.Fprintln(out)
	return nil
}
