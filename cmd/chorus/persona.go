package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/chorus/internal/config"
	"github.com/zulandar/chorus/internal/db"
	"github.com/zulandar/chorus/internal/models"
	"github.com/zulandar/chorus/internal/persona"
)

func newPersonaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persona",
		Short: "Inspect personas",
	}

	cmd.AddCommand(newPersonaListCmd())
	return cmd
}

func newPersonaListCmd() *cobra.Command {
	var (
		configPath string
		scope      string
		owner      string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List built-in personas, or a user's own personas with --owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPersonaList(cmd, configPath, scope, owner)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chorus config file")
	cmd.Flags().StringVar(&scope, "scope", "", "filter by scope (private or group_role)")
	cmd.Flags().StringVar(&owner, "owner", "", "list personas owned by this platform user id")
	return cmd
}

func runPersonaList(cmd *cobra.Command, configPath, scope, owner string) error {
	scopes := []string{models.ScopePrivate, models.ScopeGroupRole}
	if scope != "" {
		if !persona.ValidScope(scope) {
			return fmt.Errorf("persona: unknown scope %q (want private or group_role)", scope)
		}
		scopes = []string{scope}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	store, err := persona.NewStore(persona.StoreOpts{DB: gormDB})
	if err != nil {
		return err
	}

	ctx := context.Background()
	var rows []models.Persona
	for _, sc := range scopes {
		var batch []models.Persona
		if owner != "" {
			batch, err = store.ListForOwner(ctx, owner, sc)
		} else {
			batch, err = store.ListBuiltins(ctx, sc)
		}
		if err != nil {
			return err
		}
		rows = append(rows, batch...)
	}

	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "No personas found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSCOPE\tNAME\tMODEL")
	for _, p := range rows {
		model := "-"
		if p.ModelName != nil {
			model = *p.ModelName
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.ID, p.Scope, p.Name, model)
	}
	return w.Flush()
}
