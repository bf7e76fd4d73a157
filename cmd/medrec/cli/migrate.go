package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"medrec.org/internal/config"
	"medrec.org/internal/migrate"
	"medrec.org/internal/obs"
	"medrec.org/internal/store/pg"
)

func newMigrateCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:       "migrate [up|down|status|seed]",
		Short:     "Apply or inspect the embedded PostgreSQL schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down", "status", "seed"},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Only the DSN matters here, so the full validation is skipped.
			v, err := config.New(cfgFile)
			if err != nil {
				return err
			}
			if err := v.BindPFlag("database.dsn", cmd.Flags().Lookup("dsn")); err != nil {
				return err
			}
			obs.Configure(os.Stderr, v.GetString("log.level"), v.GetString("log.format"))
			dsn := v.GetString("database.dsn")
			if dsn == "" {
				return errors.New("database.dsn is required (set MEDREC_DATABASE_DSN or --dsn)")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			st, err := pg.Open(dsn, pg.PoolConfig{MaxOpenConns: 2})
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer st.Close()
			mgr := newManager(st.DB())

			out := cmd.OutOrStdout()
			switch args[0] {
			case "up":
				applied, err := mgr.Up(ctx)
				if err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				printNames(cmd, "applied", applied)
			case "down":
				name, err := mgr.Down(ctx)
				if errors.Is(err, migrate.ErrNoMigrations) {
					fmt.Fprintln(out, "nothing to roll back")
					return nil
				}
				if err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				fmt.Fprintf(out, "rolled back %s\n", name)
			case "seed":
				seeded, err := mgr.Seed(ctx)
				if err != nil {
					return fmt.Errorf("migrate seed: %w", err)
				}
				printNames(cmd, "seeded", seeded)
			case "status":
				history, err := mgr.Status(ctx)
				if err != nil {
					return fmt.Errorf("migrate status: %w", err)
				}
				for _, item := range history {
					fmt.Fprintln(out, item)
				}
			default:
				return fmt.Errorf("unknown migrate command %q", args[0])
			}
			return nil
		},
	}
	cmd.Flags().String("dsn", "", "PostgreSQL DSN (overrides database.dsn)")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "Overall timeout")
	return cmd
}

func printNames(cmd *cobra.Command, verb string, names []string) {
	if len(names) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "nothing %s\n", verb)
		return
	}
	for _, n := range names {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, n)
	}
}
