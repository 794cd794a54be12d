package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/case-surveillance-pipeline/internal/bootstrap"
	"github.com/case-surveillance-pipeline/internal/database"
	"github.com/case-surveillance-pipeline/internal/domain"
	"github.com/case-surveillance-pipeline/internal/logging"
	"github.com/case-surveillance-pipeline/internal/parking"
	"github.com/case-surveillance-pipeline/internal/transform"
)

func openApp(cmd *cobra.Command) (*bootstrap.App, domain.ConfigManager, error) {
	path, _ := cmd.Flags().GetString("config")
	return bootstrap.Open(path)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	withRunner := func(fn func(ctx context.Context, r *database.MigrationRunner) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			app, mgr, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			var runner *database.MigrationRunner
			if path := app.Config.Database.MigrationsPath; path != "" {
				runner, err = database.NewMigrationRunnerFromPath(mgr.GetDatabaseURL(), path, app.Log)
			} else {
				runner, err = database.NewMigrationRunner(mgr.GetDatabaseURL(), app.Log)
			}
			if err != nil {
				return err
			}
			defer runner.Close()
			return fn(cmd.Context(), runner)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: withRunner(func(ctx context.Context, r *database.MigrationRunner) error {
			return r.Up(ctx)
		}),
	})

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
	}
	steps := downCmd.Flags().Int("steps", 1, "number of migrations to roll back")
	downCmd.RunE = withRunner(func(ctx context.Context, r *database.MigrationRunner) error {
		return r.Down(ctx, *steps)
	})
	cmd.AddCommand(downCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		RunE: withRunner(func(ctx context.Context, r *database.MigrationRunner) error {
			version, dirty, err := r.Version()
			if err != nil {
				return err
			}
			fmt.Printf("version %d (dirty: %t)\n", version, dirty)
			return nil
		}),
	})

	forceCmd := &cobra.Command{
		Use:   "force VERSION",
		Short: "Set the schema version without running migrations",
		Args:  cobra.ExactArgs(1),
	}
	forceCmd.RunE = func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return withRunner(func(ctx context.Context, r *database.MigrationRunner) error {
			return r.Force(version)
		})(cmd, args)
	}
	cmd.AddCommand(forceCmd)

	return cmd
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-announce stored documents received in a time range",
		Long: "Publishes DocumentStored again for every stored document received in\n" +
			"[since, until). Downstream stages are idempotent, so replaying is safe.",
	}
	since := cmd.Flags().String("since", "", "start of the range, YYYY-MM-DD or RFC 3339 (required)")
	until := cmd.Flags().String("until", "", "end of the range, YYYY-MM-DD or RFC 3339 (default now)")
	_ = cmd.MarkFlagRequired("since")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		from, err := parseInstant(*since)
		if err != nil {
			return err
		}
		to := time.Now()
		if *until != "" {
			if to, err = parseInstant(*until); err != nil {
				return err
			}
		}
		if !from.Before(to) {
			return fmt.Errorf("--since must be before --until")
		}

		app, _, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		if err := app.OpenIngestion(cmd.Context()); err != nil {
			return err
		}

		n, err := app.Ingestion.Replay(cmd.Context(), from, to)
		if err != nil {
			return err
		}
		fmt.Printf("Replayed %d document(s).\n", n)
		return nil
	}
	return cmd
}

func parseInstant(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(domain.DateLayout, s, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}

func parkedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parked",
		Short: "Inspect and requeue parked messages",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List parked messages, newest first",
	}
	all := listCmd.Flags().Bool("all", false, "include messages that were already requeued")
	limit := listCmd.Flags().Int("limit", 50, "maximum number of messages")
	offset := listCmd.Flags().Int("offset", 0, "number of messages to skip")
	listCmd.RunE = func(cmd *cobra.Command, args []string) error {
		app, _, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		if err := app.OpenParking(cmd.Context()); err != nil {
			return err
		}

		msgs, err := app.Parking.List(cmd.Context(), *limit, *offset, !*all)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTREAM\tTYPE\tATTEMPTS\tPARKED AT\tREQUEUED\tREASON")
		for _, m := range msgs {
			requeued := "-"
			if m.RequeuedAt != nil {
				requeued = m.RequeuedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				m.ID, m.Stream, m.EventType, m.Attempts, m.ParkedAt.Format(time.RFC3339), requeued, m.Reason)
		}
		return w.Flush()
	}
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue ID...",
		Short: "Publish parked messages to their stream again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, 0, len(args))
			for _, a := range args {
				id, err := uuid.Parse(a)
				if err != nil {
					return fmt.Errorf("invalid message id %q: %w", a, err)
				}
				ids = append(ids, id)
			}

			app, _, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			if err := app.OpenParking(cmd.Context()); err != nil {
				return err
			}
			if err := app.OpenBus(cmd.Context()); err != nil {
				return err
			}

			for _, id := range ids {
				if err := parking.Requeue(cmd.Context(), app.Parking, app.Bus, id, app.Log); err != nil {
					return err
				}
				fmt.Printf("Requeued %s\n", id)
			}
			return nil
		},
	})

	return cmd
}

func pseudonymizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pseudonymize NATURAL_ID",
		Short: "Print the pseudonym of a natural identifier",
		Args:  cobra.ExactArgs(1),
	}
	kind := cmd.Flags().String("kind", string(domain.PATIENT_ID), "identifier kind: patient or organization")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		k := domain.IdentifierKind(*kind)
		if !k.IsValid() {
			return fmt.Errorf("invalid identifier kind %q", *kind)
		}

		app, _, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		if err := app.OpenPseudonymizer(); err != nil {
			return err
		}

		p, err := app.Pseudonymizer.Pseudonymize(cmd.Context(), k, args[0])
		if err != nil {
			return err
		}
		fmt.Println(p)
		return nil
	}
	return cmd
}

func mappingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "Work with code mapping tables",
	}

	validateCmd := &cobra.Command{
		Use:   "validate DIR",
		Short: "Load every mapping table in DIR and report the versions found",
		Args:  cobra.ExactArgs(1),
	}
	defaultVersion := validateCmd.Flags().String("default-version", "", "version that must be present")
	validateCmd.RunE = func(cmd *cobra.Command, args []string) error {
		reg, err := transform.LoadRegistry(args[0], *defaultVersion, logging.Discard())
		if err != nil {
			return err
		}
		versions := reg.Versions()
		if len(versions) == 0 {
			return fmt.Errorf("no mapping tables in %s", args[0])
		}
		for _, v := range versions {
			fmt.Println(v)
		}
		return nil
	}
	cmd.AddCommand(validateCmd)

	return cmd
}
