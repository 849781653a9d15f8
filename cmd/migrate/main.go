package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/migrate"
)

type options struct {
	cmd     string
	dir     string
	name    string
	version string
}

// dbCommands run against a live database; create and validate only touch disk.
var dbCommands = map[string]func(ctx context.Context, r *migrate.Runner, opts options) error{
	"up": func(ctx context.Context, r *migrate.Runner, _ options) error {
		return report(r.Up(ctx))
	},
	"down": func(ctx context.Context, r *migrate.Runner, _ options) error {
		return report(r.Down(ctx))
	},
	"version": func(ctx context.Context, r *migrate.Runner, o options) error {
		if o.version == "" {
			return errors.New("missing -version for version command")
		}
		return report(r.To(ctx, o.version))
	},
	"status": func(ctx context.Context, r *migrate.Runner, _ options) error {
		rows, err := r.Status(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tFILE")
		for _, row := range rows {
			state, at := "pending", "-"
			if row.Applied {
				state, at = "applied", row.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", row.Version, state, at, row.Path)
		}
		return tw.Flush()
	},
}

func report(applied []migrate.Applied, err error) error {
	for _, m := range applied {
		fmt.Printf("%-4s %d %s (%s)\n", m.Direction, m.Version, m.Path, m.Duration.Round(time.Millisecond))
	}
	if err == nil && len(applied) == 0 {
		fmt.Println("no migrations to run")
	}
	return err
}

func main() {
	logg := logger.New(logger.Options{ServiceName: "migrate"})
	_ = godotenv.Load()

	var opts options
	flag.StringVar(&opts.cmd, "cmd", "up", "migration command: up|down|status|version|create|validate")
	flag.StringVar(&opts.dir, "dir", migrate.DefaultDir, "goose migrations directory")
	flag.StringVar(&opts.name, "name", "", "migration name (for create)")
	flag.StringVar(&opts.version, "version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	if err := run(logg, opts); err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", opts.cmd, err)
		os.Exit(1)
	}
}

func run(logg *logger.Logger, opts options) error {
	switch opts.cmd {
	case "create":
		if opts.name == "" {
			return errors.New("missing -name for create")
		}
		path, err := migrate.CreateSQLMigration(opts.dir, opts.name)
		if err != nil {
			return err
		}
		fmt.Println("created migration:", path)
		return nil
	case "validate":
		if err := migrate.ValidateDir(opts.dir); err != nil {
			return err
		}
		fmt.Println("migration validation passed")
		return nil
	}

	command, ok := dbCommands[opts.cmd]
	if !ok {
		return fmt.Errorf("unknown -cmd value %q", opts.cmd)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env": cfg.App.Env,
		"cmd": opts.cmd,
		"dir": opts.dir,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer dbClient.Close()

	sqlDB, err := dbClient.DB().DB()
	if err != nil {
		return fmt.Errorf("sql handle: %w", err)
	}
	runner, err := migrate.NewRunner(sqlDB, opts.dir)
	if err != nil {
		return err
	}

	logg.Info(ctx, "running migrations")
	return command(ctx, runner, opts)
}
