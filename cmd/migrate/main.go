package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"gracechurch.org/authz/internal/migrate"
	"gracechurch.org/authz/internal/obs"
)

func main() {
	logger := obs.InitLogger(os.Getenv("AUTHZ_LOG_LEVEL"))
	defer func() { _ = logger.Sync() }()

	var (
		dsn            = flag.String("dsn", os.Getenv("AUTHZ_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Path to SQL migrations (default: embedded)")
		seedsPath      = flag.String("seeds", "", "Path to SQL seeds (default: embedded)")
	)
	flag.Parse()

	if *dsn == "" {
		logger.Fatal("missing DSN: provide via -dsn or AUTHZ_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		logger.Fatal("usage: migrate [up|down|seed|status]")
	}

	migrations, seeds := migrate.Embedded()
	if *migrationsPath != "" {
		migrations = os.DirFS(*migrationsPath)
	}
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	if err := run(ctx, migrate.NewManager(db, migrations, seeds), flag.Arg(0)); err != nil {
		logger.Fatal("migrate failed", zap.String("command", flag.Arg(0)), zap.Error(err))
	}
}

func run(ctx context.Context, mgr *migrate.Manager, command string) error {
	switch command {
	case "up":
		return mgr.Up(ctx)
	case "down":
		return mgr.Down(ctx)
	case "seed":
		return mgr.Seed(ctx)
	case "status":
		applied, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, a := range applied {
			fmt.Printf("applied  %s  %s\n", a.Name, a.AppliedAt.UTC().Format(time.RFC3339))
		}
		pending, err := mgr.Pending(ctx)
		if err != nil {
			return err
		}
		for _, name := range pending {
			fmt.Printf("pending  %s\n", name)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
