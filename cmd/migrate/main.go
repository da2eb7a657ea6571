package main

import (
	"BattleLedger/internal/observability"
	"BattleLedger/internal/persistence"
	"BattleLedger/internal/projection"
	"BattleLedger/migrations"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|status|rebuild-projections>")
	fmt.Println("  up                  - apply all pending migrations")
	fmt.Println("  down                - roll back the last migration")
	fmt.Println("  status              - list migrations and whether they are applied")
	fmt.Println("  rebuild-projections - rebuild projection tables from the event log")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  BATTLE_POSTGRES_URL    - Postgres connection string")
	fmt.Println("  BATTLE_MIGRATIONS_DIR  - migrations directory (default: embedded)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	logger := observability.NewLogger("migrate")

	pgURL := os.Getenv("BATTLE_POSTGRES_URL")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/battleledger?sslmode=disable"
	}

	var fsys fs.FS = migrations.FS
	if dir := os.Getenv("BATTLE_MIGRATIONS_DIR"); dir != "" {
		fsys = os.DirFS(dir)
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, fsys, logger)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		for _, s := range statuses {
			state := "pending"
			if s.Applied {
				state = "applied"
			}
			fmt.Printf("%-40s %s\n", s.Version, state)
		}

	case "rebuild-projections":
		if err := projection.RebuildProjections(ctx, db, logger); err != nil {
			logger.Fatal().Err(err).Msg("rebuild projections")
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
