// Command noesis-migrate applies the embedded schema migrations. The
// database URL comes from the runtime configuration; the positional argument
// selects the goose command (up, down, status, version) and defaults to up.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"goa.design/clue/log"

	"github.com/noesislabs/noesis/config"
	"github.com/noesislabs/noesis/migrations"
)

func main() {
	var (
		dbURLF = flag.String("database-url", "", "Database URL (overrides DATABASE_URL)")
		dbgF   = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	command := flag.Arg(0)
	if command == "" {
		command = "up"
	}
	if err := run(ctx, command, *dbURLF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, command, dbURL string) error {
	if dbURL == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		dbURL = cfg.DatabaseURL
	}
	if dbURL == "" {
		return fmt.Errorf("no database URL; set DATABASE_URL or pass -database-url")
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	switch command {
	case "up":
		err = goose.UpContext(ctx, db, ".")
	case "down":
		err = goose.DownContext(ctx, db, ".")
	case "status":
		err = goose.StatusContext(ctx, db, ".")
	case "version":
		var v int64
		if v, err = goose.GetDBVersionContext(ctx, db); err == nil {
			log.Print(ctx, log.KV{K: "schema_version", V: v})
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want up, down, status or version)\n", command)
		os.Exit(2)
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", command, err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "migrations " + command + " complete"})
	return nil
}
