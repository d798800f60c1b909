package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"beneficios.org/internal/migrate"
	"beneficios.org/internal/obs"
)

func main() {
	var (
		dsn = flag.String("dsn", os.Getenv("BENEFICIOS_PG_DSN"), "PostgreSQL DSN")
		dir = flag.String("dir", "", "read migrations from this directory instead of the embedded set")
	)
	flag.Parse()
	log := obs.Logger().WithField("component", "migrate")

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or BENEFICIOS_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer db.Close()

	files := migrate.Embedded()
	if *dir != "" {
		files = os.DirFS(*dir)
	}
	mgr := migrate.NewManager(db, files)

	switch cmd := flag.Arg(0); cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			log.WithField("migration", name).Info("applied")
		}
		if err == nil && len(applied) == 0 {
			log.Info("schema is up to date")
		}
	case "down":
		var reverted string
		reverted, err = mgr.Down(ctx)
		if err == nil && reverted != "" {
			log.WithField("migration", reverted).Info("reverted")
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.WithError(err).Fatalf("migrate %s", flag.Arg(0))
	}
}
